package object

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const tempPrefix = ".tmp-"

// DefaultSweepGrace is how old a blob or temp file must be, relative to the
// sweep cutoff, before a sweep may remove it.
const DefaultSweepGrace = 10 * time.Minute

// SweepOptions controls Store.Sweep.
type SweepOptions struct {
	// Cutoff is the time the live set was snapshotted. Blobs modified after
	// Cutoff-Grace are kept even if unreferenced: they may belong to a run
	// that has not written its manifest yet. Zero means now.
	Cutoff time.Time
	Grace  time.Duration
	// DryRun reports what would be removed without removing it.
	DryRun bool
}

// SweepSummary reports the outcome of Store.Sweep.
type SweepSummary struct {
	Scanned      int
	Removed      []Digest
	KeptRecent   int
	TempsRemoved int
}

// VerifySummary reports the outcome of Store.Verify.
type VerifySummary struct {
	Objects int
	Corrupt []Digest
}

// List returns every digest stored, sorted.
func (s *Store) List() ([]Digest, error) {
	var out []Digest
	err := s.walk(func(d Digest, _ string, _ os.DirEntry) error {
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Sweep deletes blobs not present in live. The live set must be the union
// of digests across every retained manifest, computed before calling Sweep.
func (s *Store) Sweep(live map[Digest]struct{}, opts SweepOptions) (*SweepSummary, error) {
	if opts.Cutoff.IsZero() {
		opts.Cutoff = time.Now()
	}
	keepAfter := opts.Cutoff.Add(-opts.Grace)
	summary := &SweepSummary{}

	fanoutDirs, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return summary, nil
		}
		return nil, fmt.Errorf("sweep: read objects dir: %w", err)
	}

	for _, fanoutDir := range fanoutDirs {
		prefix := fanoutDir.Name()
		if !fanoutDir.IsDir() || !isHexHashComponent(prefix, 2) {
			continue
		}
		dir := filepath.Join(s.root, prefix)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("sweep: read fanout %s: %w", prefix, err)
		}

		remaining := len(entries)
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			path := filepath.Join(dir, name)

			if strings.HasPrefix(name, tempPrefix) {
				info, err := entry.Info()
				if err != nil || info.ModTime().After(keepAfter) {
					continue
				}
				if !opts.DryRun {
					if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
						return nil, fmt.Errorf("sweep: remove temp %s: %w", name, err)
					}
					remaining--
				}
				summary.TempsRemoved++
				continue
			}

			if !isHexHashComponent(name, DigestLen-2) {
				continue
			}
			d := Digest(prefix + name)
			summary.Scanned++
			if _, ok := live[d]; ok {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					remaining--
					continue
				}
				return nil, fmt.Errorf("sweep: stat %s: %w", d, err)
			}
			if info.ModTime().After(keepAfter) {
				summary.KeptRecent++
				continue
			}
			if !opts.DryRun {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return nil, fmt.Errorf("sweep: remove %s: %w", d, err)
				}
				remaining--
			}
			summary.Removed = append(summary.Removed, d)
		}

		if remaining == 0 && !opts.DryRun {
			// A concurrent writer may have just created a file here; Remove
			// fails on a non-empty directory, which is fine.
			_ = os.Remove(dir)
		}
	}

	sort.Slice(summary.Removed, func(i, j int) bool { return summary.Removed[i] < summary.Removed[j] })
	return summary, nil
}

// Verify reads every blob and checks it decompresses and hashes to its name.
func (s *Store) Verify() (*VerifySummary, error) {
	report := &VerifySummary{}
	err := s.walk(func(d Digest, path string, _ os.DirEntry) error {
		report.Objects++
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("verify %s: %w", d, err)
		}
		data, err := decompress(raw)
		if err != nil {
			report.Corrupt = append(report.Corrupt, d)
			return nil
		}
		if actual, err := s.Digest(data); err != nil || actual != d {
			report.Corrupt = append(report.Corrupt, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Store) walk(fn func(d Digest, path string, entry os.DirEntry) error) error {
	fanoutDirs, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read objects dir: %w", err)
	}
	for _, fanoutDir := range fanoutDirs {
		prefix := fanoutDir.Name()
		if !fanoutDir.IsDir() || !isHexHashComponent(prefix, 2) {
			continue
		}
		dir := filepath.Join(s.root, prefix)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read objects fanout %s: %w", prefix, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isHexHashComponent(entry.Name(), DigestLen-2) {
				continue
			}
			if err := fn(Digest(prefix+entry.Name()), filepath.Join(dir, entry.Name()), entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func isHexHashComponent(s string, expectedLen int) bool {
	if len(s) != expectedLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}
