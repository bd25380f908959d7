// Package manifest stores one immutable module→digest mapping per indexed
// revision under <root>/manifests/<revision>.json.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/odvcencio/gotidx/pkg/object"
)

var (
	// ErrNotFound is returned when no manifest exists for a revision.
	ErrNotFound = object.ErrNotFound
	// ErrCorrupt is returned when a manifest file cannot be decoded.
	ErrCorrupt = object.ErrCorrupt
	// ErrInvalidRevision is returned for revision ids that are not safe file names.
	ErrInvalidRevision = errors.New("invalid revision id")
)

const (
	fileExt    = ".json"
	tempPrefix = ".manifest-tmp-"
)

var revisionPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,254}$`)

// Manifest records the summaries produced for one revision.
type Manifest struct {
	Revision  string                   `json:"revision"`
	Branch    string                   `json:"branch,omitempty"`
	Baseline  string                   `json:"baseline,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	Modules   map[string]object.Digest `json:"modules"`
	// Graph is the digest of the revision's dependency graph snapshot.
	Graph object.Digest `json:"graph,omitempty"`
}

// Digests returns every blob digest the manifest references.
func (m *Manifest) Digests() []object.Digest {
	out := make([]object.Digest, 0, len(m.Modules)+1)
	for _, d := range m.Modules {
		out = append(out, d)
	}
	if m.Graph != "" {
		out = append(out, m.Graph)
	}
	return out
}

// SameContent reports whether m and other describe the same indexing result.
// Creation time is ignored.
func (m *Manifest) SameContent(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Revision == other.Revision &&
		m.Branch == other.Branch &&
		m.Baseline == other.Baseline &&
		m.Graph == other.Graph &&
		maps.Equal(m.Modules, other.Modules)
}

// Header is the summary of a stored manifest returned by List.
type Header struct {
	Revision  string
	Branch    string
	CreatedAt time.Time
	Modules   int
	// Corrupt is set when the file exists but does not decode. CreatedAt then
	// holds the file's modification time.
	Corrupt bool
}

// ValidateRevision checks that rev can be used as a manifest file name.
func ValidateRevision(rev string) error {
	if !revisionPattern.MatchString(rev) {
		return fmt.Errorf("%w: %q", ErrInvalidRevision, rev)
	}
	return nil
}

// Store reads and writes manifests in a single directory.
type Store struct {
	dir string
}

// NewStore returns a Store over dir. The directory is created on first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the manifests directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(rev string) string {
	return filepath.Join(s.dir, rev+fileExt)
}

// Write atomically persists m, replacing any existing manifest for the same
// revision as a whole.
func (s *Store) Write(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("write manifest: nil manifest")
	}
	if err := ValidateRevision(m.Revision); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if m.Modules == nil {
		m.Modules = map[string]object.Digest{}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("write manifest %s: marshal: %w", m.Revision, err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("write manifest %s: mkdir: %w", m.Revision, err)
	}
	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("write manifest %s: tmpfile: %w", m.Revision, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write manifest %s: write: %w", m.Revision, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write manifest %s: sync: %w", m.Revision, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write manifest %s: close: %w", m.Revision, err)
	}
	if err := os.Rename(tmpName, s.path(m.Revision)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write manifest %s: rename: %w", m.Revision, err)
	}
	return nil
}

// Read loads the manifest for rev.
func (s *Store) Read(rev string) (*Manifest, error) {
	if err := ValidateRevision(rev); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	data, err := os.ReadFile(s.path(rev))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read manifest %s: %w", rev, ErrNotFound)
		}
		return nil, fmt.Errorf("read manifest %s: %w", rev, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("read manifest %s: %w: %w", rev, ErrCorrupt, err)
	}
	if m.Revision != rev {
		return nil, fmt.Errorf("read manifest %s: %w: file names revision %q", rev, ErrCorrupt, m.Revision)
	}
	for name, d := range m.Modules {
		if !d.Valid() {
			return nil, fmt.Errorf("read manifest %s: %w: module %s has digest %q", rev, ErrCorrupt, name, d)
		}
	}
	if m.Modules == nil {
		m.Modules = map[string]object.Digest{}
	}
	return &m, nil
}

// Has reports whether a manifest exists for rev.
func (s *Store) Has(rev string) bool {
	if ValidateRevision(rev) != nil {
		return false
	}
	_, err := os.Stat(s.path(rev))
	return err == nil
}

// Revisions returns the set of revisions with a stored manifest without
// decoding any of them.
func (s *Store) Revisions() (map[string]struct{}, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	revs := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if rev, ok := revisionFromFile(e); ok {
			revs[rev] = struct{}{}
		}
	}
	return revs, nil
}

// List returns a header for every stored manifest, newest first. Ties on
// creation time are broken by revision id.
func (s *Store) List() ([]Header, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list manifests: %w", err)
	}

	var headers []Header
	for _, e := range entries {
		rev, ok := revisionFromFile(e)
		if !ok {
			continue
		}
		m, err := s.Read(rev)
		switch {
		case err == nil:
			headers = append(headers, Header{
				Revision:  m.Revision,
				Branch:    m.Branch,
				CreatedAt: m.CreatedAt,
				Modules:   len(m.Modules),
			})
		case errors.Is(err, ErrCorrupt):
			h := Header{Revision: rev, Corrupt: true}
			if info, statErr := e.Info(); statErr == nil {
				h.CreatedAt = info.ModTime()
			}
			headers = append(headers, h)
		case errors.Is(err, ErrNotFound):
			// Pruned between ReadDir and Read.
		default:
			return nil, fmt.Errorf("list manifests: %w", err)
		}
	}
	sortNewestFirst(headers)
	return headers, nil
}

// Delete removes the manifest for rev. Deleting a missing manifest is not an
// error.
func (s *Store) Delete(rev string) error {
	if err := ValidateRevision(rev); err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}
	if err := os.Remove(s.path(rev)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete manifest %s: %w", rev, err)
	}
	return nil
}

func revisionFromFile(e os.DirEntry) (string, bool) {
	name := e.Name()
	if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	rev := strings.TrimSuffix(name, fileExt)
	if ValidateRevision(rev) != nil {
		return "", false
	}
	return rev, true
}

func sortNewestFirst(headers []Header) {
	sort.SliceStable(headers, func(i, j int) bool {
		if !headers[i].CreatedAt.Equal(headers[j].CreatedAt) {
			return headers[i].CreatedAt.After(headers[j].CreatedAt)
		}
		return headers[i].Revision < headers[j].Revision
	})
}
