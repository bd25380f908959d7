// Package baseline picks the indexed revision an incremental run starts from
// and computes which source files changed since then.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/odvcencio/gotidx/pkg/manifest"
	"github.com/odvcencio/gotidx/pkg/repoquery"
)

// Candidate is a selected baseline.
type Candidate struct {
	Revision string
	// Distance is the number of parent hops from the target.
	Distance int
	Manifest *manifest.Manifest
}

// Selector finds the nearest indexed ancestor of a target revision.
type Selector struct {
	Repo      repoquery.Repository
	Manifests *manifest.Store
	Logger    *slog.Logger
}

func (s *Selector) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Select returns the indexed ancestor of target with the fewest parent hops.
// Equidistant candidates are ordered by manifest creation time, newest first,
// and then by revision id. This tie-break is a policy, not a correctness
// requirement: any equidistant ancestor is a valid baseline. Manifests that
// fail to decode are skipped. ok is false when no indexed revision is an
// ancestor of target.
func (s *Selector) Select(ctx context.Context, target string) (c Candidate, ok bool, err error) {
	indexed, err := s.Manifests.Revisions()
	if err != nil {
		return Candidate{}, false, fmt.Errorf("select baseline: %w", err)
	}
	if len(indexed) == 0 {
		return Candidate{}, false, nil
	}

	dist, err := s.Repo.Ancestors(ctx, target)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("select baseline for %s: %w", target, wrapUnavailable(err))
	}

	type cand struct {
		rev  string
		dist int
	}
	var cands []cand
	for rev := range indexed {
		if d, isAncestor := dist[rev]; isAncestor {
			cands = append(cands, cand{rev: rev, dist: d})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].rev < cands[j].rev
	})

	for i := 0; i < len(cands); {
		// Collect every candidate at this distance.
		j := i
		var tier []*manifest.Manifest
		for ; j < len(cands) && cands[j].dist == cands[i].dist; j++ {
			m, err := s.Manifests.Read(cands[j].rev)
			if err != nil {
				if errors.Is(err, manifest.ErrCorrupt) || errors.Is(err, manifest.ErrNotFound) {
					s.logger().Warn("skipping unreadable baseline manifest", "revision", cands[j].rev, "error", err)
					continue
				}
				return Candidate{}, false, fmt.Errorf("select baseline: %w", err)
			}
			tier = append(tier, m)
		}
		if len(tier) > 0 {
			sort.SliceStable(tier, func(a, b int) bool {
				if !tier[a].CreatedAt.Equal(tier[b].CreatedAt) {
					return tier[a].CreatedAt.After(tier[b].CreatedAt)
				}
				return tier[a].Revision < tier[b].Revision
			})
			best := tier[0]
			return Candidate{Revision: best.Revision, Distance: cands[i].dist, Manifest: best}, true, nil
		}
		i = j
	}
	return Candidate{}, false, nil
}

// Delta is the set of source paths that differ between a baseline and a
// target revision.
type Delta struct {
	Baseline string
	Target   string
	// All is set when there is no baseline and every file must be indexed.
	All     bool
	Changed map[string]struct{}
}

// Has reports whether path must be reprocessed.
func (d *Delta) Has(path string) bool {
	if d.All {
		return true
	}
	_, ok := d.Changed[path]
	return ok
}

// Paths returns the changed paths, sorted.
func (d *Delta) Paths() []string {
	out := make([]string, 0, len(d.Changed))
	for p := range d.Changed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ComputeDelta asks repo which paths matching filter changed between
// baseline and target. An empty baseline yields every file at target.
func ComputeDelta(ctx context.Context, repo repoquery.Repository, baseline, target string, filter repoquery.PathFilter) (*Delta, error) {
	d := &Delta{Baseline: baseline, Target: target, Changed: make(map[string]struct{})}

	var paths []string
	var err error
	if baseline == "" {
		d.All = true
		paths, err = repo.ListFiles(ctx, target, filter)
	} else {
		paths, err = repo.ChangedFiles(ctx, baseline, target, filter)
	}
	if err != nil {
		return nil, fmt.Errorf("compute delta %s..%s: %w", baseline, target, wrapUnavailable(err))
	}
	for _, p := range paths {
		d.Changed[p] = struct{}{}
	}
	return d, nil
}

// wrapUnavailable makes every repository failure match
// repoquery.ErrUnavailable, except cancellation.
func wrapUnavailable(err error) error {
	if errors.Is(err, repoquery.ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", repoquery.ErrUnavailable, err)
}
