// Package repoquery is the read-only view of the source repository the
// indexer needs: revision resolution, ancestry, changed-file sets and file
// contents at a revision.
package repoquery

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/bmatcuk/doublestar"
)

// ErrUnavailable wraps every failure to answer a repository query. A run
// that cannot query the repository cannot proceed.
var ErrUnavailable = errors.New("repository unavailable")

// Repository answers questions about a versioned source tree.
type Repository interface {
	// Resolve turns a revision expression (branch, tag, abbreviated id) into
	// a canonical revision id.
	Resolve(ctx context.Context, rev string) (string, error)
	// Branch returns the checked-out branch, or "" when detached.
	Branch(ctx context.Context) (string, error)
	// Ancestors returns every ancestor of rev (rev included) with its
	// shortest distance in parent hops; rev itself has distance 0.
	Ancestors(ctx context.Context, rev string) (map[string]int, error)
	// IsAncestor reports whether a is an ancestor of (or equal to) b.
	IsAncestor(ctx context.Context, a, b string) (bool, error)
	// ChangedFiles returns the paths matching filter whose content differs
	// between from and to, including additions and deletions.
	ChangedFiles(ctx context.Context, from, to string, filter PathFilter) ([]string, error)
	// ListFiles returns every path at rev matching filter.
	ListFiles(ctx context.Context, rev string, filter PathFilter) ([]string, error)
	// ReadFile returns the content of path at rev.
	ReadFile(ctx context.Context, rev, path string) ([]byte, error)
}

// PathFilter selects repository paths by doublestar glob. A path matches if
// it matches any include pattern and no exclude pattern. An empty include
// list matches everything.
type PathFilter struct {
	Include []string
	Exclude []string
}

// NewPathFilter validates the patterns and returns a filter.
func NewPathFilter(include, exclude []string) (PathFilter, error) {
	for _, p := range append(append([]string{}, include...), exclude...) {
		if _, err := doublestar.Match(p, ""); err != nil {
			return PathFilter{}, fmt.Errorf("path filter: pattern %q: %w", p, err)
		}
		// doublestar stops parsing at the first mismatch; path.Match checks
		// the whole pattern.
		if _, err := path.Match(p, ""); err != nil {
			return PathFilter{}, fmt.Errorf("path filter: pattern %q: %w", p, err)
		}
	}
	return PathFilter{Include: include, Exclude: exclude}, nil
}

// Match reports whether path passes the filter. Malformed patterns never
// match.
func (f PathFilter) Match(name string) bool {
	if len(f.Include) > 0 && !matchAny(f.Include, name) {
		return false
	}
	return !matchAny(f.Exclude, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func filterPaths(paths []string, filter PathFilter) []string {
	out := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p == "" || !filter.Match(p) {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

const (
	// DefaultMaxAncestorDepth bounds ancestry walks in parent hops.
	DefaultMaxAncestorDepth = 100_000
	// DefaultMaxAncestorCommits bounds how many commits Git.Ancestors lists.
	DefaultMaxAncestorCommits = 200_000
)

// ancestorDistances walks parent links breadth first from rev and returns
// each reachable commit's hop distance. Commits beyond maxDepth are omitted.
func ancestorDistances(rev string, parents func(string) []string, maxDepth int) map[string]int {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxAncestorDepth
	}
	dist := map[string]int{rev: 0}
	queue := []string{rev}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := dist[cur]
		if d >= maxDepth {
			continue
		}
		for _, p := range parents(cur) {
			if _, seen := dist[p]; seen {
				continue
			}
			dist[p] = d + 1
			queue = append(queue, p)
		}
	}
	return dist
}
