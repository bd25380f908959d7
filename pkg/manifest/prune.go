package manifest

import (
	"errors"
	"fmt"

	"github.com/odvcencio/gotidx/pkg/object"
)

// RetainFunc decides whether a manifest survives Prune. rank is the
// manifest's position in List order (0 = newest).
type RetainFunc func(h Header, rank int) bool

// KeepLast retains the n most recently created manifests. n <= 0 retains all.
func KeepLast(n int) RetainFunc {
	return func(_ Header, rank int) bool {
		return n <= 0 || rank < n
	}
}

// KeepRevisions retains the named revisions.
func KeepRevisions(revs ...string) RetainFunc {
	set := make(map[string]struct{}, len(revs))
	for _, r := range revs {
		if r != "" {
			set[r] = struct{}{}
		}
	}
	return func(h Header, _ int) bool {
		_, ok := set[h.Revision]
		return ok
	}
}

// AnyOf retains a manifest if any of fns retains it.
func AnyOf(fns ...RetainFunc) RetainFunc {
	return func(h Header, rank int) bool {
		for _, fn := range fns {
			if fn != nil && fn(h, rank) {
				return true
			}
		}
		return false
	}
}

// Prune deletes every manifest for which retain returns false and returns
// the deleted revisions in List order.
func (s *Store) Prune(retain RetainFunc) ([]string, error) {
	if retain == nil {
		return nil, fmt.Errorf("prune manifests: nil retain predicate")
	}
	headers, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("prune manifests: %w", err)
	}
	var removed []string
	for rank, h := range headers {
		if retain(h, rank) {
			continue
		}
		if err := s.Delete(h.Revision); err != nil {
			return removed, fmt.Errorf("prune manifests: %w", err)
		}
		removed = append(removed, h.Revision)
	}
	return removed, nil
}

// LiveDigests returns the union of digests referenced by ms.
func LiveDigests(ms ...*Manifest) map[object.Digest]struct{} {
	live := make(map[object.Digest]struct{})
	for _, m := range ms {
		if m == nil {
			continue
		}
		for _, d := range m.Digests() {
			live[d] = struct{}{}
		}
	}
	return live
}

// LiveSet reads every stored manifest and returns the union of their
// digests. Any manifest that cannot be read fails the whole call: sweeping
// with an incomplete live set could delete referenced blobs.
func (s *Store) LiveSet() (map[object.Digest]struct{}, error) {
	revs, err := s.Revisions()
	if err != nil {
		return nil, err
	}
	ms := make([]*Manifest, 0, len(revs))
	for rev := range revs {
		m, err := s.Read(rev)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("live set: %w", err)
		}
		ms = append(ms, m)
	}
	return LiveDigests(ms...), nil
}
