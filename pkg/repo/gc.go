package repo

import (
	"fmt"
	"time"

	"github.com/odvcencio/gotidx/pkg/manifest"
	"github.com/odvcencio/gotidx/pkg/object"
)

// GCSummary reports the outcome of Repo.GC.
type GCSummary struct {
	ManifestsRemoved []string
	Objects          *object.SweepSummary
}

// PruneManifests deletes all but the keepLast most recent manifests. The
// manifest the pointer names is always retained. keepLast <= 0 keeps all.
func (r *Repo) PruneManifests(keepLast int) ([]string, error) {
	ptr, err := r.Pointer.Read()
	if err != nil {
		return nil, fmt.Errorf("prune manifests: %w", err)
	}
	return r.Manifests.Prune(manifest.AnyOf(
		manifest.KeepLast(keepLast),
		manifest.KeepRevisions(ptr.Revision),
	))
}

// PruneUnreferencedObjects deletes blobs no stored manifest references. The
// live set is snapshotted before anything is deleted; blobs written after the
// snapshot minus the configured grace window are kept, so a concurrent run
// that has not yet written its manifest loses nothing.
func (r *Repo) PruneUnreferencedObjects(dryRun bool) (*object.SweepSummary, error) {
	return PruneUnreferencedObjects(r.Objects, r.Manifests, r.Settings.Retention.SweepGrace.Std(), dryRun)
}

// PruneUnreferencedObjects sweeps objects against the live set of manifests.
func PruneUnreferencedObjects(objects *object.Store, manifests *manifest.Store, grace time.Duration, dryRun bool) (*object.SweepSummary, error) {
	cutoff := time.Now()
	live, err := manifests.LiveSet()
	if err != nil {
		return nil, fmt.Errorf("prune objects: %w", err)
	}
	summary, err := objects.Sweep(live, object.SweepOptions{
		Cutoff: cutoff,
		Grace:  grace,
		DryRun: dryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("prune objects: %w", err)
	}
	return summary, nil
}

// GC prunes manifests per keepLast and then, if pruneObjects is set, sweeps
// unreferenced objects.
func (r *Repo) GC(keepLast int, pruneObjects, dryRun bool) (*GCSummary, error) {
	summary := &GCSummary{}
	if !dryRun {
		removed, err := r.PruneManifests(keepLast)
		if err != nil {
			return nil, err
		}
		summary.ManifestsRemoved = removed
	}
	if pruneObjects {
		objs, err := r.PruneUnreferencedObjects(dryRun)
		if err != nil {
			return summary, err
		}
		summary.Objects = objs
	}
	return summary, nil
}
