package indexer

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/odvcencio/gotidx/pkg/depgraph"
	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/repo"
	"github.com/odvcencio/gotidx/pkg/sched"
)

// Report describes one indexing run.
type Report struct {
	RunID    string
	Target   string
	Revision string
	Branch   string
	// Baseline is empty for a full index.
	Baseline string
	Distance int
	Full     bool
	Changed  int

	Modules      int
	Units        int
	CriticalPath int64
	Build        *depgraph.BuildStats

	// Unit totals. Attempted counts units that were dispatched, including
	// those canceled mid-run; Succeeded those that finished Done.
	Attempted int
	Succeeded int
	Failed    int
	Blocked   int
	Canceled  int

	ModulesReused     int
	ModulesSummarized int
	// Missing lists modules left without a summary.
	Missing  []string
	Failures []*sched.UnitError

	BlobsWritten    int64
	ManifestWritten bool
	PointerUpdated  bool

	Housekeeping    *repo.GCSummary
	HousekeepingErr error

	Duration time.Duration

	digests map[string]object.Digest
}

func (r *Report) fill(res *sched.Result) {
	r.Succeeded = res.Count(sched.Done)
	r.Failed = res.Count(sched.Failed)
	r.Blocked = res.Count(sched.Blocked)
	r.Canceled = res.Count(sched.Canceled)
	r.Attempted = res.Attempted
	r.ModulesReused = res.Reused
	r.ModulesSummarized = res.Summarized
	r.Missing = res.Missing()
	r.Failures = res.Failures
	r.digests = res.Digests
}

// Degraded reports whether any unit failed or was blocked.
func (r *Report) Degraded() bool {
	return r.Failed > 0 || r.Blocked > 0
}

// Digests returns the summaries produced by the run, keyed by module.
func (r *Report) Digests() map[string]object.Digest {
	return r.digests
}

// Err aggregates unit failures and any housekeeping failure, or returns nil.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, f := range r.Failures {
		result = multierror.Append(result, f)
	}
	if r.HousekeepingErr != nil {
		result = multierror.Append(result, r.HousekeepingErr)
	}
	return result.ErrorOrNil()
}
