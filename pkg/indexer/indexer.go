// Package indexer runs one indexing pass end to end: pick a baseline, work
// out what changed, rebuild the import graph, condense it into work units,
// schedule them, and commit the manifest and pointer when every unit is
// done.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/odvcencio/gotidx/pkg/baseline"
	"github.com/odvcencio/gotidx/pkg/condense"
	"github.com/odvcencio/gotidx/pkg/depgraph"
	"github.com/odvcencio/gotidx/pkg/manifest"
	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/repo"
	"github.com/odvcencio/gotidx/pkg/repoquery"
	"github.com/odvcencio/gotidx/pkg/sched"
	"github.com/odvcencio/gotidx/pkg/summarize"
	"github.com/odvcencio/gotidx/pkg/workpool"
)

const pointerUpdateAttempts = 3

// Retention is the housekeeping run after a complete indexing run.
type Retention struct {
	Enabled bool
	// KeepLast manifests survive pruning; 0 keeps all.
	KeepLast          int
	PruneUnreferenced bool
	Grace             time.Duration
}

// Indexer holds everything one indexing run needs. The zero value is not
// usable; Repo, Objects, Manifests, Pointer and Summarizer are required.
type Indexer struct {
	Repo       repoquery.Repository
	Objects    *object.Store
	Manifests  *manifest.Store
	Pointer    repo.PointerStore
	Summarizer summarize.Summarizer

	Extractor depgraph.Extractor
	Cache     depgraph.ParseCache
	Pools     *workpool.Pools
	Filter    repoquery.PathFilter

	Retry            sched.RetryPolicy
	Limiter          *rate.Limiter
	SummarizeTimeout time.Duration
	MaxInFlight      int
	Retention        Retention

	Metrics *sched.Metrics
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time

	// closers are released by Close.
	closers []func() error
}

func (ix *Indexer) logger() *slog.Logger {
	if ix.Logger != nil {
		return ix.Logger
	}
	return slog.Default()
}

func (ix *Indexer) now() time.Time {
	if ix.Now != nil {
		return ix.Now()
	}
	return time.Now()
}

// Close releases resources opened by New.
func (ix *Indexer) Close() error {
	var errs []error
	for _, c := range ix.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	ix.closers = nil
	return errors.Join(errs...)
}

func (ix *Indexer) validate() error {
	switch {
	case ix.Repo == nil:
		return errors.New("indexer: no repository")
	case ix.Objects == nil || ix.Manifests == nil:
		return errors.New("indexer: no object or manifest store")
	case ix.Pointer == nil:
		return errors.New("indexer: no pointer store")
	case ix.Summarizer == nil:
		return errors.New("indexer: no summarizer")
	}
	return nil
}

// Run indexes target. The error is non-nil only for failures that stop the
// run: an unusable repository, baseline or delta, a canceled context, or a
// failed manifest commit. Unit failures leave the run degraded; they are
// listed in the report, and no manifest is written.
func (ix *Indexer) Run(ctx context.Context, target string) (*Report, error) {
	if err := ix.validate(); err != nil {
		return nil, err
	}
	start := ix.now()
	log := ix.logger()
	report := &Report{RunID: uuid.NewString(), Target: target}
	log = log.With("run", report.RunID)
	blobsBefore := ix.Objects.Stats().Written
	defer func() {
		report.BlobsWritten = ix.Objects.Stats().Written - blobsBefore
		report.Duration = ix.now().Sub(start)
	}()

	rev, err := ix.Repo.Resolve(ctx, target)
	if err != nil {
		return report, fmt.Errorf("index %s: %w", target, err)
	}
	if err := manifest.ValidateRevision(rev); err != nil {
		return report, fmt.Errorf("index %s: %w", target, err)
	}
	report.Revision = rev
	branch, err := ix.Repo.Branch(ctx)
	if err != nil {
		return report, fmt.Errorf("index %s: branch: %w", target, err)
	}
	report.Branch = branch
	log = log.With("revision", rev)

	selector := &baseline.Selector{Repo: ix.Repo, Manifests: ix.Manifests, Logger: log}
	cand, found, err := selector.Select(ctx, rev)
	if err != nil {
		return report, fmt.Errorf("index %s: %w", rev, err)
	}
	var base *manifest.Manifest
	var prevGraph *depgraph.Graph
	if found {
		base = cand.Manifest
		report.Baseline = cand.Revision
		report.Distance = cand.Distance
		prevGraph = ix.loadGraph(base, log)
	}
	log.Info("selected baseline", "baseline", report.Baseline, "distance", report.Distance, "found", found)

	files, err := ix.Repo.ListFiles(ctx, rev, ix.Filter)
	if err != nil {
		return report, fmt.Errorf("index %s: list files: %w", rev, err)
	}
	delta, err := baseline.ComputeDelta(ctx, ix.Repo, report.Baseline, rev, ix.Filter)
	if err != nil {
		return report, fmt.Errorf("index %s: %w", rev, err)
	}
	report.Full = delta.All
	report.Changed = len(delta.Changed)

	var changed func(string) bool
	if !delta.All {
		changed = delta.Has
	}
	builder := &depgraph.Builder{
		Repo:      ix.Repo,
		Extractor: ix.Extractor,
		Hash:      ix.Objects.Options().Hash,
		Cache:     ix.Cache,
		Pools:     ix.Pools,
		Logger:    log,
	}
	graph, buildStats, err := builder.Build(ctx, depgraph.BuildRequest{
		Revision: rev,
		Files:    files,
		Changed:  changed,
		Previous: prevGraph,
	})
	if err != nil {
		return report, fmt.Errorf("index %s: %w", rev, err)
	}
	report.Build = buildStats
	report.Modules = graph.Len()

	plan := condense.Condense(graph)
	report.Units = plan.Len()
	report.CriticalPath = plan.CriticalPath()
	log.Info("planned work units",
		"modules", graph.Len(),
		"edges", graph.EdgeCount(),
		"units", plan.Len(),
		"critical_path", plan.CriticalPath(),
		"changed", report.Changed)

	exec := &sched.SummarizeExecutor{
		Graph:      graph,
		Revision:   rev,
		Source:     ix.Repo,
		Summarizer: ix.Summarizer,
		Store:      ix.Objects,
		Pools:      ix.Pools,
		Retry:      ix.Retry,
		Limiter:    ix.Limiter,
		Timeout:    ix.SummarizeTimeout,
		Metrics:    ix.Metrics,
		Logger:     log,
	}
	if base != nil && prevGraph != nil {
		exec.Reuse = (&reuser{graph: graph, prev: prevGraph, base: base, objects: ix.Objects}).reuse
	}
	scheduler := &sched.Scheduler{MaxInFlight: ix.MaxInFlight, Logger: log, Metrics: ix.Metrics}
	result, runErr := scheduler.Run(ctx, plan, exec)
	if result != nil {
		report.fill(result)
	}
	if runErr != nil {
		return report, fmt.Errorf("index %s: %w", rev, runErr)
	}
	if !result.Complete() {
		log.Warn("indexing run degraded; manifest not written",
			"failed", report.Failed, "blocked", report.Blocked, "missing", len(report.Missing))
		return report, nil
	}

	if err := ix.commit(ctx, report, graph, base, log); err != nil {
		return report, fmt.Errorf("index %s: %w", rev, err)
	}
	if ix.Retention.Enabled {
		ix.housekeep(report, log)
	}
	log.Info("indexing run complete",
		"units", report.Units,
		"reused", report.ModulesReused,
		"summarized", report.ModulesSummarized,
		"manifest_written", report.ManifestWritten)
	return report, nil
}

// loadGraph loads the baseline's graph snapshot. A missing or corrupt
// snapshot only costs reuse: every file is parsed again.
func (ix *Indexer) loadGraph(m *manifest.Manifest, log *slog.Logger) *depgraph.Graph {
	if m.Graph == "" {
		return nil
	}
	g, err := depgraph.LoadSnapshot(ix.Objects, m.Graph)
	if err != nil {
		log.Warn("baseline graph unavailable; rebuilding from scratch", "baseline", m.Revision, "err", err)
		return nil
	}
	return g
}

// commit stores the graph snapshot and the manifest, then moves the
// pointer.
func (ix *Indexer) commit(ctx context.Context, report *Report, graph *depgraph.Graph, base *manifest.Manifest, log *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	graphDigest, err := depgraph.SaveSnapshot(ix.Objects, graph)
	if err != nil {
		return fmt.Errorf("save graph: %w", err)
	}

	m := &manifest.Manifest{
		Revision:  report.Revision,
		Branch:    report.Branch,
		Baseline:  report.Baseline,
		CreatedAt: ix.now().UTC(),
		Modules:   report.digests,
		Graph:     graphDigest,
	}
	if base != nil && base.Revision == report.Revision {
		// Re-indexing an indexed revision keeps its original lineage.
		m.Baseline = base.Baseline
	}

	existing, err := ix.Manifests.Read(report.Revision)
	switch {
	case err == nil && existing.SameContent(m):
		log.Debug("identical manifest already stored")
	case err == nil || errors.Is(err, manifest.ErrNotFound) || errors.Is(err, manifest.ErrCorrupt):
		if err := ix.Manifests.Write(m); err != nil {
			return err
		}
		report.ManifestWritten = true
	default:
		return err
	}

	for attempt := 1; ; attempt++ {
		cur, err := ix.Pointer.Read()
		if err != nil {
			return fmt.Errorf("read pointer: %w", err)
		}
		next := repo.Pointer{Revision: report.Revision, Branch: report.Branch, UpdatedAt: ix.now().UTC()}
		err = ix.Pointer.Update(next, cur.Revision)
		if err == nil {
			report.PointerUpdated = true
			return nil
		}
		if !errors.Is(err, repo.ErrPointerCASMismatch) || attempt == pointerUpdateAttempts {
			return fmt.Errorf("update pointer: %w", err)
		}
		log.Debug("pointer moved concurrently; retrying", "attempt", attempt)
	}
}

// housekeep prunes manifests and sweeps objects. Failures are logged and
// recorded; the run itself already succeeded.
func (ix *Indexer) housekeep(report *Report, log *slog.Logger) {
	hk := &repo.GCSummary{}
	report.Housekeeping = hk

	keep := []string{report.Revision}
	if ptr, err := ix.Pointer.Read(); err == nil && !ptr.IsZero() {
		keep = append(keep, ptr.Revision)
	}
	removed, err := ix.Manifests.Prune(manifest.AnyOf(
		manifest.KeepLast(ix.Retention.KeepLast),
		manifest.KeepRevisions(keep...),
	))
	if err != nil {
		log.Warn("manifest pruning failed", "err", err)
		report.HousekeepingErr = err
		return
	}
	hk.ManifestsRemoved = removed

	if !ix.Retention.PruneUnreferenced {
		return
	}
	sweep, err := repo.PruneUnreferencedObjects(ix.Objects, ix.Manifests, ix.Retention.Grace, false)
	if err != nil {
		log.Warn("object sweep failed", "err", err)
		report.HousekeepingErr = err
		return
	}
	hk.Objects = sweep
	log.Debug("housekeeping done", "manifests_removed", len(removed), "objects_removed", len(sweep.Removed))
}

// reuser applies the reuse rule: a unit keeps its baseline summaries when
// every member has the same source, resolves the same imports, every
// import's current summary equals the one the baseline saw, and the
// baseline blob is still stored.
type reuser struct {
	graph   *depgraph.Graph
	prev    *depgraph.Graph
	base    *manifest.Manifest
	objects *object.Store
}

func (r *reuser) reuse(_ context.Context, job sched.Job) (map[string]object.Digest, bool) {
	members := make(map[string]struct{}, len(job.Unit.Modules))
	for _, name := range job.Unit.Modules {
		members[name] = struct{}{}
	}

	out := make(map[string]object.Digest, len(job.Unit.Modules))
	for _, name := range job.Unit.Modules {
		cur := r.graph.Node(name)
		old := r.prev.Node(name)
		if cur == nil || old == nil || cur.Source != old.Source || cur.Path != old.Path {
			return nil, false
		}
		deps := r.graph.Dependencies(name)
		if !slices.Equal(deps, r.prev.Dependencies(name)) {
			return nil, false
		}
		for _, dep := range deps {
			if _, same := members[dep]; same {
				continue
			}
			if job.Upstream[dep] != r.base.Modules[dep] {
				return nil, false
			}
		}
		d, ok := r.base.Modules[name]
		if !ok || !r.objects.Freshen(d) {
			return nil, false
		}
		out[name] = d
	}
	return out, true
}
