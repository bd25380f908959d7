package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/odvcencio/gotidx/pkg/depgraph"
	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/summarize"
	"github.com/odvcencio/gotidx/pkg/workpool"
)

// SourceReader reads a file at a revision. repoquery.Repository
// satisfies it.
type SourceReader interface {
	ReadFile(ctx context.Context, rev, path string) ([]byte, error)
}

// BlobWriter stores canonical bytes. *object.Store satisfies it.
type BlobWriter interface {
	Write(canonical []byte) (object.Digest, error)
}

// ReuseFunc decides whether a unit's previous summaries still hold. When it
// returns true the digests are used as the unit's outcome and nothing is
// summarized.
type ReuseFunc func(ctx context.Context, job Job) (map[string]object.Digest, bool)

// RetryPolicy bounds retries of failed blob writes.
type RetryPolicy struct {
	// Retries is the number of attempts after the first.
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy retries three times starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Delay returns the wait before retry n (1-based): BaseDelay doubled per
// retry, capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// SummarizeExecutor summarizes each member of a unit and stores the
// results. Members are summarized concurrently; their results are
// canonicalized and written one by one once all of them succeed.
type SummarizeExecutor struct {
	Graph      *depgraph.Graph
	Revision   string
	Source     SourceReader
	Summarizer summarize.Summarizer
	Store      BlobWriter
	// Pools defaults to workpool.New(0, 0).
	Pools *workpool.Pools
	Retry RetryPolicy
	// Limiter, if set, rate limits summarizer calls.
	Limiter *rate.Limiter
	// Timeout bounds each summarizer call.
	Timeout time.Duration
	Reuse   ReuseFunc
	Metrics *Metrics
	Logger  *slog.Logger

	poolsOnce sync.Once
}

func (e *SummarizeExecutor) pools() *workpool.Pools {
	e.poolsOnce.Do(func() {
		if e.Pools == nil {
			e.Pools = workpool.New(0, 0)
		}
	})
	return e.Pools
}

func (e *SummarizeExecutor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *SummarizeExecutor) Execute(ctx context.Context, job Job) (Outcome, error) {
	u := job.Unit
	if e.Reuse != nil {
		if digests, ok := e.Reuse(ctx, job); ok {
			e.Metrics.summarized(resultReused, len(u.Members))
			e.logger().Debug("reused work unit", "unit", u.ID, "modules", u.Modules)
			return Outcome{Digests: digests, Reused: len(u.Members)}, nil
		}
	}

	values := make([]any, len(u.Members))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range u.Members {
		node := e.Graph.Nodes[m]
		g.Go(func() error {
			v, err := e.summarizeModule(gctx, job, node)
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	digests := make(map[string]object.Digest, len(u.Members))
	for i, m := range u.Members {
		name := e.Graph.Nodes[m].Name
		canonical, err := object.Canonicalize(values[i])
		if err != nil {
			return Outcome{}, &UnitError{Unit: u.ID, Module: name, Kind: KindSummarize,
				Err: fmt.Errorf("%w: %w", summarize.ErrFailed, err)}
		}
		d, err := e.write(ctx, canonical)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return Outcome{}, &UnitError{Unit: u.ID, Module: name, Kind: KindStore, Err: err}
		}
		digests[name] = d
	}
	e.logger().Debug("summarized work unit", "unit", u.ID, "modules", u.Modules)
	return Outcome{Digests: digests}, nil
}

func (e *SummarizeExecutor) summarizeModule(ctx context.Context, job Job, node *depgraph.Node) (any, error) {
	pools := e.pools()
	src, err := workpool.Run(ctx, pools.IO, func() ([]byte, error) {
		return e.Source.ReadFile(ctx, e.Revision, node.Path)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UnitError{Unit: job.Unit.ID, Module: node.Name, Kind: KindRead, Err: err}
	}

	in := summarize.ModuleSource{
		Name:         node.Name,
		Path:         node.Path,
		Revision:     e.Revision,
		Source:       string(src),
		SourceDigest: node.Source,
		Imports:      node.Imports,
		External:     node.External,
	}
	for _, edge := range node.Edges {
		dep := e.Graph.Nodes[edge].Name
		if d, ok := job.Upstream[dep]; ok {
			if in.Dependencies == nil {
				in.Dependencies = make(map[string]object.Digest)
			}
			in.Dependencies[dep] = d
		}
	}

	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &UnitError{Unit: job.Unit.ID, Module: node.Name, Kind: KindSummarize,
				Err: fmt.Errorf("%w: %w", summarize.ErrFailed, err)}
		}
	}

	pool := pools.For(summarize.ClassOf(e.Summarizer))
	v, err := workpool.Run(ctx, pool, func() (any, error) {
		callCtx := ctx
		if e.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.Timeout)
			defer cancel()
		}
		return e.Summarizer.Summarize(callCtx, in)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.Metrics.summarized(resultError, 1)
		if !errors.Is(err, summarize.ErrFailed) {
			err = fmt.Errorf("%w: %w", summarize.ErrFailed, err)
		}
		return nil, &UnitError{Unit: job.Unit.ID, Module: node.Name, Kind: KindSummarize, Err: err}
	}
	e.Metrics.summarized(resultOK, 1)
	return v, nil
}

// write stores canonical on the IO pool, retrying write failures with
// exponential backoff. Other errors are returned at once.
func (e *SummarizeExecutor) write(ctx context.Context, canonical []byte) (object.Digest, error) {
	policy := e.Retry
	var last error
	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if attempt > 0 {
			e.Metrics.retried()
			e.logger().Debug("retrying blob write", "attempt", attempt, "err", last)
			t := time.NewTimer(policy.Delay(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return "", ctx.Err()
			case <-t.C:
			}
		}
		d, err := workpool.Run(ctx, e.pools().IO, func() (object.Digest, error) {
			return e.Store.Write(canonical)
		})
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, object.ErrWriteFailed) {
			return "", err
		}
		last = err
	}
	return "", fmt.Errorf("store write failed after %d attempts: %w", policy.Retries+1, last)
}
