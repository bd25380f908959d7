package indexer

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/odvcencio/gotidx/pkg/cache"
	"github.com/odvcencio/gotidx/pkg/repo"
	"github.com/odvcencio/gotidx/pkg/repoquery"
	"github.com/odvcencio/gotidx/pkg/sched"
	"github.com/odvcencio/gotidx/pkg/summarize"
	"github.com/odvcencio/gotidx/pkg/workpool"
)

// Options are the process-level collaborators New cannot read from the
// settings file.
type Options struct {
	Logger *slog.Logger
	// Registerer receives the scheduler metrics; nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

// New returns an Indexer configured from r's settings. Close releases the
// parse cache it opens.
func New(r *repo.Repo, q repoquery.Repository, opts Options) (*Indexer, error) {
	s := r.Settings
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	filter, err := repoquery.NewPathFilter(s.Source.Include, s.Source.Exclude)
	if err != nil {
		return nil, fmt.Errorf("indexer: source filter: %w", err)
	}
	summarizer, err := NewSummarizer(s.Summarizer, r.RootDir)
	if err != nil {
		return nil, err
	}

	pools := workpool.New(s.CPUWorkers(), s.Scheduler.IOWorkers)
	ix := &Indexer{
		Repo:       q,
		Objects:    r.Objects,
		Manifests:  r.Manifests,
		Pointer:    r.Pointer,
		Summarizer: summarizer,
		Pools:      pools,
		Filter:     filter,
		Retry: sched.RetryPolicy{
			Retries:   s.Scheduler.WriteRetries,
			BaseDelay: s.Scheduler.RetryBaseDelay.Std(),
			MaxDelay:  s.Scheduler.RetryMaxDelay.Std(),
		},
		SummarizeTimeout: s.Scheduler.SummarizeTimeout.Std(),
		MaxInFlight:      pools.CPU.Size() + pools.IO.Size(),
		Retention: Retention{
			Enabled:           s.Retention.AfterIndex,
			KeepLast:          s.Retention.KeepLast,
			PruneUnreferenced: s.Retention.PruneUnreferenced,
			Grace:             s.Retention.SweepGrace.Std(),
		},
		Metrics: sched.NewMetrics(opts.Registerer),
		Logger:  log,
	}
	if s.Scheduler.SummarizeRate > 0 {
		burst := int(math.Ceil(s.Scheduler.SummarizeRate))
		ix.Limiter = rate.NewLimiter(rate.Limit(s.Scheduler.SummarizeRate), burst)
	}

	if s.Cache.Enabled {
		c, err := cache.Open(cache.Config{Dir: r.CacheDir(), Logger: log})
		if err != nil {
			// Another process may hold the cache; parsing still works.
			log.Warn("parse cache unavailable", "dir", r.CacheDir(), "err", err)
		} else {
			ix.Cache = c.Namespace("imports")
			ix.closers = append(ix.closers, c.Close)
		}
	}
	return ix, nil
}

// NewSummarizer builds the summarizer described by settings. dir is the
// working directory for external commands.
func NewSummarizer(s repo.SummarizerSettings, dir string) (summarize.Summarizer, error) {
	var out summarize.Summarizer
	switch s.Kind {
	case "outline", "":
		out = summarize.Outline{}
	case "exec":
		if len(s.Command) == 0 {
			return nil, fmt.Errorf("indexer: exec summarizer needs a command")
		}
		out = &summarize.Exec{Command: s.Command, Dir: dir}
	default:
		return nil, fmt.Errorf("indexer: unknown summarizer kind %q", s.Kind)
	}
	if s.Resource != "" {
		class, err := workpool.ParseClass(s.Resource)
		if err != nil {
			return nil, fmt.Errorf("indexer: summarizer: %w", err)
		}
		out = summarize.WithClass(out, class)
	}
	return out, nil
}
