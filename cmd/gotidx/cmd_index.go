package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/odvcencio/gotidx/pkg/indexer"
	"github.com/odvcencio/gotidx/pkg/repo"
)

func newIndexCmd(g *globalOptions) *cobra.Command {
	var (
		cpuWorkers    int
		ioWorkers     int
		summarizerCmd string
		noCache       bool
		noGC          bool
		metricsFile   string
	)

	cmd := &cobra.Command{
		Use:   "index [revision]",
		Short: "Index a revision, reusing summaries from the nearest indexed ancestor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "HEAD"
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				target = strings.TrimSpace(args[0])
			}

			r, err := repo.Open(".")
			if err != nil {
				return err
			}
			s := r.Settings
			if cmd.Flags().Changed("cpu-workers") {
				s.Scheduler.CPUWorkers = cpuWorkers
			}
			if cmd.Flags().Changed("io-workers") {
				s.Scheduler.IOWorkers = ioWorkers
			}
			if summarizerCmd != "" {
				s.Summarizer.Kind = "exec"
				s.Summarizer.Command = strings.Fields(summarizerCmd)
			}
			if noCache {
				s.Cache.Enabled = false
			}
			if noGC {
				s.Retention.AfterIndex = false
			}
			if err := s.Validate(); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			ix, err := indexer.New(r, openSource(r.RootDir), indexer.Options{
				Logger:     g.logger(cmd),
				Registerer: reg,
			})
			if err != nil {
				return err
			}
			defer ix.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, runErr := ix.Run(ctx, target)
			if report != nil && report.Revision != "" {
				printReport(cmd.OutOrStdout(), report)
			}
			if metricsFile != "" {
				if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
			}
			if runErr != nil {
				return runErr
			}
			if report.Degraded() {
				return fmt.Errorf("index %s: degraded, manifest not written: %w", report.Revision, report.Err())
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&cpuWorkers, "cpu-workers", 0, "CPU pool size (0 means one per core)")
	cmd.Flags().IntVar(&ioWorkers, "io-workers", 0, "IO pool size")
	cmd.Flags().StringVar(&summarizerCmd, "summarizer-cmd", "", "run this command as an exec summarizer")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "do not use the parse cache")
	cmd.Flags().BoolVar(&noGC, "no-gc", false, "skip housekeeping after the run")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file")
	return cmd
}

func printReport(out io.Writer, r *indexer.Report) {
	fmt.Fprintf(out, "revision   %s (%s)\n", r.Revision, r.Branch)
	if r.Baseline == "" {
		fmt.Fprintln(out, "baseline   none (full index)")
	} else {
		fmt.Fprintf(out, "baseline   %s (distance %d, %d changed)\n", r.Baseline, r.Distance, r.Changed)
	}
	fmt.Fprintf(out, "modules    %d in %d units, critical path %d\n", r.Modules, r.Units, r.CriticalPath)
	if r.Build != nil {
		fmt.Fprintf(out, "parsed     %d (%d cached), %d reused\n", r.Build.Parsed, r.Build.CacheHits, r.Build.Reused)
	}
	fmt.Fprintf(out, "units      %d done, %d failed, %d blocked, %d canceled\n", r.Succeeded, r.Failed, r.Blocked, r.Canceled)
	fmt.Fprintf(out, "summaries  %d summarized, %d reused, %d blobs written\n", r.ModulesSummarized, r.ModulesReused, r.BlobsWritten)
	switch {
	case r.Degraded():
		fmt.Fprintf(out, "manifest   not written (%d modules missing)\n", len(r.Missing))
	case r.ManifestWritten:
		fmt.Fprintln(out, "manifest   written")
	default:
		fmt.Fprintln(out, "manifest   unchanged")
	}
	for _, f := range r.Failures {
		fmt.Fprintf(out, "failed     %v\n", f)
	}
	if hk := r.Housekeeping; hk != nil {
		objects := 0
		if hk.Objects != nil {
			objects = len(hk.Objects.Removed)
		}
		fmt.Fprintf(out, "gc         %d manifests, %d objects removed\n", len(hk.ManifestsRemoved), objects)
	}
	if r.HousekeepingErr != nil {
		fmt.Fprintf(out, "gc         failed: %v\n", r.HousekeepingErr)
	}
}
