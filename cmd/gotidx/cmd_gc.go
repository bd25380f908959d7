package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gotidx/pkg/cache"
	"github.com/odvcencio/gotidx/pkg/repo"
)

func newGCCmd() *cobra.Command {
	var (
		keepLast int
		objects  bool
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Prune old manifests and unreferenced objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(".")
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("keep-last") {
				keepLast = r.Settings.Retention.KeepLast
			}
			if !cmd.Flags().Changed("objects") {
				objects = r.Settings.Retention.PruneUnreferenced
			}

			summary, err := r.GC(keepLast, objects, dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if r.Settings.Cache.Enabled && !dryRun {
				compactCache(cmd, r)
			}
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			for _, rev := range summary.ManifestsRemoved {
				fmt.Fprintf(out, "removed manifest %s\n", rev)
			}
			if summary.Objects == nil {
				fmt.Fprintf(out, "%d manifest(s) removed\n", len(summary.ManifestsRemoved))
				return nil
			}
			fmt.Fprintf(out, "%d manifest(s) removed, %s %d of %d object(s), kept %d recent\n",
				len(summary.ManifestsRemoved), verb, len(summary.Objects.Removed),
				summary.Objects.Scanned, summary.Objects.KeptRecent)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "manifests to keep (0 keeps all)")
	cmd.Flags().BoolVar(&objects, "objects", false, "also sweep unreferenced objects")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed")
	return cmd
}

// compactCache reclaims badger value-log space. A cache held by a running
// index is left alone.
func compactCache(cmd *cobra.Command, r *repo.Repo) {
	c, err := cache.Open(cache.Config{Dir: r.CacheDir()})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "parse cache not compacted: %v\n", err)
		return
	}
	defer c.Close()
	if err := c.Compact(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "parse cache not compacted: %v\n", err)
		return
	}
	n, err := c.Len()
	if err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "parse cache compacted, %d entries\n", n)
	}
}
