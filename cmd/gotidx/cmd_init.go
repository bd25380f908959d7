package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/repo"
)

func newInitCmd() *cobra.Command {
	var (
		hash          string
		keepLast      int
		include       []string
		summarizerCmd []string
		noCache       bool
	)

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Create the index state directory for a source tree",
		Long: `Create .gotidx/ under path: config.toml with the store, retention,
scheduler and summarizer settings, plus the objects, manifests and parse
cache directories. The hash algorithm is fixed once objects are written.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}

			settings := repo.DefaultSettings()
			settings.Store.Hash = object.HashAlgorithm(hash)
			settings.Retention.KeepLast = keepLast
			if len(include) > 0 {
				settings.Source.Include = include
			}
			if len(summarizerCmd) > 0 {
				settings.Summarizer.Kind = "exec"
				settings.Summarizer.Command = summarizerCmd
			}
			settings.Cache.Enabled = !noCache

			r, err := repo.InitWith(abs, settings)
			if err != nil {
				return err
			}
			printInit(cmd.OutOrStdout(), r)
			return nil
		},
	}

	defaults := repo.DefaultSettings()
	cmd.Flags().StringVar(&hash, "hash", string(defaults.Store.Hash), "digest algorithm (sha256 or blake2b-256)")
	cmd.Flags().IntVar(&keepLast, "keep-last", defaults.Retention.KeepLast, "manifests kept by housekeeping; 0 keeps all")
	cmd.Flags().StringSliceVar(&include, "include", nil, "source globs to index (default **/*.py)")
	cmd.Flags().StringSliceVar(&summarizerCmd, "summarizer-cmd", nil, "external summarizer command and arguments")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the parse cache")
	return cmd
}

func printInit(w io.Writer, r *repo.Repo) {
	s := r.Settings
	fmt.Fprintf(w, "initialized empty index in %s\n", r.StateDir+string(filepath.Separator))
	fmt.Fprintf(w, "  settings    %s\n", r.SettingsPath())
	fmt.Fprintf(w, "  objects     %s (%s, %s)\n", r.Objects.Root(), s.Store.Hash, s.Store.Compression)
	if s.Retention.KeepLast > 0 {
		fmt.Fprintf(w, "  retention   keep last %d manifests\n", s.Retention.KeepLast)
	} else {
		fmt.Fprintln(w, "  retention   keep all manifests")
	}
	if s.Cache.Enabled {
		fmt.Fprintf(w, "  cache       %s\n", r.CacheDir())
	} else {
		fmt.Fprintln(w, "  cache       disabled")
	}
	fmt.Fprintf(w, "  summarizer  %s\n", s.Summarizer.Kind)
}
