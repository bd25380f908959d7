package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gotidx/pkg/repoquery"
)

const version = "gotidx 0.1.0-dev"

// openSource returns the repository adapter for a source tree.
var openSource = func(dir string) repoquery.Repository {
	return repoquery.NewGit(dir)
}

type globalOptions struct {
	verbose   bool
	logFormat string
}

// logger writes to the command's stderr so stdout stays parseable.
func (g *globalOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if g.logFormat == "json" {
		return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "gotidx",
		Short:         "Incremental content-addressed summaries of a Python source tree",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch g.logFormat {
			case "text", "json":
				return nil
			default:
				return fmt.Errorf("unknown log format %q", g.logFormat)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newIndexCmd(g))
	root.AddCommand(newShowCmd())
	root.AddCommand(newManifestsCmd())
	root.AddCommand(newGraphCmd())
	root.AddCommand(newDiffCmd())
	root.AddCommand(newGCCmd())
	root.AddCommand(newVerifyCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
