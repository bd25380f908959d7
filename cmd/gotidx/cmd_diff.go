package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gotidx/pkg/diff"
	"github.com/odvcencio/gotidx/pkg/repo"
)

func newDiffCmd() *cobra.Command {
	var (
		module string
		stat   bool
	)

	cmd := &cobra.Command{
		Use:   "diff <from> [to]",
		Short: "Compare the summaries of two indexed revisions",
		Long:  "Compare the summaries of two indexed revisions. [to] defaults to the current revision.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(".")
			if err != nil {
				return err
			}
			before, err := r.Manifests.Read(args[0])
			if err != nil {
				return err
			}
			after, err := readManifest(r, args[1:])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if module != "" {
				b, inBefore := before.Modules[module]
				a, inAfter := after.Modules[module]
				if !inBefore && !inAfter {
					return fmt.Errorf("diff: module %q in neither manifest", module)
				}
				rendered, err := diff.Summaries(r.Objects, b, a)
				if err != nil {
					return fmt.Errorf("diff: %w", err)
				}
				fmt.Fprint(out, rendered)
				return nil
			}

			d, err := diff.Manifests(r.Objects, before, after)
			if err != nil {
				return err
			}
			if stat {
				fmt.Fprintln(out, diff.Stat(d))
				return nil
			}
			fmt.Fprint(out, diff.Format(d))
			return nil
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", "", "show the full summary diff of one module")
	cmd.Flags().BoolVar(&stat, "stat", false, "print change counts only")
	return cmd
}
