package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gotidx/pkg/repo"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify that every object hashes to its name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(".")
			if err != nil {
				return err
			}

			report, err := r.Objects.Verify()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range report.Corrupt {
				fmt.Fprintf(out, "corrupt %s\n", d)
			}
			if len(report.Corrupt) > 0 {
				return fmt.Errorf("verify: %d of %d object(s) corrupt", len(report.Corrupt), report.Objects)
			}
			fmt.Fprintf(out, "ok: verified %d object(s)\n", report.Objects)
			return nil
		},
	}
}
