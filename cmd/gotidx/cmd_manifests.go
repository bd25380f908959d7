package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gotidx/pkg/repo"
)

func newManifestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifests",
		Short: "List stored manifests, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(".")
			if err != nil {
				return err
			}
			ptr, err := r.Pointer.Read()
			if err != nil {
				return err
			}
			headers, err := r.Manifests.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(headers) == 0 {
				fmt.Fprintln(out, "no manifests yet")
				return nil
			}
			for _, h := range headers {
				mark := " "
				if h.Revision == ptr.Revision {
					mark = "*"
				}
				if h.Corrupt {
					fmt.Fprintf(out, "%s %s (corrupt)\n", mark, h.Revision)
					continue
				}
				fmt.Fprintf(out, "%s %s %s %s %d modules\n",
					mark, h.Revision, h.Branch, h.CreatedAt.Local().Format("2006-01-02 15:04:05"), h.Modules)
			}
			return nil
		},
	}
}
