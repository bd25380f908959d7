package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gotidx/pkg/manifest"
	"github.com/odvcencio/gotidx/pkg/repo"
)

func newShowCmd() *cobra.Command {
	var module string

	cmd := &cobra.Command{
		Use:   "show [revision]",
		Short: "Show a manifest, or one module's summary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(".")
			if err != nil {
				return err
			}
			m, err := readManifest(r, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if module != "" {
				d, ok := m.Modules[module]
				if !ok {
					return fmt.Errorf("show: module %q not in manifest %s", module, m.Revision)
				}
				raw, err := r.Objects.GetRaw(d)
				if err != nil {
					return fmt.Errorf("show: %w", err)
				}
				var buf bytes.Buffer
				if err := json.Indent(&buf, raw, "", "  "); err != nil {
					return fmt.Errorf("show: %s: %w", d.Short(), err)
				}
				buf.WriteByte('\n')
				_, err = buf.WriteTo(out)
				return err
			}

			fmt.Fprintf(out, "manifest %s\n", m.Revision)
			fmt.Fprintf(out, "Branch:   %s\n", m.Branch)
			if m.Baseline != "" {
				fmt.Fprintf(out, "Baseline: %s\n", m.Baseline)
			}
			fmt.Fprintf(out, "Date:     %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "Graph:    %s\n", m.Graph.Short())
			fmt.Fprintln(out)

			names := make([]string, 0, len(m.Modules))
			for name := range m.Modules {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %s %s\n", m.Modules[name].Short(), name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", "", "print this module's summary")
	return cmd
}

// readManifest reads the manifest named by args, or the one the pointer
// names.
func readManifest(r *repo.Repo, args []string) (*manifest.Manifest, error) {
	rev := ""
	if len(args) == 1 {
		rev = strings.TrimSpace(args[0])
	}
	if rev == "" {
		ptr, err := r.Pointer.Read()
		if err != nil {
			return nil, err
		}
		if ptr.IsZero() {
			return nil, fmt.Errorf("nothing indexed yet")
		}
		rev = ptr.Revision
	}
	return r.Manifests.Read(rev)
}
