package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gotidx/pkg/condense"
	"github.com/odvcencio/gotidx/pkg/depgraph"
	"github.com/odvcencio/gotidx/pkg/repo"
)

func newGraphCmd() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph [revision]",
		Short: "Print the work units of an indexed revision in schedule order",
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
			g, err := depgraph.LoadSnapshot(r.Objects, m.Graph)
			if err != nil {
				return err
			}

			if dot {
				writeDot(cmd.OutOrStdout(), g)
				return nil
			}
			plan := condense.Condense(g)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d modules, %d edges, %d units, critical path %d\n",
				g.Len(), g.EdgeCount(), plan.Len(), plan.CriticalPath())
			for _, id := range plan.Order {
				u := plan.Units[id]
				fmt.Fprintf(out, "unit %d cp=%d weight=%d downstream=%d deps=%d [%s]\n",
					u.ID, u.CriticalPath, u.Weight, u.Downstream, len(u.Deps), strings.Join(u.Modules, " "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dot, "dot", false, "print the module graph in Graphviz format")
	return cmd
}

func writeDot(out io.Writer, g *depgraph.Graph) {
	fmt.Fprintf(out, "digraph %q {\n", g.Revision)
	for _, n := range g.Nodes {
		fmt.Fprintf(out, "  %q;\n", n.Name)
	}
	for _, n := range g.Nodes {
		for _, e := range n.Edges {
			fmt.Fprintf(out, "  %q -> %q;\n", n.Name, g.Nodes[e].Name)
		}
	}
	fmt.Fprintln(out, "}")
}
