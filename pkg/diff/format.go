package diff

import (
	"fmt"
	"strings"
)

// Format produces a human-readable summary of d.
//
// Output format:
//
//	~ pkg.views
//	    + function render
//	    ~ class View
//	+ pkg.forms
//	- pkg.legacy
func Format(d *Diff) string {
	if len(d.Changes) == 0 {
		return ""
	}

	var b strings.Builder
	for _, c := range d.Changes {
		fmt.Fprintf(&b, "%s %s\n", c.Type.Marker(), c.Module)
		for _, dc := range c.Declarations {
			fmt.Fprintf(&b, "    %s %s\n", dc.Type.Marker(), dc.Key)
		}
	}
	return b.String()
}

// Stat returns a one-line count of d's changes.
func Stat(d *Diff) string {
	var added, removed, modified int
	for _, c := range d.Changes {
		switch c.Type {
		case Added:
			added++
		case Removed:
			removed++
		case Modified:
			modified++
		}
	}
	return fmt.Sprintf("%s..%s: %d added, %d removed, %d modified, %d unchanged",
		d.From, d.To, added, removed, modified, d.Unchanged)
}
