// Package diff compares two manifests module by module and, where both
// sides are outline summaries, declaration by declaration.
package diff

import (
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/odvcencio/gotidx/pkg/manifest"
	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/summarize"
)

// ChangeType classifies what happened to a module or declaration between
// two manifests.
type ChangeType int

const (
	Added    ChangeType = iota // Present only in the after manifest.
	Removed                    // Present only in the before manifest.
	Modified                   // Present in both with a different summary.
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// Marker is the one-character prefix used by Format.
func (t ChangeType) Marker() string {
	switch t {
	case Added:
		return "+"
	case Removed:
		return "-"
	default:
		return "~"
	}
}

// DeclChange is one changed declaration inside a modified module.
type DeclChange struct {
	Type   ChangeType
	Key    string // "kind name"
	Before *summarize.Declaration
	After  *summarize.Declaration
}

// ModuleChange is one changed module.
type ModuleChange struct {
	Type   ChangeType
	Module string
	Before object.Digest // empty for Added
	After  object.Digest // empty for Removed
	// Declarations is set for modified modules whose summaries are both
	// outlines.
	Declarations []DeclChange
}

// Diff is the module-level difference between two manifests.
type Diff struct {
	From      string
	To        string
	Changes   []ModuleChange
	Unchanged int
}

// BlobReader is the subset of the object store Manifests reads from.
type BlobReader interface {
	Get(d object.Digest, out any) error
}

// Manifests compares before and after. Changes are sorted by module name.
func Manifests(store BlobReader, before, after *manifest.Manifest) (*Diff, error) {
	d := &Diff{From: before.Revision, To: after.Revision}

	for name, b := range before.Modules {
		a, ok := after.Modules[name]
		switch {
		case !ok:
			d.Changes = append(d.Changes, ModuleChange{Type: Removed, Module: name, Before: b})
		case a == b:
			d.Unchanged++
		default:
			decls, err := declarationChanges(store, b, a)
			if err != nil {
				return nil, fmt.Errorf("diff %s..%s: %s: %w", d.From, d.To, name, err)
			}
			d.Changes = append(d.Changes, ModuleChange{
				Type:         Modified,
				Module:       name,
				Before:       b,
				After:        a,
				Declarations: decls,
			})
		}
	}
	for name, a := range after.Modules {
		if _, ok := before.Modules[name]; !ok {
			d.Changes = append(d.Changes, ModuleChange{Type: Added, Module: name, After: a})
		}
	}

	sort.Slice(d.Changes, func(i, j int) bool { return d.Changes[i].Module < d.Changes[j].Module })
	return d, nil
}

// declarationChanges matches declarations by kind and name. Moving a
// declaration to another line is not a change.
func declarationChanges(store BlobReader, before, after object.Digest) ([]DeclChange, error) {
	var b, a summarize.OutlineSummary
	if err := store.Get(before, &b); err != nil {
		return nil, err
	}
	if err := store.Get(after, &a); err != nil {
		return nil, err
	}
	if b.Module == "" || a.Module == "" {
		return nil, nil
	}

	beforeMap := declarationsByKey(b.Declarations)
	afterMap := declarationsByKey(a.Declarations)
	ignoreLines := cmpopts.IgnoreFields(summarize.Declaration{}, "Line")

	var out []DeclChange
	for i := range b.Declarations {
		e := &b.Declarations[i]
		key := declKey(e)
		if beforeMap[key] != e {
			continue
		}
		other, ok := afterMap[key]
		switch {
		case !ok:
			out = append(out, DeclChange{Type: Removed, Key: key, Before: e})
		case !cmp.Equal(*e, *other, ignoreLines):
			out = append(out, DeclChange{Type: Modified, Key: key, Before: e, After: other})
		}
	}
	for i := range a.Declarations {
		e := &a.Declarations[i]
		key := declKey(e)
		if afterMap[key] != e {
			continue
		}
		if _, ok := beforeMap[key]; !ok {
			out = append(out, DeclChange{Type: Added, Key: key, After: e})
		}
	}
	return out, nil
}

// declarationsByKey keeps the first declaration for each key.
func declarationsByKey(decls []summarize.Declaration) map[string]*summarize.Declaration {
	m := make(map[string]*summarize.Declaration, len(decls))
	for i := range decls {
		key := declKey(&decls[i])
		if _, dup := m[key]; !dup {
			m[key] = &decls[i]
		}
	}
	return m
}

func declKey(d *summarize.Declaration) string {
	return d.Kind + " " + d.Name
}

// Summaries renders the difference between two stored summaries of any
// shape, in go-cmp's report format. It returns "" when they are equal.
func Summaries(store BlobReader, before, after object.Digest) (string, error) {
	var b, a any
	if before != "" {
		if err := store.Get(before, &b); err != nil {
			return "", err
		}
	}
	if after != "" {
		if err := store.Get(after, &a); err != nil {
			return "", err
		}
	}
	return cmp.Diff(b, a), nil
}
