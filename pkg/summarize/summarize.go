// Package summarize defines the capability that turns one module's source
// into a JSON-serializable summary, plus the built-in implementations: a
// tree-sitter outline and an external command speaking JSON over stdio.
package summarize

import (
	"context"
	"errors"

	"github.com/odvcencio/gotidx/pkg/depgraph"
	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/workpool"
)

// ErrFailed marks a summarizer failure for one module. It never aborts the
// run; the module's work unit fails and its dependents are blocked.
var ErrFailed = errors.New("summarization failed")

// ModuleSource is everything a summarizer is given about one module.
type ModuleSource struct {
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	Revision     string            `json:"revision"`
	Source       string            `json:"source"`
	SourceDigest object.Digest     `json:"source_digest"`
	Imports      []depgraph.Import `json:"imports,omitempty"`
	// Dependencies maps each imported in-tree module to the digest of its
	// summary. Members of the same import cycle are absent: they are
	// summarized concurrently.
	Dependencies map[string]object.Digest `json:"dependencies,omitempty"`
	External     []string                 `json:"external,omitempty"`
}

// Summarizer produces a summary for one module. Implementations must be
// safe for concurrent use. A returned value must marshal with
// encoding/json.
type Summarizer interface {
	Summarize(ctx context.Context, src ModuleSource) (any, error)
}

// Classifier is implemented by summarizers that know which worker pool
// their work belongs on.
type Classifier interface {
	Class() workpool.Class
}

// ClassOf returns s's resource class, defaulting to CPU.
func ClassOf(s Summarizer) workpool.Class {
	if c, ok := s.(Classifier); ok {
		return c.Class()
	}
	return workpool.CPU
}

// Func adapts a function to Summarizer.
type Func func(ctx context.Context, src ModuleSource) (any, error)

func (f Func) Summarize(ctx context.Context, src ModuleSource) (any, error) {
	return f(ctx, src)
}

// WithClass pins s to a resource class.
func WithClass(s Summarizer, c workpool.Class) Summarizer {
	return classified{Summarizer: s, class: c}
}

type classified struct {
	Summarizer
	class workpool.Class
}

func (c classified) Class() workpool.Class { return c.class }
