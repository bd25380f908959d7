package depgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/repoquery"
	"github.com/odvcencio/gotidx/pkg/workpool"
)

// ParseCache stores extracted imports keyed by extractor and source digest.
type ParseCache interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// Builder constructs revision graphs, reusing unchanged modules from a
// previous graph.
type Builder struct {
	Repo      repoquery.Repository
	Extractor Extractor
	// Hash digests module sources; empty means SHA-256.
	Hash   object.HashAlgorithm
	Cache  ParseCache
	Pools  *workpool.Pools
	Logger *slog.Logger
}

// BuildRequest describes one graph build.
type BuildRequest struct {
	Revision string
	// Files lists every source path at Revision.
	Files []string
	// Changed reports whether a path differs from the previous graph's
	// revision. Nil means every path changed.
	Changed func(path string) bool
	// Previous is the baseline revision's graph, if any.
	Previous *Graph
}

// BuildStats counts how each module was obtained.
type BuildStats struct {
	Reused    int
	Parsed    int
	CacheHits int
	Skipped   []string
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Build returns the graph of req.Revision. Files whose module name collides
// with another's are skipped; a package's __init__.py wins over a same-named
// module file.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*Graph, *BuildStats, error) {
	if b.Repo == nil {
		return nil, nil, fmt.Errorf("build graph: no repository")
	}
	extractor := b.Extractor
	if extractor == nil {
		extractor = DefaultExtractor()
	}
	pools := b.Pools
	if pools == nil {
		pools = workpool.New(0, 0)
	}
	hash := b.Hash
	if hash == "" {
		hash = object.HashSHA256
	}

	stats := &BuildStats{}
	chosen := b.selectFiles(req.Files, stats)

	nodes := make([]*Node, len(chosen))
	var pending []int
	for i, f := range chosen {
		if prev := b.reusable(req, f.path); prev != nil {
			nodes[i] = &Node{
				Name:    f.name,
				Path:    f.path,
				Package: f.pkg,
				Source:  prev.Source,
				Size:    prev.Size,
				Imports: prev.Imports,
				Reused:  true,
			}
			stats.Reused++
			continue
		}
		pending = append(pending, i)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pools.IO.Size() + pools.CPU.Size())
	for _, i := range pending {
		f := chosen[i]
		g.Go(func() error {
			src, err := workpool.Run(gctx, pools.IO, func() ([]byte, error) {
				return b.Repo.ReadFile(gctx, req.Revision, f.path)
			})
			if err != nil {
				return fmt.Errorf("build graph: %w", err)
			}
			digest, err := hash.Sum(src)
			if err != nil {
				return fmt.Errorf("build graph: %w", err)
			}
			imports, hit, err := b.imports(gctx, pools.CPU, extractor, f.path, digest, src)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			nodes[i] = &Node{
				Name:    f.name,
				Path:    f.path,
				Package: f.pkg,
				Source:  digest,
				Size:    int64(len(src)),
				Imports: imports,
			}
			stats.Parsed++
			if hit {
				stats.CacheHits++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	graph, err := New(req.Revision, nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("build graph: %w", err)
	}
	b.logger().Debug("graph built",
		"revision", req.Revision,
		"modules", graph.Len(),
		"edges", graph.EdgeCount(),
		"reused", stats.Reused,
		"parsed", stats.Parsed,
		"cache_hits", stats.CacheHits,
	)
	return graph, stats, nil
}

type sourceFile struct {
	path string
	name string
	pkg  bool
}

func (b *Builder) selectFiles(files []string, stats *BuildStats) []sourceFile {
	byName := make(map[string]sourceFile, len(files))
	for _, p := range files {
		name, pkg, ok := ModuleName(p)
		if !ok {
			stats.Skipped = append(stats.Skipped, p)
			continue
		}
		f := sourceFile{path: p, name: name, pkg: pkg}
		if prev, dup := byName[name]; dup {
			keep, drop := prev, f
			if f.pkg && !prev.pkg || f.pkg == prev.pkg && f.path < prev.path {
				keep, drop = f, prev
			}
			b.logger().Warn("module name collision", "module", name, "kept", keep.path, "skipped", drop.path)
			stats.Skipped = append(stats.Skipped, drop.path)
			byName[name] = keep
			continue
		}
		byName[name] = f
	}
	out := make([]sourceFile, 0, len(byName))
	for _, f := range byName {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	sort.Strings(stats.Skipped)
	return out
}

func (b *Builder) reusable(req BuildRequest, p string) *Node {
	if req.Previous == nil || req.Changed == nil || req.Changed(p) {
		return nil
	}
	prev := req.Previous.ByPath(p)
	if prev == nil || !prev.Source.Valid() {
		return nil
	}
	return prev
}

func (b *Builder) imports(ctx context.Context, cpu *workpool.Pool, extractor Extractor, p string, digest object.Digest, src []byte) ([]Import, bool, error) {
	key := extractor.Name() + "/" + string(digest)
	if b.Cache != nil {
		if data, ok, err := b.Cache.Get(key); err != nil {
			b.logger().Warn("parse cache read failed", "path", p, "error", err)
		} else if ok {
			var imports []Import
			if err := json.Unmarshal(data, &imports); err == nil {
				return imports, true, nil
			}
		}
	}

	imports, err := workpool.Run(ctx, cpu, func() ([]Import, error) {
		return extractor.Extract(p, src)
	})
	if err != nil {
		return nil, false, fmt.Errorf("build graph: extract %s: %w", p, err)
	}

	if b.Cache != nil {
		if data, err := json.Marshal(imports); err == nil {
			if err := b.Cache.Put(key, data); err != nil {
				b.logger().Warn("parse cache write failed", "path", p, "error", err)
			}
		}
	}
	return imports, false, nil
}
