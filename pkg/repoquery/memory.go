package repoquery

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Repository built commit by commit. It is used by
// tests and by embedders that already hold revisions in memory.
type Memory struct {
	mu      sync.RWMutex
	commits map[string]*memCommit
	branch  string
	head    string
}

type memCommit struct {
	parents []string
	files   map[string][]byte
}

// NewMemory returns an empty repository on branch.
func NewMemory(branch string) *Memory {
	return &Memory{commits: make(map[string]*memCommit), branch: branch}
}

// Commit records rev with the given parents and complete file set, and makes
// it the head. Parents must already exist.
func (m *Memory) Commit(rev string, parents []string, files map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.commits[rev]; exists {
		return fmt.Errorf("commit %s: already exists", rev)
	}
	for _, p := range parents {
		if _, ok := m.commits[p]; !ok {
			return fmt.Errorf("commit %s: unknown parent %s", rev, p)
		}
	}
	c := &memCommit{parents: append([]string(nil), parents...), files: make(map[string][]byte, len(files))}
	for path, content := range files {
		c.files[path] = []byte(content)
	}
	m.commits[rev] = c
	m.head = rev
	return nil
}

func (m *Memory) commit(rev string) (*memCommit, error) {
	c, ok := m.commits[rev]
	if !ok {
		return nil, fmt.Errorf("revision %q: %w: unknown revision", rev, ErrUnavailable)
	}
	return c, nil
}

func (m *Memory) Resolve(ctx context.Context, rev string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rev == "HEAD" || rev == m.branch {
		if m.head == "" {
			return "", fmt.Errorf("resolve %q: %w: empty repository", rev, ErrUnavailable)
		}
		return m.head, nil
	}
	if _, err := m.commit(rev); err != nil {
		return "", err
	}
	return rev, nil
}

func (m *Memory) Branch(ctx context.Context) (string, error) {
	return m.branch, ctx.Err()
}

func (m *Memory) Ancestors(ctx context.Context, rev string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.commit(rev); err != nil {
		return nil, err
	}
	return ancestorDistances(rev, func(c string) []string { return m.commits[c].parents }, 0), nil
}

func (m *Memory) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	dist, err := m.Ancestors(ctx, b)
	if err != nil {
		return false, err
	}
	_, ok := dist[a]
	return ok, nil
}

func (m *Memory) ChangedFiles(ctx context.Context, from, to string, filter PathFilter) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, err := m.commit(from)
	if err != nil {
		return nil, err
	}
	b, err := m.commit(to)
	if err != nil {
		return nil, err
	}
	var changed []string
	for path, content := range b.files {
		if old, ok := a.files[path]; !ok || !bytes.Equal(old, content) {
			changed = append(changed, path)
		}
	}
	for path := range a.files {
		if _, ok := b.files[path]; !ok {
			changed = append(changed, path)
		}
	}
	return filterPaths(changed, filter), nil
}

func (m *Memory) ListFiles(ctx context.Context, rev string, filter PathFilter) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.commit(rev)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(c.files))
	for path := range c.files {
		paths = append(paths, path)
	}
	return filterPaths(paths, filter), nil
}

func (m *Memory) ReadFile(ctx context.Context, rev, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.commit(rev)
	if err != nil {
		return nil, err
	}
	content, ok := c.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s at %s: %w: no such file", path, rev, ErrUnavailable)
	}
	return append([]byte(nil), content...), nil
}
