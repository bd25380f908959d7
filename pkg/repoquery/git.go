package repoquery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Git answers repository queries by running the git command line in Dir.
// All methods are safe for concurrent use.
type Git struct {
	Dir string
	// Bin is the git executable; empty means "git" on PATH.
	Bin string
	// Timeout bounds each git invocation; zero means 30s.
	Timeout time.Duration
	// MaxAncestorCommits bounds how much history Ancestors lists; zero means
	// DefaultMaxAncestorCommits.
	MaxAncestorCommits int
	// MaxAncestorDepth bounds Ancestors' walk; zero means
	// DefaultMaxAncestorDepth.
	MaxAncestorDepth int
}

// NewGit returns a Git adapter for the work tree at dir.
func NewGit(dir string) *Git {
	return &Git{Dir: dir}
}

func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := g.Bin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("git %s: %w: timeout after %v", args[0], ErrUnavailable, timeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("git %s: %w", args[0], ctx.Err())
		}
		return nil, &gitError{args: args, err: err, stderr: strings.TrimSpace(stderr.String())}
	}
	return stdout.Bytes(), nil
}

type gitError struct {
	args   []string
	err    error
	stderr string
}

func (e *gitError) Error() string {
	return fmt.Sprintf("git %s: %v: %v: %s", e.args[0], ErrUnavailable, e.err, e.stderr)
}

func (e *gitError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

func (e *gitError) exitCode() int {
	var exit *exec.ExitError
	if errors.As(e.err, &exit) {
		return exit.ExitCode()
	}
	return -1
}

func (g *Git) Resolve(ctx context.Context, rev string) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rev, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Git) Branch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	branch := strings.TrimSpace(string(out))
	if branch == "HEAD" {
		return "", nil
	}
	return branch, nil
}

func (g *Git) Ancestors(ctx context.Context, rev string) (map[string]int, error) {
	id, err := g.Resolve(ctx, rev)
	if err != nil {
		return nil, fmt.Errorf("ancestors: %w", err)
	}
	maxCommits := g.MaxAncestorCommits
	if maxCommits <= 0 {
		maxCommits = DefaultMaxAncestorCommits
	}
	out, err := g.run(ctx, "rev-list", "--parents", "--max-count="+strconv.Itoa(maxCommits), id)
	if err != nil {
		return nil, fmt.Errorf("ancestors of %s: %w", id, err)
	}
	parents := make(map[string][]string)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		parents[fields[0]] = fields[1:]
	}
	return ancestorDistances(id, func(c string) []string { return parents[c] }, g.MaxAncestorDepth), nil
}

func (g *Git) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	_, err := g.run(ctx, "merge-base", "--is-ancestor", a, b)
	if err == nil {
		return true, nil
	}
	var gerr *gitError
	if errors.As(err, &gerr) && gerr.exitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("is-ancestor %s %s: %w", a, b, err)
}

func (g *Git) ChangedFiles(ctx context.Context, from, to string, filter PathFilter) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", "-z", "--no-renames", from, to, "--")
	if err != nil {
		return nil, fmt.Errorf("changed files %s..%s: %w", from, to, err)
	}
	return filterPaths(splitNUL(out), filter), nil
}

func (g *Git) ListFiles(ctx context.Context, rev string, filter PathFilter) ([]string, error) {
	out, err := g.run(ctx, "ls-tree", "-r", "-z", "--name-only", rev)
	if err != nil {
		return nil, fmt.Errorf("list files at %s: %w", rev, err)
	}
	return filterPaths(splitNUL(out), filter), nil
}

func (g *Git) ReadFile(ctx context.Context, rev, path string) ([]byte, error) {
	out, err := g.run(ctx, "cat-file", "blob", rev+":"+path)
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", path, rev, err)
	}
	return out, nil
}

func splitNUL(b []byte) []string {
	parts := strings.Split(string(b), "\x00")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
