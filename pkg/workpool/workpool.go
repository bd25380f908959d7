// Package workpool provides the two bounded worker pools work is divided
// between: CPU-bound work (parsing, outline summaries) and IO-bound work
// (repository reads, external summarizers, blob writes).
package workpool

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// DefaultIOWorkers is the IO pool size used when none is configured.
const DefaultIOWorkers = 8

// Class names the pool a piece of work runs on.
type Class int

const (
	CPU Class = iota
	IO
)

func (c Class) String() string {
	switch c {
	case CPU:
		return "cpu"
	case IO:
		return "io"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// ParseClass parses "cpu" or "io".
func ParseClass(s string) (Class, error) {
	switch s {
	case "cpu":
		return CPU, nil
	case "io":
		return IO, nil
	default:
		return 0, fmt.Errorf("unknown resource class %q", s)
	}
}

// Pool bounds how many callers run work concurrently.
type Pool struct {
	class Class
	size  int
	sem   *semaphore.Weighted
}

// NewPool returns a pool admitting size concurrent callers.
func NewPool(class Class, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{class: class, size: size, sem: semaphore.NewWeighted(int64(size))}
}

// Size returns the pool's capacity.
func (p *Pool) Size() int { return p.size }

// Class returns the pool's resource class.
func (p *Pool) Class() Class { return p.class }

// Do runs fn once a slot is free. It returns ctx's error without running fn
// if ctx ends first.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Run is Do for functions that return a value.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// Pools is the pair of pools shared by one indexing run.
type Pools struct {
	CPU *Pool
	IO  *Pool
}

// New returns pools of the given sizes. cpu <= 0 means runtime.NumCPU();
// io <= 0 means DefaultIOWorkers.
func New(cpu, io int) *Pools {
	if cpu <= 0 {
		cpu = runtime.NumCPU()
	}
	if io <= 0 {
		io = DefaultIOWorkers
	}
	return &Pools{CPU: NewPool(CPU, cpu), IO: NewPool(IO, io)}
}

// For returns the pool for class c.
func (p *Pools) For(c Class) *Pool {
	if c == IO {
		return p.IO
	}
	return p.CPU
}
