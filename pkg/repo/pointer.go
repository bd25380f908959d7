package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrPointerCASMismatch is returned when a pointer update's expected old
// revision does not match the stored one.
var ErrPointerCASMismatch = errors.New("pointer compare-and-swap mismatch")

const (
	pointerLockRetryDelay = 5 * time.Millisecond
	pointerLockWaitLimit  = 2 * time.Second
)

// Pointer records the last revision whose indexing run completed.
type Pointer struct {
	Revision  string    `json:"revision"`
	Branch    string    `json:"branch,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsZero reports whether no revision has been recorded.
func (p Pointer) IsZero() bool { return p.Revision == "" }

// PointerStore holds the last-indexed pointer. It is passed explicitly to
// whatever needs it so that independent runs can use isolated state.
type PointerStore interface {
	// Read returns the current pointer, or the zero Pointer if none is set.
	Read() (Pointer, error)
	// Update replaces the pointer. If expectedOld is given, the update only
	// succeeds when the current revision equals it ("" meaning unset).
	Update(next Pointer, expectedOld ...string) error
}

// FilePointer stores the pointer as JSON in a single file, updated with
// lockfile + rename semantics.
type FilePointer struct {
	path string
}

// NewFilePointer returns a FilePointer backed by path.
func NewFilePointer(path string) *FilePointer {
	return &FilePointer{path: path}
}

func (f *FilePointer) Read() (Pointer, error) {
	return readPointerFile(f.path)
}

func (f *FilePointer) Update(next Pointer, expectedOld ...string) error {
	if len(expectedOld) > 1 {
		return fmt.Errorf("update pointer: expected at most one old revision")
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("update pointer: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("update pointer: mkdir: %w", err)
	}

	lockPath := f.path + ".lock"
	lockFile, err := acquireLock(lockPath)
	if err != nil {
		return fmt.Errorf("update pointer: lock: %w", err)
	}
	cleanupLock := true
	defer func() {
		if lockFile != nil {
			_ = lockFile.Close()
		}
		if cleanupLock {
			_ = os.Remove(lockPath)
		}
	}()

	if len(expectedOld) == 1 {
		old, err := readPointerFile(f.path)
		if err != nil {
			return fmt.Errorf("update pointer: read old: %w", err)
		}
		if old.Revision != expectedOld[0] {
			return fmt.Errorf("update pointer: %w (expected %q, found %q)",
				ErrPointerCASMismatch, expectedOld[0], old.Revision)
		}
	}

	if _, err := lockFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("update pointer: write: %w", err)
	}
	if err := lockFile.Sync(); err != nil {
		return fmt.Errorf("update pointer: sync: %w", err)
	}
	if err := lockFile.Close(); err != nil {
		lockFile = nil
		return fmt.Errorf("update pointer: close: %w", err)
	}
	lockFile = nil

	if err := os.Rename(lockPath, f.path); err != nil {
		return fmt.Errorf("update pointer: rename: %w", err)
	}
	cleanupLock = false
	return nil
}

func acquireLock(lockPath string) (*os.File, error) {
	deadline := time.Now().Add(pointerLockWaitLimit)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if os.IsExist(err) {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
			}
			time.Sleep(pointerLockRetryDelay)
			continue
		}
		return nil, err
	}
}

func readPointerFile(path string) (Pointer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Pointer{}, nil
		}
		return Pointer{}, fmt.Errorf("read pointer: %w", err)
	}
	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return Pointer{}, fmt.Errorf("read pointer: %w", err)
	}
	return p, nil
}

// MemoryPointer is an in-process PointerStore.
type MemoryPointer struct {
	mu sync.Mutex
	p  Pointer
}

func (m *MemoryPointer) Read() (Pointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p, nil
}

func (m *MemoryPointer) Update(next Pointer, expectedOld ...string) error {
	if len(expectedOld) > 1 {
		return fmt.Errorf("update pointer: expected at most one old revision")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(expectedOld) == 1 && m.p.Revision != expectedOld[0] {
		return fmt.Errorf("update pointer: %w (expected %q, found %q)",
			ErrPointerCASMismatch, expectedOld[0], m.p.Revision)
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	m.p = next
	return nil
}
