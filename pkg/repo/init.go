package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotInitialized is returned by Open when no state directory is found.
var ErrNotInitialized = errors.New("not a gotidx repository (or any parent up to /)")

// Init creates a new state directory at path: a default settings file plus
// objects/, manifests/ and cache/. Returns an error if the state directory
// already exists.
func Init(path string) (*Repo, error) {
	return InitWith(path, DefaultSettings())
}

// InitWith is Init with the given settings written instead of the defaults.
func InitWith(path string, settings *Settings) (*Repo, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("init: abs path: %w", err)
	}
	stateDir := filepath.Join(abs, StateDirName)

	if _, err := os.Stat(stateDir); err == nil {
		return nil, fmt.Errorf("init: repository already exists at %s", stateDir)
	}

	dirs := []string{
		settings.resolve(stateDir, settings.Store.ObjectsDir),
		settings.resolve(stateDir, settings.Store.ManifestsDir),
		settings.resolve(stateDir, settings.Cache.Dir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("init: mkdir %s: %w", d, err)
		}
	}

	if err := WriteSettings(filepath.Join(stateDir, settingsFileName), settings); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	r := newRepo(abs, stateDir, settings)
	if err := r.Objects.BindHash(); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return r, nil
}

// Open searches upward from path for a state directory and opens it. It
// refuses a settings file whose hash algorithm differs from the one the
// object store was populated with.
func Open(path string) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open: abs path: %w", err)
	}

	cur := abs
	for {
		stateDir := filepath.Join(cur, StateDirName)
		info, err := os.Stat(stateDir)
		if err == nil && info.IsDir() {
			settings, err := LoadSettings(filepath.Join(stateDir, settingsFileName))
			if err != nil {
				return nil, fmt.Errorf("open: %w", err)
			}
			r := newRepo(cur, stateDir, settings)
			if err := r.Objects.BindHash(); err != nil {
				return nil, fmt.Errorf("open: %w", err)
			}
			return r, nil
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, fmt.Errorf("open: %w", ErrNotInitialized)
		}
		cur = parent
	}
}
