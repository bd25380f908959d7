// Package repo manages the .gotidx state directory: its settings file, the
// object and manifest stores it roots, the last-indexed pointer, and
// housekeeping over all three.
package repo

import (
	"path/filepath"

	"github.com/odvcencio/gotidx/pkg/manifest"
	"github.com/odvcencio/gotidx/pkg/object"
)

// StateDirName is the name of the state directory at a source tree's root.
const StateDirName = ".gotidx"

// Repo represents an opened index state directory.
type Repo struct {
	RootDir  string // source tree root
	StateDir string // .gotidx/ directory

	Settings  *Settings
	Objects   *object.Store
	Manifests *manifest.Store
	Pointer   PointerStore
}

func newRepo(root, stateDir string, settings *Settings) *Repo {
	return &Repo{
		RootDir:   root,
		StateDir:  stateDir,
		Settings:  settings,
		Objects:   object.NewStore(settings.resolve(stateDir, settings.Store.ObjectsDir), settings.ObjectOptions()),
		Manifests: manifest.NewStore(settings.resolve(stateDir, settings.Store.ManifestsDir)),
		Pointer:   NewFilePointer(filepath.Join(stateDir, pointerFileName)),
	}
}

// SettingsPath returns the path of the settings file.
func (r *Repo) SettingsPath() string {
	return filepath.Join(r.StateDir, settingsFileName)
}

// CacheDir returns the parse cache directory.
func (r *Repo) CacheDir() string {
	return r.Settings.resolve(r.StateDir, r.Settings.Cache.Dir)
}
