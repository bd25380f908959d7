package repo

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/odvcencio/gotidx/pkg/object"
)

const (
	settingsFileName = "config.toml"
	pointerFileName  = "INDEXED"
)

// Duration is a time.Duration that reads and writes TOML strings such as
// "250ms" or "10m".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings is the content of .gotidx/config.toml.
type Settings struct {
	Store      StoreSettings      `toml:"store"`
	Retention  RetentionSettings  `toml:"retention"`
	Scheduler  SchedulerSettings  `toml:"scheduler"`
	Source     SourceSettings     `toml:"source"`
	Summarizer SummarizerSettings `toml:"summarizer"`
	Cache      CacheSettings      `toml:"cache"`
}

type StoreSettings struct {
	Hash        object.HashAlgorithm `toml:"hash"`
	Compression object.Compression   `toml:"compression"`
	// Relative directories resolve against the state directory.
	ObjectsDir   string `toml:"objects_dir"`
	ManifestsDir string `toml:"manifests_dir"`
	Verify       bool   `toml:"verify"`
}

type RetentionSettings struct {
	// KeepLast is the number of manifests kept by housekeeping; 0 keeps all.
	KeepLast          int      `toml:"keep_last"`
	PruneUnreferenced bool     `toml:"prune_unreferenced"`
	SweepGrace        Duration `toml:"sweep_grace"`
	// AfterIndex runs housekeeping at the end of every complete run.
	AfterIndex bool `toml:"after_index"`
}

type SchedulerSettings struct {
	// CPUWorkers of 0 means runtime.NumCPU().
	CPUWorkers       int      `toml:"cpu_workers"`
	IOWorkers        int      `toml:"io_workers"`
	WriteRetries     int      `toml:"write_retries"`
	RetryBaseDelay   Duration `toml:"retry_base_delay"`
	RetryMaxDelay    Duration `toml:"retry_max_delay"`
	SummarizeTimeout Duration `toml:"summarize_timeout"`
	// SummarizeRate limits summarizer calls per second; 0 is unlimited.
	SummarizeRate float64 `toml:"summarize_rate"`
}

type SourceSettings struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

type SummarizerSettings struct {
	// Kind is "outline" (built in) or "exec".
	Kind    string   `toml:"kind"`
	Command []string `toml:"command"`
	// Resource is "cpu" or "io" and selects the pool summarizer calls run on.
	// Empty picks cpu for outline and io for exec.
	Resource string `toml:"resource"`
}

type CacheSettings struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// DefaultSettings returns the settings written by Init.
func DefaultSettings() *Settings {
	return &Settings{
		Store: StoreSettings{
			Hash:         object.HashSHA256,
			Compression:  object.CompressionZstd,
			ObjectsDir:   "objects",
			ManifestsDir: "manifests",
			Verify:       true,
		},
		Retention: RetentionSettings{
			KeepLast:          20,
			PruneUnreferenced: true,
			SweepGrace:        Duration(object.DefaultSweepGrace),
			AfterIndex:        true,
		},
		Scheduler: SchedulerSettings{
			IOWorkers:      8,
			WriteRetries:   3,
			RetryBaseDelay: Duration(50 * time.Millisecond),
			RetryMaxDelay:  Duration(2 * time.Second),
		},
		Source: SourceSettings{
			Include: []string{"**/*.py"},
		},
		Summarizer: SummarizerSettings{
			Kind: "outline",
		},
		Cache: CacheSettings{
			Enabled: true,
			Dir:     "cache",
		},
	}
}

// ObjectOptions returns the object store options described by s.
func (s *Settings) ObjectOptions() object.Options {
	return object.Options{
		Hash:        s.Store.Hash,
		Compression: s.Store.Compression,
		Verify:      s.Store.Verify,
	}
}

// CPUWorkers returns the effective CPU pool size.
func (s *Settings) CPUWorkers() int {
	if s.Scheduler.CPUWorkers > 0 {
		return s.Scheduler.CPUWorkers
	}
	return runtime.NumCPU()
}

// SummarizerResource returns the effective summarizer resource class.
func (s *Settings) SummarizerResource() string {
	if s.Summarizer.Resource != "" {
		return s.Summarizer.Resource
	}
	if s.Summarizer.Kind == "exec" {
		return "io"
	}
	return "cpu"
}

// Validate reports settings that cannot be used.
func (s *Settings) Validate() error {
	if err := s.ObjectOptions().Validate(); err != nil {
		return fmt.Errorf("settings: store: %w", err)
	}
	if s.Store.ObjectsDir == "" || s.Store.ManifestsDir == "" {
		return fmt.Errorf("settings: store: objects_dir and manifests_dir are required")
	}
	if s.Retention.KeepLast < 0 {
		return fmt.Errorf("settings: retention: keep_last must be >= 0")
	}
	if s.Scheduler.CPUWorkers < 0 || s.Scheduler.IOWorkers < 1 {
		return fmt.Errorf("settings: scheduler: cpu_workers must be >= 0 and io_workers >= 1")
	}
	if s.Scheduler.WriteRetries < 0 {
		return fmt.Errorf("settings: scheduler: write_retries must be >= 0")
	}
	if s.Scheduler.SummarizeRate < 0 {
		return fmt.Errorf("settings: scheduler: summarize_rate must be >= 0")
	}
	switch s.Summarizer.Kind {
	case "outline":
	case "exec":
		if len(s.Summarizer.Command) == 0 {
			return fmt.Errorf("settings: summarizer: exec summarizer needs a command")
		}
	default:
		return fmt.Errorf("settings: summarizer: unknown kind %q", s.Summarizer.Kind)
	}
	switch s.Summarizer.Resource {
	case "", "cpu", "io":
	default:
		return fmt.Errorf("settings: summarizer: resource must be cpu or io, got %q", s.Summarizer.Resource)
	}
	if len(s.Source.Include) == 0 {
		return fmt.Errorf("settings: source: include must name at least one pattern")
	}
	return nil
}

func (s *Settings) resolve(stateDir, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(stateDir, dir)
}

// LoadSettings reads a settings file. Keys missing from the file keep their
// default values.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()
	md, err := toml.DecodeFile(path, settings)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("read settings %s: unknown key %q", path, undecoded[0].String())
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return settings, nil
}

// WriteSettings atomically writes settings to path.
func WriteSettings(path string, settings *Settings) error {
	if settings == nil {
		settings = DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
		return fmt.Errorf("write settings: encode: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-tmp-*")
	if err != nil {
		return fmt.Errorf("write settings: tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write settings: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write settings: rename: %w", err)
	}
	return nil
}
