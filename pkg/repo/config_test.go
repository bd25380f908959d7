package repo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gotidx/pkg/object"
)

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	want := DefaultSettings()
	want.Store.Hash = object.HashBLAKE2b256
	want.Retention.KeepLast = 3
	want.Scheduler.SummarizeTimeout = Duration(30 * time.Second)
	want.Source.Exclude = []string{"tests/**"}

	require.NoError(t, WriteSettings(path, want))
	got, err := LoadSettings(path)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSettingsFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := `
[store]
compression = "gzip"

[scheduler]
io_workers = 32
retry_base_delay = "10ms"

[summarizer]
kind = "exec"
command = ["python3", "summarize.py"]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, object.CompressionGzip, s.Store.Compression)
	assert.Equal(t, object.HashSHA256, s.Store.Hash)
	assert.Equal(t, 32, s.Scheduler.IOWorkers)
	assert.Equal(t, 10*time.Millisecond, s.Scheduler.RetryBaseDelay.Std())
	assert.Equal(t, 2*time.Second, s.Scheduler.RetryMaxDelay.Std())
	assert.Equal(t, []string{"**/*.py"}, s.Source.Include)
	assert.Equal(t, "io", s.SummarizerResource())
}

func TestLoadSettingsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "[store]\nbogus = 1\n",
		"bad compression":  "[store]\ncompression = \"lz4\"\n",
		"bad duration":     "[retention]\nsweep_grace = \"soon\"\n",
		"exec w/o command": "[summarizer]\nkind = \"exec\"\n",
		"zero io workers":  "[scheduler]\nio_workers = 0\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
			_, err := LoadSettings(path)
			assert.Error(t, err)
		})
	}
}

func TestWriteSettingsUsesDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, WriteSettings(path, DefaultSettings()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `sweep_grace = "10m0s"`), "config:\n%s", data)
}

func TestCPUWorkersDefaultsToNumCPU(t *testing.T) {
	s := DefaultSettings()
	assert.Positive(t, s.CPUWorkers())
	s.Scheduler.CPUWorkers = 3
	assert.Equal(t, 3, s.CPUWorkers())
}
