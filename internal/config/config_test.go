package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/groundstation/internal/ferr"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.Equal(t, 75, cfg.Audio.DeemphasisUs)
	assert.Equal(t, "priority", cfg.Scheduler.ConflictStrategy)
	assert.Equal(t, 12, cfg.Scheduler.RegenerateHours)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
server:
  host: 127.0.0.1
  port: 9000
logging:
  level: debug
sdrs:
  - id: rtl0
    driver: rtlsdr
    center_freq_hz: 145000000
    sample_rate_hz: 2048000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	require.Len(t, cfg.SDRs, 1)
	assert.Equal(t, "rtl0", cfg.SDRs[0].ID)
	// Untouched fields keep defaults.
	assert.Equal(t, 4096, cfg.FFT.Size)
}

func TestSchemaVersionTooOld(t *testing.T) {
	path := writeTemp(t, "config.yaml", "schema_version: \"0.9.0\"\n")
	_, err := Load(path)
	require.Error(t, err)
	var cerr *ferr.Configuration
	assert.True(t, errors.As(err, &cerr))
}

func TestDuplicateSDRID(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
sdrs:
  - id: a
    driver: rtlsdr
  - id: a
    driver: rtlsdr
`)
	_, err := Load(path)
	var cerr *ferr.Configuration
	require.True(t, errors.As(err, &cerr))
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
		err  bool
	}{
		{"error", LevelError, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"", LevelInfo, false},
		{"DEBUG", LevelDebug, false},
		{"verbose", LevelInfo, true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.err {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestLogOverrides(t *testing.T) {
	cfg := Default()
	path := writeTemp(t, "log.yaml", "demod: debug\nbroadcaster: error\n")
	require.NoError(t, cfg.LoadLogOverrides(path))
	assert.Equal(t, LevelDebug, cfg.ComponentLevel("demod"))
	assert.Equal(t, LevelError, cfg.ComponentLevel("broadcaster"))
	assert.Equal(t, LevelInfo, cfg.ComponentLevel("tracker"))
}

func TestLogOverridesRejectBadLevel(t *testing.T) {
	cfg := Default()
	path := writeTemp(t, "log.yaml", "demod: shouty\n")
	assert.Error(t, cfg.LoadLogOverrides(path))
}
