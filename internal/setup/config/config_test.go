package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/robalyx/herald/internal/setup/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(content), 0o600))
	return dir
}

func TestLoadFrom(t *testing.T) {
	t.Parallel()

	dir := writeConfig(t, `
version = 1

[presence]
shard_count = 8
debounce_window_ms = 2000
ephemeral_backend = "memory"

[friends]
max_channels_per_group = 500

[metrics]
enabled = true
`)

	cfg, used, err := config.LoadFrom([]string{filepath.Join(t.TempDir(), "missing"), dir})
	require.NoError(t, err)
	assert.Equal(t, dir, used)

	assert.Equal(t, 8, cfg.Presence.ShardCount)
	assert.Equal(t, 2000, cfg.Presence.DebounceWindowMs)
	assert.Equal(t, config.BackendMemory, cfg.Presence.EphemeralBackend)
	assert.Equal(t, 500, cfg.Friends.MaxChannelsPerGroup)
	assert.True(t, cfg.Metrics.Enabled)

	// Unset values fall back to defaults
	assert.Equal(t, 100, cfg.Presence.StormThreshold)
	assert.Equal(t, 10, cfg.Friends.MaxGroupsPerSubscriber)
	assert.Equal(t, "presence.global", cfg.Aggregator.GlobalChannel)
	assert.Equal(t, "herald-ingest", cfg.Ingest.QueueGroup)
	assert.Equal(t, "info", cfg.Debug.LogLevel)
}

func TestLoadFromErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    error
	}{
		{name: "missing version", content: "[presence]\nshard_count = 4\n", want: config.ErrConfigVersionMissing},
		{name: "old version", content: "version = 99\n", want: config.ErrConfigVersionMismatch},
		{
			name:    "unknown backend",
			content: "version = 1\n[presence]\nephemeral_backend = \"etcd\"\n",
			want:    config.ErrInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := config.LoadFrom([]string{writeConfig(t, tt.content)})
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, _, err := config.LoadFrom([]string{t.TempDir()})
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}
