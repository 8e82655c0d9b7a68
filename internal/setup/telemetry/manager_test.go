package telemetry_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robalyx/herald/internal/setup/config"
	"github.com/robalyx/herald/internal/setup/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSessions(t *testing.T) {
	t.Parallel()

	logDir := t.TempDir()
	for i, name := range []string{"old-a", "old-b", "old-c"} {
		dir := filepath.Join(logDir, name)
		require.NoError(t, os.Mkdir(dir, 0o755))
		modTime := time.Now().Add(-time.Duration(3-i) * time.Hour)
		require.NoError(t, os.Chtimes(dir, modTime, modTime))
	}

	manager := telemetry.NewManager(logDir, "serve",
		&config.Debug{LogLevel: "debug", MaxLogsToKeep: 2, MaxLogLines: 100},
		&config.Telemetry{Enabled: true, ServiceName: "herald"})

	mainLogger, dbLogger, err := manager.GetLoggers()
	require.NoError(t, err)

	mainLogger.Info("started")
	dbLogger.Error("query failed")
	manager.GetWorkerLogger("reconcile").Info("sweeping")
	require.NoError(t, mainLogger.Sync())

	sessions, err := filepath.Glob(filepath.Join(logDir, "*"))
	require.NoError(t, err)
	assert.Len(t, sessions, 2, "the newest old session and the current one remain")
	assert.DirExists(t, filepath.Join(logDir, "old-c"))

	sessionDir := manager.GetCurrentSessionDir()
	for _, name := range []string{"serve.log", "database.log", "reconcile.log"} {
		assert.FileExists(t, filepath.Join(sessionDir, name))
	}

	data, err := os.ReadFile(filepath.Join(sessionDir, "serve.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "started")
	assert.Contains(t, string(data), manager.GetInstanceID())
}

func TestManagerRejectsBadLevel(t *testing.T) {
	t.Parallel()

	manager := telemetry.NewManager(t.TempDir(), "serve",
		&config.Debug{LogLevel: "loud", MaxLogsToKeep: 1, MaxLogLines: 10},
		&config.Telemetry{})

	_, _, err := manager.GetLoggers()
	require.Error(t, err)
}
