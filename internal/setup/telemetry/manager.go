package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/robalyx/herald/internal/setup/config"
	"github.com/robalyx/herald/internal/setup/telemetry/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const sessionLayout = "2006-01-02_15-04-05"

// Manager handles the creation and management of log files and directories.
// Every run writes into its own timestamped session directory.
type Manager struct {
	instanceID        string // Unique identifier for this program instance
	component         string // Command that started this instance
	currentSessionDir string // Path to the current session's log directory
	logDir            string // Base directory for all logs
	level             string // Logging level (debug, info, warn, error)
	maxLogsToKeep     int    // Maximum number of log sessions to retain
	maxLogLines       int    // Maximum number of lines to keep in each log file
	traceErrors       bool   // Forward error logs to OpenTelemetry
	serviceName       string
}

// NewManager creates a new Manager instance.
func NewManager(logDir, component string, debugCfg *config.Debug, telemetryCfg *config.Telemetry) *Manager {
	return &Manager{
		instanceID:    uuid.New().String(),
		component:     component,
		logDir:        logDir,
		level:         debugCfg.LogLevel,
		maxLogsToKeep: debugCfg.MaxLogsToKeep,
		maxLogLines:   debugCfg.MaxLogLines,
		traceErrors:   telemetryCfg.Enabled,
		serviceName:   telemetryCfg.ServiceName,
	}
}

// GetLoggers initializes the main and database loggers.
// The main logger also writes warnings and above to stderr.
func (lm *Manager) GetLoggers() (*zap.Logger, *zap.Logger, error) {
	if err := lm.setupLogDirectories(); err != nil {
		return nil, nil, err
	}

	mainLogger, err := lm.initLogger(filepath.Join(lm.currentSessionDir, lm.component+".log"), true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize main logger: %w", err)
	}

	dbLogger, err := lm.initLogger(filepath.Join(lm.currentSessionDir, "database.log"), false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database logger: %w", err)
	}

	fields := []zap.Field{zap.String("instanceID", lm.instanceID)}
	return mainLogger.With(fields...), dbLogger.With(fields...), nil
}

// GetWorkerLogger creates a logger for background workers.
// Each worker gets its own log file in the session directory.
func (lm *Manager) GetWorkerLogger(name string) *zap.Logger {
	logger, err := lm.initLogger(filepath.Join(lm.getOrCreateSessionDir(), name+".log"), false)
	if err != nil {
		return zap.NewNop()
	}

	return logger.Named(name).With(zap.String("instanceID", lm.instanceID))
}

// GetCurrentSessionDir returns the current session directory.
func (lm *Manager) GetCurrentSessionDir() string {
	return lm.getOrCreateSessionDir()
}

// GetInstanceID returns the unique instance identifier for this program run.
func (lm *Manager) GetInstanceID() string {
	return lm.instanceID
}

// setupLogDirectories ensures the base directory exists, rotates old
// sessions and creates a new session directory.
func (lm *Manager) setupLogDirectories() error {
	if err := os.MkdirAll(lm.logDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	if err := lm.rotateLogSessions(); err != nil {
		return fmt.Errorf("failed to rotate log sessions: %w", err)
	}

	lm.currentSessionDir = filepath.Join(lm.logDir, time.Now().Format(sessionLayout)+"_"+lm.component)
	if err := os.MkdirAll(lm.currentSessionDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	return nil
}

// getOrCreateSessionDir returns the current session directory or creates a new one.
// Falls back to base log directory if creation fails.
func (lm *Manager) getOrCreateSessionDir() string {
	if lm.currentSessionDir != "" {
		return lm.currentSessionDir
	}

	sessionDir := filepath.Join(lm.logDir, time.Now().Format(sessionLayout)+"_"+lm.component)
	if err := os.MkdirAll(sessionDir, os.ModePerm); err != nil {
		return lm.logDir
	}
	lm.currentSessionDir = sessionDir

	return sessionDir
}

// initLogger creates a zap logger writing to a line-capped file.
func (lm *Manager) initLogger(logPath string, console bool) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(lm.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file %s: %w", logPath, err)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(logger.NewLogRotator(file, lm.maxLogLines, logPath)), zapLevel),
	}

	if console {
		warn := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= zapcore.WarnLevel && lvl >= zapLevel
		})
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), warn))
	}

	if lm.traceErrors {
		cores = append(cores, NewCore(zapLevel, lm.serviceName))
	}

	return zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// rotateLogSessions removes the oldest sessions beyond maxLogsToKeep.
func (lm *Manager) rotateLogSessions() error {
	sessions, err := filepath.Glob(filepath.Join(lm.logDir, "*"))
	if err != nil {
		return err
	}

	// Leave room for the session about to be created
	keep := max(lm.maxLogsToKeep-1, 0)
	if len(sessions) <= keep {
		return nil
	}

	modTimes := make(map[string]time.Time, len(sessions))
	for _, session := range sessions {
		if info, err := os.Stat(session); err == nil {
			modTimes[session] = info.ModTime()
		}
	}

	slices.SortFunc(sessions, func(a, b string) int {
		return modTimes[a].Compare(modTimes[b])
	})

	for _, session := range sessions[:len(sessions)-keep] {
		if err := os.RemoveAll(session); err != nil {
			return err
		}
	}

	return nil
}
