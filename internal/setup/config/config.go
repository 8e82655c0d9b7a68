package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
)

// RepositoryVersion is the repository version tag for config file references.
const RepositoryVersion = "v0.1.0"

// CurrentVersion is the current version of the config file.
const CurrentVersion = 1

// FileName is the name of the config file looked up in every search path.
const FileName = "config.toml"

// Ephemeral backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config represents the entire application configuration.
type Config struct {
	// Version of the config file.
	Version    int        `koanf:"version"`
	Debug      Debug      `koanf:"debug"`
	PostgreSQL PostgreSQL `koanf:"postgresql"`
	Redis      Redis      `koanf:"redis"`
	NATS       NATS       `koanf:"nats"`
	Presence   Presence   `koanf:"presence"`
	Friends    Friends    `koanf:"friends"`
	Aggregator Aggregator `koanf:"aggregator"`
	Ingest     Ingest     `koanf:"ingest"`
	Retry      Retry      `koanf:"retry"`
	Metrics    Metrics    `koanf:"metrics"`
	Telemetry  Telemetry  `koanf:"telemetry"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Maximum log sessions to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
	// Maximum lines per log file.
	MaxLogLines int `koanf:"max_log_lines"`
	// Enable pprof debugging.
	EnablePprof bool `koanf:"enable_pprof"`
	// pprof server port.
	PprofPort int `koanf:"pprof_port"`
}

// PostgreSQL contains database connection configuration.
type PostgreSQL struct {
	// Database hostname.
	Host string `koanf:"host"`
	// Database port.
	Port int `koanf:"port"`
	// Database username.
	User string `koanf:"user"`
	// Database password.
	Password string `koanf:"password"`
	// Database name.
	DBName string `koanf:"db_name"`
	// Maximum open connections.
	MaxOpenConns int `koanf:"max_open_conns"`
	// Maximum idle connections.
	MaxIdleConns int `koanf:"max_idle_conns"`
	// Connection lifetime in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	// Idle timeout in minutes.
	MaxIdleTime int `koanf:"max_idle_time"`
	// Server-side statement timeout in milliseconds; 0 disables it.
	StatementTimeoutMs int `koanf:"statement_timeout_ms"`
}

// Redis contains Redis connection configuration.
type Redis struct {
	// Redis hostname.
	Host string `koanf:"host"`
	// Redis port.
	Port int `koanf:"port"`
	// Redis username.
	Username string `koanf:"username"`
	// Redis password.
	Password string `koanf:"password"`
}

// NATS contains broker connection configuration.
type NATS struct {
	// Server URL, e.g. nats://localhost:4222.
	URL string `koanf:"url"`
	// Username for authentication (optional).
	User string `koanf:"user"`
	// Password for authentication (optional).
	Password string `koanf:"password"`
	// Delay between reconnect attempts in milliseconds.
	ReconnectWaitMs int `koanf:"reconnect_wait_ms"`
	// Seconds a subscriber stays counted without a heartbeat.
	OccupancyTTLSeconds int `koanf:"occupancy_ttl_s"`
	// Keep key-value buckets in memory instead of on disk.
	MemoryStorage bool `koanf:"memory_storage"`
}

// Presence contains presence tracking and debounce configuration.
type Presence struct {
	// Number of presence shards.
	ShardCount int `koanf:"shard_count"`
	// Debounce window in milliseconds.
	DebounceWindowMs int `koanf:"debounce_window_ms"`
	// Events per user per window above which notifications are suppressed.
	StormThreshold int `koanf:"storm_threshold"`
	// Timeout for durable state operations in milliseconds.
	StateTimeoutMs int `koanf:"state_timeout_ms"`
	// Timeout for ephemeral state operations in milliseconds.
	EphemeralTimeoutMs int `koanf:"ephemeral_timeout_ms"`
	// Ephemeral store backend (redis or memory).
	EphemeralBackend string `koanf:"ephemeral_backend"`
	// Cache size in bytes for the memory backend.
	MemoryCacheBytes int `koanf:"memory_cache_bytes"`
}

// Friends contains relationship and subscription group configuration.
type Friends struct {
	// Channels per subscription group.
	MaxChannelsPerGroup int `koanf:"max_channels_per_group"`
	// Subscription groups per subscriber.
	MaxGroupsPerSubscriber int `koanf:"max_groups_per_subscriber"`
	// Seconds between reconciliation sweeps.
	ReconcileIntervalSeconds int `koanf:"reconcile_interval_s"`
	// Profiles fetched per sweep page.
	ReconcileBatchSize int `koanf:"reconcile_batch_size"`
	// Users reconciled concurrently.
	ReconcileWorkers int `koanf:"reconcile_workers"`
}

// Aggregator contains global online count configuration.
type Aggregator struct {
	// Interval between counts in milliseconds.
	IntervalMs int `koanf:"interval_ms"`
	// Channel the global summary is published to.
	GlobalChannel string `koanf:"global_channel"`
	// Timeout for each shard occupancy query in milliseconds.
	QueryTimeoutMs int `koanf:"query_timeout_ms"`
	// Shards queried concurrently.
	Concurrency int `koanf:"concurrency"`
}

// Ingest contains detector feed configuration.
type Ingest struct {
	// Lanes processing events concurrently.
	MaxInFlight int `koanf:"max_in_flight"`
	// NATS queue group shared by all instances.
	QueueGroup string `koanf:"queue_group"`
	// Events buffered per lane.
	LaneBuffer int `koanf:"lane_buffer"`
	// Time allowed on shutdown to deliver pending notifications in milliseconds.
	DrainTimeoutMs int `koanf:"drain_timeout_ms"`
}

// Retry contains retry configuration.
type Retry struct {
	// Maximum retry attempts.
	MaxRetries uint64 `koanf:"max_retries"`
	// Initial retry delay in milliseconds.
	Delay int `koanf:"delay"`
	// Maximum retry delay in milliseconds.
	MaxDelay int `koanf:"max_delay"`
}

// Metrics contains Prometheus endpoint configuration.
type Metrics struct {
	// Serve /metrics and /healthz.
	Enabled bool `koanf:"enabled"`
	// HTTP port.
	Port int `koanf:"port"`
}

// Telemetry contains tracing configuration.
type Telemetry struct {
	// Forward error logs to the active span.
	Enabled bool `koanf:"enabled"`
	// Service name recorded on spans.
	ServiceName string `koanf:"service_name"`
}

// ApplyDefaults fills every unset value with its default.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Debug.LogLevel, "info")
	setDefault(&c.Debug.MaxLogsToKeep, 10)
	setDefault(&c.Debug.MaxLogLines, 100000)
	setDefault(&c.Debug.PprofPort, 6060)

	setDefault(&c.PostgreSQL.Host, "localhost")
	setDefault(&c.PostgreSQL.Port, 5432)
	setDefault(&c.PostgreSQL.DBName, "herald")
	setDefault(&c.PostgreSQL.MaxOpenConns, 50)
	setDefault(&c.PostgreSQL.MaxIdleConns, 10)
	setDefault(&c.PostgreSQL.MaxLifetime, 30)
	setDefault(&c.PostgreSQL.MaxIdleTime, 5)
	setDefault(&c.PostgreSQL.StatementTimeoutMs, 5000)

	setDefault(&c.Redis.Host, "localhost")
	setDefault(&c.Redis.Port, 6379)

	setDefault(&c.NATS.URL, "nats://localhost:4222")
	setDefault(&c.NATS.ReconnectWaitMs, 2000)
	setDefault(&c.NATS.OccupancyTTLSeconds, 30)

	setDefault(&c.Presence.ShardCount, 100)
	setDefault(&c.Presence.DebounceWindowMs, 5000)
	setDefault(&c.Presence.StormThreshold, 100)
	setDefault(&c.Presence.StateTimeoutMs, 5000)
	setDefault(&c.Presence.EphemeralTimeoutMs, 1000)
	setDefault(&c.Presence.EphemeralBackend, BackendRedis)
	setDefault(&c.Presence.MemoryCacheBytes, 64<<20)

	setDefault(&c.Friends.MaxChannelsPerGroup, 2000)
	setDefault(&c.Friends.MaxGroupsPerSubscriber, 10)
	setDefault(&c.Friends.ReconcileIntervalSeconds, 600)
	setDefault(&c.Friends.ReconcileBatchSize, 100)
	setDefault(&c.Friends.ReconcileWorkers, 8)

	setDefault(&c.Aggregator.IntervalMs, 10000)
	setDefault(&c.Aggregator.GlobalChannel, "presence.global")
	setDefault(&c.Aggregator.QueryTimeoutMs, 2000)
	setDefault(&c.Aggregator.Concurrency, 32)

	setDefault(&c.Ingest.MaxInFlight, 64)
	setDefault(&c.Ingest.QueueGroup, "herald-ingest")
	setDefault(&c.Ingest.LaneBuffer, 1024)
	setDefault(&c.Ingest.DrainTimeoutMs, 10000)

	setDefault(&c.Retry.MaxRetries, 5)
	setDefault(&c.Retry.Delay, 50)
	setDefault(&c.Retry.MaxDelay, 1000)

	setDefault(&c.Metrics.Port, 9090)

	setDefault(&c.Telemetry.ServiceName, "herald")
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Presence.EphemeralBackend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("%w: presence.ephemeral_backend %q", ErrInvalidValue, c.Presence.EphemeralBackend)
	}

	if c.Presence.ShardCount < 1 {
		return fmt.Errorf("%w: presence.shard_count must be positive", ErrInvalidValue)
	}

	if c.Friends.MaxChannelsPerGroup < 1 || c.Friends.MaxGroupsPerSubscriber < 1 {
		return fmt.Errorf("%w: friends group limits must be positive", ErrInvalidValue)
	}

	return nil
}

// ErrInvalidValue is returned by Validate.
var ErrInvalidValue = errors.New("invalid config value")

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// SearchPaths returns the directories searched for the config file in order.
func SearchPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	return []string{
		".herald",
		filepath.Join(homeDir, ".herald", "config"),
		"/etc/herald/config",
		"/app/config",
		"config",
		".",
	}, nil
}

// LoadConfig loads the configuration from the first search path holding a config file.
// Returns the config along with the used config directory.
func LoadConfig() (*Config, string, error) {
	paths, err := SearchPaths()
	if err != nil {
		return nil, "", err
	}

	return LoadFrom(paths)
}

// LoadFrom loads the configuration from the first of paths holding a config file.
func LoadFrom(paths []string) (*Config, string, error) {
	k := koanf.New(".")

	var usedConfigPath string
	for _, path := range paths {
		if err := k.Load(file.Provider(filepath.Join(path, FileName)), toml.Parser()); err == nil {
			usedConfigPath = path
			break
		}
	}

	if usedConfigPath == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, FileName)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := checkConfigVersion(config.Version, CurrentVersion); err != nil {
		return nil, "", err
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, "", err
	}

	return &config, usedConfigPath, nil
}

// checkConfigVersion checks if the config file version is correct.
func checkConfigVersion(current, expected int) error {
	if current == 0 {
		return fmt.Errorf("%w: %s", ErrConfigVersionMissing, FileName)
	}

	if current != expected {
		return fmt.Errorf(
			"%w: %s (got: %d, expected: %d)\n"+
				"Please update your config file from: https://github.com/robalyx/herald/tree/%s/config/%s",
			ErrConfigVersionMismatch,
			FileName,
			current,
			expected,
			RepositoryVersion,
			FileName,
		)
	}

	return nil
}
