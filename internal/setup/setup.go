package setup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/rueidis"
	"github.com/robalyx/herald/internal/broadcast/natsbus"
	"github.com/robalyx/herald/internal/database"
	"github.com/robalyx/herald/internal/ephemeral"
	"github.com/robalyx/herald/internal/friend"
	"github.com/robalyx/herald/internal/guard"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/robalyx/herald/internal/notifier"
	"github.com/robalyx/herald/internal/presence"
	"github.com/robalyx/herald/internal/redis"
	"github.com/robalyx/herald/internal/setup/config"
	"github.com/robalyx/herald/internal/setup/telemetry"
	"github.com/robalyx/herald/internal/shard"
	"github.com/robalyx/herald/pkg/utils"
	"go.uber.org/zap"
)

// Options controls how the application is initialized.
type Options struct {
	// Component names the command and its log files.
	Component string
	// LogDir is the base directory for log sessions.
	LogDir string
	// AutoMigrate applies pending migrations instead of failing.
	AutoMigrate bool
}

// App bundles all core dependencies and services needed by the application.
// Each field represents a major subsystem that needs initialization and cleanup.
type App struct {
	Config       *config.Config       // Application configuration
	Logger       *zap.Logger          // Main application logger
	DBLogger     *zap.Logger          // Database-specific logger
	LogManager   *telemetry.Manager   // Log management system
	DB           database.Client      // Database connection pool
	RedisManager *redis.Manager       // Redis connection manager
	StatusClient rueidis.Client       // Redis client for worker status reporting
	NATS         *nats.Conn           // Broker connection
	Bus          *natsbus.Bus         // Broadcaster on the broker
	Registry     *prometheus.Registry // Collector registry served on /metrics
	Metrics      *metrics.Provider    // Service metrics
	Shards       *shard.Registry      // Shard channel registry
	Ephemeral    ephemeral.Store      // Debounce and storm state
	Presence     *presence.Store      // Durable presence state
	Guard        *guard.Guard         // Notification suppression
	Notifier     *notifier.Notifier   // Notification publisher
	Friends      *friend.Manager      // Relationship commands
	pprofServer  *pprofServer         // Debug HTTP server for pprof
}

// InitializeApp bootstraps all application dependencies in the correct order,
// ensuring each component has its required dependencies available.
func InitializeApp(ctx context.Context, opts Options) (*App, error) {
	cfg, configDir, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	// Logging system is initialized next to capture setup issues
	logManager := telemetry.NewManager(opts.LogDir, opts.Component, &cfg.Debug, &cfg.Telemetry)

	logger, dbLogger, err := logManager.GetLoggers()
	if err != nil {
		return nil, err
	}

	logger.Info("Loaded configuration", zap.String("configDir", configDir), zap.String("component", opts.Component))

	app := &App{
		Config:     cfg,
		Logger:     logger,
		DBLogger:   dbLogger.Named("database"),
		LogManager: logManager,
		Registry:   prometheus.NewRegistry(),
		Shards:     shard.NewRegistry(cfg.Presence.ShardCount),
	}

	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = metrics.New(app.Registry)

	if err := app.initInfrastructure(ctx, opts); err != nil {
		app.Cleanup(ctx)
		return nil, err
	}

	app.initServices()

	if cfg.Debug.EnablePprof {
		srv, err := startPprofServer(cfg.Debug.PprofPort, logger)
		if err != nil {
			logger.Error("Failed to start pprof server", zap.Error(err))
		} else {
			app.pprofServer = srv
			logger.Warn("pprof debugging endpoint enabled - this should not be used in production!")
		}
	}

	return app, nil
}

func (s *App) initInfrastructure(ctx context.Context, opts Options) error {
	cfg := s.Config

	db, err := database.NewConnection(ctx, &cfg.PostgreSQL, s.DBLogger)
	if err != nil {
		return err
	}
	s.DB = db

	if err := database.EnsureSchema(ctx, db, opts.AutoMigrate, s.DBLogger); err != nil {
		return err
	}
	s.Registry.MustRegister(db.Collector())

	// Redis manager provides connection pools for ephemeral state and worker status
	s.RedisManager = redis.NewManager(&cfg.Redis, s.Logger)

	s.StatusClient, err = s.RedisManager.GetClient(redis.WorkerStatusDBIndex)
	if err != nil {
		return err
	}

	switch cfg.Presence.EphemeralBackend {
	case config.BackendMemory:
		s.Ephemeral = ephemeral.NewMemory(cfg.Presence.MemoryCacheBytes)
		s.Logger.Warn("Using in-process ephemeral store; debounce state is not shared between instances")
	default:
		client, err := s.RedisManager.GetClient(redis.EphemeralDBIndex)
		if err != nil {
			return err
		}
		s.Ephemeral = ephemeral.NewRedis(client, "herald:")
	}

	busOpts := natsbus.Options{
		URL:           cfg.NATS.URL,
		Name:          "herald-" + opts.Component + "-" + s.LogManager.GetInstanceID(),
		User:          cfg.NATS.User,
		Password:      cfg.NATS.Password,
		ReconnectWait: time.Duration(cfg.NATS.ReconnectWaitMs) * time.Millisecond,
		OccupancyTTL:  time.Duration(cfg.NATS.OccupancyTTLSeconds) * time.Second,
		MemoryStorage: cfg.NATS.MemoryStorage,
	}

	s.NATS, err = natsbus.Connect(busOpts, s.Logger)
	if err != nil {
		return err
	}

	s.Bus, err = natsbus.New(ctx, s.NATS, busOpts, s.Logger)
	if err != nil {
		return err
	}

	return nil
}

func (s *App) initServices() {
	cfg := s.Config

	s.Presence = presence.NewStore(s.DB.Model(), s.Shards,
		time.Duration(cfg.Presence.StateTimeoutMs)*time.Millisecond, s.Logger)

	s.Guard = guard.New(s.Ephemeral, guard.Config{
		DebounceWindow: time.Duration(cfg.Presence.DebounceWindowMs) * time.Millisecond,
		StormThreshold: cfg.Presence.StormThreshold,
		Timeout:        time.Duration(cfg.Presence.EphemeralTimeoutMs) * time.Millisecond,
	}, s.Metrics, s.Logger)

	s.Notifier = notifier.New(s.Bus, s.Metrics, s.PublishRetryOptions(), s.Logger)

	s.Friends = friend.NewManager(s.DB.Model(), s.DB.Model().Subscription(), s.Presence,
		s.Bus, s.Notifier, s.Metrics, friend.Config{
			MaxChannelsPerGroup:    cfg.Friends.MaxChannelsPerGroup,
			MaxGroupsPerSubscriber: cfg.Friends.MaxGroupsPerSubscriber,
			Retry:                  s.RelationshipRetryOptions(),
		}, s.Logger)
}

// PublishRetryOptions applies the configured retry limits to publish retries.
func (s *App) PublishRetryOptions() utils.RetryOptions {
	return s.applyRetry(utils.GetPublishRetryOptions())
}

// RelationshipRetryOptions applies the configured retry limits to relationship steps.
func (s *App) RelationshipRetryOptions() utils.RetryOptions {
	return s.applyRetry(utils.GetRelationshipRetryOptions())
}

func (s *App) applyRetry(opts utils.RetryOptions) utils.RetryOptions {
	retry := s.Config.Retry
	if retry.MaxRetries > 0 {
		opts.MaxRetries = retry.MaxRetries
	}
	if retry.Delay > 0 {
		opts.InitialInterval = time.Duration(retry.Delay) * time.Millisecond
	}
	if retry.MaxDelay > 0 {
		opts.MaxInterval = time.Duration(retry.MaxDelay) * time.Millisecond
	}
	return opts
}

// Healthy reports whether every backing service is reachable.
func (s *App) Healthy(ctx context.Context) error {
	if err := s.DB.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := s.RedisManager.Ping(ctx); err != nil {
		return err
	}

	if !s.NATS.IsConnected() {
		return fmt.Errorf("nats: %s", s.NATS.Status())
	}

	return nil
}

// Cleanup ensures graceful shutdown of all components in reverse initialization order.
// Logs but does not fail on cleanup errors to ensure all components get cleanup attempts.
func (s *App) Cleanup(ctx context.Context) {
	if s.pprofServer != nil {
		if err := s.pprofServer.srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to shutdown pprof server", zap.Error(err))
		}
	}

	if s.Bus != nil {
		if err := s.Bus.Close(); err != nil {
			s.Logger.Warn("Failed to stop membership watcher", zap.Error(err))
		}
	}

	if s.NATS != nil {
		if err := s.NATS.Drain(); err != nil {
			s.Logger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
	}

	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Printf("Failed to close database connection: %v", err)
		}
	}

	// Close Redis connections last as other components might need it during cleanup
	if s.RedisManager != nil {
		s.RedisManager.Close()
	}

	if err := s.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	if err := s.DBLogger.Sync(); err != nil {
		log.Printf("Failed to sync DB logger: %v", err)
	}
}
