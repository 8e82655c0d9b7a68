package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robalyx/herald/internal/setup/config"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bunjson"
	"github.com/uptrace/bun/extra/bunotel"
	"go.uber.org/zap"
)

type sonicJSON struct{}

func (sonicJSON) Marshal(v any) ([]byte, error)      { return sonic.Marshal(v) }
func (sonicJSON) Unmarshal(data []byte, v any) error { return sonic.Unmarshal(data, v) }

func (sonicJSON) NewEncoder(w io.Writer) bunjson.Encoder {
	return sonic.ConfigDefault.NewEncoder(w)
}

func (sonicJSON) NewDecoder(r io.Reader) bunjson.Decoder {
	return sonic.ConfigDefault.NewDecoder(r)
}

// Client is an open connection to the metadata database.
type Client interface {
	// Model returns the repository backing the metadata store.
	Model() *Repository
	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error
	// Collector exposes connection pool statistics.
	Collector() prometheus.Collector
	// Close closes every pooled connection.
	Close() error
	// DB returns the underlying bun.DB instance.
	DB() *bun.DB
}

type client struct {
	db     *bun.DB
	sqldb  *sql.DB
	logger *zap.Logger
	repo   *Repository
}

// NewConnection opens a pool to PostgreSQL and verifies it can reach the server.
// The schema is not touched; see EnsureSchema.
func NewConnection(ctx context.Context, cfg *config.PostgreSQL, logger *zap.Logger) (Client, error) {
	sqldb := sql.OpenDB(connector(cfg))
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Minute)
	sqldb.SetConnMaxIdleTime(time.Duration(cfg.MaxIdleTime) * time.Minute)

	bunjson.SetProvider(sonicJSON{})

	db := bun.NewDB(sqldb, pgdialect.New())
	db.AddQueryHook(NewHook(logger))
	db.AddQueryHook(bunotel.NewQueryHook(bunotel.WithDBName(cfg.DBName)))

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("Database connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DBName),
		zap.Int("maxOpenConns", cfg.MaxOpenConns))

	return &client{
		db:     db,
		sqldb:  sqldb,
		logger: logger,
		repo:   NewRepository(db, logger),
	}, nil
}

func connector(cfg *config.PostgreSQL) *pgdriver.Connector {
	opts := []pgdriver.Option{
		pgdriver.WithAddr(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		pgdriver.WithUser(cfg.User),
		pgdriver.WithPassword(cfg.Password),
		pgdriver.WithDatabase(cfg.DBName),
		pgdriver.WithInsecure(true),
		pgdriver.WithApplicationName("herald"),
	}

	if cfg.StatementTimeoutMs > 0 {
		opts = append(opts, pgdriver.WithConnParams(map[string]any{
			"statement_timeout": cfg.StatementTimeoutMs,
		}))
	}

	return pgdriver.NewConnector(opts...)
}

func (c *client) Model() *Repository {
	return c.repo
}

func (c *client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *client) Collector() prometheus.Collector {
	return collectors.NewDBStatsCollector(c.sqldb, "herald")
}

func (c *client) Close() error {
	if err := c.db.Close(); err != nil {
		c.logger.Error("Failed to close database connection", zap.Error(err))
		return err
	}

	c.logger.Info("Database connection closed")
	return nil
}

func (c *client) DB() *bun.DB {
	return c.db
}
