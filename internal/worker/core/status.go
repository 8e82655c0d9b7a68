package core

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

const (
	// HeartbeatInterval is how often workers should report their status.
	HeartbeatInterval = 10 * time.Second

	// HeartbeatTTL is how long a worker's status remains valid.
	HeartbeatTTL = 2 * time.Minute

	// StaleThreshold is how long before a worker is considered offline.
	StaleThreshold = 1 * time.Minute

	keyPrefix = "worker:"
)

// Status represents a worker's current state.
type Status struct {
	WorkerID    string    `json:"workerId"`
	WorkerType  string    `json:"workerType"`
	Hostname    string    `json:"hostname,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
	CurrentTask string    `json:"currentTask,omitempty"`
	Progress    int       `json:"progress"`
	IsHealthy   bool      `json:"isHealthy"`
}

// Stale reports whether the worker missed its recent heartbeats.
func (s Status) Stale(now time.Time) bool {
	return now.Sub(s.LastSeen) > StaleThreshold
}

// Monitor handles worker status reporting and querying.
type Monitor struct {
	client rueidis.Client
	logger *zap.Logger
}

// NewMonitor creates a new worker status monitor.
func NewMonitor(client rueidis.Client, logger *zap.Logger) *Monitor {
	return &Monitor{
		client: client,
		logger: logger.Named("worker_monitor"),
	}
}

// ReportStatus updates a worker's status in Redis.
func (m *Monitor) ReportStatus(ctx context.Context, status Status) error {
	status.LastSeen = time.Now()

	data, err := sonic.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	cmd := m.client.B().Set().Key(statusKey(status.WorkerType, status.WorkerID)).Value(rueidis.BinaryString(data)).Ex(HeartbeatTTL).Build()
	if err := m.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to store status: %w", err)
	}

	return nil
}

// RemoveStatus deletes a worker's heartbeat so it disappears from listings at once.
func (m *Monitor) RemoveStatus(ctx context.Context, workerType, workerID string) error {
	if err := m.client.Do(ctx, m.client.B().Del().Key(statusKey(workerType, workerID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to remove status: %w", err)
	}
	return nil
}

func statusKey(workerType, workerID string) string {
	return keyPrefix + workerType + ":" + workerID
}

// GetAllStatuses retrieves every worker status that has not expired.
func (m *Monitor) GetAllStatuses(ctx context.Context) ([]Status, error) {
	var (
		keys   []string
		cursor uint64
	)

	for {
		entry, err := m.client.Do(ctx, m.client.B().Scan().Cursor(cursor).
			Match(keyPrefix+"*").Count(100).Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker keys: %w", err)
		}

		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	statuses := make([]Status, 0, len(keys))
	for _, key := range keys {
		data, err := m.client.Do(ctx, m.client.B().Get().Key(key).Build()).AsBytes()
		if err != nil {
			if rueidis.IsRedisNil(err) {
				continue
			}
			m.logger.Error("Failed to get worker status", zap.String("key", key), zap.Error(err))
			continue
		}

		var status Status
		if err := sonic.Unmarshal(data, &status); err != nil {
			m.logger.Error("Failed to unmarshal worker status", zap.String("key", key), zap.Error(err))
			continue
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}
