package core

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// removeTimeout bounds the final heartbeat removal on Stop.
const removeTimeout = 2 * time.Second

// Probe refreshes a status right before it is reported.
type Probe func(status *Status)

// StatusReporter heartbeats one worker's status until stopped. Stopping
// removes the heartbeat so the worker leaves listings without waiting for expiry.
type StatusReporter struct {
	monitor  *Monitor
	logger   *zap.Logger
	interval time.Duration

	status Status
	probe  Probe
	mu     sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewStatusReporter creates a status reporter for a worker of the given type.
func NewStatusReporter(client rueidis.Client, workerType string, logger *zap.Logger) *StatusReporter {
	hostname, _ := os.Hostname()

	return &StatusReporter{
		monitor:  NewMonitor(client, logger),
		logger:   logger.Named("status_reporter"),
		interval: HeartbeatInterval,
		status: Status{
			WorkerID:   uuid.New().String(),
			WorkerType: workerType,
			Hostname:   hostname,
			IsHealthy:  true,
		},
	}
}

// SetProbe installs a function that updates the status before every heartbeat.
func (r *StatusReporter) SetProbe(probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.probe = probe
}

// Start reports immediately and then on every heartbeat interval.
// Only the first call has an effect.
func (r *StatusReporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			r.report(ctx)

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *StatusReporter) report(ctx context.Context) {
	r.mu.Lock()
	if r.probe != nil {
		r.probe(&r.status)
	}
	status := r.status
	r.mu.Unlock()

	if err := r.monitor.ReportStatus(ctx, status); err != nil && ctx.Err() == nil {
		r.logger.Warn("Failed to report status", zap.Error(err))
	}
}

// Stop ends reporting and removes the heartbeat. It is safe to call more than once.
func (r *StatusReporter) Stop() {
	r.once.Do(func() {
		r.mu.Lock()
		cancel, done := r.cancel, r.done
		r.mu.Unlock()

		if cancel == nil {
			return
		}
		cancel()
		<-done

		ctx, stop := context.WithTimeout(context.Background(), removeTimeout)
		defer stop()

		if err := r.monitor.RemoveStatus(ctx, r.status.WorkerType, r.status.WorkerID); err != nil {
			r.logger.Warn("Failed to remove status", zap.Error(err))
		}
	})
}

// UpdateStatus sets the current task and its progress.
func (r *StatusReporter) UpdateStatus(task string, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.CurrentTask = task
	r.status.Progress = progress
}

// SetHealthy updates the health flag.
func (r *StatusReporter) SetHealthy(healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.IsHealthy = healthy
}

// GetWorkerID returns the unique worker ID.
func (r *StatusReporter) GetWorkerID() string {
	return r.status.WorkerID
}
