// Package worker implements the C10 Worker Registry of spec.md §4.8: each
// consumer instance registers a liveness row, refreshes it on a heartbeat
// timer, and a cleanup timer ages stale/dead rows out of the registry.
// Grounded on the same repository/sqlx persistence idiom as pkg/repository;
// the heartbeat/cleanup dual-ticker shape follows pkg/dlq's ticker-driven
// loop.
package worker

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/megatechtrackers/alarmnotifier/internal/config"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

// deadRetention is how long a dead row survives before being removed, per
// spec.md §4.8's "dead rows older than 1 hour are removed".
const deadRetention = time.Hour

// Store is the registry's persistence boundary.
type Store interface {
	UpsertWorker(ctx context.Context, w *model.Worker) error
	Heartbeat(ctx context.Context, id string, at time.Time) (found bool, err error)
	ListWorkers(ctx context.Context) ([]*model.Worker, error)
	UpdateWorkerStatus(ctx context.Context, id string, status model.WorkerStatus) error
	DeleteWorker(ctx context.Context, id string) error
}

// Registry tracks this process's liveness row and reaps stale peers.
type Registry struct {
	cfg    config.WorkerRegistryConfig
	store  Store
	logger *zap.Logger
	now    func() time.Time

	id       string
	hostname string
	pid      int
}

// New constructs a Registry for one consumer instance, identified by
// hostname+pid per spec.md §4.8. now defaults to time.Now when nil.
func New(cfg config.WorkerRegistryConfig, store Store, hostname string, pid int, logger *zap.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg: cfg, store: store, logger: logger, now: now,
		id: hostname + "-" + strconv.Itoa(pid), hostname: hostname, pid: pid,
	}
}

// ID is this instance's registry row id (hostname+pid).
func (r *Registry) ID() string { return r.id }

// Register writes this instance's initial row with status=active.
func (r *Registry) Register(ctx context.Context) error {
	now := r.now()
	return r.store.UpsertWorker(ctx, &model.Worker{
		ID: r.id, Hostname: r.hostname, PID: r.pid,
		StartedAt: now, LastHeartbeat: now, Status: model.WorkerStatusActive,
	})
}

// Run registers this instance and blocks, running the heartbeat and cleanup
// timers until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}

	heartbeatInterval := r.cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	cleanupInterval := r.cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeatTicker.C:
			r.sendHeartbeat(ctx)
		case <-cleanupTicker.C:
			r.cleanup(ctx)
		}
	}
}

// sendHeartbeat implements spec.md §4.8's "if the row has been removed, the
// worker re-registers".
func (r *Registry) sendHeartbeat(ctx context.Context) {
	found, err := r.store.Heartbeat(ctx, r.id, r.now())
	if err != nil {
		r.logger.Warn("worker heartbeat failed", zap.String("worker_id", r.id), zap.Error(err))
		return
	}
	if !found {
		r.logger.Info("worker row missing, re-registering", zap.String("worker_id", r.id))
		if err := r.Register(ctx); err != nil {
			r.logger.Warn("worker re-register failed", zap.String("worker_id", r.id), zap.Error(err))
		}
	}
}

// cleanup marks rows stale/dead by heartbeat age and removes dead rows past
// deadRetention, per spec.md §4.8.
func (r *Registry) cleanup(ctx context.Context) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		r.logger.Warn("worker registry cleanup failed to list workers", zap.Error(err))
		return
	}

	now := r.now()
	staleThreshold := r.cfg.StaleThreshold
	deadThreshold := r.cfg.DeadThreshold

	for _, w := range workers {
		age := now.Sub(w.LastHeartbeat)

		switch {
		case deadThreshold > 0 && age >= deadThreshold:
			if w.Status != model.WorkerStatusDead {
				if err := r.store.UpdateWorkerStatus(ctx, w.ID, model.WorkerStatusDead); err != nil {
					r.logger.Warn("failed to mark worker dead", zap.String("worker_id", w.ID), zap.Error(err))
					continue
				}
			}
			if age >= deadThreshold+deadRetention {
				if err := r.store.DeleteWorker(ctx, w.ID); err != nil {
					r.logger.Warn("failed to delete dead worker row", zap.String("worker_id", w.ID), zap.Error(err))
					continue
				}
				r.logger.Info("removed dead worker row",
					zap.String("worker_id", w.ID),
					zap.String("hostname", w.Hostname),
					zap.Int("pid", w.PID),
					zap.Duration("heartbeat_age", age))
			}
		case staleThreshold > 0 && age >= staleThreshold:
			if w.Status == model.WorkerStatusActive {
				if err := r.store.UpdateWorkerStatus(ctx, w.ID, model.WorkerStatusStale); err != nil {
					r.logger.Warn("failed to mark worker stale", zap.String("worker_id", w.ID), zap.Error(err))
				}
			}
		}
	}
}
