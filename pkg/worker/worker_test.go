package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/megatechtrackers/alarmnotifier/internal/config"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

type fakeWorkerStore struct {
	mu      sync.Mutex
	workers map[string]*model.Worker
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{workers: make(map[string]*model.Worker)}
}

func (s *fakeWorkerStore) UpsertWorker(ctx context.Context, w *model.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *w
	s.workers[w.ID] = &copied
	return nil
}

func (s *fakeWorkerStore) Heartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return false, nil
	}
	w.LastHeartbeat = at
	return true, nil
}

func (s *fakeWorkerStore) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Worker
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out, nil
}

func (s *fakeWorkerStore) UpdateWorkerStatus(ctx context.Context, id string, status model.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[id]; ok {
		w.Status = status
	}
	return nil
}

func (s *fakeWorkerStore) DeleteWorker(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
	return nil
}

func TestRegisterWritesActiveRow(t *testing.T) {
	store := newFakeWorkerStore()
	r := New(config.WorkerRegistryConfig{}, store, "host-a", 42, zap.NewNop(), nil)
	require.NoError(t, r.Register(context.Background()))

	w := store.workers[r.ID()]
	require.NotNil(t, w)
	assert.Equal(t, model.WorkerStatusActive, w.Status)
	assert.Equal(t, "host-a", w.Hostname)
	assert.Equal(t, 42, w.PID)
}

func TestHeartbeatReRegistersWhenRowMissing(t *testing.T) {
	store := newFakeWorkerStore()
	r := New(config.WorkerRegistryConfig{}, store, "host-a", 1, zap.NewNop(), nil)
	r.sendHeartbeat(context.Background())

	w := store.workers[r.ID()]
	require.NotNil(t, w, "missing row should trigger a fresh registration")
	assert.Equal(t, model.WorkerStatusActive, w.Status)
}

func TestCleanupMarksStaleThenDead(t *testing.T) {
	store := newFakeWorkerStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &struct{ t time.Time }{t: now}
	r := New(config.WorkerRegistryConfig{StaleThreshold: time.Minute, DeadThreshold: 5 * time.Minute}, store, "host-a", 1, zap.NewNop(), func() time.Time { return clock.t })

	require.NoError(t, r.Register(context.Background()))
	clock.t = now.Add(2 * time.Minute)
	r.cleanup(context.Background())
	assert.Equal(t, model.WorkerStatusStale, store.workers[r.ID()].Status)

	clock.t = now.Add(6 * time.Minute)
	r.cleanup(context.Background())
	assert.Equal(t, model.WorkerStatusDead, store.workers[r.ID()].Status)
}

func TestCleanupRemovesDeadRowsPastRetention(t *testing.T) {
	store := newFakeWorkerStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &struct{ t time.Time }{t: now}
	r := New(config.WorkerRegistryConfig{DeadThreshold: time.Minute}, store, "host-a", 1, zap.NewNop(), func() time.Time { return clock.t })

	require.NoError(t, r.Register(context.Background()))
	clock.t = now.Add(time.Minute + time.Hour + time.Minute)
	r.cleanup(context.Background())

	_, exists := store.workers[r.ID()]
	assert.False(t, exists, "dead rows older than the retention window are removed")
}
