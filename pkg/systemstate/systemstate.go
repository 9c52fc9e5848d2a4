// Package systemstate implements the C6 System State Gate: the global
// pause/resume switch and per-channel mock-mode selection of spec.md §4.6,
// refreshed from Postgres every ~10s per spec.md §5 with a Redis-backed
// cache fronting it so many goroutines don't hammer the database on every
// message.
package systemstate

import (
	"context"
	"sync"
	"time"

	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

// Store is the persistence boundary for the system-state singleton row.
// pkg/repository implements this against Postgres; tests use an in-memory
// fake.
type Store interface {
	GetSystemState(ctx context.Context) (*model.SystemState, error)
	SetSystemState(ctx context.Context, state *model.SystemState) error
}

// Cache is the read-through layer fronting Store, matching pkg/modempool's
// Cache shape so both components share one Redis client in cmd/consumer.
type Cache interface {
	GetSystemState(ctx context.Context) (*model.SystemState, bool)
	SetSystemState(ctx context.Context, state *model.SystemState)
}

// Gate is the C6 consult point: C8 consults Paused, C4/C5 consult MockSMS/
// MockEmail. refreshInterval bounds the staleness window spec.md §5
// explicitly tolerates ("drift of up to one refresh interval is
// acceptable").
type Gate struct {
	store           Store
	cache           Cache
	refreshInterval time.Duration

	mu       sync.RWMutex
	current  *model.SystemState
	lastLoad time.Time

	pausedLogMu   sync.Mutex
	pausedLogAt   time.Time
	pausedMsgIDs  map[string]struct{}
}

// New constructs a Gate with the given refresh interval (~10s per spec.md §5).
func New(store Store, cache Cache, refreshInterval time.Duration) *Gate {
	if refreshInterval <= 0 {
		refreshInterval = 10 * time.Second
	}
	return &Gate{
		store:           store,
		cache:           cache,
		refreshInterval: refreshInterval,
		current:         &model.SystemState{State: model.SystemStateRunning},
		pausedMsgIDs:    make(map[string]struct{}),
	}
}

// refresh reloads from cache/store if the in-process snapshot is older than
// refreshInterval. Cheap on the hot path: most calls hit the RLock fast path.
func (g *Gate) refresh(ctx context.Context) {
	g.mu.RLock()
	stale := time.Since(g.lastLoad) >= g.refreshInterval
	g.mu.RUnlock()
	if !stale {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.lastLoad) < g.refreshInterval {
		return // another goroutine refreshed while we waited for the lock
	}

	if cached, ok := g.cache.GetSystemState(ctx); ok {
		g.current = cached
		g.lastLoad = time.Now()
		return
	}

	state, err := g.store.GetSystemState(ctx)
	if err != nil || state == nil {
		g.lastLoad = time.Now() // don't hammer the store on a failing read
		return
	}
	g.current = state
	g.cache.SetSystemState(ctx, state)
	g.lastLoad = time.Now()
}

func (g *Gate) snapshot(ctx context.Context) *model.SystemState {
	g.refresh(ctx)
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Paused reports whether alarm processing should halt at the consumer gate.
func (g *Gate) Paused(ctx context.Context) bool {
	return g.snapshot(ctx).Paused()
}

// MockSMS reports whether the sms channel must route through a mock
// transport per spec.md §4.4's "Mock mode".
func (g *Gate) MockSMS(ctx context.Context) bool {
	return g.snapshot(ctx).UseMockSMS
}

// MockEmail reports whether the email channel must route through a mock
// transport.
func (g *Gate) MockEmail(ctx context.Context) bool {
	return g.snapshot(ctx).UseMockEmail
}

// Pause transitions the system to paused, writing through to the store and
// the cache and replacing this gate's snapshot, so the change is visible to
// this process at once and to others within one refresh.
func (g *Gate) Pause(ctx context.Context, by, reason string) error {
	now := time.Now()
	state := &model.SystemState{
		State: model.SystemStatePaused, PausedAt: &now, PausedBy: by, Reason: reason,
	}
	if err := g.store.SetSystemState(ctx, state); err != nil {
		return err
	}
	g.mu.Lock()
	g.current = state
	g.lastLoad = now
	g.mu.Unlock()
	g.cache.SetSystemState(ctx, state)
	return nil
}

// Resume transitions the system back to running.
func (g *Gate) Resume(ctx context.Context) error {
	state := &model.SystemState{State: model.SystemStateRunning}
	if err := g.store.SetSystemState(ctx, state); err != nil {
		return err
	}
	g.mu.Lock()
	g.current = state
	g.lastLoad = time.Now()
	g.mu.Unlock()
	g.cache.SetSystemState(ctx, state)
	g.ResetPausedTracking()
	return nil
}

// ShouldLogPaused implements spec.md §4.8 step 2's rate-limited log noise
// policy for the consumer's paused-requeue path: at most one log line per
// logInterval regardless of how many distinct message ids are nacked, while
// still tracking every unique paused message id for the observability
// counter (the caller reads PausedMessageCount after each call).
func (g *Gate) ShouldLogPaused(msgID string, logInterval time.Duration) bool {
	g.pausedLogMu.Lock()
	defer g.pausedLogMu.Unlock()
	g.pausedMsgIDs[msgID] = struct{}{}

	if time.Since(g.pausedLogAt) < logInterval {
		return false
	}
	g.pausedLogAt = time.Now()
	return true
}

// PausedMessageCount returns the number of distinct message ids observed
// paused since the gate was constructed or last reset.
func (g *Gate) PausedMessageCount() int {
	g.pausedLogMu.Lock()
	defer g.pausedLogMu.Unlock()
	return len(g.pausedMsgIDs)
}

// ResetPausedTracking clears the paused-message-id set, used when the
// system resumes so the next pause cycle starts fresh.
func (g *Gate) ResetPausedTracking() {
	g.pausedLogMu.Lock()
	defer g.pausedLogMu.Unlock()
	g.pausedMsgIDs = make(map[string]struct{})
	g.pausedLogAt = time.Time{}
}
