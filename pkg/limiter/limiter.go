// Package limiter bounds in-flight operations per channel independently of
// broker prefetch, per spec.md §4.2 and §5.
package limiter

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter is a FIFO-fair semaphore of a fixed capacity.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
}

// New constructs a Limiter admitting at most capacity concurrent callers.
func New(capacity int) *Limiter {
	return &Limiter{sem: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)}
}

// Submit acquires a permit, runs fn, and releases the permit once fn returns
// — on success, failure, or ctx cancellation during acquisition.
func (l *Limiter) Submit(ctx context.Context, fn func() error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn()
}

// Capacity returns the configured concurrency bound.
func (l *Limiter) Capacity() int64 {
	return l.capacity
}

// Registry is a per-channel collection of Limiters, built lazily so callers
// never have to pre-enumerate every channel name up front.
type Registry struct {
	capacities map[string]int

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry constructs a Registry from a channel -> capacity map.
func NewRegistry(capacities map[string]int) *Registry {
	return &Registry{capacities: capacities, limiters: make(map[string]*Limiter)}
}

// For returns the Limiter for channel, creating it from the configured
// capacity (or a capacity-1 default if the channel was never configured).
func (r *Registry) For(channel string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[channel]; ok {
		return l
	}
	cap := r.capacities[channel]
	if cap <= 0 {
		cap = 1
	}
	l := New(cap)
	r.limiters[channel] = l
	return l
}

// ForCapacity returns the Limiter for key, creating it with capacity if this
// is the first time key is seen. Used where the capacity is only known at
// the call site (e.g. per-modem max_concurrent), rather than pre-configured.
func (r *Registry) ForCapacity(key string, capacity int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[key]; ok {
		return l
	}
	if capacity <= 0 {
		capacity = 1
	}
	l := New(capacity)
	r.limiters[key] = l
	return l
}
