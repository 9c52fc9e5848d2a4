// Package circuitbreaker wraps sony/gobreaker into the per-channel manager
// described by spec.md §4.1: CLOSED/OPEN/HALF_OPEN with a failure-count
// trip threshold, a success-count recovery threshold, and a fixed open
// timeout before the next probe is allowed through.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"

	appErrors "github.com/megatechtrackers/alarmnotifier/internal/errors"
	"github.com/sony/gobreaker"
)

// State mirrors gobreaker's three states under the names spec.md §3 uses.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// StateChangeFunc is invoked whenever any channel's breaker changes state,
// keyed by channel name. Wired to pkg/metrics by the caller.
type StateChangeFunc func(channel string, from, to State)

// Manager owns one gobreaker.CircuitBreaker per channel, constructed lazily
// on first use with uniform settings.
type Manager struct {
	failureThreshold uint32
	successThreshold uint32
	openTimeout      func() gobreaker.Settings
	onStateChange    StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Settings is the per-manager F/S/T configuration, named after spec.md §4.1.
type Settings struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	OpenTimeout      gobreaker.Settings // reused only for its Timeout/Interval fields
	OnStateChange    StateChangeFunc
}

// NewManager constructs a Manager. Each channel's breaker is built from the
// same Settings the first time that channel is used (by Call or State).
func NewManager(settings Settings) *Manager {
	return &Manager{
		failureThreshold: settings.FailureThreshold,
		successThreshold: settings.SuccessThreshold,
		openTimeout:       func() gobreaker.Settings { return settings.OpenTimeout },
		onStateChange:     settings.OnStateChange,
		breakers:          make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (m *Manager) breakerFor(channel string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[channel]; ok {
		return cb
	}
	base := m.openTimeout()
	maxRequests := m.successThreshold
	if maxRequests == 0 {
		maxRequests = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: channel,
		// gobreaker admits up to MaxRequests trial calls per HALF_OPEN period
		// and closes once that many have succeeded in a row; any failure
		// reopens immediately. Using the configured success threshold here is
		// the closest fit to spec.md §4.1's "S consecutive successes closes
		// the breaker" rule that gobreaker's model supports. Those trial calls
		// may run concurrently: half-open admission is not limited to one
		// probe at a time, and only calls beyond MaxRequests are refused
		// (gobreaker.ErrTooManyRequests, surfaced as the half-open-busy error).
		MaxRequests: maxRequests,
		Interval:    base.Interval,
		Timeout:     base.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	m.breakers[channel] = cb
	return cb
}

// Call executes fn through the named channel's breaker, translating
// gobreaker's sentinel errors into this repo's typed AppError kinds so the
// retry loop in pkg/processor can treat them as terminal, per spec §9.
func (m *Manager) Call(channel string, fn func() error) error {
	cb := m.breakerFor(channel)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return appErrors.New(appErrors.ErrorTypeCircuitBreakerOpen, "circuit breaker open for channel "+channel)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return appErrors.New(appErrors.ErrorTypeCircuitBreakerBusy, "circuit breaker half-open probe already in flight for channel "+channel)
	default:
		return err
	}
}

// CallContext is Call's context-aware form; gobreaker itself is not
// context-aware, so cancellation is checked before dispatch only.
func (m *Manager) CallContext(ctx context.Context, channel string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.Call(channel, fn)
}

// State reports the current state of the named channel's breaker, creating
// it (in CLOSED) if it does not yet exist.
func (m *Manager) State(channel string) State {
	return fromGobreaker(m.breakerFor(channel).State())
}

// Reset forces the named channel's breaker back to CLOSED by discarding it;
// the next Call rebuilds it fresh.
func (m *Manager) Reset(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, channel)
}

// Channels lists every channel that has had a breaker constructed so far.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}
