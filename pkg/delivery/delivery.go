// Package delivery implements the uniform channel-adapter contract of
// spec.md §4.3, grounded on the teacher's
// pkg/notification/delivery.Service interface and its RetryableError
// wrapper (pkg/notification/delivery/file_test.go).
package delivery

import (
	"context"
	"fmt"

	goerrors "github.com/go-faster/errors"
	apperrors "github.com/megatechtrackers/alarmnotifier/internal/errors"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

// RetryableError marks an adapter-side failure as transient, signalling to
// the processor's retry loop that another attempt is worth making.
type RetryableError struct {
	Cause error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %s", e.Cause.Error())
}

func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// Retryable wraps cause as a RetryableError.
func Retryable(cause error) error {
	return &RetryableError{Cause: cause}
}

// IsRetryable reports whether err is (or wraps) a RetryableError.
func IsRetryable(err error) bool {
	_, ok := err.(*RetryableError)
	if ok {
		return true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return IsRetryable(u.Unwrap())
	}
	return false
}

// PermanentError is implemented by transport errors that represent a
// permanent delivery rejection (bad recipient, unauthorized credentials,
// malformed request) rather than a transient one (timeout, 5xx, connection
// reset). Adapters consult it to pick a retryable or non-retryable
// classification instead of always assuming the failure is transient.
type PermanentError interface {
	Permanent() bool
}

// classify turns a transport-level cause into one of this repo's typed
// AppError kinds per spec.md §7: non-retryable if cause (or anything it
// wraps) reports itself permanent via PermanentError, retryable otherwise.
// Only the retryable branch is additionally marked Retryable so the
// processor's retry loop picks it up — the non-retryable AppError is
// returned as-is and halts the loop immediately (errors.IsRetryable is
// false for ErrorTypeNonRetryableTransport).
func classify(cause error, provider string) error {
	var perm PermanentError
	if goerrors.As(cause, &perm) && perm.Permanent() {
		return apperrors.NewNonRetryableTransportError(cause, provider)
	}
	return Retryable(apperrors.NewRetryableTransportError(cause, provider))
}

// RecipientResult is the per-recipient outcome of one Send call.
type RecipientResult struct {
	Recipient  string
	Success    bool
	ProviderID string
	ModemID    string
	ModemName  string
	Error      string
}

// Result is the aggregate outcome of sending one alarm's notification on
// one channel to one or more recipients.
type Result struct {
	Success    bool
	Provider   string
	MessageID  string
	Recipients []RecipientResult
	ModemID    string
	ModemName  string
}

// Service is the uniform contract every channel adapter implements. isReady
// reports whether the underlying transport is initialized; Send must be
// safe for concurrent callers up to the channel's configured concurrency.
type Service interface {
	Send(ctx context.Context, alarm *model.Alarm, recipients []string) (Result, error)
	IsReady() bool
	Channel() model.Channel
}

// Orchestrator fans out sends across the registered channel services,
// resolved by name at call time — mirroring the teacher's
// delivery.Orchestrator/RegisterChannel pattern.
type Orchestrator struct {
	services map[model.Channel]Service
}

// NewOrchestrator constructs an empty Orchestrator; channels are added via
// RegisterChannel.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{services: make(map[model.Channel]Service)}
}

// RegisterChannel installs svc as the handler for its own Channel().
func (o *Orchestrator) RegisterChannel(svc Service) {
	o.services[svc.Channel()] = svc
}

// UnregisterChannel removes any handler installed for ch.
func (o *Orchestrator) UnregisterChannel(ch model.Channel) {
	delete(o.services, ch)
}

// For returns the registered Service for ch, or ok=false if none is
// registered.
func (o *Orchestrator) For(ch model.Channel) (Service, bool) {
	svc, ok := o.services[ch]
	return svc, ok
}

// GatedService selects between a mock and a real Service per send, per
// spec.md §4.3's "each adapter selects between a mock and a real
// implementation based on C6". The mock check is consulted on every Send so
// a mid-flight pause/resume-style mock toggle takes effect without
// re-registering the channel.
type GatedService struct {
	channel  model.Channel
	real     Service
	mock     Service
	useMock  func(ctx context.Context) bool
}

// NewGatedService wraps real/mock under useMock's selection. real may be nil
// if no real transport is configured yet. IsReady reports true when the real
// service is ready and otherwise reports the mock's readiness; it does not
// consult useMock. Send uses the mock when useMock is true or when the real
// service is nil or not ready.
func NewGatedService(channel model.Channel, real, mock Service, useMock func(ctx context.Context) bool) *GatedService {
	return &GatedService{channel: channel, real: real, mock: mock, useMock: useMock}
}

func (g *GatedService) Channel() model.Channel { return g.channel }

func (g *GatedService) IsReady() bool {
	if g.real != nil && g.real.IsReady() {
		return true
	}
	return g.mock != nil && g.mock.IsReady()
}

func (g *GatedService) Send(ctx context.Context, alarm *model.Alarm, recipients []string) (Result, error) {
	if g.useMock(ctx) || g.real == nil || !g.real.IsReady() {
		if g.mock == nil {
			return Result{}, ErrTransportNotConfigured
		}
		return g.mock.Send(ctx, alarm, recipients)
	}
	return g.real.Send(ctx, alarm, recipients)
}
