package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

// ErrTransportNotConfigured is returned by the real (non-mock) transport
// seam: SMTP client configuration is an external collaborator per spec.md
// §1, so this repo ships only the interface and a mock.
var ErrTransportNotConfigured = errors.New("email transport not configured")

// EmailTransport is the external-collaborator seam for an SMTP client.
type EmailTransport interface {
	Send(ctx context.Context, from, to, subject, body string) (providerMessageID string, err error)
}

// EmailService is the C4 adapter for the email channel.
type EmailService struct {
	transport EmailTransport
	fromAddr  string
}

// NewEmailService constructs an email adapter. Pass nil transport to get a
// not-ready adapter that skips per spec.md §4.5 step 6 ("adapter not
// ready" is treated as a skip, not a failure).
func NewEmailService(transport EmailTransport, fromAddr string) *EmailService {
	return &EmailService{transport: transport, fromAddr: fromAddr}
}

func (s *EmailService) Channel() model.Channel { return model.ChannelEmail }

func (s *EmailService) IsReady() bool { return s.transport != nil }

func (s *EmailService) Send(ctx context.Context, alarm *model.Alarm, recipients []string) (Result, error) {
	if s.transport == nil {
		return Result{}, ErrTransportNotConfigured
	}
	subject := fmt.Sprintf("Alarm %s: %s", alarm.ID, alarm.Status)
	body := fmt.Sprintf("Device %s reported %s at %s", alarm.IMEI, alarm.Status, alarm.GPSTime)

	result := Result{Provider: "smtp", Success: true}
	for _, to := range recipients {
		msgID, err := s.transport.Send(ctx, s.fromAddr, to, subject, body)
		rr := RecipientResult{Recipient: to, Success: err == nil, ProviderID: msgID}
		if err != nil {
			result.Success = false
			rr.Error = err.Error()
			result.Recipients = append(result.Recipients, rr)
			return result, classify(err, "smtp")
		}
		result.Recipients = append(result.Recipients, rr)
	}
	return result, nil
}

// MockEmailTransport simulates an SMTP client with a configurable failure
// mode, mirroring the teacher's mock webhook server
// (test/integration/notification/suite_test.go): "none", "always",
// "first-1" (fails only the first call), or "empty-response".
type MockEmailTransport struct {
	Mode  string
	calls int
}

func (m *MockEmailTransport) Send(ctx context.Context, from, to, subject, body string) (string, error) {
	m.calls++
	switch m.Mode {
	case "always":
		return "", &permanentTransportError{msg: "mock smtp: simulated permanent rejection"}
	case "first-1":
		if m.calls == 1 {
			return "", errors.New("mock smtp: simulated transient failure")
		}
	case "empty-response":
		return "", nil
	}
	return fmt.Sprintf("mock-msg-%d", m.calls), nil
}

// permanentTransportError is a PermanentError, used by the mock transports
// to exercise the non-retryable classification path.
type permanentTransportError struct{ msg string }

func (e *permanentTransportError) Error() string   { return e.msg }
func (e *permanentTransportError) Permanent() bool { return true }
