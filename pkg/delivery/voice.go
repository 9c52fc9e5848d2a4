package delivery

import (
	"context"
	"fmt"

	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

// VoiceTransport is the external-collaborator seam for a voice provider's
// HTTP API — out of scope per spec.md §1.
type VoiceTransport interface {
	PlaceCall(ctx context.Context, to, script string) (providerCallID string, err error)
}

// VoiceService is the C4 adapter for the voice channel.
type VoiceService struct {
	transport VoiceTransport
}

// NewVoiceService constructs a voice adapter. A nil transport yields a
// not-ready adapter (skipped per spec.md §4.5 step 6).
func NewVoiceService(transport VoiceTransport) *VoiceService {
	return &VoiceService{transport: transport}
}

func (s *VoiceService) Channel() model.Channel { return model.ChannelVoice }

func (s *VoiceService) IsReady() bool { return s.transport != nil }

func (s *VoiceService) Send(ctx context.Context, alarm *model.Alarm, recipients []string) (Result, error) {
	if s.transport == nil {
		return Result{}, ErrTransportNotConfigured
	}
	script := fmt.Sprintf("Alert: device %s reports %s.", alarm.IMEI, alarm.Status)

	result := Result{Provider: "voice-provider", Success: true}
	for _, to := range recipients {
		callID, err := s.transport.PlaceCall(ctx, to, script)
		rr := RecipientResult{Recipient: to, Success: err == nil, ProviderID: callID}
		if err != nil {
			result.Success = false
			rr.Error = err.Error()
			result.Recipients = append(result.Recipients, rr)
			return result, classify(err, "voice-provider")
		}
		result.Recipients = append(result.Recipients, rr)
	}
	return result, nil
}

// MockVoiceTransport always succeeds unless Mode is set, for use in mock
// mode or tests. Mode "always" simulates a provider rejecting the call
// outright (a permanent failure), to exercise the non-retryable path.
type MockVoiceTransport struct {
	Mode  string
	calls int
}

func (m *MockVoiceTransport) PlaceCall(ctx context.Context, to, script string) (string, error) {
	m.calls++
	if m.Mode == "always" {
		return "", &permanentTransportError{msg: "mock voice provider: simulated permanent rejection"}
	}
	return fmt.Sprintf("mock-call-%d", m.calls), nil
}
