package delivery

import (
	"context"

	"github.com/megatechtrackers/alarmnotifier/internal/errors"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
	"github.com/megatechtrackers/alarmnotifier/pkg/modempool"
)

// SMSService is the C4 adapter for the sms channel, backed by the C5 modem
// pool. Mock mode (spec.md §4.4) is realized by the caller handing this
// service a modempool.MockTransport instead of the real one.
type SMSService struct {
	pool      *modempool.Pool
	transport modempool.Transport
}

// NewSMSService constructs an SMS adapter over pool, sending through
// transport (modempool.MockTransport in mock mode).
func NewSMSService(pool *modempool.Pool, transport modempool.Transport) *SMSService {
	return &SMSService{pool: pool, transport: transport}
}

func (s *SMSService) Channel() model.Channel { return model.ChannelSMS }

func (s *SMSService) IsReady() bool { return s.pool != nil && s.transport != nil }

func (s *SMSService) Send(ctx context.Context, alarm *model.Alarm, recipients []string) (Result, error) {
	sel, err := s.pool.SelectModem(ctx, alarm.IMEI, modempool.DefaultService)
	if err != nil {
		return Result{}, err
	}

	result := Result{Provider: "sms-modem-pool", ModemID: sel.Modem.ID, ModemName: sel.Modem.Name}
	result.Success = true
	for _, to := range recipients {
		sendErr := s.pool.Send(ctx, sel, to, alarm.Status, s.transport)
		rr := RecipientResult{Recipient: to, Success: sendErr == nil, ModemID: sel.Modem.ID, ModemName: sel.Modem.Name}
		if sendErr != nil {
			result.Success = false
			rr.Error = sendErr.Error()
			result.Recipients = append(result.Recipients, rr)
			return result, Retryable(errors.NewRetryableTransportError(sendErr, "sms-modem-pool"))
		}
		result.Recipients = append(result.Recipients, rr)
	}
	return result, nil
}
