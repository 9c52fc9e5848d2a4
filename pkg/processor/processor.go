// Package processor implements the C7 Alarm Processor: the single-alarm
// pipeline of spec.md §4.5 — validate, dedup, quiet-hours, contact fetch,
// channel fan-out, per-channel retry-then-DLQ.
package processor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	goerrors "github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/megatechtrackers/alarmnotifier/internal/errors"
	"github.com/megatechtrackers/alarmnotifier/pkg/circuitbreaker"
	"github.com/megatechtrackers/alarmnotifier/pkg/delivery"
	"github.com/megatechtrackers/alarmnotifier/pkg/limiter"
	"github.com/megatechtrackers/alarmnotifier/pkg/metrics"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// DedupStore is C7's view of the dedup-record table.
type DedupStore interface {
	Get(ctx context.Context, imei, alarmType string) (*model.DedupRecord, error)
	Upsert(ctx context.Context, rec *model.DedupRecord) error
}

// ContactStore loads active recipients for an imei.
type ContactStore interface {
	ActiveContacts(ctx context.Context, imei string) ([]*model.Contact, error)
}

// AuditStore records per-recipient send outcomes and answers the
// idempotency check of spec.md §4.5 step 6.
type AuditStore interface {
	HasSuccessfulAttempt(ctx context.Context, alarmID string, channel model.Channel) (bool, error)
	RecordAttempt(ctx context.Context, attempt *model.NotificationAttempt) error
}

// AlarmStore persists the additive channel-sent flags.
type AlarmStore interface {
	MarkChannelSent(ctx context.Context, alarmID string, channel model.Channel) error
}

// DLQWriter enqueues a terminally-failed alarm for later replay by C9.
type DLQWriter interface {
	Enqueue(ctx context.Context, item *model.DLQItem) error
}

// Clock abstracts time.Now for dedup-window and quiet-hours tests.
type Clock func() time.Time

// Config carries the per-channel tunables spec.md §4.5/§6 name.
type Config struct {
	DedupWindow          time.Duration
	QuietHoursEnabled    bool
	DeduplicationEnabled bool
	ChannelFallback      bool // channel_fallback_enabled: governs error surfacing only
	MaxRetries           map[model.Channel]int
	RetryBaseDelay       map[model.Channel]time.Duration
	RetryMaxDelay        map[model.Channel]time.Duration
}

// Processor wires C1-backed stores, C2/C3/C4, and metrics into the §4.5
// pipeline.
type Processor struct {
	cfg Config

	dedup    DedupStore
	contacts ContactStore
	audit    AuditStore
	alarms   AlarmStore
	dlq      DLQWriter

	breakers     *circuitbreaker.Manager
	limiters     *limiter.Registry
	orchestrator *delivery.Orchestrator
	recorder     metrics.Recorder
	logger       *zap.Logger
	now          Clock

	validate *validator.Validate
}

// New constructs a Processor. now defaults to time.Now if nil.
func New(cfg Config, dedup DedupStore, contacts ContactStore, audit AuditStore, alarms AlarmStore, dlq DLQWriter,
	breakers *circuitbreaker.Manager, limiters *limiter.Registry, orchestrator *delivery.Orchestrator,
	recorder metrics.Recorder, logger *zap.Logger, now Clock) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{
		cfg: cfg, dedup: dedup, contacts: contacts, audit: audit, alarms: alarms, dlq: dlq,
		breakers: breakers, limiters: limiters, orchestrator: orchestrator,
		recorder: recorder, logger: logger, now: now, validate: validator.New(),
	}
}

// alarmDTO is the normalized shape structural validation runs against, per
// SPEC_FULL.md's "validator struct tags on the normalized Alarm DTO".
type alarmDTO struct {
	ID       string `validate:"required"`
	IMEI     string `validate:"required"`
	Status   string `validate:"required"`
	Priority int    `validate:"gte=0,lte=10"`
}

func toDTO(a *model.Alarm) alarmDTO {
	return alarmDTO{ID: a.ID, IMEI: a.IMEI, Status: a.Status, Priority: a.Priority}
}

// ProcessAlarm runs one alarm through the full §4.5 pipeline. It returns
// nil whenever the alarm was handled to completion: a successful fan-out,
// a dedup/quiet-hours skip, or a validation DLQ write. Two other cases
// also return a non-nil error: an infrastructure failure (C8/C9 should
// treat these as transient and requeue), and — only when
// channel_fallback_enabled is false — the first per-channel send failure,
// per spec.md §4.5 step 5; that failure has already been audited and
// DLQ'd by sendChannel regardless of whether it propagates here, so a
// caller that requeues on it is retrying delivery of an alarm that is
// already fully recorded as failed, not re-attempting unrecorded work.
func (p *Processor) ProcessAlarm(ctx context.Context, alarm *model.Alarm) error {
	dto := toDTO(alarm)
	if err := p.validate.Struct(dto); err != nil {
		return p.toDLQ(ctx, alarm, "", errors.NewValidationError(err.Error()), 0)
	}

	if p.cfg.DeduplicationEnabled {
		dup, err := p.dedupGate(ctx, alarm)
		if err != nil {
			return err
		}
		if dup {
			p.recorder.RecordDedupHit()
			return nil
		}
	}

	contacts, err := p.contacts.ActiveContacts(ctx, alarm.IMEI)
	if err != nil {
		return errors.NewInfrastructureError(err, "load contacts")
	}

	if p.cfg.QuietHoursEnabled && quietHoursActive(contacts, p.now()) {
		p.logger.Debug("skipping alarm: quiet hours active", zap.String("alarm_id", alarm.ID))
		return nil
	}

	return p.fanOut(ctx, alarm, contacts)
}

// dedupGate implements spec.md §4.5 step 2. Returns dup=true when the alarm
// must be silently collapsed into an existing window.
func (p *Processor) dedupGate(ctx context.Context, alarm *model.Alarm) (bool, error) {
	alarmType := alarm.Status
	rec, err := p.dedup.Get(ctx, alarm.IMEI, alarmType)
	if err != nil {
		return false, errors.NewInfrastructureError(err, "dedup lookup")
	}

	now := p.now()
	if rec != nil && rec.LastOccurrence.After(now.Add(-p.cfg.DedupWindow)) {
		rec.LastOccurrence = now
		rec.OccurrenceCount++
		if err := p.dedup.Upsert(ctx, rec); err != nil {
			return false, errors.NewInfrastructureError(err, "dedup update")
		}
		return true, nil
	}

	if rec == nil {
		rec = &model.DedupRecord{IMEI: alarm.IMEI, AlarmType: alarmType, FirstOccurrence: now}
	}
	rec.LastOccurrence = now
	rec.OccurrenceCount++
	if err := p.dedup.Upsert(ctx, rec); err != nil {
		return false, errors.NewInfrastructureError(err, "dedup upsert")
	}
	return false, nil
}

// quietHoursActive implements spec.md §4.5 step 3, resolving each contact's
// window in the contact's own IANA timezone, falling back to UTC when
// unset or unparseable.
func quietHoursActive(contacts []*model.Contact, now time.Time) bool {
	for _, c := range contacts {
		if c.QuietHoursFrom == "" || c.QuietHoursTo == "" {
			continue
		}
		if quietHoursActiveFor(c, now) {
			return true
		}
	}
	return false
}

func quietHoursActiveFor(c *model.Contact, now time.Time) bool {
	loc := time.UTC
	if c.Timezone != "" {
		if l, err := time.LoadLocation(c.Timezone); err == nil {
			loc = l
		}
	}
	from, errFrom := time.Parse("15:04", c.QuietHoursFrom)
	to, errTo := time.Parse("15:04", c.QuietHoursTo)
	if errFrom != nil || errTo != nil {
		return false
	}

	local := now.In(loc)
	minutesNow := local.Hour()*60 + local.Minute()
	minutesFrom := from.Hour()*60 + from.Minute()
	minutesTo := to.Hour()*60 + to.Minute()

	if minutesFrom <= minutesTo {
		return minutesNow >= minutesFrom && minutesNow < minutesTo
	}
	// window wraps midnight, e.g. 22:00 -> 06:00
	return minutesNow >= minutesFrom || minutesNow < minutesTo
}

// channelOutcome is collected per channel task so fanOut can apply the
// channel_fallback_enabled error-surfacing policy after all tasks finish.
type channelOutcome struct {
	channel model.Channel
	err     error
}

// fanOut implements spec.md §4.5 steps 5-7: concurrent, independent
// per-channel dispatch.
func (p *Processor) fanOut(ctx context.Context, alarm *model.Alarm, contacts []*model.Contact) error {
	channels := []model.Channel{model.ChannelEmail, model.ChannelSMS, model.ChannelVoice}

	var wg sync.WaitGroup
	outcomes := make(chan channelOutcome, len(channels))

	for _, ch := range channels {
		if !alarm.ChannelEnabled(ch) || alarm.ChannelSent(ch) {
			continue
		}
		recipients := recipientsFor(contacts, ch)
		if len(recipients) == 0 {
			continue
		}
		svc, ok := p.orchestrator.For(ch)
		if !ok || !svc.IsReady() {
			continue
		}

		wg.Add(1)
		go func(ch model.Channel, svc delivery.Service, recipients []string) {
			defer wg.Done()
			outcomes <- channelOutcome{channel: ch, err: p.sendChannel(ctx, alarm, ch, svc, recipients)}
		}(ch, svc, recipients)
	}

	wg.Wait()
	close(outcomes)

	var failures []error
	for o := range outcomes {
		if o.err != nil {
			failures = append(failures, o.err)
		}
	}

	if len(failures) == 0 {
		return nil
	}
	if !p.cfg.ChannelFallback {
		// Fallback disabled: surface the first failure to the caller. Per-channel
		// DLQ writes already happened inside sendChannel regardless.
		return failures[0]
	}
	// Fallback enabled: failures were logged by sendChannel and DLQ'd; the
	// fan-out itself is considered handled.
	return nil
}

func recipientsFor(contacts []*model.Contact, ch model.Channel) []string {
	var out []string
	for _, c := range contacts {
		if !c.Active || !c.HasChannel(ch) {
			continue
		}
		switch ch {
		case model.ChannelEmail:
			out = append(out, c.Email)
		case model.ChannelSMS, model.ChannelVoice:
			out = append(out, c.Phone)
		}
	}
	return out
}

// sendChannel implements spec.md §4.5 step 6: idempotency check, then
// limiter+breaker+retry, then audit/flag/metrics on success or DLQ on
// exhaustion.
func (p *Processor) sendChannel(ctx context.Context, alarm *model.Alarm, ch model.Channel, svc delivery.Service, recipients []string) error {
	already, err := p.audit.HasSuccessfulAttempt(ctx, alarm.ID, ch)
	if err != nil {
		p.logger.Warn("idempotency check failed, proceeding with send", zap.Error(err))
	} else if already {
		return nil
	}

	lim := p.limiters.For(string(ch))
	var result delivery.Result
	attempts := 0

	sendErr := lim.Submit(ctx, func() error {
		return retry.Do(ctx, p.backoffFor(ch, alarm.Priority), func(ctx context.Context) error {
			attempts++
			if attempts > 1 {
				p.recorder.RecordRetry(string(ch))
			}
			breakerErr := p.breakers.CallContext(ctx, string(ch), func() error {
				res, err := svc.Send(ctx, alarm, recipients)
				result = res
				return err
			})
			if breakerErr == nil {
				return nil
			}
			// Breaker-open/busy signals are always terminal: the breaker's own
			// timer is the backoff, per spec.md §9.
			if delivery.IsRetryable(breakerErr) || errors.IsRetryable(breakerErr) {
				return retry.RetryableError(breakerErr)
			}
			return breakerErr
		})
	})

	if sendErr == nil {
		p.onChannelSuccess(ctx, alarm, ch, result)
		return nil
	}

	p.onChannelFailure(ctx, alarm, ch, sendErr, attempts)
	return sendErr
}

// backoffFor builds the priority-scaled, jittered, capped exponential
// backoff of spec.md §4.5 step 6, bounded by the channel's max_retries.
func (p *Processor) backoffFor(ch model.Channel, priority int) retry.Backoff {
	base := p.cfg.RetryBaseDelay[ch]
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.cfg.RetryMaxDelay[ch]
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	maxRetries := p.cfg.MaxRetries[ch]
	if maxRetries <= 0 {
		maxRetries = 3
	}

	switch {
	case priority >= 8:
		base = time.Duration(float64(base) * 0.5)
	case priority <= 3:
		base = time.Duration(float64(base) * 1.5)
	}

	b, err := retry.NewExponential(base)
	if err != nil {
		// base is always > 0 by construction above; this path is unreachable.
		b, _ = retry.NewExponential(time.Second)
	}
	b = retry.WithCappedDuration(maxDelay, b)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithMaxRetries(uint64(maxRetries), b)
	return b
}

func (p *Processor) onChannelSuccess(ctx context.Context, alarm *model.Alarm, ch model.Channel, result delivery.Result) {
	for _, rr := range result.Recipients {
		attempt := &model.NotificationAttempt{
			ID:      uuid.NewString(),
			AlarmID: alarm.ID, IMEI: alarm.IMEI, GPSTime: alarm.GPSTime,
			Channel: ch, Recipient: rr.Recipient,
			Status: statusFor(rr.Success), Error: rr.Error,
			ProviderMessageID: rr.ProviderID, Provider: result.Provider,
			ModemID: rr.ModemID, ModemName: rr.ModemName, SentAt: time.Now(),
		}
		if err := p.audit.RecordAttempt(ctx, attempt); err != nil {
			p.logger.Warn("audit write failed after successful send", zap.Error(err), zap.String("alarm_id", alarm.ID))
		}
	}
	if err := p.alarms.MarkChannelSent(ctx, alarm.ID, ch); err != nil {
		p.logger.Warn("failed to mark channel sent", zap.Error(err), zap.String("alarm_id", alarm.ID))
	}
	alarm.MarkSent(ch)
	p.recorder.RecordSend(string(ch), "success")
}

func statusFor(success bool) model.AttemptStatus {
	if success {
		return model.AttemptStatusSuccess
	}
	return model.AttemptStatusFailed
}

// onChannelFailure implements spec.md §4.5 step 7: a failed audit row plus
// a DLQ item carrying the adapter's error type (UNKNOWN_ERROR if
// unclassified) and the attempt count.
func (p *Processor) onChannelFailure(ctx context.Context, alarm *model.Alarm, ch model.Channel, sendErr error, attempts int) {
	attempt := &model.NotificationAttempt{
		ID:      uuid.NewString(),
		AlarmID: alarm.ID, IMEI: alarm.IMEI, GPSTime: alarm.GPSTime,
		Channel: ch, Status: model.AttemptStatusFailed, Error: sendErr.Error(), SentAt: time.Now(),
	}
	if err := p.audit.RecordAttempt(ctx, attempt); err != nil {
		p.logger.Warn("failed to write failure audit row", zap.Error(err))
	}
	p.recorder.RecordSend(string(ch), "failed")

	if err := p.toDLQ(ctx, alarm, ch, sendErr, attempts); err != nil {
		p.logger.Error("failed to enqueue DLQ item", zap.Error(err), zap.String("alarm_id", alarm.ID))
	}
}

func (p *Processor) toDLQ(ctx context.Context, alarm *model.Alarm, ch model.Channel, cause error, attempts int) error {
	item := &model.DLQItem{
		ID:      uuid.NewString(),
		AlarmID: alarm.ID, IMEI: alarm.IMEI, Channel: ch,
		Payload:       serializeAlarm(alarm),
		ErrorMessage:  cause.Error(),
		ErrorType:     dlqErrorType(cause),
		Attempts:      attempts,
		LastAttemptAt: time.Now(),
		CreatedAt:     time.Now(),
	}
	if err := p.dlq.Enqueue(ctx, item); err != nil {
		return errors.NewInfrastructureError(err, "enqueue DLQ item")
	}
	return nil
}

// dlqErrorTypeLiterals maps the internal ErrorType taxonomy to the
// SCREAMING_SNAKE_CASE literals spec.md §4.5 step 1 and §8's scenarios
// document for the DLQ's error_type column (e.g. VALIDATION_ERROR,
// CIRCUIT_BREAKER_OPEN).
var dlqErrorTypeLiterals = map[errors.ErrorType]string{
	errors.ErrorTypeValidation:            "VALIDATION_ERROR",
	errors.ErrorTypeRetryableTransport:    "RETRYABLE_TRANSPORT_ERROR",
	errors.ErrorTypeNonRetryableTransport: "NON_RETRYABLE_TRANSPORT_ERROR",
	errors.ErrorTypeCircuitBreakerOpen:    "CIRCUIT_BREAKER_OPEN",
	errors.ErrorTypeCircuitBreakerBusy:    "CIRCUIT_BREAKER_HALF_OPEN_BUSY",
	errors.ErrorTypeQuotaExhausted:        "QUOTA_EXHAUSTED",
	errors.ErrorTypeInfrastructure:        "INFRASTRUCTURE_ERROR",
	errors.ErrorTypeInternal:              "INTERNAL_ERROR",
}

// dlqErrorType reports the adapter's classified error type as the spec's
// literal string, or UNKNOWN_ERROR per spec.md §4.5 step 7 when cause was
// never classified into an AppError.
func dlqErrorType(cause error) string {
	var ae *errors.AppError
	if goerrors.As(cause, &ae) {
		if literal, ok := dlqErrorTypeLiterals[ae.Type]; ok {
			return literal
		}
	}
	return "UNKNOWN_ERROR"
}

// serializeAlarm is the DLQ payload encoding C9 reconstructs from; a plain
// JSON snapshot of the normalized alarm is enough to resubmit it later.
func serializeAlarm(a *model.Alarm) []byte {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	return payload
}
