// Package dlq implements the C9 DLQ Reprocessor of spec.md §4.7: a periodic
// batch loop that resubmits dead-lettered alarms through C7 once their
// channel's breaker has recovered, with edge-triggered Slack alerting on the
// ops-facing alert threshold. Grounded on the teacher's
// delivery.NewSlackDeliveryService webhook pattern
// (test/integration/notification/suite_test.go), repurposed here for
// ops alerting rather than end-user delivery. The per-item backoff is
// computed in this package (exponential with jitter, halved for old items);
// it is not priority-scaled and does not share C7's retry helper.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/megatechtrackers/alarmnotifier/internal/config"
	"github.com/megatechtrackers/alarmnotifier/pkg/circuitbreaker"
	"github.com/megatechtrackers/alarmnotifier/pkg/metrics"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

// Summary is the DLQ-wide snapshot spec.md §4.7 step 1 requires before each
// cycle.
type Summary struct {
	Total        int
	ByChannel    map[model.Channel]int
	ByErrorType  map[string]int
	AverageAge   time.Duration
	MaxAttempts  int
}

// Filter narrows item selection to an optional channel/error type, per
// spec.md §4.7 step 3.
type Filter struct {
	Channel   model.Channel // zero value means "any channel"
	ErrorType string        // empty means "any error type"
}

// Store is the DLQ persistence boundary.
type Store interface {
	Summary(ctx context.Context) (*Summary, error)
	ListPending(ctx context.Context, filter Filter, limit int) ([]*model.DLQItem, error)
	Get(ctx context.Context, itemID string) (*model.DLQItem, error)
	MarkReprocessed(ctx context.Context, itemID string) error
}

// Processor is the C7 boundary items are resubmitted through.
type Processor interface {
	ProcessAlarm(ctx context.Context, alarm *model.Alarm) error
}

// Breakers reports per-channel circuit state, satisfied by
// *circuitbreaker.Manager.
type Breakers interface {
	State(channel string) circuitbreaker.State
}

// Reprocessor runs the periodic DLQ drain loop.
type Reprocessor struct {
	cfg      config.DLQConfig
	store    Store
	processor Processor
	breakers Breakers
	recorder metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	alerted bool
}

// New constructs a Reprocessor. now defaults to time.Now when nil.
func New(cfg config.DLQConfig, store Store, processor Processor, breakers Breakers, recorder metrics.Recorder, logger *zap.Logger, now func() time.Time) *Reprocessor {
	if now == nil {
		now = time.Now
	}
	return &Reprocessor{cfg: cfg, store: store, processor: processor, breakers: breakers, recorder: recorder, logger: logger, now: now}
}

// Run loops every cfg.AutoReprocessInterval until ctx is cancelled.
func (r *Reprocessor) Run(ctx context.Context) {
	interval := r.cfg.AutoReprocessInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunCycle(ctx); err != nil {
				r.logger.Warn("dlq reprocess cycle failed", zap.Error(err))
			}
		}
	}
}

// RunCycle executes one full cycle per spec.md §4.7 steps 1-5.
func (r *Reprocessor) RunCycle(ctx context.Context) error {
	summary, err := r.store.Summary(ctx)
	if err != nil {
		return fmt.Errorf("read dlq summary: %w", err)
	}
	r.recorder.RecordDLQSize(summary.Total)
	r.evaluateAlert(ctx, summary)

	closedChannels := r.closedChannels()
	if len(closedChannels) == 0 {
		r.logger.Debug("all channel breakers open, skipping dlq cycle")
		return nil
	}

	batch := r.cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}

	var items []*model.DLQItem
	if len(closedChannels) == len(model.AllChannels()) {
		all, err := r.store.ListPending(ctx, Filter{}, batch)
		if err != nil {
			return fmt.Errorf("list pending dlq items: %w", err)
		}
		items = all
	} else {
		for _, ch := range closedChannels {
			chItems, err := r.store.ListPending(ctx, Filter{Channel: ch}, batch)
			if err != nil {
				return fmt.Errorf("list pending dlq items for %s: %w", ch, err)
			}
			items = append(items, chItems...)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Attempts != items[j].Attempts {
			return items[i].Attempts < items[j].Attempts
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if len(items) > batch {
		items = items[:batch]
	}

	for _, item := range items {
		if !r.dueForRetry(item) {
			continue
		}
		r.reprocessOne(ctx, item, false)
	}
	return nil
}

// ForceReprocess resubmits a single item, skipping the per-item backoff and
// the already-reprocessed check, per spec.md §4.7's manual force path.
func (r *Reprocessor) ForceReprocess(ctx context.Context, itemID string) error {
	item, err := r.store.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("load dlq item %s: %w", itemID, err)
	}
	return r.reprocessOne(ctx, item, true)
}

func (r *Reprocessor) reprocessOne(ctx context.Context, item *model.DLQItem, force bool) error {
	if !force && item.Reprocessed {
		return nil
	}

	var alarm model.Alarm
	if err := json.Unmarshal(item.Payload, &alarm); err != nil {
		r.logger.Warn("dlq item payload does not unmarshal, skipping", zap.String("item_id", item.ID), zap.Error(err))
		return nil
	}
	if alarm.ID == "" || alarm.IMEI == "" || alarm.Status == "" {
		r.logger.Warn("dlq item payload missing required fields, skipping", zap.String("item_id", item.ID))
		return nil
	}

	if err := r.processor.ProcessAlarm(ctx, &alarm); err != nil {
		r.logger.Info("dlq reprocess attempt failed", zap.String("item_id", item.ID), zap.Error(err))
		return nil
	}

	if err := r.store.MarkReprocessed(ctx, item.ID); err != nil {
		r.logger.Error("failed to mark dlq item reprocessed", zap.String("item_id", item.ID), zap.Error(err))
		return err
	}
	return nil
}

// dueForRetry applies spec.md §4.7 step 4's per-item exponential backoff with
// jitter and an age-based halving, skipped when the cycle cadence already
// exceeds the computed backoff (the cycle interval is then the effective
// backoff and an extra per-item gate would only add idle cycles).
func (r *Reprocessor) dueForRetry(item *model.DLQItem) bool {
	delay := r.backoffFor(item)
	if r.cfg.AutoReprocessInterval >= delay {
		return true
	}
	return r.now().Sub(item.LastAttemptAt) >= delay
}

func (r *Reprocessor) backoffFor(item *model.DLQItem) time.Duration {
	base := r.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	maxDelay := r.cfg.BackoffMax
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}

	delay := base
	for i := 0; i < item.Attempts && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	age := r.now().Sub(item.CreatedAt)
	if age > time.Hour {
		delay /= 2
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

func (r *Reprocessor) closedChannels() []model.Channel {
	var closed []model.Channel
	for _, ch := range model.AllChannels() {
		if r.breakers.State(string(ch)) == circuitbreaker.StateClosed {
			closed = append(closed, ch)
		}
	}
	return closed
}

// evaluateAlert implements spec.md §4.7 step 5's edge-triggered alert.
func (r *Reprocessor) evaluateAlert(ctx context.Context, summary *Summary) {
	r.mu.Lock()
	wasAlerted := r.alerted
	if summary.Total >= r.cfg.AlertThreshold && r.cfg.AlertThreshold > 0 {
		r.alerted = true
	} else if summary.Total < r.cfg.AlertThreshold {
		r.alerted = false
	}
	nowAlerted := r.alerted
	r.mu.Unlock()

	if nowAlerted == wasAlerted {
		return
	}
	if r.cfg.SlackWebhookURL == "" {
		return
	}

	text := fmt.Sprintf(":rotating_light: DLQ size %d has crossed alert threshold %d", summary.Total, r.cfg.AlertThreshold)
	if !nowAlerted {
		text = fmt.Sprintf(":white_check_mark: DLQ size %d has fallen back below alert threshold %d", summary.Total, r.cfg.AlertThreshold)
	}
	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhookContext(ctx, r.cfg.SlackWebhookURL, msg); err != nil {
		r.logger.Warn("failed to post dlq alert to slack", zap.Error(err))
	}
}
