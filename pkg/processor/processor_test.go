package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/megatechtrackers/alarmnotifier/pkg/circuitbreaker"
	"github.com/megatechtrackers/alarmnotifier/pkg/delivery"
	"github.com/megatechtrackers/alarmnotifier/pkg/limiter"
	"github.com/megatechtrackers/alarmnotifier/pkg/metrics"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
	"github.com/sony/gobreaker"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

type fakeDedupStore struct {
	mu      sync.Mutex
	records map[string]*model.DedupRecord
}

func newFakeDedupStore() *fakeDedupStore {
	return &fakeDedupStore{records: make(map[string]*model.DedupRecord)}
}

func (s *fakeDedupStore) Get(ctx context.Context, imei, alarmType string) (*model.DedupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[imei+"|"+alarmType]; ok {
		copied := *rec
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeDedupStore) Upsert(ctx context.Context, rec *model.DedupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.records[rec.IMEI+"|"+rec.AlarmType] = &copied
	return nil
}

type fakeContactStore struct {
	contacts map[string][]*model.Contact
}

func (s *fakeContactStore) ActiveContacts(ctx context.Context, imei string) ([]*model.Contact, error) {
	return s.contacts[imei], nil
}

type fakeAuditStore struct {
	mu        sync.Mutex
	successes map[string]bool
	recorded  []*model.NotificationAttempt
}

func newFakeAuditStore() *fakeAuditStore {
	return &fakeAuditStore{successes: make(map[string]bool)}
}

func (s *fakeAuditStore) HasSuccessfulAttempt(ctx context.Context, alarmID string, channel model.Channel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successes[alarmID+"|"+string(channel)], nil
}

func (s *fakeAuditStore) RecordAttempt(ctx context.Context, attempt *model.NotificationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, attempt)
	if attempt.Status == model.AttemptStatusSuccess {
		s.successes[attempt.AlarmID+"|"+string(attempt.Channel)] = true
	}
	return nil
}

type fakeAlarmStore struct {
	mu       sync.Mutex
	sentFlag map[string]bool
}

func newFakeAlarmStore() *fakeAlarmStore {
	return &fakeAlarmStore{sentFlag: make(map[string]bool)}
}

func (s *fakeAlarmStore) MarkChannelSent(ctx context.Context, alarmID string, channel model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentFlag[alarmID+"|"+string(channel)] = true
	return nil
}

type fakeDLQWriter struct {
	mu    sync.Mutex
	items []*model.DLQItem
}

func (d *fakeDLQWriter) Enqueue(ctx context.Context, item *model.DLQItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, item)
	return nil
}

func (d *fakeDLQWriter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// fakeChannelService always returns success or a configured failure kind.
type fakeChannelService struct {
	channel model.Channel
	ready   bool
	fail    func() error // nil means always succeed
	sends   int32
}

func (f *fakeChannelService) Channel() model.Channel { return f.channel }
func (f *fakeChannelService) IsReady() bool          { return f.ready }

func (f *fakeChannelService) Send(ctx context.Context, alarm *model.Alarm, recipients []string) (delivery.Result, error) {
	f.sends++
	if f.fail != nil {
		if err := f.fail(); err != nil {
			return delivery.Result{}, err
		}
	}
	result := delivery.Result{Success: true, Provider: "fake"}
	for _, r := range recipients {
		result.Recipients = append(result.Recipients, delivery.RecipientResult{Recipient: r, Success: true})
	}
	return result, nil
}

func newTestProcessor(cfg Config, contacts map[string][]*model.Contact, svc ...delivery.Service) (*Processor, *fakeDLQWriter, *fakeAlarmStore, *fakeAuditStore) {
	orchestrator := delivery.NewOrchestrator()
	for _, s := range svc {
		orchestrator.RegisterChannel(s)
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.Settings{
		FailureThreshold: 100, SuccessThreshold: 1,
		OpenTimeout: gobreaker.Settings{Timeout: time.Second},
	})
	limiters := limiter.NewRegistry(map[string]int{"email": 5, "sms": 5, "voice": 5})
	dlq := &fakeDLQWriter{}
	alarms := newFakeAlarmStore()
	audit := newFakeAuditStore()

	p := New(cfg, newFakeDedupStore(), &fakeContactStore{contacts: contacts}, audit, alarms, dlq,
		breakers, limiters, orchestrator, metrics.NoopRecorder{}, zap.NewNop(), nil)
	return p, dlq, alarms, audit
}

var _ = Describe("Processor", func() {
	var cfg Config

	BeforeEach(func() {
		cfg = Config{
			DedupWindow:          time.Hour,
			DeduplicationEnabled: true,
			QuietHoursEnabled:    true,
			MaxRetries:           map[model.Channel]int{model.ChannelEmail: 2, model.ChannelSMS: 2},
			RetryBaseDelay:       map[model.Channel]time.Duration{model.ChannelEmail: time.Millisecond, model.ChannelSMS: time.Millisecond},
			RetryMaxDelay:        map[model.Channel]time.Duration{model.ChannelEmail: time.Millisecond, model.ChannelSMS: time.Millisecond},
		}
	})

	It("routes a structurally invalid alarm straight to the DLQ", func() {
		p, dlq, _, _ := newTestProcessor(cfg, nil)
		alarm := &model.Alarm{ID: "", IMEI: "100", Status: "SOS"}

		Expect(p.ProcessAlarm(context.Background(), alarm)).To(Succeed())
		Expect(dlq.count()).To(Equal(1))
		Expect(dlq.items[0].ErrorType).To(Equal("VALIDATION_ERROR"))
	})

	It("collapses a second alarm within the dedup window and stops", func() {
		email := &fakeChannelService{channel: model.ChannelEmail, ready: true}
		contacts := map[string][]*model.Contact{
			"100": {{ID: "c1", IMEI: "100", Email: "a@b.com", Active: true}},
		}
		p, dlq, alarms, _ := newTestProcessor(cfg, contacts, email)

		alarm1 := &model.Alarm{ID: "1", IMEI: "100", Status: "SOS", EmailEnabled: true}
		alarm2 := &model.Alarm{ID: "2", IMEI: "100", Status: "SOS", EmailEnabled: true}

		Expect(p.ProcessAlarm(context.Background(), alarm1)).To(Succeed())
		Expect(p.ProcessAlarm(context.Background(), alarm2)).To(Succeed())

		Expect(email.sends).To(BeEquivalentTo(1), "second alarm should have been collapsed by the dedup gate")
		Expect(dlq.count()).To(Equal(0))
		Expect(alarms.sentFlag["1|email"]).To(BeTrue())
		Expect(alarms.sentFlag["2|email"]).To(BeFalse())
	})

	It("skips silently when quiet hours are active for the only contact", func() {
		cfg.DeduplicationEnabled = false
		now := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
		cfgClock := func() time.Time { return now }

		email := &fakeChannelService{channel: model.ChannelEmail, ready: true}
		contacts := map[string][]*model.Contact{
			"100": {{ID: "c1", IMEI: "100", Email: "a@b.com", Active: true, QuietHoursFrom: "22:00", QuietHoursTo: "06:00", Timezone: "UTC"}},
		}
		orchestrator := delivery.NewOrchestrator()
		orchestrator.RegisterChannel(email)
		breakers := circuitbreaker.NewManager(circuitbreaker.Settings{FailureThreshold: 100, SuccessThreshold: 1, OpenTimeout: gobreaker.Settings{Timeout: time.Second}})
		limiters := limiter.NewRegistry(map[string]int{"email": 5})
		dlq := &fakeDLQWriter{}
		p := New(cfg, newFakeDedupStore(), &fakeContactStore{contacts: contacts}, newFakeAuditStore(), newFakeAlarmStore(), dlq,
			breakers, limiters, orchestrator, metrics.NoopRecorder{}, zap.NewNop(), cfgClock)

		alarm := &model.Alarm{ID: "1", IMEI: "100", Status: "SOS", EmailEnabled: true}
		Expect(p.ProcessAlarm(context.Background(), alarm)).To(Succeed())
		Expect(email.sends).To(BeEquivalentTo(0))
	})

	It("fans out to every enabled channel independently", func() {
		cfg.DeduplicationEnabled = false
		cfg.QuietHoursEnabled = false
		email := &fakeChannelService{channel: model.ChannelEmail, ready: true}
		sms := &fakeChannelService{channel: model.ChannelSMS, ready: true}
		contacts := map[string][]*model.Contact{
			"100": {{ID: "c1", IMEI: "100", Email: "a@b.com", Phone: "+1555", Active: true}},
		}
		p, _, alarms, _ := newTestProcessor(cfg, contacts, email, sms)

		alarm := &model.Alarm{ID: "1", IMEI: "100", Status: "SOS", EmailEnabled: true, SMSEnabled: true}
		Expect(p.ProcessAlarm(context.Background(), alarm)).To(Succeed())

		Expect(email.sends).To(BeEquivalentTo(1))
		Expect(sms.sends).To(BeEquivalentTo(1))
		Expect(alarms.sentFlag["1|email"]).To(BeTrue())
		Expect(alarms.sentFlag["1|sms"]).To(BeTrue())
	})

	It("retries a retryable failure then DLQs on exhaustion", func() {
		cfg.DeduplicationEnabled = false
		cfg.QuietHoursEnabled = false
		attempts := 0
		email := &fakeChannelService{channel: model.ChannelEmail, ready: true, fail: func() error {
			attempts++
			return delivery.Retryable(errors.New("smtp down"))
		}}
		contacts := map[string][]*model.Contact{
			"100": {{ID: "c1", IMEI: "100", Email: "a@b.com", Active: true}},
		}
		p, dlq, _, audit := newTestProcessor(cfg, contacts, email)

		alarm := &model.Alarm{ID: "1", IMEI: "100", Status: "SOS", EmailEnabled: true, Priority: 5}
		err := p.ProcessAlarm(context.Background(), alarm)
		Expect(err).To(HaveOccurred())
		Expect(dlq.count()).To(Equal(1))
		Expect(attempts).To(BeNumerically(">", 1), "must have retried at least once")
		Expect(audit.recorded).NotTo(BeEmpty())
	})

	It("skips a channel already marked sent", func() {
		cfg.DeduplicationEnabled = false
		cfg.QuietHoursEnabled = false
		email := &fakeChannelService{channel: model.ChannelEmail, ready: true}
		contacts := map[string][]*model.Contact{
			"100": {{ID: "c1", IMEI: "100", Email: "a@b.com", Active: true}},
		}
		p, _, _, _ := newTestProcessor(cfg, contacts, email)

		alarm := &model.Alarm{ID: "1", IMEI: "100", Status: "SOS", EmailEnabled: true, EmailSent: true}
		Expect(p.ProcessAlarm(context.Background(), alarm)).To(Succeed())
		Expect(email.sends).To(BeEquivalentTo(0))
	})
})
