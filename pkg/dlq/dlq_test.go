package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/megatechtrackers/alarmnotifier/internal/config"
	"github.com/megatechtrackers/alarmnotifier/pkg/circuitbreaker"
	"github.com/megatechtrackers/alarmnotifier/pkg/metrics"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

type fakeStore struct {
	mu          sync.Mutex
	items       []*model.DLQItem
	reprocessed map[string]bool
	summary     *Summary
}

func newFakeStore(items ...*model.DLQItem) *fakeStore {
	return &fakeStore{items: items, reprocessed: make(map[string]bool)}
}

func (s *fakeStore) Summary(ctx context.Context) (*Summary, error) {
	if s.summary != nil {
		return s.summary, nil
	}
	return &Summary{Total: len(s.items)}, nil
}

func (s *fakeStore) ListPending(ctx context.Context, filter Filter, limit int) ([]*model.DLQItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.DLQItem
	for _, item := range s.items {
		if item.Reprocessed {
			continue
		}
		if filter.Channel != "" && item.Channel != filter.Channel {
			continue
		}
		if filter.ErrorType != "" && item.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) Get(ctx context.Context, itemID string) (*model.DLQItem, error) {
	for _, item := range s.items {
		if item.ID == itemID {
			return item, nil
		}
	}
	return nil, errors.New("not found")
}

func (s *fakeStore) MarkReprocessed(ctx context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ID == itemID {
			item.Reprocessed = true
		}
	}
	return nil
}

type fakeProcessor struct {
	err  error
	got  []*model.Alarm
	mu   sync.Mutex
}

func (f *fakeProcessor) ProcessAlarm(ctx context.Context, alarm *model.Alarm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, alarm)
	return f.err
}

type fakeBreakers struct{ states map[string]circuitbreaker.State }

func (f *fakeBreakers) State(channel string) circuitbreaker.State {
	if s, ok := f.states[channel]; ok {
		return s
	}
	return circuitbreaker.StateClosed
}

func itemPayload(t *testing.T, id, imei, status string) []byte {
	t.Helper()
	b, err := json.Marshal(&model.Alarm{ID: id, IMEI: imei, Status: status})
	require.NoError(t, err)
	return b
}

func TestRunCycleReprocessesDueItems(t *testing.T) {
	item := &model.DLQItem{ID: "d1", Channel: model.ChannelEmail, Payload: itemPayload(t, "a1", "100", "SOS"), CreatedAt: time.Now().Add(-2 * time.Hour)}
	store := newFakeStore(item)
	proc := &fakeProcessor{}
	r := New(config.DLQConfig{BatchSize: 10, AutoReprocessInterval: time.Hour, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}, store, proc, &fakeBreakers{}, metrics.NoopRecorder{}, zap.NewNop(), nil)

	require.NoError(t, r.RunCycle(context.Background()))

	assert.Len(t, proc.got, 1)
	assert.True(t, item.Reprocessed)
}

func TestRunCycleSkipsChannelsWithOpenBreaker(t *testing.T) {
	emailItem := &model.DLQItem{ID: "d1", Channel: model.ChannelEmail, Payload: itemPayload(t, "a1", "100", "SOS"), CreatedAt: time.Now()}
	smsItem := &model.DLQItem{ID: "d2", Channel: model.ChannelSMS, Payload: itemPayload(t, "a2", "200", "SOS"), CreatedAt: time.Now()}
	store := newFakeStore(emailItem, smsItem)
	proc := &fakeProcessor{}
	breakers := &fakeBreakers{states: map[string]circuitbreaker.State{"email": circuitbreaker.StateOpen}}
	r := New(config.DLQConfig{BatchSize: 10, AutoReprocessInterval: time.Hour, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}, store, proc, breakers, metrics.NoopRecorder{}, zap.NewNop(), nil)

	require.NoError(t, r.RunCycle(context.Background()))

	assert.Len(t, proc.got, 1)
	assert.Equal(t, "a2", proc.got[0].ID)
	assert.False(t, emailItem.Reprocessed)
	assert.True(t, smsItem.Reprocessed)
}

func TestRunCycleSkipsAllWhenEveryBreakerOpen(t *testing.T) {
	item := &model.DLQItem{ID: "d1", Channel: model.ChannelEmail, Payload: itemPayload(t, "a1", "100", "SOS")}
	store := newFakeStore(item)
	proc := &fakeProcessor{}
	breakers := &fakeBreakers{states: map[string]circuitbreaker.State{"email": circuitbreaker.StateOpen, "sms": circuitbreaker.StateOpen, "voice": circuitbreaker.StateOpen}}
	r := New(config.DLQConfig{BatchSize: 10}, store, proc, breakers, metrics.NoopRecorder{}, zap.NewNop(), nil)

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Empty(t, proc.got)
}

func TestRunCycleLeavesProcessorFailuresUnmarked(t *testing.T) {
	item := &model.DLQItem{ID: "d1", Channel: model.ChannelEmail, Payload: itemPayload(t, "a1", "100", "SOS")}
	store := newFakeStore(item)
	proc := &fakeProcessor{err: errors.New("still down")}
	r := New(config.DLQConfig{BatchSize: 10, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}, store, proc, &fakeBreakers{}, metrics.NoopRecorder{}, zap.NewNop(), nil)

	require.NoError(t, r.RunCycle(context.Background()))
	assert.False(t, item.Reprocessed)
}

func TestForceReprocessSkipsBackoffAndReprocessedCheck(t *testing.T) {
	item := &model.DLQItem{ID: "d1", Channel: model.ChannelEmail, Reprocessed: true, Payload: itemPayload(t, "a1", "100", "SOS")}
	store := newFakeStore(item)
	proc := &fakeProcessor{}
	r := New(config.DLQConfig{}, store, proc, &fakeBreakers{}, metrics.NoopRecorder{}, zap.NewNop(), nil)

	require.NoError(t, r.ForceReprocess(context.Background(), "d1"))
	assert.Len(t, proc.got, 1)
}

func TestEvaluateAlertIsEdgeTriggered(t *testing.T) {
	store := newFakeStore()
	r := New(config.DLQConfig{AlertThreshold: 5}, store, &fakeProcessor{}, &fakeBreakers{}, metrics.NoopRecorder{}, zap.NewNop(), nil)

	r.evaluateAlert(context.Background(), &Summary{Total: 10})
	assert.True(t, r.alerted)
	r.evaluateAlert(context.Background(), &Summary{Total: 12})
	assert.True(t, r.alerted, "already-alerted state stays true while still over threshold")
	r.evaluateAlert(context.Background(), &Summary{Total: 2})
	assert.False(t, r.alerted)
}

func TestRejectsPayloadMissingRequiredFields(t *testing.T) {
	item := &model.DLQItem{ID: "d1", Payload: []byte(`{"imei":"100"}`)}
	store := newFakeStore(item)
	proc := &fakeProcessor{}
	r := New(config.DLQConfig{}, store, proc, &fakeBreakers{}, metrics.NoopRecorder{}, zap.NewNop(), nil)

	require.NoError(t, r.ForceReprocess(context.Background(), "d1"))
	assert.Empty(t, proc.got)
	assert.False(t, item.Reprocessed)
}
