// Package metrics implements the Prometheus-backed recorder the rest of the
// pipeline reports through, grounded on the teacher's
// notificationmetrics.NewPrometheusRecorder() construction pattern.
package metrics

import (
	"github.com/megatechtrackers/alarmnotifier/pkg/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the metrics surface every component depends on. It is an
// interface so tests can substitute a no-op implementation.
type Recorder interface {
	RecordSend(channel, status string)
	RecordRetry(channel string)
	UpdateCircuitBreakerState(channel string, state circuitbreaker.State)
	RecordDedupHit()
	RecordModemQuota(modemID string, used, limit int)
	RecordDLQSize(size int)
	RecordConsumerPaused(count int)
	RecordQueueDepth(depth int)
	RecordBackpressure()
}

type stateValue float64

const (
	stateClosedValue   stateValue = 0
	stateHalfOpenValue stateValue = 1
	stateOpenValue     stateValue = 2
)

// PrometheusRecorder implements Recorder with a registered set of counters,
// gauges, and histograms.
type PrometheusRecorder struct {
	sendsTotal           *prometheus.CounterVec
	retriesTotal         *prometheus.CounterVec
	circuitBreakerState  *prometheus.GaugeVec
	dedupHitsTotal       prometheus.Counter
	modemQuotaUsed       *prometheus.GaugeVec
	dlqSize              prometheus.Gauge
	consumerPausedTotal  prometheus.Gauge
	queueDepth           prometheus.Gauge
	backpressureTotal    prometheus.Counter
}

// NewPrometheusRecorder registers every metric against reg (pass
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry()
// in tests to avoid collisions across suites).
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alarmnotifier",
			Name:      "sends_total",
			Help:      "Total notification send attempts by channel and outcome.",
		}, []string{"channel", "status"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alarmnotifier",
			Name:      "retries_total",
			Help:      "Total per-channel retry attempts.",
		}, []string{"channel"}),
		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alarmnotifier",
			Name:      "circuit_breaker_state",
			Help:      "0=CLOSED 1=HALF_OPEN 2=OPEN, per channel.",
		}, []string{"channel"}),
		dedupHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alarmnotifier",
			Name:      "dedup_hits_total",
			Help:      "Alarms collapsed by the deduplication gate.",
		}),
		modemQuotaUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alarmnotifier",
			Name:      "modem_quota_used_ratio",
			Help:      "sms_sent_count / sms_limit per modem.",
		}, []string{"modem_id"}),
		dlqSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alarmnotifier",
			Name:      "dlq_size",
			Help:      "Current unreprocessed DLQ item count.",
		}),
		consumerPausedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alarmnotifier",
			Name:      "consumer_paused_messages",
			Help:      "Distinct message ids seen while the system is paused.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alarmnotifier",
			Name:      "queue_depth",
			Help:      "Last sampled AMQP queue depth.",
		}),
		backpressureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alarmnotifier",
			Name:      "backpressure_events_total",
			Help:      "Times queue depth exceeded the backpressure threshold.",
		}),
	}

	reg.MustRegister(
		r.sendsTotal, r.retriesTotal, r.circuitBreakerState, r.dedupHitsTotal,
		r.modemQuotaUsed, r.dlqSize, r.consumerPausedTotal, r.queueDepth, r.backpressureTotal,
	)
	return r
}

func (r *PrometheusRecorder) RecordSend(channel, status string) {
	r.sendsTotal.WithLabelValues(channel, status).Inc()
}

func (r *PrometheusRecorder) RecordRetry(channel string) {
	r.retriesTotal.WithLabelValues(channel).Inc()
}

func (r *PrometheusRecorder) UpdateCircuitBreakerState(channel string, state circuitbreaker.State) {
	var v stateValue
	switch state {
	case circuitbreaker.StateOpen:
		v = stateOpenValue
	case circuitbreaker.StateHalfOpen:
		v = stateHalfOpenValue
	default:
		v = stateClosedValue
	}
	r.circuitBreakerState.WithLabelValues(channel).Set(float64(v))
}

func (r *PrometheusRecorder) RecordDedupHit() {
	r.dedupHitsTotal.Inc()
}

func (r *PrometheusRecorder) RecordModemQuota(modemID string, used, limit int) {
	if limit == 0 {
		r.modemQuotaUsed.WithLabelValues(modemID).Set(0)
		return
	}
	r.modemQuotaUsed.WithLabelValues(modemID).Set(float64(used) / float64(limit))
}

func (r *PrometheusRecorder) RecordDLQSize(size int) {
	r.dlqSize.Set(float64(size))
}

func (r *PrometheusRecorder) RecordConsumerPaused(count int) {
	r.consumerPausedTotal.Set(float64(count))
}

func (r *PrometheusRecorder) RecordQueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}

func (r *PrometheusRecorder) RecordBackpressure() {
	r.backpressureTotal.Inc()
}

// NoopRecorder discards every call; useful in unit tests that don't care
// about metrics output.
type NoopRecorder struct{}

func (NoopRecorder) RecordSend(string, string)                                       {}
func (NoopRecorder) RecordRetry(string)                                              {}
func (NoopRecorder) UpdateCircuitBreakerState(string, circuitbreaker.State)           {}
func (NoopRecorder) RecordDedupHit()                                                 {}
func (NoopRecorder) RecordModemQuota(string, int, int)                               {}
func (NoopRecorder) RecordDLQSize(int)                                               {}
func (NoopRecorder) RecordConsumerPaused(int)                                        {}
func (NoopRecorder) RecordQueueDepth(int)                                            {}
func (NoopRecorder) RecordBackpressure()                                             {}
