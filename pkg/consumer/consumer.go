// Package consumer implements the C8 Message Consumer of spec.md §4.6: a
// worker pool reading alarm payloads off a durable AMQP topic queue,
// consulting the C6 system-state gate, invoking C7's processAlarm, and
// managing ack/nack/republish and broker reconnection. Grounded on the
// worker-pool and manual ack/nack idiom of
// other_examples/0c457809_ilindan-dev-delayed-notifier's internal/consumer,
// generalized to the dual payload format and priority/TTL/DLX topology of
// spec.md §6.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/megatechtrackers/alarmnotifier/internal/config"
	"github.com/megatechtrackers/alarmnotifier/pkg/metrics"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
	"github.com/megatechtrackers/alarmnotifier/pkg/systemstate"
)

// maxConsumerRetries bounds republish-with-incremented-header attempts
// before the broker DLXes the message, per spec.md §4.6 step 5.
const maxConsumerRetries = 3

// pausedLogInterval is the minimum gap between "consumer paused" log lines,
// per spec.md §4.6 step 2.
const pausedLogInterval = 30 * time.Second

// defaultPausedSleep avoids a tight requeue loop while the system is paused.
const defaultPausedSleep = 5 * time.Second

// retryHeader carries the republish attempt count, per spec.md §4.6 step 5.
const retryHeader = "x-retry-count"

// Dialer opens a fresh broker connection, abstracting amqp.Dial so tests can
// substitute an in-memory double.
type Dialer func(url string) (*amqp.Connection, error)

// Processor is the C7 boundary the consumer hands parsed alarms to.
type Processor interface {
	ProcessAlarm(ctx context.Context, alarm *model.Alarm) error
}

// publisher is the republish boundary, satisfied by *amqp.Channel; narrowed
// so the retry-republish path can be exercised against a fake in tests.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// payload is the wire shape of spec.md §6's AMQP message, tolerant of both
// the nested `channels` map and the flat `is_*` booleans.
type payload struct {
	AlarmID     string  `json:"alarmId"`
	ID          string  `json:"id"`
	IMEI        string  `json:"imei"`
	Status      string  `json:"status"`
	Category    string  `json:"category"`
	State       map[string]any `json:"state"`
	Priority    *int    `json:"priority"`
	ReferenceID string  `json:"reference_id"`
	Distance    float64 `json:"distance"`

	Channels *struct {
		Email bool `json:"email"`
		SMS   bool `json:"sms"`
		Voice bool `json:"voice"`
	} `json:"channels"`
	IsEmail *bool `json:"is_email"`
	IsSMS   *bool `json:"is_sms"`
	IsCall  *bool `json:"is_call"`

	ServerTime string  `json:"server_time"`
	GPSTime    string  `json:"gps_time"`
	CreatedAt  string  `json:"created_at"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Angle      float64 `json:"angle"`
	Satellites int     `json:"satellites"`
	Speed      float64 `json:"speed"`
}

// toAlarm translates the wire payload into the internal Alarm, resolving the
// two channel-selection formats and defaulting priority to 5.
func (p *payload) toAlarm() (*model.Alarm, error) {
	id := p.AlarmID
	if id == "" {
		id = p.ID
	}
	if id == "" || p.IMEI == "" || p.Status == "" {
		return nil, fmt.Errorf("alarm payload missing required field(s): id=%q imei=%q status=%q", id, p.IMEI, p.Status)
	}

	priority := 5
	if p.Priority != nil {
		priority = *p.Priority
	}

	alarm := &model.Alarm{
		ID:          id,
		IMEI:        p.IMEI,
		Status:      p.Status,
		Category:    p.Category,
		State:       p.State,
		Priority:    priority,
		ReferenceID: p.ReferenceID,
		Distance:    p.Distance,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		Altitude:    p.Altitude,
		Angle:       p.Angle,
		Satellites:  p.Satellites,
		Speed:       p.Speed,
		IsValid:     true,
	}

	if p.Channels != nil {
		alarm.EmailEnabled = p.Channels.Email
		alarm.SMSEnabled = p.Channels.SMS
		alarm.VoiceEnabled = p.Channels.Voice
	} else {
		alarm.EmailEnabled = boolOr(p.IsEmail, false)
		alarm.SMSEnabled = boolOr(p.IsSMS, false)
		alarm.VoiceEnabled = boolOr(p.IsCall, false)
	}

	alarm.GPSTime = parseTime(p.GPSTime)
	alarm.ServerTime = parseTime(p.ServerTime)
	alarm.CreatedAt = parseTime(p.CreatedAt)

	return alarm, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Consumer runs a pool of worker goroutines, each with its own AMQP channel,
// consuming from the configured priority queue.
type Consumer struct {
	cfg         config.AMQPConfig
	dialer      Dialer
	processor   Processor
	gate        *systemstate.Gate
	recorder    metrics.Recorder
	logger      *zap.Logger
	pausedSleep time.Duration

	mu   sync.Mutex
	conn *amqp.Connection
}

// New constructs a Consumer. dialer defaults to amqp.Dial when nil.
func New(cfg config.AMQPConfig, dialer Dialer, processor Processor, gate *systemstate.Gate, recorder metrics.Recorder, logger *zap.Logger) *Consumer {
	if dialer == nil {
		dialer = amqp.Dial
	}
	return &Consumer{cfg: cfg, dialer: dialer, processor: processor, gate: gate, recorder: recorder, logger: logger, pausedSleep: defaultPausedSleep}
}

// Run connects, declares topology, launches the worker pool, and blocks
// until ctx is cancelled, reconnecting with backoff across broker outages.
func (c *Consumer) Run(ctx context.Context) error {
	backoff, err := retry.NewExponential(c.cfg.ReconnectDelay)
	if err != nil {
		backoff, _ = retry.NewExponential(time.Second)
	}
	backoff = retry.WithCappedDuration(60*time.Second, backoff)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.dialer(c.cfg.URL)
		if err != nil {
			attempts++
			if attempts >= c.cfg.MaxReconnectAttempts {
				c.logger.Warn("amqp reconnect attempts exhausted, cooling down", zap.Int("attempts", attempts))
				time.Sleep(60 * time.Second)
				attempts = 0
				continue
			}
			delay, _ := backoff.Next()
			c.logger.Warn("amqp dial failed, backing off", zap.Error(err), zap.Duration("delay", delay))
			time.Sleep(delay)
			continue
		}
		attempts = 0
		backoff, _ = retry.NewExponential(c.cfg.ReconnectDelay)
		backoff = retry.WithCappedDuration(60*time.Second, backoff)

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if err := c.declareTopology(conn); err != nil {
			c.logger.Error("amqp topology declare failed", zap.Error(err))
			conn.Close()
			continue
		}

		closed := make(chan *amqp.Error, 1)
		conn.NotifyClose(closed)

		runCtx, cancel := context.WithCancel(ctx)
		go c.monitorQueueDepth(runCtx, conn)

		var wg sync.WaitGroup
		workers := c.cfg.Prefetch
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				c.runWorker(runCtx, conn, id)
			}(i + 1)
		}

		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			conn.Close()
			return ctx.Err()
		case amqpErr := <-closed:
			cancel()
			wg.Wait()
			if amqpErr != nil {
				c.logger.Warn("amqp connection lost, reconnecting", zap.Error(amqpErr))
			}
		}
	}
}

func (c *Consumer) declareTopology(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open declare channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("main exchange declare: %w", err)
	}
	if c.cfg.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(c.cfg.DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("dlx exchange declare: %w", err)
		}
	}

	mainArgs := amqp.Table{
		"x-max-priority": int32(10),
		"x-message-ttl":  int64(86_400_000),
		"x-max-length":   int32(50_000),
		"x-queue-mode":   "lazy",
	}
	if c.cfg.DeadLetterExchange != "" {
		mainArgs["x-dead-letter-exchange"] = c.cfg.DeadLetterExchange
		if c.cfg.DeadLetterRoutingKey != "" {
			mainArgs["x-dead-letter-routing-key"] = c.cfg.DeadLetterRoutingKey
		}
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("main queue declare: %w", err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("main queue bind: %w", err)
	}

	if c.cfg.DeadLetterExchange != "" {
		dlqName := c.cfg.Queue + ".dlq"
		dlqArgs := amqp.Table{
			"x-message-ttl": int64(604_800_000),
			"x-max-length":  int32(10_000),
		}
		if _, err := ch.QueueDeclare(dlqName, true, false, false, false, dlqArgs); err != nil {
			return fmt.Errorf("dlq queue declare: %w", err)
		}
		routingKey := c.cfg.DeadLetterRoutingKey
		if routingKey == "" {
			routingKey = c.cfg.RoutingKey
		}
		if err := ch.QueueBind(dlqName, routingKey, c.cfg.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("dlq queue bind: %w", err)
		}
	}

	return nil
}

func (c *Consumer) runWorker(ctx context.Context, conn *amqp.Connection, id int) {
	logger := c.logger.With(zap.Int("worker_id", id))

	ch, err := conn.Channel()
	if err != nil {
		logger.Error("failed to open worker channel", zap.Error(err))
		return
	}
	defer ch.Close()

	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		logger.Error("failed to set qos", zap.Error(err))
		return
	}

	msgs, err := ch.Consume(c.cfg.Queue, fmt.Sprintf("worker-%d", id), false, false, false, false, nil)
	if err != nil {
		logger.Error("failed to register consumer", zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handleMessage(ctx, ch, msg, logger)
		}
	}
}

// handleMessage implements spec.md §4.6's per-message steps 1-5.
func (c *Consumer) handleMessage(ctx context.Context, ch publisher, msg amqp.Delivery, logger *zap.Logger) {
	var p payload
	if err := json.Unmarshal(msg.Body, &p); err != nil {
		logger.Error("failed to unmarshal alarm payload, rejecting", zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	alarm, err := p.toAlarm()
	if err != nil {
		logger.Error("malformed alarm payload, rejecting", zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	log := logger.With(zap.String("alarm_id", alarm.ID), zap.String("imei", alarm.IMEI))

	if c.gate.Paused(ctx) {
		if c.gate.ShouldLogPaused(alarm.ID, pausedLogInterval) {
			log.Info("system paused, requeuing", zap.Int("paused_messages", c.gate.PausedMessageCount()))
		}
		c.recorder.RecordConsumerPaused(c.gate.PausedMessageCount())
		_ = msg.Nack(false, true)
		time.Sleep(c.pausedSleep)
		return
	}

	if err := c.processor.ProcessAlarm(ctx, alarm); err != nil {
		c.handleProcessError(ch, msg, alarm, err, log)
		return
	}

	_ = msg.Ack(false)
}

func (c *Consumer) handleProcessError(ch publisher, msg amqp.Delivery, alarm *model.Alarm, procErr error, log *zap.Logger) {
	retries := retryCount(msg.Headers)
	if retries >= maxConsumerRetries {
		log.Error("max consumer retries reached, routing to DLX", zap.Error(procErr), zap.Int("retries", retries))
		_ = msg.Nack(false, false)
		return
	}

	attempt := retries + 1
	log.Warn("alarm processing failed, republishing", zap.Error(procErr), zap.Int("attempt", attempt))
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(attempt)

	err := ch.Publish(msg.Exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		Headers:      headers,
		Priority:     msg.Priority,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		log.Error("failed to republish alarm, requeuing original", zap.Error(err))
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// monitorQueueDepth samples queue depth at QueueMonitorInterval, recording a
// backpressure signal when it crosses BackpressureThreshold, per spec.md
// §4.6's "Queue depth is sampled periodically".
func (c *Consumer) monitorQueueDepth(ctx context.Context, conn *amqp.Connection) {
	interval := c.cfg.QueueMonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ch, err := conn.Channel()
	if err != nil {
		c.logger.Warn("queue monitor failed to open channel", zap.Error(err))
		return
	}
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q, err := ch.QueueInspect(c.cfg.Queue)
			if err != nil {
				c.logger.Warn("queue inspect failed", zap.Error(err))
				continue
			}
			c.recorder.RecordQueueDepth(q.Messages)
			if c.cfg.BackpressureThreshold > 0 && q.Messages > c.cfg.BackpressureThreshold {
				c.recorder.RecordBackpressure()
			}
		}
	}
}
