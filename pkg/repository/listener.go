package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// AlarmCreatedEvent mirrors the JSON payload notify_alarm_created() builds
// in db/migrations/00001_init.sql.
type AlarmCreatedEvent struct {
	AlarmID string `json:"alarm_id"`
	IMEI    string `json:"imei"`
	Status  string `json:"status"`
	IsSMS   bool   `json:"is_sms"`
	IsEmail bool   `json:"is_email"`
}

// AlarmCreatedListener subscribes to the alarm_created NOTIFY channel for
// external monitors (spec.md §6); the engine itself processes alarms off
// AMQP, not this channel, so a dropped notification is not data loss.
type AlarmCreatedListener struct {
	listener *pq.Listener
	logger   *zap.Logger
}

// NewAlarmCreatedListener opens a dedicated libpq connection for LISTEN,
// reconnecting with the min/max backoff pq.NewListener manages internally.
func NewAlarmCreatedListener(dsn string, logger *zap.Logger) *AlarmCreatedListener {
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("alarm_created listener event", zap.Error(err))
		}
	})
	return &AlarmCreatedListener{listener: l, logger: logger}
}

// Run listens until ctx is cancelled, invoking onEvent for each well-formed
// notification. Malformed payloads are logged and skipped.
func (l *AlarmCreatedListener) Run(ctx context.Context, onEvent func(AlarmCreatedEvent)) error {
	if err := l.listener.Listen("alarm_created"); err != nil {
		return err
	}
	defer l.listener.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-l.listener.Notify:
			if n == nil {
				continue // reconnect in progress
			}
			var ev AlarmCreatedEvent
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				l.logger.Warn("alarm_created payload decode failed", zap.Error(err))
				continue
			}
			onEvent(ev)
		case <-time.After(90 * time.Second):
			go l.listener.Ping()
		}
	}
}
