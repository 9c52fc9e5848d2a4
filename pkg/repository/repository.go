// Package repository is the C1 Alarm Repository: the Postgres-backed
// persistence boundary every other component is built against an interface
// of (DedupStore, ContactStore, AuditStore, AlarmStore, DLQWriter,
// modempool.Store, systemstate.Store, worker.Store, dlq.Store). Grounded on
// the teacher's go.mod driver choices (no surviving non-test
// internal/database file) and on kedacore-keda's pgx/v5/stdlib + sql.Open
// wiring idiom (pkg/scalers/postgresql_scaler.go), generalized to sqlx for
// struct-scanning convenience the way jmoiron/sqlx is meant to be used.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/megatechtrackers/alarmnotifier/pkg/dlq"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

func init() {
	// Make sure Rebind produces $1, $2, ... regardless of whether this sqlx
	// version's built-in driver table already recognizes "pgx".
	sqlx.BindDriver("pgx", sqlx.DOLLAR)
}

// Connect opens and pings a Postgres connection pool through pgx's
// database/sql driver, wrapped in sqlx for struct scanning.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Repository implements every store interface the engine's components
// consult except dlq.Store (see DLQRepository), backed by one *sqlx.DB
// connection pool.
type Repository struct {
	db *sqlx.DB
}

// New wraps an already-connected *sqlx.DB.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// --- processor.DedupStore ---------------------------------------------

func (r *Repository) Get(ctx context.Context, imei, alarmType string) (*model.DedupRecord, error) {
	var rec model.DedupRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT imei, alarm_type, first_occurrence, last_occurrence, occurrence_count, notification_sent
		FROM dedup_records WHERE imei = $1 AND alarm_type = $2`, imei, alarmType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load dedup record: %w", err)
	}
	return &rec, nil
}

func (r *Repository) Upsert(ctx context.Context, rec *model.DedupRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dedup_records (imei, alarm_type, first_occurrence, last_occurrence, occurrence_count, notification_sent)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (imei, alarm_type) DO UPDATE SET
			last_occurrence = EXCLUDED.last_occurrence,
			occurrence_count = EXCLUDED.occurrence_count,
			notification_sent = EXCLUDED.notification_sent`,
		rec.IMEI, rec.AlarmType, rec.FirstOccurrence, rec.LastOccurrence, rec.OccurrenceCount, rec.NotificationSent)
	if err != nil {
		return fmt.Errorf("upsert dedup record: %w", err)
	}
	return nil
}

// --- processor.ContactStore ---------------------------------------------

func (r *Repository) ActiveContacts(ctx context.Context, imei string) ([]*model.Contact, error) {
	var contacts []*model.Contact
	err := r.db.SelectContext(ctx, &contacts, `
		SELECT id, imei, name, email, phone, type, priority, active,
		       quiet_hours_from, quiet_hours_to, timezone, bounce_count, last_bounce_at
		FROM contacts WHERE imei = $1 AND active ORDER BY priority DESC`, imei)
	if err != nil {
		return nil, fmt.Errorf("load active contacts: %w", err)
	}
	return contacts, nil
}

// --- processor.AuditStore ------------------------------------------------

func (r *Repository) HasSuccessfulAttempt(ctx context.Context, alarmID string, channel model.Channel) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM notification_attempts WHERE alarm_id = $1 AND channel = $2 AND status = 'success')`,
		alarmID, string(channel))
	if err != nil {
		return false, fmt.Errorf("check successful attempt: %w", err)
	}
	return exists, nil
}

func (r *Repository) RecordAttempt(ctx context.Context, a *model.NotificationAttempt) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_attempts
			(id, alarm_id, imei, gps_time, channel, recipient, status, error,
			 provider_message_id, provider, modem_id, modem_name, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING`,
		a.ID, a.AlarmID, a.IMEI, a.GPSTime, string(a.Channel), a.Recipient, string(a.Status), a.Error,
		a.ProviderMessageID, a.Provider, a.ModemID, a.ModemName, a.SentAt)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// --- processor.AlarmStore -------------------------------------------------

func (r *Repository) MarkChannelSent(ctx context.Context, alarmID string, channel model.Channel) error {
	column, err := sentColumn(channel)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`UPDATE alarms SET %s = true WHERE id = $1`, column), alarmID)
	if err != nil {
		return fmt.Errorf("mark channel sent: %w", err)
	}
	return nil
}

func sentColumn(ch model.Channel) (string, error) {
	switch ch {
	case model.ChannelEmail:
		return "email_sent", nil
	case model.ChannelSMS:
		return "sms_sent", nil
	case model.ChannelVoice:
		return "voice_sent", nil
	default:
		return "", fmt.Errorf("unknown channel %q", ch)
	}
}

// --- processor.DLQWriter / dlq.Store ---------------------------------------

func (r *Repository) Enqueue(ctx context.Context, item *model.DLQItem) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dlq_items (id, alarm_id, imei, channel, payload, error_message, error_type, attempts, last_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		item.ID, item.AlarmID, item.IMEI, string(item.Channel), item.Payload,
		item.ErrorMessage, item.ErrorType, item.Attempts, item.LastAttemptAt, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue dlq item: %w", err)
	}
	return nil
}

// DLQRepository is a separate view over the same connection pool so its
// Get(itemID) can coexist with DedupStore's Get(imei, alarmType) above —
// Go method sets can't carry two same-named, differently-shaped Get
// methods on one receiver, so dlq.Store gets its own narrow adapter.
type DLQRepository struct {
	db *sqlx.DB
}

// NewDLQRepository builds the dlq.Store view of the shared connection pool.
func NewDLQRepository(db *sqlx.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

type dlqSummaryRow struct {
	Total       int             `db:"total"`
	ByChannel   json.RawMessage `db:"by_channel"`
	ByErrorType json.RawMessage `db:"by_error_type"`
	AvgAgeSecs  float64         `db:"avg_age_seconds"`
	MaxAttempts int             `db:"max_attempts"`
}

// dlqSummaryQuery aggregates the five figures spec.md §4.7 step 1 asks for
// in one round trip.
const dlqSummaryQuery = `
	SELECT
		COUNT(*) AS total,
		COALESCE((SELECT json_object_agg(channel, c) FROM (SELECT channel, COUNT(*) c FROM dlq_items WHERE NOT reprocessed GROUP BY channel) x), '{}') AS by_channel,
		COALESCE((SELECT json_object_agg(error_type, c) FROM (SELECT error_type, COUNT(*) c FROM dlq_items WHERE NOT reprocessed GROUP BY error_type) x), '{}') AS by_error_type,
		COALESCE(AVG(EXTRACT(EPOCH FROM (now() - created_at))), 0) AS avg_age_seconds,
		COALESCE(MAX(attempts), 0) AS max_attempts
	FROM dlq_items WHERE NOT reprocessed`

func (r *DLQRepository) Summary(ctx context.Context) (*dlq.Summary, error) {
	var row dlqSummaryRow
	if err := r.db.GetContext(ctx, &row, dlqSummaryQuery); err != nil {
		return nil, fmt.Errorf("load dlq summary: %w", err)
	}

	byChannel := map[model.Channel]int{}
	var rawChannel map[string]int
	if err := json.Unmarshal(row.ByChannel, &rawChannel); err == nil {
		for k, v := range rawChannel {
			byChannel[model.Channel(k)] = v
		}
	}
	byErrorType := map[string]int{}
	_ = json.Unmarshal(row.ByErrorType, &byErrorType)

	return &dlq.Summary{
		Total:       row.Total,
		ByChannel:   byChannel,
		ByErrorType: byErrorType,
		AverageAge:  time.Duration(row.AvgAgeSecs * float64(time.Second)),
		MaxAttempts: row.MaxAttempts,
	}, nil
}

func (r *DLQRepository) ListPending(ctx context.Context, filter dlq.Filter, limit int) ([]*model.DLQItem, error) {
	query := `SELECT id, alarm_id, imei, channel, payload, error_message, error_type, attempts,
	                 last_attempt_at, created_at, reprocessed, reprocessed_at
	          FROM dlq_items WHERE NOT reprocessed`
	args := []any{}
	if filter.Channel != "" {
		args = append(args, string(filter.Channel))
		query += fmt.Sprintf(" AND channel = $%d", len(args))
	}
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		query += fmt.Sprintf(" AND error_type = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY attempts ASC, created_at ASC LIMIT $%d", len(args))

	var items []*model.DLQItem
	if err := r.db.SelectContext(ctx, &items, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list pending dlq items: %w", err)
	}
	return items, nil
}

func (r *DLQRepository) Get(ctx context.Context, itemID string) (*model.DLQItem, error) {
	var item model.DLQItem
	err := r.db.GetContext(ctx, &item, `
		SELECT id, alarm_id, imei, channel, payload, error_message, error_type, attempts,
		       last_attempt_at, created_at, reprocessed, reprocessed_at
		FROM dlq_items WHERE id = $1`, itemID)
	if err != nil {
		return nil, fmt.Errorf("load dlq item: %w", err)
	}
	return &item, nil
}

func (r *DLQRepository) MarkReprocessed(ctx context.Context, itemID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE dlq_items SET reprocessed = true, reprocessed_at = now() WHERE id = $1`, itemID)
	if err != nil {
		return fmt.Errorf("mark dlq item reprocessed: %w", err)
	}
	return nil
}

// --- modempool.Store -------------------------------------------------------

func (r *Repository) ListEnabledModems(ctx context.Context) ([]*model.Modem, error) {
	var modems []*model.Modem
	err := r.db.SelectContext(ctx, &modems, `
		SELECT id, name, endpoint, credentials, modem_hw_id, enabled, priority, max_concurrent,
		       health, last_health_check, sms_sent_count, sms_limit, package_cost, package_currency,
		       package_end_date, allowed_services
		FROM modems WHERE enabled ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled modems: %w", err)
	}
	return modems, nil
}

func (r *Repository) GetModemForIMEI(ctx context.Context, imei string) (*model.Modem, error) {
	var modem model.Modem
	err := r.db.GetContext(ctx, &modem, `
		SELECT m.id, m.name, m.endpoint, m.credentials, m.modem_hw_id, m.enabled, m.priority, m.max_concurrent,
		       m.health, m.last_health_check, m.sms_sent_count, m.sms_limit, m.package_cost, m.package_currency,
		       m.package_end_date, m.allowed_services
		FROM modems m
		JOIN device_modem_bindings b ON b.modem_id = m.id
		WHERE b.imei = $1`, imei)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device-bound modem: %w", err)
	}
	return &modem, nil
}

func (r *Repository) IncrementSMSSentCount(ctx context.Context, modemID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		UPDATE modems SET sms_sent_count = sms_sent_count + 1 WHERE id = $1 RETURNING sms_sent_count`, modemID)
	if err != nil {
		return 0, fmt.Errorf("increment modem sms count: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO modem_daily_usage (modem_id, day, sent) VALUES ($1, CURRENT_DATE, 1)
		ON CONFLICT (modem_id, day) DO UPDATE SET sent = modem_daily_usage.sent + 1`, modemID)
	if err != nil {
		return count, fmt.Errorf("record modem daily usage: %w", err)
	}
	return count, nil
}

func (r *Repository) SetModemHealth(ctx context.Context, modemID string, health model.ModemHealth) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE modems SET health = $2, last_health_check = now() WHERE id = $1`, modemID, string(health))
	if err != nil {
		return fmt.Errorf("set modem health: %w", err)
	}
	return nil
}

func (r *Repository) ResetModemPackage(ctx context.Context, modemID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE modems SET sms_sent_count = 0, health = 'healthy' WHERE id = $1`, modemID)
	if err != nil {
		return fmt.Errorf("reset modem package: %w", err)
	}
	return nil
}

// --- systemstate.Store ------------------------------------------------

func (r *Repository) GetSystemState(ctx context.Context) (*model.SystemState, error) {
	var state model.SystemState
	err := r.db.GetContext(ctx, &state, `
		SELECT state, use_mock_sms, use_mock_email, paused_at, paused_by, reason FROM system_state WHERE id`)
	if err != nil {
		return nil, fmt.Errorf("load system state: %w", err)
	}
	return &state, nil
}

func (r *Repository) SetSystemState(ctx context.Context, state *model.SystemState) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE system_state SET state = $1, use_mock_sms = $2, use_mock_email = $3,
		       paused_at = $4, paused_by = $5, reason = $6 WHERE id`,
		string(state.State), state.UseMockSMS, state.UseMockEmail, state.PausedAt, state.PausedBy, state.Reason)
	if err != nil {
		return fmt.Errorf("set system state: %w", err)
	}
	return nil
}

// --- worker.Store -------------------------------------------------------

func (r *Repository) UpsertWorker(ctx context.Context, w *model.Worker) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workers (id, hostname, pid, started_at, last_heartbeat, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			started_at = EXCLUDED.started_at, last_heartbeat = EXCLUDED.last_heartbeat, status = EXCLUDED.status`,
		w.ID, w.Hostname, w.PID, w.StartedAt, w.LastHeartbeat, string(w.Status))
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

func (r *Repository) Heartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE workers SET last_heartbeat = $2 WHERE id = $1`, id, at)
	if err != nil {
		return false, fmt.Errorf("worker heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("worker heartbeat rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *Repository) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	var workers []*model.Worker
	err := r.db.SelectContext(ctx, &workers, `SELECT id, hostname, pid, started_at, last_heartbeat, status FROM workers`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

func (r *Repository) UpdateWorkerStatus(ctx context.Context, id string, status model.WorkerStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE workers SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	return nil
}

func (r *Repository) DeleteWorker(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

// --- maintenance -----------------------------------------------------------

// PurgeOldAuditRows removes notification_attempts older than retention, the
// first of the two cleanup operations spec.md §6's database interface names.
func (r *Repository) PurgeOldAuditRows(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notification_attempts WHERE sent_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge old audit rows: %w", err)
	}
	return res.RowsAffected()
}

// PurgeReprocessedDLQItems removes reprocessed DLQ rows older than retention.
func (r *Repository) PurgeReprocessedDLQItems(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM dlq_items WHERE reprocessed AND reprocessed_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge reprocessed dlq items: %w", err)
	}
	return res.RowsAffected()
}

// FeatureFlag reads one recognized flag, defaulting to false per spec.md §6.
func (r *Repository) FeatureFlag(ctx context.Context, name string) (bool, error) {
	var enabled bool
	err := r.db.GetContext(ctx, &enabled, `SELECT enabled FROM feature_flags WHERE name = $1`, name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read feature flag %s: %w", name, err)
	}
	return enabled, nil
}
