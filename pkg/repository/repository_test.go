package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megatechtrackers/alarmnotifier/pkg/dlq"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestGetDedupRecordReturnsNilOnNoRows(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	mock.ExpectQuery("SELECT imei, alarm_type").
		WithArgs("100", "sos").
		WillReturnRows(sqlmock.NewRows(nil))

	rec, err := repo.Get(context.Background(), "100", "sos")
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDedupRecordSendsAllColumns(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	rec := &model.DedupRecord{IMEI: "100", AlarmType: "sos", OccurrenceCount: 2}
	mock.ExpectExec("INSERT INTO dedup_records").
		WithArgs(rec.IMEI, rec.AlarmType, rec.FirstOccurrence, rec.LastOccurrence, rec.OccurrenceCount, rec.NotificationSent).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasSuccessfulAttempt(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("alarm-1", "sms").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.HasSuccessfulAttempt(context.Background(), "alarm-1", model.ChannelSMS)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkChannelSentRejectsUnknownChannel(t *testing.T) {
	db, _ := newMock(t)
	repo := New(db)

	err := repo.MarkChannelSent(context.Background(), "alarm-1", model.Channel("pager"))
	require.Error(t, err)
}

func TestMarkChannelSentUpdatesCorrectColumn(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	mock.ExpectExec("UPDATE alarms SET sms_sent = true").
		WithArgs("alarm-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkChannelSent(context.Background(), "alarm-1", model.ChannelSMS))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementSMSSentCountRecordsDailyUsage(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	mock.ExpectQuery("UPDATE modems SET sms_sent_count").
		WithArgs("modem-1").
		WillReturnRows(sqlmock.NewRows([]string{"sms_sent_count"}).AddRow(7))
	mock.ExpectExec("INSERT INTO modem_daily_usage").
		WithArgs("modem-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	count, err := repo.IncrementSMSSentCount(context.Background(), "modem-1")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQRepositorySummaryParsesAggregates(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDLQRepository(db)

	rows := sqlmock.NewRows([]string{"total", "by_channel", "by_error_type", "avg_age_seconds", "max_attempts"}).
		AddRow(3, []byte(`{"sms":2,"email":1}`), []byte(`{"timeout":3}`), 120.5, 4)
	mock.ExpectQuery("SELECT(.|\n)*FROM dlq_items WHERE NOT reprocessed").WillReturnRows(rows)

	summary, err := repo.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.ByChannel[model.ChannelSMS])
	assert.Equal(t, 3, summary.ByErrorType["timeout"])
	assert.Equal(t, 4, summary.MaxAttempts)
	assert.Equal(t, 120*time.Second+500*time.Millisecond, summary.AverageAge)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQRepositoryListPendingFiltersByChannel(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDLQRepository(db)

	cols := []string{"id", "alarm_id", "imei", "channel", "payload", "error_message", "error_type",
		"attempts", "last_attempt_at", "created_at", "reprocessed", "reprocessed_at"}
	rows := sqlmock.NewRows(cols).AddRow("item-1", "alarm-1", "100", "sms", []byte("{}"), "", "timeout", 1, time.Now(), time.Now(), false, nil)
	mock.ExpectQuery("SELECT(.|\n)*FROM dlq_items WHERE NOT reprocessed AND channel").
		WithArgs("sms", 10).
		WillReturnRows(rows)

	items, err := repo.ListPending(context.Background(), dlq.Filter{Channel: model.ChannelSMS}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "item-1", items[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQRepositoryMarkReprocessed(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDLQRepository(db)

	mock.ExpectExec("UPDATE dlq_items SET reprocessed").
		WithArgs("item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkReprocessed(context.Background(), "item-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatReportsNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	mock.ExpectExec("UPDATE workers SET last_heartbeat").
		WithArgs("host-a-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	found, err := repo.Heartbeat(context.Background(), "host-a-1", time.Now())
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}
