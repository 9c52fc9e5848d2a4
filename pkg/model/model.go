// Package model holds the persistent domain types shared across the
// alarm-processing pipeline: alarms, contacts, dedup records, audit
// rows, DLQ items, modems, system state, and worker registrations.
package model

import (
	"time"

	"github.com/lib/pq"
)

// ContactType enumerates the relationship a Contact has to an alarm's device.
type ContactType string

const (
	ContactTypePrimary   ContactType = "primary"
	ContactTypeSecondary ContactType = "secondary"
	ContactTypeEmergency ContactType = "emergency"
)

// Channel identifies one of the three notification transports.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// AllChannels lists the three notification transports in a stable order.
func AllChannels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelVoice}
}

// AttemptStatus is the terminal outcome recorded for a NotificationAttempt.
type AttemptStatus string

const (
	AttemptStatusSuccess AttemptStatus = "success"
	AttemptStatusFailed  AttemptStatus = "failed"
)

// ModemHealth tracks the operational status of an SMS modem.
type ModemHealth string

const (
	ModemHealthHealthy        ModemHealth = "healthy"
	ModemHealthDegraded       ModemHealth = "degraded"
	ModemHealthUnhealthy      ModemHealth = "unhealthy"
	ModemHealthUnknown        ModemHealth = "unknown"
	ModemHealthQuotaExhausted ModemHealth = "quota_exhausted"
)

// SystemRunState is the coarse pause/resume state of the whole engine.
type SystemRunState string

const (
	SystemStateRunning    SystemRunState = "running"
	SystemStatePaused     SystemRunState = "paused"
	SystemStateRestarting SystemRunState = "restarting"
)

// WorkerStatus reflects heartbeat liveness of a consumer instance.
type WorkerStatus string

const (
	WorkerStatusActive WorkerStatus = "active"
	WorkerStatusStale  WorkerStatus = "stale"
	WorkerStatusDead   WorkerStatus = "dead"
)

// ModemSelectionTier records which tier of §4.4 produced a selection.
type ModemSelectionTier string

const (
	ModemTierDevice   ModemSelectionTier = "device"
	ModemTierService  ModemSelectionTier = "service"
	ModemTierFallback ModemSelectionTier = "fallback"
	ModemTierMock     ModemSelectionTier = "mock"
)

// Alarm is a device-generated event requiring notification dispatch.
// (imei, gps_time) identifies the event upstream; ID identifies it here.
type Alarm struct {
	ID           string    `db:"id"`
	IMEI         string    `db:"imei"`
	GPSTime      time.Time `db:"gps_time"`
	ServerTime   time.Time `db:"server_time"`
	CreatedAt    time.Time `db:"created_at"`
	Latitude     float64   `db:"latitude"`
	Longitude    float64   `db:"longitude"`
	Altitude     float64   `db:"altitude"`
	Angle        float64   `db:"angle"`
	Satellites   int       `db:"satellites"`
	Speed        float64   `db:"speed"`
	Status       string    `db:"status"`
	Category     string    `db:"category"`
	Priority     int       `db:"priority"`
	EmailEnabled bool      `db:"email_enabled"`
	SMSEnabled   bool      `db:"sms_enabled"`
	VoiceEnabled bool      `db:"voice_enabled"`
	EmailSent    bool      `db:"email_sent"`
	SMSSent      bool      `db:"sms_sent"`
	VoiceSent    bool      `db:"voice_sent"`
	IsValid      bool      `db:"is_valid"`
	State        map[string]any `db:"state"`
	ReferenceID  string    `db:"reference_id"`
	Distance     float64   `db:"distance"`
}

// ChannelEnabled reports whether the alarm itself requests dispatch on ch.
func (a *Alarm) ChannelEnabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return a.EmailEnabled
	case ChannelSMS:
		return a.SMSEnabled
	case ChannelVoice:
		return a.VoiceEnabled
	default:
		return false
	}
}

// ChannelSent reports whether the channel-sent flag is already set.
func (a *Alarm) ChannelSent(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return a.EmailSent
	case ChannelSMS:
		return a.SMSSent
	case ChannelVoice:
		return a.VoiceSent
	default:
		return false
	}
}

// MarkSent flips a channel-sent flag. Flags only ever go false -> true.
func (a *Alarm) MarkSent(ch Channel) {
	switch ch {
	case ChannelEmail:
		a.EmailSent = true
	case ChannelSMS:
		a.SMSSent = true
	case ChannelVoice:
		a.VoiceSent = true
	}
}

// Contact is a per-IMEI notification recipient.
type Contact struct {
	ID             string      `db:"id"`
	IMEI           string      `db:"imei"`
	Name           string      `db:"name"`
	Email          string      `db:"email"`
	Phone          string      `db:"phone"`
	Type           ContactType `db:"type"`
	Priority       int         `db:"priority"`
	Active         bool        `db:"active"`
	QuietHoursFrom string      `db:"quiet_hours_from"` // "HH:MM", empty if unset
	QuietHoursTo   string      `db:"quiet_hours_to"`
	Timezone       string      `db:"timezone"` // IANA name, e.g. "Europe/Madrid"
	BounceCount    int         `db:"bounce_count"`
	LastBounceAt   *time.Time  `db:"last_bounce_at"`
}

// HasChannel reports whether the contact carries a usable address for ch.
func (c *Contact) HasChannel(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return c.Email != ""
	case ChannelSMS, ChannelVoice:
		return c.Phone != ""
	default:
		return false
	}
}

// DedupRecord collapses repeated (imei, alarm_type) events within a window.
type DedupRecord struct {
	IMEI             string    `db:"imei"`
	AlarmType        string    `db:"alarm_type"`
	FirstOccurrence  time.Time `db:"first_occurrence"`
	LastOccurrence   time.Time `db:"last_occurrence"`
	OccurrenceCount  int       `db:"occurrence_count"`
	NotificationSent bool      `db:"notification_sent"`
}

// NotificationAttempt is the audit row for one channel send to one recipient.
type NotificationAttempt struct {
	ID                string        `db:"id"`
	AlarmID           string        `db:"alarm_id"`
	IMEI              string        `db:"imei"`
	GPSTime           time.Time     `db:"gps_time"`
	Channel           Channel       `db:"channel"`
	Recipient         string        `db:"recipient"`
	Status            AttemptStatus `db:"status"`
	Error             string        `db:"error"`
	ProviderMessageID string        `db:"provider_message_id"`
	Provider          string        `db:"provider"`
	ModemID           string        `db:"modem_id"`
	ModemName         string        `db:"modem_name"`
	SentAt            time.Time     `db:"sent_at"`
}

// DLQItem is a terminally-failed alarm queued for later replay.
type DLQItem struct {
	ID            string     `db:"id"`
	AlarmID       string     `db:"alarm_id"`
	IMEI          string     `db:"imei"`
	Channel       Channel    `db:"channel"`
	Payload       []byte     `db:"payload"` // serialized Alarm
	ErrorMessage  string     `db:"error_message"`
	ErrorType     string     `db:"error_type"`
	Attempts      int        `db:"attempts"`
	LastAttemptAt time.Time  `db:"last_attempt_at"`
	CreatedAt     time.Time  `db:"created_at"`
	Reprocessed   bool       `db:"reprocessed"`
	ReprocessedAt *time.Time `db:"reprocessed_at"`
}

// Modem is a physical or mock SMS transport with quota and health tracking.
type Modem struct {
	ID              string        `db:"id"`
	Name            string        `db:"name"`
	Endpoint        string        `db:"endpoint"`
	Credentials     string        `db:"credentials"`
	ModemHWID       string        `db:"modem_hw_id"`
	Enabled         bool          `db:"enabled"`
	Priority        int           `db:"priority"`
	MaxConcurrent   int           `db:"max_concurrent"`
	Health          ModemHealth   `db:"health"`
	LastHealthCheck time.Time     `db:"last_health_check"`
	SMSSentCount    int           `db:"sms_sent_count"`
	SMSLimit        int           `db:"sms_limit"`
	PackageCost     float64       `db:"package_cost"`
	PackageCurrency string        `db:"package_currency"`
	PackageEndDate  time.Time     `db:"package_end_date"`
	AllowedServices pq.StringArray `db:"allowed_services"`
}

// Available implements the §4.4 availability predicate (ignoring concurrency,
// which the caller checks against its own limiter/in-flight counter).
func (m *Modem) Available() bool {
	return m.Enabled &&
		m.Health != ModemHealthUnhealthy &&
		m.Health != ModemHealthQuotaExhausted &&
		m.SMSSentCount < m.SMSLimit
}

// AllowsService reports whether service is in the modem's allow-list.
func (m *Modem) AllowsService(service string) bool {
	for _, s := range m.AllowedServices {
		if s == service {
			return true
		}
	}
	return false
}

// CostPerSMS is package_cost / sms_limit, or 0 if sms_limit is 0.
func (m *Modem) CostPerSMS() float64 {
	if m.SMSLimit == 0 {
		return 0
	}
	return m.PackageCost / float64(m.SMSLimit)
}

// SystemState is the singleton pause/resume + mock-mode gate.
type SystemState struct {
	State        SystemRunState `db:"state"`
	UseMockSMS   bool           `db:"use_mock_sms"`
	UseMockEmail bool           `db:"use_mock_email"`
	PausedAt     *time.Time     `db:"paused_at"`
	PausedBy     string         `db:"paused_by"`
	Reason       string         `db:"reason"`
}

// Paused reports whether alarm processing should halt at the consumer gate.
func (s *SystemState) Paused() bool {
	return s.State == SystemStatePaused
}

// Worker is one consumer instance's liveness row.
type Worker struct {
	ID            string       `db:"id"` // hostname+pid
	Hostname      string       `db:"hostname"`
	PID           int          `db:"pid"`
	StartedAt     time.Time    `db:"started_at"`
	LastHeartbeat time.Time    `db:"last_heartbeat"`
	Status        WorkerStatus `db:"status"`
}
