// Package config loads and hot-reloads the engine's YAML configuration,
// following the teacher's load-then-env-override-then-validate shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// CircuitBreakerConfig carries the F/S/T parameters of spec.md §4.1.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// ChannelConfig carries the per-channel knobs named in spec.md §6.
type ChannelConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	SLAThreshold   time.Duration `yaml:"sla_threshold"`
}

// DedupConfig is the deduplication window.
type DedupConfig struct {
	Window time.Duration `yaml:"window"`
}

// DLQConfig carries the DLQ reprocessor's tunables.
type DLQConfig struct {
	AlertThreshold        int           `yaml:"alert_threshold"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
	BackoffMax            time.Duration `yaml:"backoff_max"`
	AutoReprocessInterval time.Duration `yaml:"auto_reprocess_interval"`
	BatchSize             int           `yaml:"batch_size"`
	SlackWebhookURL        string        `yaml:"slack_webhook_url"`
}

// AMQPConfig describes the broker connection and topology.
type AMQPConfig struct {
	URL                    string        `yaml:"url"`
	Exchange               string        `yaml:"exchange"`
	Queue                  string        `yaml:"queue"`
	RoutingKey             string        `yaml:"routing_key"`
	DeadLetterExchange     string        `yaml:"dead_letter_exchange"`
	DeadLetterRoutingKey   string        `yaml:"dead_letter_routing_key"`
	Prefetch               int           `yaml:"prefetch"`
	ReconnectDelay         time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts   int           `yaml:"max_reconnect_attempts"`
	QueueMonitorInterval   time.Duration `yaml:"queue_monitor_interval"`
	BackpressureThreshold  int           `yaml:"backpressure_threshold"`
}

// WorkerRegistryConfig carries the heartbeat/cleanup thresholds of spec.md §4.8.
type WorkerRegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	DeadThreshold     time.Duration `yaml:"dead_threshold"`
}

// DatabaseConfig is the Postgres connection surface.
type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
}

// RedisConfig is the cache-layer connection surface.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HealthConfig is the process health/readiness/metrics HTTP surface.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig mirrors the teacher's Level/Format shape.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FeatureFlags are the named flags from spec.md §6; a flag absent from the
// YAML stays false, and keys that name no field are ignored by the decoder.
type FeatureFlags struct {
	ChannelFallbackEnabled bool `yaml:"channel_fallback_enabled"`
	EmailEnabled           bool `yaml:"email_enabled"`
	SMSEnabled             bool `yaml:"sms_enabled"`
	VoiceEnabled           bool `yaml:"voice_enabled"`
	DeduplicationEnabled   bool `yaml:"deduplication_enabled"`
	QuietHoursEnabled      bool `yaml:"quiet_hours_enabled"`
	WebhooksEnabled        bool `yaml:"webhooks_enabled"`
}

// Config is the full static configuration surface.
type Config struct {
	Logging        LoggingConfig                  `yaml:"logging"`
	Health         HealthConfig                   `yaml:"health"`
	Database       DatabaseConfig                 `yaml:"database"`
	Redis          RedisConfig                    `yaml:"redis"`
	AMQP           AMQPConfig                     `yaml:"amqp"`
	Dedup          DedupConfig                    `yaml:"dedup"`
	DLQ            DLQConfig                      `yaml:"dlq"`
	WorkerRegistry WorkerRegistryConfig            `yaml:"worker_registry"`
	CircuitBreaker map[string]CircuitBreakerConfig `yaml:"circuit_breaker"`
	Channels       map[string]ChannelConfig        `yaml:"channels"`
	Flags          FeatureFlags                    `yaml:"flags"`
}

func defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Health:  HealthConfig{Addr: ":8080"},
		Database: DatabaseConfig{
			Host: "localhost", Port: 5432, SSLMode: "disable",
			MaxConnections: 10, MaxIdleConns: 5,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		AMQP: AMQPConfig{
			Exchange: "alarms", Queue: "alarm.notification",
			RoutingKey: "alarm.notification", DeadLetterExchange: "alarms.dlx",
			DeadLetterRoutingKey: "alarm.notification.dlq",
			Prefetch:             20,
			ReconnectDelay:       time.Second,
			MaxReconnectAttempts: 10,
			QueueMonitorInterval: 30 * time.Second,
			BackpressureThreshold: 5000,
		},
		Dedup: DedupConfig{Window: 60 * time.Minute},
		DLQ: DLQConfig{
			AlertThreshold: 100, BackoffBase: 30 * time.Second,
			BackoffMax: 30 * time.Minute, AutoReprocessInterval: 5 * time.Minute,
			BatchSize: 50,
		},
		WorkerRegistry: WorkerRegistryConfig{
			HeartbeatInterval: 15 * time.Second, CleanupInterval: time.Minute,
			StaleThreshold: 90 * time.Second, DeadThreshold: 5 * time.Minute,
		},
		CircuitBreaker: map[string]CircuitBreakerConfig{
			"default": {FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second},
		},
		Channels: map[string]ChannelConfig{
			"email": {MaxConcurrency: 10, MaxRetries: 3, RetryBaseDelay: time.Second, RetryMaxDelay: time.Minute, SLAThreshold: 30 * time.Second},
			"sms":   {MaxConcurrency: 20, MaxRetries: 3, RetryBaseDelay: time.Second, RetryMaxDelay: time.Minute, SLAThreshold: 10 * time.Second},
			"voice": {MaxConcurrency: 5, MaxRetries: 2, RetryBaseDelay: 2 * time.Second, RetryMaxDelay: time.Minute, SLAThreshold: 20 * time.Second},
		},
	}
}

// Load reads, parses, and validates the YAML file at path, applying defaults
// for anything left unset.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Dedup.Window <= 0 {
		return fmt.Errorf("dedup window must be greater than 0")
	}
	if cfg.DLQ.BatchSize <= 0 {
		return fmt.Errorf("dlq batch size must be greater than 0")
	}
	for name, ch := range cfg.Channels {
		if ch.MaxConcurrency <= 0 {
			return fmt.Errorf("channel %s: max_concurrency must be greater than 0", name)
		}
	}
	return nil
}

// loadFromEnv applies a small set of operational overrides so a deployment
// can tune hot paths without shipping a new config file.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("ALARMNOTIFIER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALARMNOTIFIER_HEALTH_ADDR"); v != "" {
		cfg.Health.Addr = v
	}
	if v := os.Getenv("ALARMNOTIFIER_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("ALARMNOTIFIER_AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("ALARMNOTIFIER_DLQ_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ALARMNOTIFIER_DLQ_BATCH_SIZE: %w", err)
		}
		cfg.DLQ.BatchSize = n
	}
	return nil
}

// Watcher hot-reloads the config file on write, swapping an atomic snapshot
// that other components read through Get.
type Watcher struct {
	path     string
	logger   *zap.Logger
	snapshot atomic.Pointer[Config]
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher loads path once, then begins watching it for changes.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	w := &Watcher{path: path, logger: logger, fsw: fsw, done: make(chan struct{})}
	w.snapshot.Store(cfg)
	go w.run()
	return w, nil
}

// Get returns the current configuration snapshot. Safe for concurrent use.
func (w *Watcher) Get() *Config {
	return w.snapshot.Load()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload failed, keeping previous snapshot", zap.Error(err))
				continue
			}
			w.snapshot.Store(cfg)
			w.logger.Info("config reloaded")
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
