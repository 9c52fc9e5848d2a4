// Command consumer is the alarm notification engine's process entrypoint:
// it wires C1-C10 together and runs the AMQP consumer, DLQ reprocessor,
// worker registry, and health server until told to shut down. Grounded on
// the teacher's wire-everything-in-main cmd/*/main.go convention.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/megatechtrackers/alarmnotifier/internal/config"
	"github.com/megatechtrackers/alarmnotifier/internal/logging"
	"github.com/megatechtrackers/alarmnotifier/pkg/circuitbreaker"
	"github.com/megatechtrackers/alarmnotifier/pkg/consumer"
	"github.com/megatechtrackers/alarmnotifier/pkg/delivery"
	"github.com/megatechtrackers/alarmnotifier/pkg/dlq"
	"github.com/megatechtrackers/alarmnotifier/pkg/health"
	"github.com/megatechtrackers/alarmnotifier/pkg/limiter"
	"github.com/megatechtrackers/alarmnotifier/pkg/metrics"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
	"github.com/megatechtrackers/alarmnotifier/pkg/modempool"
	"github.com/megatechtrackers/alarmnotifier/pkg/processor"
	"github.com/megatechtrackers/alarmnotifier/pkg/repository"
	"github.com/megatechtrackers/alarmnotifier/pkg/systemstate"
	"github.com/megatechtrackers/alarmnotifier/pkg/worker"

	"github.com/sony/gobreaker"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const shutdownGracePeriod = 20 * time.Second

func main() {
	configPath := os.Getenv("ALARMNOTIFIER_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	bootstrapLogger, _ := zap.NewProduction()
	watcher, err := config.NewWatcher(configPath, bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal("failed to load configuration", zap.Error(err))
	}
	defer watcher.Close()
	cfg := watcher.Get()

	logger := logging.Build(cfg.Logging)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.User, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database, cfg.Database.SSLMode)
	db, err := repository.Connect(ctx, dsn)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	defer db.Close()

	repo := repository.New(db)
	dlqRepo := repository.NewDLQRepository(db)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()
	cache := repository.NewRedisCache(redisClient, 10*time.Second, logger)

	recorder := metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)

	breakers := circuitbreaker.NewManager(circuitbreaker.Settings{
		FailureThreshold: uint32(cfg.CircuitBreaker["default"].FailureThreshold),
		SuccessThreshold: uint32(cfg.CircuitBreaker["default"].SuccessThreshold),
		OpenTimeout:      gobreaker.Settings{Timeout: cfg.CircuitBreaker["default"].OpenTimeout},
		OnStateChange: func(channel string, from, to circuitbreaker.State) {
			recorder.UpdateCircuitBreakerState(channel, to)
			logger.Info("circuit breaker state change", zap.String("channel", channel), zap.String("from", string(from)), zap.String("to", string(to)))
		},
	})

	limiterCapacities := make(map[string]int, len(cfg.Channels))
	for name, ch := range cfg.Channels {
		limiterCapacities[name] = ch.MaxConcurrency
	}
	limiters := limiter.NewRegistry(limiterCapacities)

	pool := modempool.New(repo, cache)
	gate := systemstate.New(repo, cache, 10*time.Second)

	orchestrator := buildOrchestrator(pool, gate)

	procCfg := processor.Config{
		DedupWindow:          cfg.Dedup.Window,
		QuietHoursEnabled:    cfg.Flags.QuietHoursEnabled,
		DeduplicationEnabled: cfg.Flags.DeduplicationEnabled,
		ChannelFallback:      cfg.Flags.ChannelFallbackEnabled,
		MaxRetries:           map[model.Channel]int{},
		RetryBaseDelay:       map[model.Channel]time.Duration{},
		RetryMaxDelay:        map[model.Channel]time.Duration{},
	}
	for name, ch := range cfg.Channels {
		c := model.Channel(name)
		procCfg.MaxRetries[c] = ch.MaxRetries
		procCfg.RetryBaseDelay[c] = ch.RetryBaseDelay
		procCfg.RetryMaxDelay[c] = ch.RetryMaxDelay
	}
	proc := processor.New(procCfg, repo, repo, repo, repo, repo, breakers, limiters, orchestrator, recorder, logger, nil)

	cons := consumer.New(cfg.AMQP, nil, proc, gate, recorder, logger)
	reprocessor := dlq.New(cfg.DLQ, dlqRepo, proc, breakers, recorder, logger, nil)

	hostname, _ := os.Hostname()
	registryWorker := worker.New(cfg.WorkerRegistry, repo, hostname, os.Getpid(), logger, nil)

	alarmListener := repository.NewAlarmCreatedListener(dsn, logger)

	healthChecks := map[string]health.Checker{
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	healthServer := &http.Server{Addr: cfg.Health.Addr, Handler: health.NewRouter(healthChecks, pool)}

	var wg sync.WaitGroup
	runBackground := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && err != context.Canceled {
				logger.Error(fmt.Sprintf("%s stopped", name), zap.Error(err))
			}
		}()
	}

	runBackground("amqp consumer", cons.Run)
	runBackground("dlq reprocessor", func(ctx context.Context) error {
		reprocessor.Run(ctx)
		return nil
	})
	runBackground("worker registry", registryWorker.Run)
	runBackground("alarm_created listener", func(ctx context.Context) error {
		return alarmListener.Run(ctx, func(ev repository.AlarmCreatedEvent) {
			logger.Debug("alarm created", zap.String("alarm_id", ev.AlarmID), zap.String("imei", ev.IMEI))
		})
	})
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()

	logger.Info("alarm notification engine started", zap.String("worker_id", registryWorker.ID()))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown grace period elapsed before background tasks stopped")
	}
}

// buildOrchestrator registers email/sms/voice adapters gated on mock mode.
// Real email/SMTP and voice-provider transports are external collaborators
// out of this engine's scope; they are wired as nil so every adapter always
// falls through to its mock, matching spec.md §1's boundary.
func buildOrchestrator(pool *modempool.Pool, gate *systemstate.Gate) *delivery.Orchestrator {
	o := delivery.NewOrchestrator()

	realEmail := delivery.NewEmailService(nil, "")
	mockEmail := delivery.NewEmailService(&delivery.MockEmailTransport{}, "alerts@fleet.example")
	o.RegisterChannel(delivery.NewGatedService(model.ChannelEmail, realEmail, mockEmail, gate.MockEmail))

	realSMS := delivery.NewSMSService(pool, nil)
	mockSMS := delivery.NewSMSService(pool, modempool.MockTransport{})
	o.RegisterChannel(delivery.NewGatedService(model.ChannelSMS, realSMS, mockSMS, gate.MockSMS))

	realVoice := delivery.NewVoiceService(nil)
	mockVoice := delivery.NewVoiceService(&delivery.MockVoiceTransport{})
	o.RegisterChannel(delivery.NewGatedService(model.ChannelVoice, realVoice, mockVoice, func(context.Context) bool { return false }))

	return o
}
