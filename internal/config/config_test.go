package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
		os.Clearenv()
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when the config file exists with full content", func() {
			BeforeEach(func() {
				valid := `
database:
  host: "db.internal"
  port: 5432
  user: "alarms"
  database: "alarms"
  max_connections: 20

dedup:
  window: 45m

dlq:
  alert_threshold: 200
  batch_size: 25
  auto_reprocess_interval: 2m

channels:
  email:
    max_concurrency: 15
    max_retries: 4
    retry_base_delay: 2s
    retry_max_delay: 90s
  sms:
    max_concurrency: 30
    max_retries: 3
    retry_base_delay: 1s
    retry_max_delay: 60s

logging:
  level: "debug"
  format: "console"
`
				Expect(os.WriteFile(configFile, []byte(valid), 0644)).To(Succeed())
			})

			It("loads every section", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Database.Host).To(Equal("db.internal"))
				Expect(cfg.Database.MaxConnections).To(Equal(20))
				Expect(cfg.Dedup.Window).To(Equal(45 * time.Minute))
				Expect(cfg.DLQ.AlertThreshold).To(Equal(200))
				Expect(cfg.DLQ.BatchSize).To(Equal(25))
				Expect(cfg.Channels["email"].MaxConcurrency).To(Equal(15))
				Expect(cfg.Channels["sms"].MaxRetries).To(Equal(3))
				Expect(cfg.Logging.Level).To(Equal("debug"))
			})
		})

		Context("when the config file has minimal content", func() {
			BeforeEach(func() {
				minimal := `
database:
  host: "localhost"
`
				Expect(os.WriteFile(configFile, []byte(minimal), 0644)).To(Succeed())
			})

			It("fills in defaults for everything else", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Database.Host).To(Equal("localhost"))
				Expect(cfg.Dedup.Window).To(Equal(60 * time.Minute))
				Expect(cfg.DLQ.BatchSize).To(Equal(50))
				Expect(cfg.Channels["sms"].MaxConcurrency).To(Equal(20))
			})
		})

		Context("when the file does not exist", func() {
			It("returns an error", func() {
				_, err := Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when the YAML is malformed", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(configFile, []byte("database: [\n  broken"), 0644)).To(Succeed())
			})

			It("returns a parse error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		It("rejects a missing database host", func() {
			cfg := defaults()
			cfg.Database.Host = ""
			Expect(validate(cfg)).To(MatchError(ContainSubstring("database host is required")))
		})

		It("rejects a zero dedup window", func() {
			cfg := defaults()
			cfg.Dedup.Window = 0
			Expect(validate(cfg)).To(MatchError(ContainSubstring("dedup window")))
		})

		It("rejects a non-positive channel concurrency", func() {
			cfg := defaults()
			ch := cfg.Channels["email"]
			ch.MaxConcurrency = 0
			cfg.Channels["email"] = ch
			Expect(validate(cfg)).To(MatchError(ContainSubstring("max_concurrency must be greater than 0")))
		})

		It("accepts the stock defaults", func() {
			Expect(validate(defaults())).To(Succeed())
		})
	})

	Describe("loadFromEnv", func() {
		It("applies recognized overrides", func() {
			os.Setenv("ALARMNOTIFIER_LOG_LEVEL", "warn")
			os.Setenv("ALARMNOTIFIER_DLQ_BATCH_SIZE", "99")

			cfg := defaults()
			Expect(loadFromEnv(cfg)).To(Succeed())

			Expect(cfg.Logging.Level).To(Equal("warn"))
			Expect(cfg.DLQ.BatchSize).To(Equal(99))
		})

		It("leaves config untouched when nothing is set", func() {
			cfg := defaults()
			before := *cfg
			Expect(loadFromEnv(cfg)).To(Succeed())
			Expect(*cfg).To(Equal(before))
		})

		It("rejects an unparsable batch size", func() {
			os.Setenv("ALARMNOTIFIER_DLQ_BATCH_SIZE", "not-a-number")
			Expect(loadFromEnv(defaults())).To(HaveOccurred())
		})
	})
})
