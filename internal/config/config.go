package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration of the relay service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Dlq         DlqConfig         `mapstructure:"dlq"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Business    BusinessConfig    `mapstructure:"business"`
}

type ServerConfig struct {
	Port     int   `mapstructure:"port"`
	WorkerID int64 `mapstructure:"worker_id"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig selects the gorm dialector. Driver is "mysql" or "postgres".
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig describes the bus endpoint. Driver is "sarama" or "kafka-go".
type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	Driver   string        `mapstructure:"driver"`
	ClientID string        `mapstructure:"client_id"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

type OutboxConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	ErrorMaxLength int           `mapstructure:"error_max_length"`
	Lease          LeaseConfig   `mapstructure:"lease"`
}

type LeaseConfig struct {
	Name    string        `mapstructure:"name"`
	MinHold time.Duration `mapstructure:"min_hold"`
	MaxHold time.Duration `mapstructure:"max_hold"`
}

type IdempotencyConfig struct {
	BypassWhenEmpty bool          `mapstructure:"bypass_when_empty"`
	RejectMismatch  bool          `mapstructure:"reject_mismatch"`
	Retention       time.Duration `mapstructure:"retention"`
}

type DlqConfig struct {
	ConsumerGroup   string        `mapstructure:"consumer_group"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	MaxRecordsLimit int           `mapstructure:"max_records_limit"`
}

type AlertingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Threshold      int64         `mapstructure:"threshold"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	Topics         []string      `mapstructure:"topics"`
	AlertTopic     string        `mapstructure:"alert_topic"`
	SharedCooldown bool          `mapstructure:"shared_cooldown"`
}

type RetentionConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	PublishedOutbox time.Duration `mapstructure:"published_outbox"`
}

type BusinessConfig struct {
	WalletTopic string `mapstructure:"wallet_topic"`
}

var defaultWatchedTopics = []string{
	"booking-created.DLT",
	"booking-confirmed.DLT",
	"booking-cancelled.DLT",
	"payment-initiated.DLT",
	"payment-completed.DLT",
	"ticket-confirmation-events.DLT",
	"user-events.DLT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.driver", "sarama")
	v.SetDefault("kafka.client_id", "bookingrelay")
	v.SetDefault("kafka.breaker.enabled", true)
	v.SetDefault("kafka.breaker.consecutive_failures", 5)
	v.SetDefault("kafka.breaker.open_timeout", 30*time.Second)
	v.SetDefault("kafka.breaker.half_open_requests", 1)

	v.SetDefault("outbox.poll_interval", 10*time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 3)
	v.SetDefault("outbox.send_timeout", 5*time.Second)
	v.SetDefault("outbox.error_max_length", 500)
	v.SetDefault("outbox.lease.name", "outbox-publisher")
	v.SetDefault("outbox.lease.min_hold", 5*time.Second)
	v.SetDefault("outbox.lease.max_hold", 30*time.Second)

	v.SetDefault("idempotency.bypass_when_empty", true)
	v.SetDefault("idempotency.reject_mismatch", true)
	v.SetDefault("idempotency.retention", 24*time.Hour)

	v.SetDefault("dlq.consumer_group", "dlq-reprocessor")
	v.SetDefault("dlq.poll_timeout", time.Second)
	v.SetDefault("dlq.send_timeout", 5*time.Second)
	v.SetDefault("dlq.max_records_limit", 1000)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.threshold", 10)
	v.SetDefault("alerting.check_interval", 5*time.Minute)
	v.SetDefault("alerting.cooldown", 60*time.Minute)
	v.SetDefault("alerting.topics", defaultWatchedTopics)
	v.SetDefault("alerting.shared_cooldown", false)

	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("retention.published_outbox", 7*24*time.Hour)

	v.SetDefault("business.wallet_topic", "wallet-events")
}

// LoadConfig reads the YAML file at configPath and applies BOOKINGRELAY_*
// environment overrides. An empty path loads defaults and environment only.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BOOKINGRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate rejects values that would make the background jobs spin or never run.
func (c *Config) Validate() error {
	var problems []string

	if c.Outbox.PollInterval <= 0 {
		problems = append(problems, "outbox.poll_interval must be positive")
	}
	if c.Outbox.BatchSize <= 0 {
		problems = append(problems, "outbox.batch_size must be positive")
	}
	if c.Outbox.MaxRetries < 0 {
		problems = append(problems, "outbox.max_retries must not be negative")
	}
	if c.Outbox.SendTimeout <= 0 {
		problems = append(problems, "outbox.send_timeout must be positive")
	}
	if c.Outbox.ErrorMaxLength <= 0 {
		problems = append(problems, "outbox.error_max_length must be positive")
	}
	if c.Outbox.Lease.MaxHold <= 0 || c.Outbox.Lease.MinHold < 0 || c.Outbox.Lease.MinHold > c.Outbox.Lease.MaxHold {
		problems = append(problems, "outbox.lease requires 0 <= min_hold <= max_hold and max_hold > 0")
	}
	if c.Outbox.SendTimeout >= c.Outbox.Lease.MaxHold {
		problems = append(problems, "outbox.send_timeout must be shorter than outbox.lease.max_hold")
	}
	if c.Alerting.Enabled && c.Alerting.CheckInterval <= 0 {
		problems = append(problems, "alerting.check_interval must be positive")
	}
	if c.Alerting.Cooldown < 0 {
		problems = append(problems, "alerting.cooldown must not be negative")
	}
	if c.Dlq.PollTimeout <= 0 || c.Dlq.SendTimeout <= 0 {
		problems = append(problems, "dlq.poll_timeout and dlq.send_timeout must be positive")
	}
	if len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.brokers must not be empty")
	}
	switch c.Kafka.Driver {
	case "sarama", "kafka-go":
	default:
		problems = append(problems, fmt.Sprintf("kafka.driver %q is not supported", c.Kafka.Driver))
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
