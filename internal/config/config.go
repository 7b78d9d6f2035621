// Package config загружает конфигурацию процессов Trendline.
//
// Источники в порядке приоритета (от низшего к высшему):
//   - значения по умолчанию (SetDefaults)
//   - TOML-файл (--config или TRENDLINE_CONFIG)
//   - переменные окружения с префиксом TRENDLINE_ (worker.concurrency → TRENDLINE_WORKER_CONCURRENCY)
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix — префикс переменных окружения.
const EnvPrefix = "TRENDLINE"

// Типы брокера.
const (
	BrokerPostgres = "postgres"
	BrokerRedis    = "redis"
	BrokerMemory   = "memory"
)

// Config — конфигурация процесса.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LogConfig — настройки логирования.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig — data store (PostgreSQL).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// BrokerConfig — выбор реализации брокера.
type BrokerConfig struct {
	Kind     string `mapstructure:"kind"`
	RedisURL string `mapstructure:"redis_url"`
}

// RabbitMQConfig — wake-up и dead-letter события. Пустой URL отключает RabbitMQ.
type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

// HTTPConfig — порт /healthz и /metrics.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// QueueConfig — политика очередей по умолчанию.
type QueueConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Backoff       time.Duration `mapstructure:"backoff"`
	KeepCompleted int           `mapstructure:"keep_completed"`
	KeepFailed    int           `mapstructure:"keep_failed"`
}

// FanoutConfig — параметры fan-out проходов.
type FanoutConfig struct {
	Limit              int           `mapstructure:"limit"`
	Parallelism        int           `mapstructure:"parallelism"`
	EnqueueTimeout     time.Duration `mapstructure:"enqueue_timeout"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
	TokenRefreshBuffer time.Duration `mapstructure:"token_refresh_buffer"`
}

// WorkerConfig — параметры пула воркеров.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	RatePerSec   float64       `mapstructure:"rate_per_sec"`
	RateBurst    int           `mapstructure:"rate_burst"`
	StalledAfter time.Duration `mapstructure:"stalled_after"`
	Queues       []string      `mapstructure:"queues"`

	// HandlerURL — базовый URL внешних handlers per-entity и ad hoc jobs.
	// Пусто — такие jobs не регистрируются и уходят в DEAD как неизвестные.
	HandlerURL     string        `mapstructure:"handler_url"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

// SchedulerConfig — параметры recurring schedules.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// Triggers переопределяет trigger семейства: "keyword-trend" → "0 4 * * *".
	Triggers map[string]string `mapstructure:"triggers"`
}

// FileEnv — переменная окружения с путём к TOML-файлу.
const FileEnv = EnvPrefix + "_CONFIG"

// ResolveFile возвращает путь к файлу конфигурации: флаг важнее окружения.
func ResolveFile(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(FileEnv)
}

// New создаёт viper с defaults и привязкой к окружению.
// configFile может быть пустым.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	return v, nil
}

// Load читает конфигурацию из окружения и (опционально) файла.
func Load(configFile string) (*Config, error) {
	v, err := New(configFile)
	if err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// LoadWithViper читает конфигурацию из переданного viper и валидирует её.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for postgres broker")
		}
	case BrokerRedis:
		if c.Broker.RedisURL == "" {
			return errors.New("broker.redis_url is required for redis broker")
		}
	case BrokerMemory:
	default:
		return errors.Newf("unknown broker.kind %q", c.Broker.Kind)
	}

	if c.Queue.MaxAttempts <= 0 {
		return errors.Newf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.KeepCompleted < 0 || c.Queue.KeepFailed < 0 {
		return errors.New("queue retention must not be negative")
	}
	if c.Fanout.Limit <= 0 {
		return errors.Newf("fanout.limit must be positive, got %d", c.Fanout.Limit)
	}
	if c.Fanout.Parallelism <= 0 {
		return errors.Newf("fanout.parallelism must be positive, got %d", c.Fanout.Parallelism)
	}
	if c.Worker.Concurrency <= 0 {
		return errors.Newf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler.tick_interval must be positive")
	}
	return nil
}
