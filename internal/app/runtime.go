// Package app собирает процесс Trendline из конфигурации.
//
// Runtime создаётся один раз при старте и передаётся вниз явно:
// брокер, очереди, dispatchers, submitters и RabbitMQ живут в нём,
// а не в глобальных переменных пакетов.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/broker/pgbroker"
	"github.com/shaiso/Trendline/internal/broker/redisbroker"
	"github.com/shaiso/Trendline/internal/config"
	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/fanout"
	"github.com/shaiso/Trendline/internal/mq"
	"github.com/shaiso/Trendline/internal/queue"
	"github.com/shaiso/Trendline/internal/repo"
	"github.com/shaiso/Trendline/internal/scheduler"
	"github.com/shaiso/Trendline/internal/submit"
	"github.com/shaiso/Trendline/internal/telemetry"
)

// Options — зависимости, которые можно подменить (тесты, CLI).
type Options struct {
	// Registerer — куда регистрировать метрики (nil — без метрик).
	Registerer prometheus.Registerer

	// Clock — источник времени (default: time.Now).
	Clock func() time.Time

	// Broker заменяет брокер из конфигурации.
	Broker broker.Broker

	// Source заменяет выборки из data store.
	Source fanout.Source

	// SkipRabbitMQ — не подключаться к RabbitMQ даже при заданном URL.
	SkipRabbitMQ bool
}

// Runtime — контекст процесса.
type Runtime struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Clock   func() time.Time

	Broker    broker.Broker
	Queues    *queue.Registry
	Fanout    *fanout.Set // nil, если data store не настроен
	Submitter *submit.Submitter
	Registrar *scheduler.Registrar

	// MQ и Publisher — nil в режиме polling-only.
	MQ        *mq.Connection
	Publisher *mq.Publisher

	closers []func() error
}

// New создаёт Runtime. При ошибке уже открытые ресурсы закрываются.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *Runtime, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	rt := &Runtime{Config: cfg, Logger: logger, Clock: clock}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if opts.Registerer != nil {
		rt.Metrics = telemetry.NewMetrics(opts.Registerer)
	}

	// Data store: нужен для выборок кандидатов и для postgres брокера
	needSource := opts.Source == nil
	needPGBroker := opts.Broker == nil && cfg.Broker.Kind == config.BrokerPostgres

	var pool *pgxpool.Pool
	if cfg.Database.URL != "" && (needSource || needPGBroker) {
		pool, err = repo.NewPool(ctx, cfg.Database.URL, int(cfg.Database.MaxConns))
		if err != nil {
			return nil, errors.Wrap(err, "connect to database")
		}
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		logger.Info("database connected")
	}

	source := opts.Source
	if source == nil && pool != nil {
		source = repo.NewCandidateRepo(pool)
	}

	// Broker
	rt.Broker = opts.Broker
	if rt.Broker == nil {
		rt.Broker, err = newBroker(ctx, cfg, pool)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rt.Broker.Close)
		logger.Info("broker ready", "kind", cfg.Broker.Kind)
	}

	// RabbitMQ (опционально)
	if cfg.RabbitMQ.URL != "" && !opts.SkipRabbitMQ {
		rt.connectMQ(ctx, cfg.RabbitMQ.URL)
	}

	queueCfg := queue.Config{
		Broker: rt.Broker,
		Policy: queue.Policy{
			Retry: domain.RetryPolicy{
				MaxAttempts: cfg.Queue.MaxAttempts,
				Backoff:     cfg.Queue.Backoff,
			},
			KeepCompleted: cfg.Queue.KeepCompleted,
			KeepDead:      cfg.Queue.KeepFailed,
		},
		EnqueueTimeout: cfg.Fanout.EnqueueTimeout,
		Clock:          clock,
		Logger:         logger,
	}
	if rt.Publisher != nil {
		queueCfg.Notifier = rt.Publisher
	}
	rt.Queues = queue.NewRegistry(queueCfg, domain.AllQueues()...)

	if source != nil {
		rt.Fanout, err = fanout.NewSet(fanout.Config{
			Source:             source,
			Queues:             rt.Queues,
			Limit:              cfg.Fanout.Limit,
			Parallelism:        cfg.Fanout.Parallelism,
			QueryTimeout:       cfg.Fanout.QueryTimeout,
			TokenRefreshBuffer: cfg.Fanout.TokenRefreshBuffer,
			Clock:              clock,
			Logger:             logger,
			Metrics:            rt.Metrics,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create dispatchers")
		}
	} else {
		logger.Warn("data store is not configured, fan-out dispatchers are disabled")
	}

	rt.Submitter, err = submit.New(rt.Queues, clock, logger)
	if err != nil {
		return nil, err
	}
	rt.Registrar = scheduler.NewRegistrar(rt.Broker, clock, logger)

	return rt, nil
}

func newBroker(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (broker.Broker, error) {
	switch cfg.Broker.Kind {
	case config.BrokerPostgres:
		if pool == nil {
			return nil, errors.New("postgres broker requires database.url")
		}
		b := pgbroker.New(pool)
		if err := b.Migrate(ctx); err != nil {
			return nil, err
		}
		return b, nil
	case config.BrokerRedis:
		b, err := redisbroker.New(ctx, cfg.Broker.RedisURL, redisbroker.DefaultPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "connect to redis broker")
		}
		return b, nil
	case config.BrokerMemory:
		return broker.NewMemory(), nil
	default:
		return nil, errors.Newf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

// connectMQ подключает RabbitMQ. Недоступность не фатальна:
// процесс работает в режиме polling-only.
func (rt *Runtime) connectMQ(ctx context.Context, url string) {
	conn, err := mq.NewConnection(url, rt.Logger)
	if err != nil {
		rt.Logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		return
	}
	rt.closers = append(rt.closers, conn.Close)
	rt.Logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, conn); err != nil {
		rt.Logger.Warn("failed to setup topology", "error", err)
	}

	rt.MQ = conn
	rt.Publisher = mq.NewPublisher(conn, rt.Logger)
}

// Bootstrap регистрирует все recurring schedules.
//
// Вызывается один раз при старте до приёма любой другой работы.
// Ошибка фатальна для процесса.
func (rt *Runtime) Bootstrap(ctx context.Context) error {
	defs, err := scheduler.Definitions(rt.Config.Scheduler.Triggers)
	if err != nil {
		return errors.Wrap(err, "build schedule definitions")
	}
	if err := rt.Registrar.Register(ctx, defs); err != nil {
		return errors.Wrap(err, "register schedules")
	}
	return nil
}

// Close освобождает ресурсы в обратном порядке.
func (rt *Runtime) Close() error {
	var errs error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	rt.closers = nil
	return errs
}
