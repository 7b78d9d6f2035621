// Package fanout разворачивает один tick в jobs по каждой сущности.
//
// Dispatcher — один generic драйвер, параметризованный описанием
// семейства (Family): выборка кандидатов, id сущности, payload.
// Экземпляр создаётся на каждое семейство (см. families.go).
//
// Проход:
//  1. Выборка до Limit кандидатов (ошибка → ErrQueryFailed, проход прерван)
//  2. Для каждого кандидата: ключ dedup.Key(family, id, начало прохода),
//     enqueue в очередь семейства
//  3. Ошибка enqueue одного кандидата логируется и не прерывает проход
//  4. Итог пишется в лог и метрики
//
// Кандидаты сверх Limit в проход не попадают и будут взяты в следующем цикле.
package fanout

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Trendline/internal/dedup"
	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/queue"
	"github.com/shaiso/Trendline/internal/telemetry"
)

// Default configuration values.
const (
	DefaultLimit              = 10000
	DefaultParallelism        = 8
	DefaultQueryTimeout       = 30 * time.Second
	DefaultTokenRefreshBuffer = 7 * 24 * time.Hour
)

// Selection — параметры выборки кандидатов.
type Selection struct {
	Now                time.Time
	Limit              int
	TokenRefreshBuffer time.Duration
}

// Family описывает семейство fan-out jobs.
type Family[T any] struct {
	// Family — семейство; определяет очередь, имя job и префикс ключа.
	Family domain.Family

	// Select — предикат выборки кандидатов.
	Select func(ctx context.Context, src Source, sel Selection) ([]T, error)

	// EntityID — первичный id кандидата для ключа дедупликации.
	EntityID func(T) string

	// Payload — минимальные поля для handler.
	Payload func(T) map[string]any
}

// Report — итог одного прохода.
type Report struct {
	Family     domain.Family `json:"family"`
	Candidates int           `json:"candidates"`
	Enqueued   int           `json:"enqueued"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Truncated  bool          `json:"truncated"`
	Duration   time.Duration `json:"duration"`
}

// Runner — проход fan-out одного семейства без знания типа кандидатов.
type Runner interface {
	Family() domain.Family
	Run(ctx context.Context) (Report, error)
}

// Config — общие параметры dispatchers.
type Config struct {
	Source Source
	Queues *queue.Registry

	Limit              int
	Parallelism        int
	QueryTimeout       time.Duration
	TokenRefreshBuffer time.Duration

	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.TokenRefreshBuffer <= 0 {
		c.TokenRefreshBuffer = DefaultTokenRefreshBuffer
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Dispatcher — fan-out драйвер семейства.
type Dispatcher[T any] struct {
	def    Family[T]
	queue  *queue.Queue
	cfg    Config
	logger *slog.Logger
}

// NewDispatcher создаёт dispatcher для семейства def.
func NewDispatcher[T any](def Family[T], cfg Config) (*Dispatcher[T], error) {
	cfg = cfg.withDefaults()

	if cfg.Source == nil || cfg.Queues == nil {
		return nil, errors.New("fanout: source and queues are required")
	}
	q, err := cfg.Queues.Get(def.Family.Queue())
	if err != nil {
		return nil, errors.Wrapf(err, "fanout %s", def.Family)
	}

	return &Dispatcher[T]{
		def:    def,
		queue:  q,
		cfg:    cfg,
		logger: telemetry.WithFamily(cfg.Logger, def.Family.String()),
	}, nil
}

// Family возвращает семейство dispatcher.
func (d *Dispatcher[T]) Family() domain.Family {
	return d.def.Family
}

// Run выполняет один проход.
//
// Возвращает ошибку только при сбое выборки (ErrQueryFailed).
// Ошибки enqueue отдельных кандидатов учитываются в Report.Failed.
func (d *Dispatcher[T]) Run(ctx context.Context) (Report, error) {
	start := d.cfg.Clock()
	report := Report{Family: d.def.Family}

	queryCtx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	candidates, err := d.def.Select(queryCtx, d.cfg.Source, Selection{
		Now:                start,
		Limit:              d.cfg.Limit,
		TokenRefreshBuffer: d.cfg.TokenRefreshBuffer,
	})
	cancel()
	if err != nil {
		d.logger.Error("candidate query failed", "error", err)
		return report, errors.Mark(errors.Wrapf(err, "fanout %s", d.def.Family), ErrQueryFailed)
	}

	report.Candidates = len(candidates)
	report.Truncated = len(candidates) >= d.cfg.Limit
	if report.Truncated {
		d.logger.Warn("candidate cap reached, remaining entities deferred to next cycle",
			"limit", d.cfg.Limit,
		)
	}

	var enqueued, duplicates, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(d.cfg.Parallelism)

	jobName := d.def.Family.RunJob()
	tag := d.def.Family.String()

	for _, c := range candidates {
		g.Go(func() error {
			id := d.def.EntityID(c)
			h, err := d.queue.Enqueue(ctx, jobName, d.def.Payload(c),
				queue.WithDedupKey(dedup.Key(tag, id, start)),
			)
			switch {
			case err != nil:
				failed.Add(1)
				d.logger.Warn("enqueue failed, skipping entity", "entity_id", id, "error", err)
			case h.Duplicate:
				duplicates.Add(1)
			default:
				enqueued.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Enqueued = int(enqueued.Load())
	report.Duplicates = int(duplicates.Load())
	report.Failed = int(failed.Load())
	report.Duration = d.cfg.Clock().Sub(start)

	d.cfg.Metrics.ObserveFanout(tag, report.Enqueued, report.Duplicates, report.Failed, report.Duration)
	d.logger.Info("fan-out finished",
		"candidates", report.Candidates,
		"enqueued", report.Enqueued,
		"duplicates", report.Duplicates,
		"failed", report.Failed,
		"truncated", report.Truncated,
		"duration", report.Duration,
	)
	return report, nil
}
