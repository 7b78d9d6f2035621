package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/dedup"
	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/queue"
	"github.com/shaiso/Trendline/internal/telemetry"
)

// Scheduler — исполнитель recurring schedules.
type Scheduler struct {
	broker  broker.Broker
	queues  *queue.Registry
	clock   func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Config — конфигурация Scheduler.
type Config struct {
	Broker  broker.Broker
	Queues  *queue.Registry
	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *telemetry.Metrics // опционально
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		broker:  cfg.Broker,
		queues:  cfg.Queues,
		clock:   clock,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (next_run_at <= now)
// 2. Ставит tick job с ключом "schedule:{name}:{next_run_at_unix}"
// 3. Сдвигает next_run_at (compare-and-set)
//
// Несколько scheduler-процессов могут тикать одновременно: ключ
// дедупликации и compare-and-set оставляют ровно один tick job на срабатывание.
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock().UTC().Truncate(time.Second)

	schedules, err := s.broker.ListSchedules(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list schedules")
	}

	var fired int
	for i := range schedules {
		sched := &schedules[i]
		if !sched.IsDue(now) {
			continue
		}

		ok, err := s.fire(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to fire schedule",
				"schedule", sched.Name,
				"error", err,
			)
			continue
		}
		if ok {
			fired++
		}
	}

	if fired > 0 {
		s.logger.Info("scheduler tick completed", "fired", fired)
	}
	return fired, nil
}

// fire ставит tick job и сдвигает schedule.
// Возвращает true, если tick job создан этим процессом.
func (s *Scheduler) fire(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	q, err := s.queues.Get(sched.Queue)
	if err != nil {
		return false, err
	}

	h, err := q.Enqueue(ctx, sched.JobName, sched.Payload,
		queue.WithDedupKey(dedup.ScheduleKey(sched.Name, sched.NextRunAt)),
	)
	if err != nil {
		return false, err
	}

	// Пропущенные срабатывания (процесс был выключен) не догоняются
	next, err := NextFireTime(sched.Trigger, sched.NextRunAt)
	if err != nil {
		return false, err
	}
	if !next.After(now) {
		if next, err = NextFireTime(sched.Trigger, now); err != nil {
			return false, err
		}
	}

	advanced, err := s.broker.AdvanceSchedule(ctx, sched.Name, sched.NextRunAt, next)
	if err != nil {
		return false, errors.Wrap(err, "advance schedule")
	}
	if !advanced {
		s.logger.Debug("schedule advanced by another scheduler", "schedule", sched.Name)
	}

	if h.Duplicate {
		return false, nil
	}

	s.metrics.ScheduleFired(sched.Name)
	s.logger.Info("schedule fired",
		"schedule", sched.Name,
		"job_id", h.ID,
		"fire_at", sched.NextRunAt,
		"next_run_at", next,
	)
	return true, nil
}

// Run вызывает Tick каждые interval до отмены ctx.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick_interval", interval)

	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
