package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/fanout"
	"github.com/shaiso/Trendline/internal/queue"
)

// FanoutHandler — handler tick job семейства: один fan-out проход.
//
// Ошибка выборки (ErrQueryFailed) возвращается, и брокер повторит tick job.
// Ошибки enqueue отдельных сущностей проход не прерывают.
func FanoutHandler(r fanout.Runner) Handler {
	return HandlerFunc(func(ctx context.Context, _ *domain.Job) error {
		_, err := r.Run(ctx)
		return err
	})
}

// CleanupHandler — handler "data-cleanup.tick".
//
// Для каждой очереди:
//   - возвращает в PENDING jobs, зависшие в ACTIVE дольше stalledAfter
//     (воркер упал посреди выполнения)
//   - применяет retention политику
func CleanupHandler(b broker.Broker, queues *queue.Registry, stalledAfter time.Duration, clock func() time.Time, logger *slog.Logger) Handler {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return HandlerFunc(func(ctx context.Context, _ *domain.Job) error {
		now := clock()

		var errs error
		var recovered, trimmed int
		for _, name := range queues.Names() {
			n, err := b.RecoverStalled(ctx, name, now.Add(-stalledAfter), now)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "recover stalled in %s", name))
			}
			recovered += n

			q, err := queues.Get(name)
			if err != nil {
				continue
			}
			n, err = q.Trim(ctx)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "trim %s", name))
			}
			trimmed += n
		}

		logger.Info("data cleanup finished", "recovered", recovered, "trimmed", trimmed)
		return errs
	})
}
