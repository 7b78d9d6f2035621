// Package queue — реестр именованных очередей с политикой по умолчанию.
//
// Queue — тонкий handle поверх broker.Broker: фиксирует имя очереди,
// retry/backoff и retention, применяет опции enqueue (ключ дедупликации,
// задержка, приоритет) и ограничивает каждый вызов таймаутом.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/domain"
)

// Policy — политика очереди по умолчанию.
type Policy struct {
	// Retry — число попыток и начальный backoff.
	Retry domain.RetryPolicy

	// KeepCompleted — сколько завершённых jobs хранить.
	KeepCompleted int

	// KeepDead — сколько мёртвых jobs хранить.
	KeepDead int
}

// DefaultPolicy — 3 попытки, backoff от 5s, хранить 1000 completed и 5000 dead.
func DefaultPolicy() Policy {
	return Policy{
		Retry:         domain.RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Second},
		KeepCompleted: 1000,
		KeepDead:      5000,
	}
}

// Notifier получает уведомление о новом job (например, wake-up для воркеров).
type Notifier interface {
	JobEnqueued(ctx context.Context, queue, jobID string, eligibleAt time.Time)
}

// Handle — результат enqueue.
type Handle struct {
	ID         string
	Queue      string
	Name       string
	Duplicate  bool
	EligibleAt time.Time
}

// Queue — handle именованной очереди.
type Queue struct {
	name     string
	policy   Policy
	broker   broker.Broker
	timeout  time.Duration
	notifier Notifier
	clock    func() time.Time
	logger   *slog.Logger
}

// Name возвращает имя очереди.
func (q *Queue) Name() string {
	return q.name
}

// Policy возвращает политику очереди.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Enqueue ставит job в очередь.
//
// Повторный enqueue с занятым ключом дедупликации не ошибка:
// возвращается handle существующего job с Duplicate=true.
// Ошибки хранилища помечены broker.ErrUnavailable.
func (q *Queue) Enqueue(ctx context.Context, name string, payload map[string]any, opts ...Option) (*Handle, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	now := q.clock()
	job := &domain.Job{
		Queue:      q.name,
		Name:       name,
		Payload:    payload,
		DedupKey:   o.dedupKey,
		Priority:   domain.PriorityDefault,
		Retry:      q.policy.Retry,
		CreatedAt:  now,
		EligibleAt: now.Add(o.delay),
	}
	if o.priority != nil {
		job.Priority = *o.priority
	}
	if o.retry != nil {
		job.Retry = *o.retry
	}

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	res, err := q.broker.Enqueue(ctx, job)
	if err != nil {
		if ctx.Err() != nil && !broker.IsUnavailable(err) {
			err = broker.Unavailable(err, "enqueue")
		}
		return nil, errors.Wrapf(err, "enqueue %s into %s", name, q.name)
	}

	h := &Handle{
		ID:         res.JobID,
		Queue:      q.name,
		Name:       name,
		Duplicate:  res.Duplicate,
		EligibleAt: res.EligibleAt,
	}

	if !h.Duplicate && q.notifier != nil {
		q.notifier.JobEnqueued(ctx, q.name, h.ID, h.EligibleAt)
	}

	q.logger.Debug("job enqueued",
		"queue", q.name,
		"job", name,
		"job_id", h.ID,
		"duplicate", h.Duplicate,
		"eligible_at", h.EligibleAt,
	)
	return h, nil
}

// Trim применяет retention политику очереди.
func (q *Queue) Trim(ctx context.Context) (int, error) {
	return q.broker.Trim(ctx, q.name, q.policy.KeepCompleted, q.policy.KeepDead)
}
