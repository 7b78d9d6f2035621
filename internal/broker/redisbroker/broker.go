// Package redisbroker — реализация broker.Broker поверх Redis (go-redis).
//
// Каждое изменение состояния job — optimistic-транзакция: WATCH ключей,
// чтение, затем MULTI/EXEC. При конфликте транзакция повторяется.
// Доступный сразу job пишется в ready (score = priority, eligible_at).
// Отложенные jobs лежат в delayed-множестве; перед захватом в ready
// переносятся все созревшие, поэтому порядок priority ASC соблюдается
// независимо от размера backlog.
package redisbroker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/domain"
)

// DefaultPrefix — префикс ключей по умолчанию.
const DefaultPrefix = "trendline"

const (
	// maxTxRetries — сколько раз повторять транзакцию при конфликте WATCH.
	maxTxRetries = 32

	// promoteBatch — сколько созревших delayed jobs переносить за одну транзакцию.
	promoteBatch = 100

	stalledError = "job stalled: worker lost"
)

// errSkip — mutate отказался менять job.
var errSkip = errors.New("skip")

// Broker — брокер на Redis.
type Broker struct {
	client *redis.Client
	keys   keys
}

var _ broker.Broker = (*Broker)(nil)

// New подключается к Redis по URL и проверяет соединение.
func New(ctx context.Context, redisURL, prefix string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "connect to redis")
	}

	return NewWithClient(client, prefix), nil
}

// NewWithClient создаёт Broker поверх готового клиента.
func NewWithClient(client *redis.Client, prefix string) *Broker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Broker{client: client, keys: keys{prefix: prefix}}
}

// Enqueue ставит job в очередь.
//
// Ключ дедупликации наблюдается через WATCH: из двух конкурентных
// enqueue с одним ключом EXEC пройдёт только у одного.
func (b *Broker) Enqueue(ctx context.Context, job *domain.Job) (broker.EnqueueResult, error) {
	j := job.Clone()
	if err := broker.PrepareJob(j, broker.EnqueueTime(job)); err != nil {
		return broker.EnqueueResult{}, err
	}

	data, err := json.Marshal(j)
	if err != nil {
		return broker.EnqueueResult{}, errors.Wrap(broker.ErrInvalidJob, err.Error())
	}

	target, score := b.pendingSet(j, broker.EnqueueTime(job))
	store := func(pipe redis.Pipeliner) {
		pipe.Set(ctx, b.keys.job(j.ID), data, 0)
		pipe.ZAdd(ctx, target, redis.Z{Score: score, Member: j.ID})
	}

	if j.DedupKey == "" {
		if _, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			store(pipe)
			return nil
		}); err != nil {
			return broker.EnqueueResult{}, broker.Unavailable(err, "enqueue")
		}
		return broker.EnqueueResult{JobID: j.ID, EligibleAt: j.EligibleAt}, nil
	}

	var result broker.EnqueueResult
	dedupKey := b.keys.dedup(j.DedupKey)

	err = b.watch(ctx, "enqueue", func(tx *redis.Tx) error {
		existingID, err := tx.Get(ctx, dedupKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if existingID != "" {
			existing, err := b.load(ctx, tx, existingID)
			if err == nil {
				result = broker.EnqueueResult{JobID: existingID, Duplicate: true, EligibleAt: existing.EligibleAt}
				return nil
			}
			if !errors.Is(err, broker.ErrJobNotFound) {
				return err
			}
			// Ключ без job: перезаписываем
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dedupKey, j.ID, 0)
			store(pipe)
			return nil
		})
		if err != nil {
			return err
		}
		result = broker.EnqueueResult{JobID: j.ID, EligibleAt: j.EligibleAt}
		return nil
	}, dedupKey)
	if err != nil {
		return broker.EnqueueResult{}, err
	}
	return result, nil
}

// Claim захватывает следующий доступный job очереди.
func (b *Broker) Claim(ctx context.Context, queue string, now time.Time) (*domain.Job, error) {
	if err := b.promote(ctx, queue, now); err != nil {
		return nil, err
	}

	readyKey := b.keys.ready(queue)
	var claimed *domain.Job

	for range maxTxRetries {
		var missing bool
		err := b.watch(ctx, "claim", func(tx *redis.Tx) error {
			ids, err := tx.ZRange(ctx, readyKey, 0, 0).Result()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			id := ids[0]

			if err := tx.Watch(ctx, b.keys.job(id)).Err(); err != nil {
				return err
			}
			job, err := b.load(ctx, tx, id)
			if errors.Is(err, broker.ErrJobNotFound) {
				missing = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, readyKey, id)
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}

			job.MarkActive(now)
			data, err := json.Marshal(job)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, readyKey, id)
				pipe.Set(ctx, b.keys.job(id), data, 0)
				pipe.ZAdd(ctx, b.keys.active(queue), redis.Z{Score: float64(now.UnixMilli()), Member: id})
				return nil
			})
			if err != nil {
				return err
			}
			claimed = job
			return nil
		}, readyKey)
		if err != nil {
			return nil, err
		}
		if !missing {
			return claimed, nil
		}
	}
	return nil, nil
}

// promote переносит в ready все созревшие delayed jobs, пачками по promoteBatch.
func (b *Broker) promote(ctx context.Context, queue string, now time.Time) error {
	for {
		moved, err := b.promoteBatch(ctx, queue, now)
		if err != nil {
			return err
		}
		if moved < promoteBatch {
			return nil
		}
	}
}

// promoteBatch переносит одну пачку и возвращает её размер.
func (b *Broker) promoteBatch(ctx context.Context, queue string, now time.Time) (int, error) {
	delayedKey := b.keys.delayed(queue)
	readyKey := b.keys.ready(queue)

	var moved int
	err := b.watch(ctx, "claim", func(tx *redis.Tx) error {
		moved = 0
		ids, err := tx.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   msScore(now.UnixMilli()),
			Count: promoteBatch,
		}).Result()
		if err != nil || len(ids) == 0 {
			return err
		}

		ready := make([]redis.Z, 0, len(ids))
		for _, id := range ids {
			job, err := b.load(ctx, tx, id)
			if errors.Is(err, broker.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			ready = append(ready, redis.Z{
				Score:  readyScore(job.Priority, job.EligibleAt.UnixMilli()),
				Member: id,
			})
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			members := make([]any, len(ids))
			for i, id := range ids {
				members[i] = id
			}
			pipe.ZRem(ctx, delayedKey, members...)
			if len(ready) > 0 {
				pipe.ZAdd(ctx, readyKey, ready...)
			}
			return nil
		})
		if err == nil {
			moved = len(ids)
		}
		return err
	}, delayedKey)
	return moved, err
}

// Complete переводит ACTIVE job в COMPLETED.
func (b *Broker) Complete(ctx context.Context, jobID string, now time.Time) error {
	return b.transition(ctx, "complete", jobID, now, func(j *domain.Job) error {
		j.MarkCompleted(now)
		return nil
	})
}

// Fail фиксирует неудачную попытку.
func (b *Broker) Fail(ctx context.Context, jobID string, cause error, now time.Time) (domain.JobState, error) {
	var state domain.JobState
	err := b.transition(ctx, "fail", jobID, now, func(j *domain.Job) error {
		j.MarkFailed(broker.CauseMessage(cause), now)
		state = j.State
		return nil
	})
	return state, err
}

// Bury переводит job в DEAD.
func (b *Broker) Bury(ctx context.Context, jobID string, cause error, now time.Time) error {
	return b.transition(ctx, "bury", jobID, now, func(j *domain.Job) error {
		j.MarkDead(broker.CauseMessage(cause), now)
		return nil
	})
}

// RecoverStalled возвращает зависшие ACTIVE jobs.
func (b *Broker) RecoverStalled(ctx context.Context, queue string, before, now time.Time) (int, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.keys.active(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + msScore(before.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, broker.Unavailable(err, "recover stalled")
	}

	var recovered int
	for _, id := range ids {
		err := b.transition(ctx, "recover stalled", id, now, func(j *domain.Job) error {
			if j.ClaimedAt == nil || !j.ClaimedAt.Before(before) {
				return errSkip
			}
			j.MarkFailed(stalledError, now)
			return nil
		})
		switch {
		case err == nil:
			recovered++
		case errors.Is(err, errSkip), errors.Is(err, broker.ErrJobNotActive), errors.Is(err, broker.ErrJobNotFound):
			// Job уже завершился или был перезахвачен
		default:
			return recovered, err
		}
	}
	return recovered, nil
}

// transition атомарно меняет ACTIVE job и переносит его в множество нового состояния.
func (b *Broker) transition(ctx context.Context, op, jobID string, now time.Time, mutate func(*domain.Job) error) error {
	jobKey := b.keys.job(jobID)

	return b.watch(ctx, op, func(tx *redis.Tx) error {
		job, err := b.load(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.State != domain.JobStateActive {
			return errors.Wrapf(broker.ErrJobNotActive, "job %s is %s", jobID, job.State)
		}

		if err := mutate(job); err != nil {
			return err
		}

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey, data, 0)
			pipe.ZRem(ctx, b.keys.active(job.Queue), jobID)
			target, score := b.stateSet(job, now)
			pipe.ZAdd(ctx, target, redis.Z{Score: score, Member: jobID})
			return nil
		})
		return err
	}, jobKey)
}

// stateSet возвращает множество и score для job после перехода.
func (b *Broker) stateSet(job *domain.Job, now time.Time) (string, float64) {
	switch job.State {
	case domain.JobStateCompleted:
		return b.keys.completed(job.Queue), float64(job.FinishedAt.UnixMilli())
	case domain.JobStateDead:
		return b.keys.dead(job.Queue), float64(job.FinishedAt.UnixMilli())
	default:
		return b.pendingSet(job, now)
	}
}

// pendingSet выбирает для PENDING job ready, если он уже доступен в now,
// иначе delayed.
func (b *Broker) pendingSet(job *domain.Job, now time.Time) (string, float64) {
	if job.EligibleAt.After(now) {
		return b.keys.delayed(job.Queue), float64(job.EligibleAt.UnixMilli())
	}
	return b.keys.ready(job.Queue), readyScore(job.Priority, job.EligibleAt.UnixMilli())
}

// Trim удаляет старейшие завершённые и мёртвые jobs сверх лимитов.
// Ключ дедупликации удаляется вместе с job, если всё ещё указывает на него.
func (b *Broker) Trim(ctx context.Context, queue string, keepCompleted, keepDead int) (int, error) {
	var removed int
	for _, set := range []struct {
		key  string
		keep int
	}{
		{b.keys.completed(queue), keepCompleted},
		{b.keys.dead(queue), keepDead},
	} {
		total, err := b.client.ZCard(ctx, set.key).Result()
		if err != nil {
			return removed, broker.Unavailable(err, "trim")
		}
		excess := total - int64(max(set.keep, 0))
		if excess <= 0 {
			continue
		}

		// Старейшие первыми
		ids, err := b.client.ZRange(ctx, set.key, 0, excess-1).Result()
		if err != nil {
			return removed, broker.Unavailable(err, "trim")
		}
		for _, id := range ids {
			if err := b.remove(ctx, set.key, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// remove удаляет job из истории вместе с его ключом дедупликации.
func (b *Broker) remove(ctx context.Context, setKey, jobID string) error {
	jobKey := b.keys.job(jobID)

	return b.watch(ctx, "trim", func(tx *redis.Tx) error {
		job, err := b.load(ctx, tx, jobID)
		if err != nil && !errors.Is(err, broker.ErrJobNotFound) {
			return err
		}

		var dedupKey string
		if job != nil && job.DedupKey != "" {
			dedupKey = b.keys.dedup(job.DedupKey)
			if err := tx.Watch(ctx, dedupKey).Err(); err != nil {
				return err
			}
			owner, err := tx.Get(ctx, dedupKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if owner != jobID {
				dedupKey = ""
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, jobKey)
			pipe.ZRem(ctx, setKey, jobID)
			if dedupKey != "" {
				pipe.Del(ctx, dedupKey)
			}
			return nil
		})
		return err
	}, jobKey)
}

// Get возвращает job по id.
func (b *Broker) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := b.load(ctx, b.client, jobID)
	if err != nil {
		return nil, classify(err, "get")
	}
	return job, nil
}

// List возвращает jobs очереди в состоянии state, новые первыми.
func (b *Broker) List(ctx context.Context, queue string, state domain.JobState, limit int) ([]domain.Job, error) {
	var sets []string
	switch state {
	case domain.JobStatePending:
		sets = []string{b.keys.ready(queue), b.keys.delayed(queue)}
	case domain.JobStateActive:
		sets = []string{b.keys.active(queue)}
	case domain.JobStateCompleted:
		sets = []string{b.keys.completed(queue)}
	case domain.JobStateDead:
		sets = []string{b.keys.dead(queue)}
	default:
		return nil, nil
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	var jobs []domain.Job
	for _, set := range sets {
		ids, err := b.client.ZRevRange(ctx, set, 0, stop).Result()
		if err != nil {
			return nil, broker.Unavailable(err, "list")
		}
		for _, id := range ids {
			job, err := b.load(ctx, b.client, id)
			if errors.Is(err, broker.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return nil, classify(err, "list")
			}
			jobs = append(jobs, *job)
		}
	}

	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Counts возвращает количество jobs по состояниям.
func (b *Broker) Counts(ctx context.Context, queue string) (broker.Counts, error) {
	pipe := b.client.Pipeline()
	ready := pipe.ZCard(ctx, b.keys.ready(queue))
	delayed := pipe.ZCard(ctx, b.keys.delayed(queue))
	active := pipe.ZCard(ctx, b.keys.active(queue))
	completed := pipe.ZCard(ctx, b.keys.completed(queue))
	dead := pipe.ZCard(ctx, b.keys.dead(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return broker.Counts{}, broker.Unavailable(err, "counts")
	}

	return broker.Counts{
		Pending:   ready.Val() + delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Dead:      dead.Val(),
	}, nil
}

// Ping проверяет доступность Redis.
func (b *Broker) Ping(ctx context.Context) error {
	return broker.Unavailable(b.client.Ping(ctx).Err(), "ping")
}

// Close закрывает клиент.
func (b *Broker) Close() error {
	return b.client.Close()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (b *Broker) load(ctx context.Context, c getter, jobID string) (*domain.Job, error) {
	data, err := c.Get(ctx, b.keys.job(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(broker.ErrJobNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, err
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrapf(err, "decode job %s", jobID)
	}
	return &job, nil
}

// watch выполняет optimistic-транзакцию, повторяя её при конфликте.
func (b *Broker) watch(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := b.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return classify(err, op)
	}
	return broker.Unavailable(errors.Newf("transaction conflict on %v", keys), op)
}

// classify помечает ошибки Redis как ErrUnavailable, пропуская ошибки брокера.
func classify(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, broker.ErrJobNotFound),
		errors.Is(err, broker.ErrJobNotActive),
		errors.Is(err, broker.ErrInvalidJob),
		errors.Is(err, broker.ErrInvalidSchedule),
		errors.Is(err, broker.ErrUnavailable),
		errors.Is(err, errSkip):
		return err
	default:
		return broker.Unavailable(err, op)
	}
}
