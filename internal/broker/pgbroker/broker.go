// Package pgbroker — реализация broker.Broker поверх PostgreSQL (pgx).
//
// Дедупликация — уникальный частичный индекс по dedup_key и
// INSERT ... ON CONFLICT DO NOTHING. Захват — UPDATE по подзапросу
// с FOR UPDATE SKIP LOCKED: несколько воркеров не блокируют друг друга
// и не захватывают один job дважды.
package pgbroker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/domain"
)

// stalledError — причина неудачи для jobs, возвращённых RecoverStalled.
const stalledError = "job stalled: worker lost"

const jobColumns = `id::text, queue, name, payload, dedup_key, priority, state, attempts,
	max_attempts, backoff_ms, eligible_at, created_at, claimed_at, finished_at, last_error`

// Broker — брокер на PostgreSQL.
// Пул соединений принадлежит вызывающему: Close его не закрывает.
type Broker struct {
	pool *pgxpool.Pool
}

var _ broker.Broker = (*Broker)(nil)

// New создаёт Broker поверх пула.
func New(pool *pgxpool.Pool) *Broker {
	return &Broker{pool: pool}
}

// Enqueue ставит job в очередь.
func (b *Broker) Enqueue(ctx context.Context, job *domain.Job) (broker.EnqueueResult, error) {
	j := job.Clone()
	if err := broker.PrepareJob(j, broker.EnqueueTime(job)); err != nil {
		return broker.EnqueueResult{}, err
	}

	id, err := uuid.Parse(j.ID)
	if err != nil {
		return broker.EnqueueResult{}, errors.Wrapf(broker.ErrInvalidJob, "job id %q is not a uuid", j.ID)
	}

	payload, err := marshalPayload(j.Payload)
	if err != nil {
		return broker.EnqueueResult{}, errors.Wrap(broker.ErrInvalidJob, err.Error())
	}

	insert := `
		INSERT INTO trendline_jobs (
			id, queue, name, payload, dedup_key, priority, state, attempts,
			max_attempts, backoff_ms, eligible_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11)
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
		RETURNING id::text
	`

	// Вторая итерация нужна, если job с тем же ключом удалил Trim
	// между INSERT и SELECT.
	for range 2 {
		var insertedID string
		err := b.pool.QueryRow(ctx, insert,
			id,
			j.Queue,
			j.Name,
			payload,
			nullString(j.DedupKey),
			j.Priority,
			string(j.State),
			j.Retry.MaxAttempts,
			j.Retry.Backoff.Milliseconds(),
			j.EligibleAt,
			j.CreatedAt,
		).Scan(&insertedID)
		if err == nil {
			return broker.EnqueueResult{JobID: insertedID, EligibleAt: j.EligibleAt}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return broker.EnqueueResult{}, broker.Unavailable(err, "enqueue")
		}

		var (
			existingID string
			eligibleAt time.Time
		)
		err = b.pool.QueryRow(ctx,
			`SELECT id::text, eligible_at FROM trendline_jobs WHERE dedup_key = $1`,
			j.DedupKey,
		).Scan(&existingID, &eligibleAt)
		if err == nil {
			return broker.EnqueueResult{JobID: existingID, Duplicate: true, EligibleAt: eligibleAt}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return broker.EnqueueResult{}, broker.Unavailable(err, "enqueue")
		}
	}

	return broker.EnqueueResult{}, broker.Unavailable(
		errors.Newf("dedup key %s keeps changing owner", j.DedupKey), "enqueue")
}

// Claim захватывает следующий доступный job очереди.
func (b *Broker) Claim(ctx context.Context, queue string, now time.Time) (*domain.Job, error) {
	query := `
		UPDATE trendline_jobs
		SET state = 'ACTIVE', attempts = attempts + 1, claimed_at = $2
		WHERE id = (
			SELECT id FROM trendline_jobs
			WHERE queue = $1 AND state = 'PENDING' AND eligible_at <= $2
			ORDER BY priority, eligible_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(b.pool.QueryRow(ctx, query, queue, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, broker.Unavailable(err, "claim")
	}
	return job, nil
}

// Complete переводит ACTIVE job в COMPLETED.
func (b *Broker) Complete(ctx context.Context, jobID string, now time.Time) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return errors.Wrapf(broker.ErrJobNotFound, "job %s", jobID)
	}

	tag, err := b.pool.Exec(ctx, `
		UPDATE trendline_jobs
		SET state = 'COMPLETED', claimed_at = NULL, finished_at = $2, last_error = NULL
		WHERE id = $1 AND state = 'ACTIVE'
	`, id, now)
	if err != nil {
		return broker.Unavailable(err, "complete")
	}
	if tag.RowsAffected() == 0 {
		return b.notActive(ctx, jobID)
	}
	return nil
}

// Fail фиксирует неудачную попытку.
func (b *Broker) Fail(ctx context.Context, jobID string, cause error, now time.Time) (domain.JobState, error) {
	var state domain.JobState
	err := b.transition(ctx, "fail", jobID, func(j *domain.Job) {
		j.MarkFailed(broker.CauseMessage(cause), now)
		state = j.State
	})
	return state, err
}

// Bury переводит job в DEAD.
func (b *Broker) Bury(ctx context.Context, jobID string, cause error, now time.Time) error {
	return b.transition(ctx, "bury", jobID, func(j *domain.Job) {
		j.MarkDead(broker.CauseMessage(cause), now)
	})
}

// transition блокирует ACTIVE job, применяет mutate и сохраняет результат.
func (b *Broker) transition(ctx context.Context, op, jobID string, mutate func(*domain.Job)) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return errors.Wrapf(broker.ErrJobNotFound, "job %s", jobID)
	}

	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM trendline_jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(broker.ErrJobNotFound, "job %s", jobID)
		}
		if err != nil {
			return broker.Unavailable(err, op)
		}
		if job.State != domain.JobStateActive {
			return errors.Wrapf(broker.ErrJobNotActive, "job %s is %s", jobID, job.State)
		}

		mutate(job)
		return saveState(ctx, tx, op, job)
	})
}

// RecoverStalled возвращает зависшие ACTIVE jobs.
func (b *Broker) RecoverStalled(ctx context.Context, queue string, before, now time.Time) (int, error) {
	var recovered int
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+` FROM trendline_jobs
			WHERE queue = $1 AND state = 'ACTIVE' AND claimed_at < $2
			FOR UPDATE SKIP LOCKED
		`, queue, before)
		if err != nil {
			return broker.Unavailable(err, "recover stalled")
		}

		jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Job, error) {
			return scanJob(row)
		})
		if err != nil {
			return broker.Unavailable(err, "recover stalled")
		}

		for _, job := range jobs {
			job.MarkFailed(stalledError, now)
			if err := saveState(ctx, tx, "recover stalled", job); err != nil {
				return err
			}
		}
		recovered = len(jobs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

// Trim удаляет старую историю очереди. Удаление строки освобождает dedup_key.
func (b *Broker) Trim(ctx context.Context, queue string, keepCompleted, keepDead int) (int, error) {
	query := `
		DELETE FROM trendline_jobs WHERE id IN (
			SELECT id FROM trendline_jobs
			WHERE queue = $1 AND state = $2
			ORDER BY finished_at DESC, seq DESC
			OFFSET $3
		)
	`

	var removed int
	for state, keep := range map[domain.JobState]int{
		domain.JobStateCompleted: keepCompleted,
		domain.JobStateDead:      keepDead,
	} {
		tag, err := b.pool.Exec(ctx, query, queue, string(state), max(keep, 0))
		if err != nil {
			return removed, broker.Unavailable(err, "trim")
		}
		removed += int(tag.RowsAffected())
	}
	return removed, nil
}

// Get возвращает job по id.
func (b *Broker) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, errors.Wrapf(broker.ErrJobNotFound, "job %s", jobID)
	}

	job, err := scanJob(b.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM trendline_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(broker.ErrJobNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, broker.Unavailable(err, "get")
	}
	return job, nil
}

// List возвращает jobs очереди в состоянии state, новые первыми.
// limit <= 0 — без ограничения.
func (b *Broker) List(ctx context.Context, queue string, state domain.JobState, limit int) ([]domain.Job, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM trendline_jobs
		WHERE queue = $1 AND state = $2
		ORDER BY seq DESC
		LIMIT NULLIF($3::int, 0)
	`, queue, string(state), max(limit, 0))
	if err != nil {
		return nil, broker.Unavailable(err, "list")
	}

	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Job, error) {
		job, err := scanJob(row)
		if err != nil {
			return domain.Job{}, err
		}
		return *job, nil
	})
	if err != nil {
		return nil, broker.Unavailable(err, "list")
	}
	return jobs, nil
}

// Counts возвращает количество jobs по состояниям.
func (b *Broker) Counts(ctx context.Context, queue string) (broker.Counts, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT state, count(*) FROM trendline_jobs WHERE queue = $1 GROUP BY state`, queue)
	if err != nil {
		return broker.Counts{}, broker.Unavailable(err, "counts")
	}
	defer rows.Close()

	var c broker.Counts
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return broker.Counts{}, broker.Unavailable(err, "counts")
		}
		switch domain.JobState(state) {
		case domain.JobStatePending:
			c.Pending = n
		case domain.JobStateActive:
			c.Active = n
		case domain.JobStateCompleted:
			c.Completed = n
		case domain.JobStateDead:
			c.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return broker.Counts{}, broker.Unavailable(err, "counts")
	}
	return c, nil
}

// Ping проверяет доступность PostgreSQL.
func (b *Broker) Ping(ctx context.Context) error {
	return broker.Unavailable(b.pool.Ping(ctx), "ping")
}

// Close ничего не делает: пул закрывает владелец.
func (b *Broker) Close() error {
	return nil
}

// notActive различает отсутствующий и не-ACTIVE job.
func (b *Broker) notActive(ctx context.Context, jobID string) error {
	job, err := b.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return errors.Wrapf(broker.ErrJobNotActive, "job %s is %s", jobID, job.State)
}

// saveState сохраняет изменяемые поля job.
func saveState(ctx context.Context, tx pgx.Tx, op string, job *domain.Job) error {
	_, err := tx.Exec(ctx, `
		UPDATE trendline_jobs
		SET state = $2, attempts = $3, eligible_at = $4, claimed_at = $5, finished_at = $6, last_error = $7
		WHERE id = $1::uuid
	`,
		job.ID,
		string(job.State),
		job.Attempts,
		job.EligibleAt,
		job.ClaimedAt,
		job.FinishedAt,
		nullString(job.LastError),
	)
	if err != nil {
		return broker.Unavailable(err, op)
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		payload   []byte
		dedupKey  *string
		state     string
		backoffMs int64
		lastError *string
	)

	err := row.Scan(
		&job.ID,
		&job.Queue,
		&job.Name,
		&payload,
		&dedupKey,
		&job.Priority,
		&state,
		&job.Attempts,
		&job.Retry.MaxAttempts,
		&backoffMs,
		&job.EligibleAt,
		&job.CreatedAt,
		&job.ClaimedAt,
		&job.FinishedAt,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	job.State = domain.JobState(state)
	job.Retry.Backoff = time.Duration(backoffMs) * time.Millisecond
	if dedupKey != nil {
		job.DedupKey = *dedupKey
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal payload")
		}
	}
	return &job, nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return data, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
