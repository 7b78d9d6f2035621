package pgbroker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/domain"
)

const scheduleColumns = `name, queue, job_name, trigger_cron, trigger_every_ms, payload,
	next_run_at, last_run_at, created_at, updated_at`

// UpsertSchedule создаёт или обновляет schedule по имени.
//
// next_run_at сохраняется, если trigger не изменился: повторная регистрация
// при рестарте процесса не сдвигает ближайшее срабатывание.
func (b *Broker) UpsertSchedule(ctx context.Context, schedule *domain.Schedule) error {
	if err := broker.ValidateSchedule(schedule); err != nil {
		return err
	}

	trigger := schedule.Trigger
	if trigger.IsCron() {
		trigger.EveryMs = 0
	}

	payload, err := marshalPayload(schedule.Payload)
	if err != nil {
		return errors.Wrap(broker.ErrInvalidSchedule, err.Error())
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO trendline_schedules (
			name, queue, job_name, trigger_cron, trigger_every_ms, payload, next_run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (name) DO UPDATE SET
			queue = EXCLUDED.queue,
			job_name = EXCLUDED.job_name,
			payload = EXCLUDED.payload,
			next_run_at = CASE
				WHEN trendline_schedules.trigger_cron = EXCLUDED.trigger_cron
				 AND trendline_schedules.trigger_every_ms = EXCLUDED.trigger_every_ms
				THEN trendline_schedules.next_run_at
				ELSE EXCLUDED.next_run_at
			END,
			trigger_cron = EXCLUDED.trigger_cron,
			trigger_every_ms = EXCLUDED.trigger_every_ms,
			updated_at = EXCLUDED.updated_at
	`,
		schedule.Name,
		schedule.Queue,
		schedule.JobName,
		trigger.Cron,
		trigger.EveryMs,
		payload,
		schedule.NextRunAt,
		time.Now(),
	)
	if err != nil {
		return broker.Unavailable(err, "upsert schedule")
	}
	return nil
}

// ListSchedules возвращает все schedules по имени.
func (b *Broker) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := b.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM trendline_schedules ORDER BY name`)
	if err != nil {
		return nil, broker.Unavailable(err, "list schedules")
	}

	schedules, err := pgx.CollectRows(rows, scanSchedule)
	if err != nil {
		return nil, broker.Unavailable(err, "list schedules")
	}
	return schedules, nil
}

// AdvanceSchedule сдвигает next_run_at с from на to, если его ещё никто не сдвинул.
func (b *Broker) AdvanceSchedule(ctx context.Context, name string, from, to time.Time) (bool, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE trendline_schedules
		SET next_run_at = $3, last_run_at = $2, updated_at = now()
		WHERE name = $1 AND next_run_at = $2
	`, name, from, to)
	if err != nil {
		return false, broker.Unavailable(err, "advance schedule")
	}
	return tag.RowsAffected() == 1, nil
}

func scanSchedule(row pgx.CollectableRow) (domain.Schedule, error) {
	var (
		s       domain.Schedule
		payload []byte
	)
	err := row.Scan(
		&s.Name,
		&s.Queue,
		&s.JobName,
		&s.Trigger.Cron,
		&s.Trigger.EveryMs,
		&payload,
		&s.NextRunAt,
		&s.LastRunAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &s.Payload); err != nil {
			return domain.Schedule{}, errors.Wrap(err, "unmarshal schedule payload")
		}
	}
	return s, nil
}
