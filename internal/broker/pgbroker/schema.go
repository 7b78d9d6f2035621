package pgbroker

import (
	"context"

	"github.com/cockroachdb/errors"
)

// schema — таблицы брокера. Идемпотентна: Migrate можно вызывать
// при каждом старте процесса.
//
// Уникальный частичный индекс по dedup_key держит ключ, пока строка job
// существует в любом состоянии. Trim удаляет строки и тем освобождает ключи.
const schema = `
CREATE TABLE IF NOT EXISTS trendline_jobs (
	id           uuid PRIMARY KEY,
	seq          bigserial,
	queue        text NOT NULL,
	name         text NOT NULL,
	payload      jsonb,
	dedup_key    text,
	priority     integer NOT NULL,
	state        text NOT NULL,
	attempts     integer NOT NULL DEFAULT 0,
	max_attempts integer NOT NULL,
	backoff_ms   bigint NOT NULL,
	eligible_at  timestamptz NOT NULL,
	created_at   timestamptz NOT NULL,
	claimed_at   timestamptz,
	finished_at  timestamptz,
	last_error   text
);

CREATE UNIQUE INDEX IF NOT EXISTS trendline_jobs_dedup_key
	ON trendline_jobs (dedup_key) WHERE dedup_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS trendline_jobs_claim
	ON trendline_jobs (queue, priority, eligible_at, seq) WHERE state = 'PENDING';

CREATE INDEX IF NOT EXISTS trendline_jobs_history
	ON trendline_jobs (queue, state, finished_at);

CREATE TABLE IF NOT EXISTS trendline_schedules (
	name             text PRIMARY KEY,
	queue            text NOT NULL,
	job_name         text NOT NULL,
	trigger_cron     text NOT NULL DEFAULT '',
	trigger_every_ms bigint NOT NULL DEFAULT 0,
	payload          jsonb,
	next_run_at      timestamptz NOT NULL,
	last_run_at      timestamptz,
	created_at       timestamptz NOT NULL,
	updated_at       timestamptz NOT NULL
);
`

// Migrate создаёт таблицы брокера, если их нет.
func (b *Broker) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "migrate broker schema")
	}
	return nil
}
