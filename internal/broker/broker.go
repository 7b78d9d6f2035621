// Package broker описывает durable-брокер очередей и его реализации.
//
// Брокер отвечает за:
//   - хранение jobs с дедупликацией, задержкой, приоритетом и retry/backoff
//   - захват job ровно одним воркером
//   - bounded retention истории (completed / dead)
//   - хранение recurring schedules с upsert по имени
//
// Реализации:
//   - Memory — in-process, для тестов и локальной разработки
//   - pgbroker — PostgreSQL (pgx)
//   - redisbroker — Redis (go-redis)
//
// Все реализации безопасны для конкурентного использования несколькими
// dispatchers и воркерами одновременно.
package broker

import (
	"context"
	"time"

	"github.com/shaiso/Trendline/internal/domain"
)

// EnqueueResult — результат постановки job.
type EnqueueResult struct {
	// JobID — id нового job или уже существующего (при Duplicate).
	JobID string

	// Duplicate — ключ дедупликации уже занят; новый job не создан.
	// Это не ошибка: работа уже запланирована.
	Duplicate bool

	// EligibleAt — когда job станет доступен воркерам.
	EligibleAt time.Time
}

// Counts — количество jobs в очереди по состояниям.
type Counts struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
}

// Broker — durable-брокер очередей.
type Broker interface {
	// Enqueue ставит job в очередь. Если job.DedupKey занят удерживаемым
	// job, возвращает его id с Duplicate=true. Ошибки I/O помечены ErrUnavailable.
	Enqueue(ctx context.Context, job *domain.Job) (EnqueueResult, error)

	// Claim атомарно захватывает следующий доступный job очереди
	// (priority ASC, eligible_at ASC). Возвращает nil, nil если захватывать нечего.
	Claim(ctx context.Context, queue string, now time.Time) (*domain.Job, error)

	// Complete переводит ACTIVE job в COMPLETED.
	Complete(ctx context.Context, jobID string, now time.Time) error

	// Fail фиксирует неудачную попытку. Возвращает новое состояние:
	// PENDING (retry после backoff) или DEAD.
	Fail(ctx context.Context, jobID string, cause error, now time.Time) (domain.JobState, error)

	// Bury переводит ACTIVE job сразу в DEAD, без повторов.
	Bury(ctx context.Context, jobID string, cause error, now time.Time) error

	// RecoverStalled возвращает ACTIVE jobs, захваченные раньше before,
	// через обычный путь Fail. Возвращает количество восстановленных jobs.
	RecoverStalled(ctx context.Context, queue string, before, now time.Time) (int, error)

	// Trim оставляет в истории очереди не более keepCompleted завершённых
	// и keepDead мёртвых jobs. Удалённые jobs освобождают ключи дедупликации.
	Trim(ctx context.Context, queue string, keepCompleted, keepDead int) (int, error)

	// Get возвращает job по id.
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// List возвращает jobs очереди в указанном состоянии.
	List(ctx context.Context, queue string, state domain.JobState, limit int) ([]domain.Job, error)

	// Counts возвращает количество jobs очереди по состояниям.
	Counts(ctx context.Context, queue string) (Counts, error)

	// UpsertSchedule создаёт или обновляет schedule по имени.
	// Если trigger не изменился, сохраняет текущий NextRunAt.
	UpsertSchedule(ctx context.Context, schedule *domain.Schedule) error

	// ListSchedules возвращает все schedules, упорядоченные по имени.
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)

	// AdvanceSchedule переносит NextRunAt с from на to (compare-and-set).
	// Возвращает false, если другой процесс уже сдвинул schedule.
	AdvanceSchedule(ctx context.Context, name string, from, to time.Time) (bool, error)

	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error

	// Close освобождает ресурсы.
	Close() error
}
