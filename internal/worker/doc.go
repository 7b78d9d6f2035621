// Package worker выполняет jobs из очередей.
//
// # Обзор
//
// Pool — долгоживущий пул воркеров. Он:
//
//   - Захватывает jobs из очередей брокера (polling + wake-up из RabbitMQ)
//   - Вызывает handler, зарегистрированный для имени job
//   - Ограничивает параллелизм общим семафором (не больше HardMaxConcurrency)
//   - Ограничивает темп вызовов token bucket'ом
//   - Фиксирует результат: COMPLETED, retry с backoff или DEAD
//   - Публикует мёртвые jobs в DLQ
//
// Процессы масштабируются горизонтально: брокер гарантирует, что job
// захватывает ровно один воркер.
//
// # Handlers
//
//	type Handler interface {
//	    Handle(ctx context.Context, job *domain.Job) error
//	}
//
// Встроенные:
//   - FanoutHandler   — "<family>.tick": один fan-out проход
//   - CleanupHandler  — "data-cleanup.tick": recover stalled + retention
//   - HTTPHandler     — per-entity jobs: POST во внешний handler
//
// # Retry
//
// Retry выполняет брокер, а не воркер: handler вернул ошибку → Fail →
// job снова PENDING с eligible_at = now + backoff * 2^(attempt-1).
// После MaxAttempts job переходит в DEAD и больше не выдаётся.
// Job без handler сразу уходит в DEAD.
//
// # Остановка
//
// Stop прекращает захват новых jobs и ждёт завершения уже начатых.
// Job, оборванный падением процесса, остаётся ACTIVE, пока его не вернёт
// CleanupHandler (RecoverStalled).
package worker
