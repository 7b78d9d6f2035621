package worker

import "github.com/cockroachdb/errors"

// Ошибки воркера.
var (
	// ErrHandlerFailed — handler вернул ошибку (HandlerExecutionFailed).
	// Job уходит на retry с backoff, после исчерпания попыток — в DEAD.
	ErrHandlerFailed = errors.New("handler execution failed")

	// ErrUnknownJob — для имени job нет handler. Job сразу уходит в DEAD.
	ErrUnknownJob = errors.New("no handler registered for job")

	// ErrHandlerPanic — handler запаниковал. Обрабатывается как ErrHandlerFailed.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrWorkerStopped — пул остановлен, новые jobs не захватываются.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrHTTPRequest — запрос к внешнему handler завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)
