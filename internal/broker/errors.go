package broker

import (
	"github.com/cockroachdb/errors"
)

// Ошибки брокера.
var (
	// ErrUnavailable — хранилище брокера недоступно (BrokerUnavailable).
	ErrUnavailable = errors.New("broker unavailable")

	// ErrDuplicate — ключ дедупликации занят (DuplicateSuppressed).
	// Enqueue не возвращает эту ошибку, а выставляет EnqueueResult.Duplicate.
	ErrDuplicate = errors.New("duplicate suppressed")

	// ErrJobNotFound — job не найден.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotActive — операция требует ACTIVE job.
	ErrJobNotActive = errors.New("job is not active")

	// ErrInvalidJob — job не прошёл валидацию.
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvalidSchedule — schedule не прошёл валидацию.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Unavailable оборачивает ошибку драйвера и помечает её как ErrUnavailable.
func Unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrUnavailable)
}

// IsUnavailable проверяет, помечена ли ошибка как ErrUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// CauseMessage возвращает текст причины неудачи для LastError.
func CauseMessage(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	return cause.Error()
}
