package scheduler

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/Trendline/internal/domain"
)

// ErrInvalidTrigger — trigger не распознан.
var ErrInvalidTrigger = errors.New("invalid trigger")

// everyPrefix — префикс интервального trigger.
const everyPrefix = "@every "

// cronParser — парсер cron-выражений (5 полей, плюс @daily/@hourly).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseTrigger разбирает trigger из конфига.
//
//   - "@every 6h" — фиксированный интервал
//   - "0 3 * * *" — cron в UTC
func ParseTrigger(s string) (domain.Trigger, error) {
	s = strings.TrimSpace(s)

	if rest, ok := strings.CutPrefix(s, everyPrefix); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return domain.Trigger{}, errors.Mark(errors.Wrapf(err, "trigger %q", s), ErrInvalidTrigger)
		}
		t := domain.Every(d)
		if err := ValidateTrigger(t); err != nil {
			return domain.Trigger{}, err
		}
		return t, nil
	}

	t := domain.Cron(s)
	if err := ValidateTrigger(t); err != nil {
		return domain.Trigger{}, err
	}
	return t, nil
}

// ValidateTrigger проверяет trigger.
func ValidateTrigger(t domain.Trigger) error {
	if t.IsCron() {
		if _, err := cronParser.Parse(t.Cron); err != nil {
			return errors.Mark(errors.Wrapf(err, "cron expression %q", t.Cron), ErrInvalidTrigger)
		}
		return nil
	}
	if t.Interval() < time.Second {
		return errors.Wrapf(ErrInvalidTrigger, "interval must be at least 1s, got %s", t.Interval())
	}
	return nil
}

// NextFireTime вычисляет следующее срабатывание после from.
// Результат в UTC, с точностью до секунды.
func NextFireTime(t domain.Trigger, from time.Time) (time.Time, error) {
	if err := ValidateTrigger(t); err != nil {
		return time.Time{}, err
	}

	from = from.UTC()
	if t.IsCron() {
		// Ошибка уже проверена в ValidateTrigger
		schedule, _ := cronParser.Parse(t.Cron)
		return schedule.Next(from).UTC().Truncate(time.Second), nil
	}
	return from.Add(t.Interval()).Truncate(time.Second), nil
}
