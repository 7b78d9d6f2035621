package domain

import (
	"fmt"
	"time"
)

// Trigger — спецификация срабатывания recurring schedule.
//
// Задаётся одно из полей:
//   - EveryMs — фиксированный интервал в миллисекундах
//   - Cron — cron-выражение в UTC ("0 3 * * *" — каждый день в 03:00)
//
// Если задан Cron, EveryMs игнорируется.
type Trigger struct {
	EveryMs int64  `json:"every_ms,omitempty"`
	Cron    string `json:"cron,omitempty"`
}

// Every возвращает trigger с фиксированным интервалом.
func Every(d time.Duration) Trigger {
	return Trigger{EveryMs: d.Milliseconds()}
}

// Cron возвращает calendar trigger.
func Cron(expr string) Trigger {
	return Trigger{Cron: expr}
}

// IsCron возвращает true, если trigger календарный.
func (t Trigger) IsCron() bool {
	return t.Cron != ""
}

// IsInterval возвращает true, если trigger интервальный.
func (t Trigger) IsInterval() bool {
	return t.Cron == "" && t.EveryMs > 0
}

// Interval возвращает интервал как time.Duration.
func (t Trigger) Interval() time.Duration {
	return time.Duration(t.EveryMs) * time.Millisecond
}

// Equal сравнивает два trigger.
func (t Trigger) Equal(other Trigger) bool {
	if t.IsCron() || other.IsCron() {
		return t.Cron == other.Cron
	}
	return t.EveryMs == other.EveryMs
}

// String возвращает trigger в том же виде, в каком он задаётся в конфиге.
func (t Trigger) String() string {
	if t.IsCron() {
		return t.Cron
	}
	return fmt.Sprintf("@every %s", t.Interval())
}

// Schedule — именованный recurring schedule в брокере.
//
// Schedule уникален по Name: повторная регистрация с тем же именем
// обновляет trigger, а не создаёт дубликат.
type Schedule struct {
	// Name — уникальное имя schedule.
	Name string `json:"name"`

	// Queue — очередь, в которую пишется tick job.
	Queue string `json:"queue"`

	// JobName — имя tick job.
	JobName string `json:"job_name"`

	// Trigger — когда срабатывать.
	Trigger Trigger `json:"trigger"`

	// Payload — статический payload tick job (обычно пустой).
	Payload map[string]any `json:"payload,omitempty"`

	// NextRunAt — время следующего срабатывания.
	NextRunAt time.Time `json:"next_run_at"`

	// LastRunAt — время последнего срабатывания.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// CreatedAt — время первой регистрации.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего upsert.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDue проверяет, пора ли срабатывать.
func (s *Schedule) IsDue(now time.Time) bool {
	return !s.NextRunAt.IsZero() && !now.Before(s.NextRunAt)
}
