package domain

import (
	"time"
)

// Приоритеты job. Меньшее число обрабатывается раньше.
const (
	PriorityHigh    = 1
	PriorityDefault = 10
)

// MaxBackoff — верхняя граница задержки между попытками.
const MaxBackoff = time.Hour

// RetryPolicy — политика повторов job.
type RetryPolicy struct {
	// MaxAttempts — максимальное число доставок (включая первую).
	MaxAttempts int `json:"max_attempts"`

	// Backoff — задержка перед второй попыткой.
	// Дальше удваивается: Backoff * 2^(attempt-1).
	Backoff time.Duration `json:"backoff"`
}

// Delay возвращает задержку перед следующей попыткой после неудачной попытки attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= MaxBackoff {
			return MaxBackoff
		}
	}
	return min(delay, MaxBackoff)
}

// Job — единица работы в именованной очереди.
type Job struct {
	// ID — идентификатор, назначается брокером.
	ID string `json:"id"`

	// Queue — имя очереди.
	Queue string `json:"queue"`

	// Name — тип job, по нему воркер выбирает handler.
	Name string `json:"name"`

	// Payload — минимальные поля для handler (ids, а не записи целиком).
	Payload map[string]any `json:"payload,omitempty"`

	// DedupKey — ключ дедупликации. Пустой — без дедупликации.
	DedupKey string `json:"dedup_key,omitempty"`

	// Priority — меньше значит раньше.
	Priority int `json:"priority"`

	// State — текущее состояние.
	State JobState `json:"state"`

	// Attempts — номер текущей (или последней) доставки, начиная с 1.
	Attempts int `json:"attempts"`

	// Retry — политика повторов, зафиксированная при enqueue.
	Retry RetryPolicy `json:"retry"`

	// EligibleAt — время, с которого job можно захватить.
	EligibleAt time.Time `json:"eligible_at"`

	// CreatedAt — время enqueue.
	CreatedAt time.Time `json:"created_at"`

	// ClaimedAt — время захвата воркером (для ACTIVE).
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// FinishedAt — время перехода в COMPLETED или DEAD.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// LastError — текст последней ошибки handler.
	LastError string `json:"last_error,omitempty"`
}

// IsEligible проверяет, можно ли захватить job в момент now.
func (j *Job) IsEligible(now time.Time) bool {
	return j.State == JobStatePending && !j.EligibleAt.After(now)
}

// CanRetry проверяет, осталась ли ещё попытка.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.Retry.MaxAttempts
}

// MarkActive переводит job в ACTIVE и увеличивает Attempts.
func (j *Job) MarkActive(now time.Time) {
	j.State = JobStateActive
	j.Attempts++
	j.ClaimedAt = &now
}

// MarkCompleted переводит job в COMPLETED.
func (j *Job) MarkCompleted(now time.Time) {
	j.State = JobStateCompleted
	j.ClaimedAt = nil
	j.FinishedAt = &now
	j.LastError = ""
}

// MarkFailed фиксирует неудачную попытку: либо возвращает job в PENDING
// с backoff, либо переводит в DEAD, если попытки исчерпаны.
func (j *Job) MarkFailed(errMsg string, now time.Time) {
	j.LastError = errMsg
	j.ClaimedAt = nil

	if j.CanRetry() {
		j.State = JobStatePending
		j.EligibleAt = now.Add(j.Retry.Delay(j.Attempts))
		return
	}

	j.MarkDead(errMsg, now)
}

// MarkDead переводит job в DEAD без повторов.
func (j *Job) MarkDead(errMsg string, now time.Time) {
	j.State = JobStateDead
	j.ClaimedAt = nil
	j.FinishedAt = &now
	j.LastError = errMsg
}

// Clone возвращает копию job (payload копируется поверхностно).
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			c.Payload[k] = v
		}
	}
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		c.ClaimedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
