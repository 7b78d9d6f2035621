package broker

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/shaiso/Trendline/internal/domain"
)

// PrepareJob валидирует job и заполняет поля, которые назначает брокер:
// ID, State, Attempts, CreatedAt и EligibleAt (если не задан).
func PrepareJob(job *domain.Job, now time.Time) error {
	if job == nil {
		return errors.Wrap(ErrInvalidJob, "job is nil")
	}
	if strings.TrimSpace(job.Queue) == "" {
		return errors.Wrap(ErrInvalidJob, "queue name must not be empty")
	}
	if strings.TrimSpace(job.Name) == "" {
		return errors.Wrap(ErrInvalidJob, "job name must not be empty")
	}
	if job.Retry.MaxAttempts <= 0 {
		return errors.Wrapf(ErrInvalidJob, "max attempts must be positive, got %d", job.Retry.MaxAttempts)
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.State = domain.JobStatePending
	job.Attempts = 0
	job.CreatedAt = now
	job.ClaimedAt = nil
	job.FinishedAt = nil
	job.LastError = ""

	// Задержка в прошлом — job доступен сразу
	if job.EligibleAt.IsZero() || job.EligibleAt.Before(now) {
		job.EligibleAt = now
	}

	return nil
}

// EnqueueTime возвращает момент постановки job: CreatedAt, если его
// выставил вызывающий (queue layer со своими часами), иначе текущее время.
func EnqueueTime(job *domain.Job) time.Time {
	if job != nil && !job.CreatedAt.IsZero() {
		return job.CreatedAt
	}
	return time.Now()
}

// ValidateSchedule проверяет обязательные поля schedule.
func ValidateSchedule(s *domain.Schedule) error {
	if s == nil {
		return errors.Wrap(ErrInvalidSchedule, "schedule is nil")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.Wrap(ErrInvalidSchedule, "name must not be empty")
	}
	if strings.TrimSpace(s.Queue) == "" || strings.TrimSpace(s.JobName) == "" {
		return errors.Wrapf(ErrInvalidSchedule, "schedule %s: queue and job name are required", s.Name)
	}
	if !s.Trigger.IsCron() && !s.Trigger.IsInterval() {
		return errors.Wrapf(ErrInvalidSchedule, "schedule %s: trigger has neither cron nor interval", s.Name)
	}
	if s.NextRunAt.IsZero() {
		return errors.Wrapf(ErrInvalidSchedule, "schedule %s: next run time is not set", s.Name)
	}
	return nil
}
