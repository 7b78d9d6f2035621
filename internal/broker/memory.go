package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/domain"
)

var _ Broker = (*Memory)(nil)

// Memory — in-process брокер.
//
// Семантика совпадает с durable-реализациями, но состояние живёт только
// в памяти процесса. Используется в тестах и для локального запуска.
type Memory struct {
	mu        sync.Mutex
	seq       uint64
	jobs      map[string]*memJob
	dedup     map[string]string
	schedules map[string]*domain.Schedule
	closed    bool
}

type memJob struct {
	job domain.Job
	seq uint64
}

// NewMemory создаёт пустой Memory брокер.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*memJob),
		dedup:     make(map[string]string),
		schedules: make(map[string]*domain.Schedule),
	}
}

func (m *Memory) checkOpen(op string) error {
	if m.closed {
		return Unavailable(errors.New("memory broker closed"), op)
	}
	return nil
}

// Enqueue ставит job в очередь.
func (m *Memory) Enqueue(ctx context.Context, job *domain.Job) (EnqueueResult, error) {
	if err := ctx.Err(); err != nil {
		return EnqueueResult{}, Unavailable(err, "enqueue")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("enqueue"); err != nil {
		return EnqueueResult{}, err
	}

	j := job.Clone()
	if err := PrepareJob(j, EnqueueTime(job)); err != nil {
		return EnqueueResult{}, err
	}

	if j.DedupKey != "" {
		if existingID, ok := m.dedup[j.DedupKey]; ok {
			existing := m.jobs[existingID]
			return EnqueueResult{
				JobID:      existingID,
				Duplicate:  true,
				EligibleAt: existing.job.EligibleAt,
			}, nil
		}
		m.dedup[j.DedupKey] = j.ID
	}

	m.seq++
	m.jobs[j.ID] = &memJob{job: *j, seq: m.seq}

	return EnqueueResult{JobID: j.ID, EligibleAt: j.EligibleAt}, nil
}

// Claim захватывает следующий доступный job.
func (m *Memory) Claim(ctx context.Context, queue string, now time.Time) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable(err, "claim")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("claim"); err != nil {
		return nil, err
	}

	var best *memJob
	for _, mj := range m.jobs {
		if mj.job.Queue != queue || !mj.job.IsEligible(now) {
			continue
		}
		if best == nil || claimsBefore(mj, best) {
			best = mj
		}
	}

	if best == nil {
		return nil, nil
	}

	best.job.MarkActive(now)
	return best.job.Clone(), nil
}

// claimsBefore — порядок захвата: priority, eligible_at, порядок enqueue.
func claimsBefore(a, b *memJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.EligibleAt.Equal(b.job.EligibleAt) {
		return a.job.EligibleAt.Before(b.job.EligibleAt)
	}
	return a.seq < b.seq
}

func (m *Memory) activeJob(jobID string) (*memJob, error) {
	mj, ok := m.jobs[jobID]
	if !ok {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", jobID)
	}
	if mj.job.State != domain.JobStateActive {
		return nil, errors.Wrapf(ErrJobNotActive, "job %s is %s", jobID, mj.job.State)
	}
	return mj, nil
}

// Complete переводит job в COMPLETED.
func (m *Memory) Complete(ctx context.Context, jobID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("complete"); err != nil {
		return err
	}

	mj, err := m.activeJob(jobID)
	if err != nil {
		return err
	}
	mj.job.MarkCompleted(now)
	return nil
}

// Fail фиксирует неудачную попытку.
func (m *Memory) Fail(ctx context.Context, jobID string, cause error, now time.Time) (domain.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("fail"); err != nil {
		return "", err
	}

	mj, err := m.activeJob(jobID)
	if err != nil {
		return "", err
	}
	mj.job.MarkFailed(CauseMessage(cause), now)
	return mj.job.State, nil
}

// Bury переводит job в DEAD.
func (m *Memory) Bury(ctx context.Context, jobID string, cause error, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("bury"); err != nil {
		return err
	}

	mj, err := m.activeJob(jobID)
	if err != nil {
		return err
	}
	mj.job.MarkDead(CauseMessage(cause), now)
	return nil
}

// RecoverStalled возвращает зависшие ACTIVE jobs.
func (m *Memory) RecoverStalled(ctx context.Context, queue string, before, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("recover stalled"); err != nil {
		return 0, err
	}

	var recovered int
	for _, mj := range m.jobs {
		j := &mj.job
		if j.Queue != queue || j.State != domain.JobStateActive || j.ClaimedAt == nil {
			continue
		}
		if !j.ClaimedAt.Before(before) {
			continue
		}
		j.MarkFailed("job stalled: worker lost", now)
		recovered++
	}
	return recovered, nil
}

// Trim ограничивает историю очереди.
func (m *Memory) Trim(ctx context.Context, queue string, keepCompleted, keepDead int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("trim"); err != nil {
		return 0, err
	}

	removed := m.trimState(queue, domain.JobStateCompleted, keepCompleted)
	removed += m.trimState(queue, domain.JobStateDead, keepDead)
	return removed, nil
}

func (m *Memory) trimState(queue string, state domain.JobState, keep int) int {
	var finished []*memJob
	for _, mj := range m.jobs {
		if mj.job.Queue == queue && mj.job.State == state {
			finished = append(finished, mj)
		}
	}
	if len(finished) <= keep {
		return 0
	}

	// Новые первыми
	sort.Slice(finished, func(i, k int) bool {
		a, b := finished[i], finished[k]
		if !a.job.FinishedAt.Equal(*b.job.FinishedAt) {
			return a.job.FinishedAt.After(*b.job.FinishedAt)
		}
		return a.seq > b.seq
	})

	for _, mj := range finished[max(keep, 0):] {
		delete(m.jobs, mj.job.ID)
		if mj.job.DedupKey != "" && m.dedup[mj.job.DedupKey] == mj.job.ID {
			delete(m.dedup, mj.job.DedupKey)
		}
	}
	return len(finished) - max(keep, 0)
}

// Get возвращает job по id.
func (m *Memory) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("get"); err != nil {
		return nil, err
	}

	mj, ok := m.jobs[jobID]
	if !ok {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", jobID)
	}
	return mj.job.Clone(), nil
}

// List возвращает jobs очереди в состоянии state, новые первыми.
func (m *Memory) List(ctx context.Context, queue string, state domain.JobState, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("list"); err != nil {
		return nil, err
	}

	var matched []*memJob
	for _, mj := range m.jobs {
		if mj.job.Queue == queue && mj.job.State == state {
			matched = append(matched, mj)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].seq > matched[k].seq })

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	jobs := make([]domain.Job, 0, len(matched))
	for _, mj := range matched {
		jobs = append(jobs, *mj.job.Clone())
	}
	return jobs, nil
}

// Counts возвращает количество jobs по состояниям.
func (m *Memory) Counts(ctx context.Context, queue string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("counts"); err != nil {
		return Counts{}, err
	}

	var c Counts
	for _, mj := range m.jobs {
		if mj.job.Queue != queue {
			continue
		}
		switch mj.job.State {
		case domain.JobStatePending:
			c.Pending++
		case domain.JobStateActive:
			c.Active++
		case domain.JobStateCompleted:
			c.Completed++
		case domain.JobStateDead:
			c.Dead++
		}
	}
	return c, nil
}

// UpsertSchedule создаёт или обновляет schedule.
func (m *Memory) UpsertSchedule(ctx context.Context, schedule *domain.Schedule) error {
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("upsert schedule"); err != nil {
		return err
	}

	now := time.Now()
	s := *schedule
	s.UpdatedAt = now

	if existing, ok := m.schedules[s.Name]; ok {
		s.CreatedAt = existing.CreatedAt
		s.LastRunAt = existing.LastRunAt
		if existing.Trigger.Equal(s.Trigger) {
			s.NextRunAt = existing.NextRunAt
		}
	} else {
		s.CreatedAt = now
	}

	m.schedules[s.Name] = &s
	return nil
}

// ListSchedules возвращает все schedules по имени.
func (m *Memory) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("list schedules"); err != nil {
		return nil, err
	}

	schedules := make([]domain.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		schedules = append(schedules, *s)
	}
	sort.Slice(schedules, func(i, k int) bool { return schedules[i].Name < schedules[k].Name })
	return schedules, nil
}

// AdvanceSchedule сдвигает NextRunAt, если он всё ещё равен from.
func (m *Memory) AdvanceSchedule(ctx context.Context, name string, from, to time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("advance schedule"); err != nil {
		return false, err
	}

	s, ok := m.schedules[name]
	if !ok || !s.NextRunAt.Equal(from) {
		return false, nil
	}

	fired := from
	s.LastRunAt = &fired
	s.NextRunAt = to
	return true, nil
}

// Ping проверяет, что брокер не закрыт.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkOpen("ping")
}

// Close закрывает брокер. Дальнейшие операции возвращают ErrUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
