package broker

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Trendline/internal/domain"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newJob(queue, name, dedupKey string, at time.Time) *domain.Job {
	return &domain.Job{
		Queue:      queue,
		Name:       name,
		DedupKey:   dedupKey,
		Priority:   domain.PriorityDefault,
		Retry:      domain.RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Second},
		CreatedAt:  at,
		EligibleAt: at,
	}
}

func TestMemory_EnqueueDuplicateKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.Enqueue(ctx, newJob("q", "a.run", "k1", t0))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := m.Enqueue(ctx, newJob("q", "a.run", "k1", t0))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.JobID, second.JobID)

	counts, err := m.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
}

func TestMemory_EnqueueWithoutKeyIsAlwaysNew(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a, err := m.Enqueue(ctx, newJob("q", "post.publish", "", t0))
	require.NoError(t, err)
	b, err := m.Enqueue(ctx, newJob("q", "post.publish", "", t0))
	require.NoError(t, err)

	assert.NotEqual(t, a.JobID, b.JobID)
}

func TestMemory_EnqueueValidation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Enqueue(ctx, newJob("", "x", "", t0))
	assert.True(t, errors.Is(err, ErrInvalidJob))

	job := newJob("q", "x", "", t0)
	job.Retry.MaxAttempts = 0
	_, err = m.Enqueue(ctx, job)
	assert.True(t, errors.Is(err, ErrInvalidJob))
}

func TestMemory_ClaimRespectsPriorityThenEligibility(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	low := newJob("q", "bulk", "", t0)
	_, err := m.Enqueue(ctx, low)
	require.NoError(t, err)

	high := newJob("q", "urgent", "", t0.Add(time.Second))
	high.Priority = domain.PriorityHigh
	high.EligibleAt = t0.Add(time.Second)
	_, err = m.Enqueue(ctx, high)
	require.NoError(t, err)

	got, err := m.Claim(ctx, "q", t0.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "urgent", got.Name)
	assert.Equal(t, domain.JobStateActive, got.State)
	assert.Equal(t, 1, got.Attempts)

	got, err = m.Claim(ctx, "q", t0.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bulk", got.Name)

	got, err = m.Claim(ctx, "q", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_DelayedJobNotClaimableEarly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job := newJob("q", "post.publish", "", t0)
	job.EligibleAt = t0.Add(5 * time.Minute)
	res, err := m.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Minute), res.EligibleAt)

	got, err := m.Claim(ctx, "q", t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = m.Claim(ctx, "q", t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestMemory_PastEligibilityIsImmediate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job := newJob("q", "post.publish", "", t0)
	job.EligibleAt = t0.Add(-5 * time.Minute)
	res, err := m.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, t0, res.EligibleAt)

	got, err := m.Claim(ctx, "q", t0)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestMemory_FailRetriesWithBackoffThenDies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	res, err := m.Enqueue(ctx, newJob("q", "a.run", "k", t0))
	require.NoError(t, err)

	now := t0
	wantDelays := []time.Duration{5 * time.Second, 10 * time.Second}
	for i, delay := range wantDelays {
		job, err := m.Claim(ctx, "q", now)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", i+1)

		state, err := m.Fail(ctx, job.ID, errors.New("platform 503"), now)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatePending, state)

		stored, err := m.Get(ctx, res.JobID)
		require.NoError(t, err)
		assert.Equal(t, now.Add(delay), stored.EligibleAt)
		now = stored.EligibleAt
	}

	job, err := m.Claim(ctx, "q", now)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.Attempts)

	state, err := m.Fail(ctx, job.ID, errors.New("platform 503"), now)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDead, state)

	// Мёртвый job больше не выдаётся
	again, err := m.Claim(ctx, "q", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, again)

	dead, err := m.List(ctx, "q", domain.JobStateDead, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "platform 503", dead[0].LastError)
}

func TestMemory_BuryMovesStraightToDead(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Enqueue(ctx, newJob("q", "unknown", "", t0))
	require.NoError(t, err)
	job, err := m.Claim(ctx, "q", t0)
	require.NoError(t, err)

	require.NoError(t, m.Bury(ctx, job.ID, errors.New("no handler"), t0))

	stored, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDead, stored.State)
	assert.Equal(t, 1, stored.Attempts)
}

func TestMemory_CompleteRequiresActive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	res, err := m.Enqueue(ctx, newJob("q", "a", "", t0))
	require.NoError(t, err)

	err = m.Complete(ctx, res.JobID, t0)
	assert.True(t, errors.Is(err, ErrJobNotActive))

	err = m.Complete(ctx, "missing", t0)
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestMemory_TrimKeepsNewestAndReleasesKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i, key := range []string{"k1", "k2", "k3"} {
		at := t0.Add(time.Duration(i) * time.Minute)
		_, err := m.Enqueue(ctx, newJob("q", "a", key, at))
		require.NoError(t, err)
		job, err := m.Claim(ctx, "q", at)
		require.NoError(t, err)
		require.NoError(t, m.Complete(ctx, job.ID, at))
	}

	removed, err := m.Trim(ctx, "q", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	completed, err := m.List(ctx, "q", domain.JobStateCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "k3", completed[0].DedupKey)

	// k1 освобождён — можно поставить снова; k3 всё ещё удерживается
	res, err := m.Enqueue(ctx, newJob("q", "a", "k1", t0))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	res, err = m.Enqueue(ctx, newJob("q", "a", "k3", t0))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestMemory_RecoverStalled(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Enqueue(ctx, newJob("q", "a", "", t0))
	require.NoError(t, err)
	job, err := m.Claim(ctx, "q", t0)
	require.NoError(t, err)

	n, err := m.RecoverStalled(ctx, "q", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "claimed exactly at cutoff is not stalled")

	n, err = m.RecoverStalled(ctx, "q", t0.Add(10*time.Minute), t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, stored.State)
}

func TestMemory_UpsertScheduleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	s := &domain.Schedule{
		Name:      "token-refresh",
		Queue:     "token-refresh",
		JobName:   "token-refresh.tick",
		Trigger:   domain.Every(12 * time.Hour),
		NextRunAt: t0.Add(12 * time.Hour),
	}
	for range 3 {
		require.NoError(t, m.UpsertSchedule(ctx, s))
	}

	schedules, err := m.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)

	// Тот же trigger — NextRunAt сохраняется
	same := *s
	same.NextRunAt = t0.Add(24 * time.Hour)
	require.NoError(t, m.UpsertSchedule(ctx, &same))
	schedules, err = m.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(12*time.Hour), schedules[0].NextRunAt)

	// Новый trigger — обновляется
	changed := *s
	changed.Trigger = domain.Every(6 * time.Hour)
	changed.NextRunAt = t0.Add(6 * time.Hour)
	require.NoError(t, m.UpsertSchedule(ctx, &changed))

	schedules, err = m.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, domain.Every(6*time.Hour), schedules[0].Trigger)
	assert.Equal(t, t0.Add(6*time.Hour), schedules[0].NextRunAt)
}

func TestMemory_AdvanceScheduleCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	s := &domain.Schedule{
		Name: "alert-evaluation", Queue: "alert-evaluation", JobName: "alert-evaluation.tick",
		Trigger: domain.Every(2 * time.Hour), NextRunAt: t0,
	}
	require.NoError(t, m.UpsertSchedule(ctx, s))

	ok, err := m.AdvanceSchedule(ctx, s.Name, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.AdvanceSchedule(ctx, s.Name, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_ClosedIsUnavailable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Close())

	_, err := m.Enqueue(ctx, newJob("q", "a", "", t0))
	assert.True(t, IsUnavailable(err))
	assert.True(t, IsUnavailable(m.Ping(ctx)))
}
