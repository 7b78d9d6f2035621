package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/mq"
	"github.com/shaiso/Trendline/internal/queue"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDLQ struct {
	mu   sync.Mutex
	dead []mq.JobDeadPayload
}

func (r *recordingDLQ) PublishJobDead(_ context.Context, p mq.JobDeadPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, p)
	return nil
}

type env struct {
	mem      *broker.Memory
	queues   *queue.Registry
	handlers *Registry
	clock    *testClock
	dlq      *recordingDLQ
}

func newEnv() *env {
	mem := broker.NewMemory()
	clk := &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	return &env{
		mem:      mem,
		queues:   queue.NewRegistry(queue.Config{Broker: mem, Clock: clk.Now}, domain.AllQueues()...),
		handlers: NewRegistry(),
		clock:    clk,
		dlq:      &recordingDLQ{},
	}
}

func (e *env) pool(t *testing.T, mutate func(*Config)) *Pool {
	t.Helper()
	cfg := Config{
		Broker:     e.mem,
		Queues:     e.queues,
		Handlers:   e.handlers,
		DeadLetter: e.dlq,
		Clock:      e.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func (e *env) enqueue(t *testing.T, q, name string) string {
	t.Helper()
	h, err := e.queues.MustGet(q).Enqueue(context.Background(), name, map[string]any{"id": "x"})
	require.NoError(t, err)
	return h.ID
}

func TestEffectiveConcurrency(t *testing.T) {
	assert.Equal(t, HardMaxConcurrency, EffectiveConcurrency(500))
	assert.Equal(t, HardMaxConcurrency, EffectiveConcurrency(HardMaxConcurrency))
	assert.Equal(t, 7, EffectiveConcurrency(7))
	assert.Equal(t, defaultConcurrency, EffectiveConcurrency(0))
}

func TestNew_ClampsConcurrencyAboveHardMax(t *testing.T) {
	e := newEnv()
	p := e.pool(t, func(c *Config) { c.Concurrency = 1000 })
	assert.Equal(t, HardMaxConcurrency, p.Concurrency())
}

func TestNew_UnknownQueue(t *testing.T) {
	e := newEnv()
	_, err := New(Config{Broker: e.mem, Queues: e.queues, Handlers: e.handlers, QueueNames: []string{"nope"}})
	assert.True(t, errors.Is(err, queue.ErrUnknownQueue))
}

func TestRunOnce_Success(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	var got *domain.Job
	e.handlers.Register("post.publish", HandlerFunc(func(_ context.Context, job *domain.Job) error {
		got = job
		return nil
	}))
	id := e.enqueue(t, domain.QueuePostPublish, "post.publish")

	ok, err := e.pool(t, nil).RunOnce(ctx, domain.QueuePostPublish)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, got)
	assert.Equal(t, "x", got.Payload["id"])

	job, err := e.mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)

	ok, err = e.pool(t, nil).RunOnce(ctx, domain.QueuePostPublish)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunOnce_FailureRetriesThenDies(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	var calls atomic.Int32
	e.handlers.Register("report.generate", HandlerFunc(func(context.Context, *domain.Job) error {
		calls.Add(1)
		return errors.New("renderer crashed")
	}))
	id := e.enqueue(t, domain.QueueReportGenerate, "report.generate")
	p := e.pool(t, nil)

	for attempt := 1; attempt <= 3; attempt++ {
		ok, err := p.RunOnce(ctx, domain.QueueReportGenerate)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", attempt)

		// Следующая попытка ещё не доступна
		ok, err = p.RunOnce(ctx, domain.QueueReportGenerate)
		require.NoError(t, err)
		assert.False(t, ok)

		e.clock.Advance(time.Minute)
	}

	job, err := e.mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDead, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "renderer crashed", job.LastError)
	assert.Equal(t, int32(3), calls.Load())

	require.Len(t, e.dlq.dead, 1)
	assert.Equal(t, id, e.dlq.dead[0].JobID)
	assert.Equal(t, 3, e.dlq.dead[0].Attempts)
}

func TestRunOnce_UnknownJobIsBuried(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	id := e.enqueue(t, "keyword-trend", "keyword-trend.legacy")

	ok, err := e.pool(t, nil).RunOnce(ctx, "keyword-trend")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := e.mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDead, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Len(t, e.dlq.dead, 1)
}

func TestRunOnce_PanicIsFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.handlers.Register("alert-evaluation.run", HandlerFunc(func(context.Context, *domain.Job) error {
		panic("nil map")
	}))
	id := e.enqueue(t, "alert-evaluation", "alert-evaluation.run")

	_, err := e.pool(t, nil).RunOnce(ctx, "alert-evaluation")
	require.NoError(t, err)

	job, err := e.mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, job.State)
	assert.Contains(t, job.LastError, "nil map")
}

func TestRunOnce_JobTimeout(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.handlers.Register("analytics-sync.run", HandlerFunc(func(ctx context.Context, _ *domain.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	id := e.enqueue(t, "analytics-sync", "analytics-sync.run")

	p := e.pool(t, func(c *Config) { c.JobTimeout = 20 * time.Millisecond })
	_, err := p.RunOnce(ctx, "analytics-sync")
	require.NoError(t, err)

	job, err := e.mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, job.State)
	assert.Contains(t, job.LastError, "deadline exceeded")
}

func TestPool_RespectsConcurrencyLimit(t *testing.T) {
	e := newEnv()

	var running, peak, done atomic.Int32
	e.handlers.Register("engagement-snapshot.run", HandlerFunc(func(context.Context, *domain.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		done.Add(1)
		return nil
	}))
	for range 10 {
		e.enqueue(t, "engagement-snapshot", "engagement-snapshot.run")
	}

	p := e.pool(t, func(c *Config) {
		c.Concurrency = 3
		c.QueueNames = []string{"engagement-snapshot"}
		c.PollInterval = 5 * time.Millisecond
	})
	require.NoError(t, p.Start(context.Background()))

	assert.Eventually(t, func() bool { return done.Load() == 10 }, 5*time.Second, 10*time.Millisecond)
	p.Stop()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.True(t, p.IsStopped())
}

func TestPool_WakeSkipsPollingDelay(t *testing.T) {
	e := newEnv()

	processed := make(chan string, 1)
	e.handlers.Register("token-refresh.run", HandlerFunc(func(_ context.Context, job *domain.Job) error {
		processed <- job.ID
		return nil
	}))

	p := e.pool(t, func(c *Config) {
		c.QueueNames = []string{"token-refresh"}
		c.PollInterval = time.Hour
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	// Дать первому проходу отработать по пустой очереди
	time.Sleep(20 * time.Millisecond)

	id := e.enqueue(t, "token-refresh", "token-refresh.run")
	p.Wake("token-refresh")

	select {
	case got := <-processed:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed after wake")
	}
}

func TestPool_StopWaitsForInflight(t *testing.T) {
	e := newEnv()

	started := make(chan struct{})
	var finished atomic.Bool
	e.handlers.Register("account-snapshot.run", HandlerFunc(func(ctx context.Context, _ *domain.Job) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}))
	id := e.enqueue(t, "account-snapshot", "account-snapshot.run")

	p := e.pool(t, func(c *Config) {
		c.QueueNames = []string{"account-snapshot"}
		c.PollInterval = 5 * time.Millisecond
	})
	require.NoError(t, p.Start(context.Background()))

	<-started
	p.Stop()

	assert.True(t, finished.Load())
	job, err := e.mem.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
}

func TestRunOnce_AfterStop(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.handlers.Register("post.publish", HandlerFunc(func(context.Context, *domain.Job) error { return nil }))
	id := e.enqueue(t, domain.QueuePostPublish, "post.publish")

	p := e.pool(t, nil)
	p.Stop()
	assert.True(t, p.IsStopped())

	ok, err := p.RunOnce(ctx, domain.QueuePostPublish)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrWorkerStopped)

	// Job остаётся в очереди для другого воркера
	job, err := e.mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, job.State)
}
