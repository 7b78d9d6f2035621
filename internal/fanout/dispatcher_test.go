package fanout

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/queue"
)

var hourH = time.Date(2026, 3, 14, 9, 15, 0, 0, time.UTC)

// fakeSource — in-memory хранилище кандидатов.
type fakeSource struct {
	connections []domain.ConnectionRef
	keywords    []domain.KeywordRef
	competitors []domain.CompetitorRef
	posts       []domain.TrackedPostRef
	alerts      []domain.AlertRef
	err         error
}

func (s *fakeSource) ConnectionsExpiringBefore(_ context.Context, t time.Time, limit int) ([]domain.ConnectionRef, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.ConnectionRef
	for _, c := range s.connections {
		if c.TokenExpiresAt != nil && c.TokenExpiresAt.Before(t) {
			out = append(out, c)
		}
	}
	return capped(out, limit), nil
}

func (s *fakeSource) Connections(_ context.Context, limit int) ([]domain.ConnectionRef, error) {
	return capped(s.connections, limit), s.err
}

func (s *fakeSource) ActiveKeywords(_ context.Context, limit int) ([]domain.KeywordRef, error) {
	return capped(s.keywords, limit), s.err
}

func (s *fakeSource) CompetitorLinks(_ context.Context, limit int) ([]domain.CompetitorRef, error) {
	return capped(s.competitors, limit), s.err
}

func (s *fakeSource) TrackedPosts(_ context.Context, limit int) ([]domain.TrackedPostRef, error) {
	return capped(s.posts, limit), s.err
}

func (s *fakeSource) ActiveAlerts(_ context.Context, limit int) ([]domain.AlertRef, error) {
	return capped(s.alerts, limit), s.err
}

func capped[T any](items []T, limit int) []T {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

// flakyBroker отказывает в enqueue для ключей, содержащих failFor.
type flakyBroker struct {
	*broker.Memory
	failFor string
}

func (b *flakyBroker) Enqueue(ctx context.Context, job *domain.Job) (broker.EnqueueResult, error) {
	if b.failFor != "" && strings.Contains(job.DedupKey, b.failFor) {
		return broker.EnqueueResult{}, broker.Unavailable(errors.New("connection reset"), "enqueue")
	}
	return b.Memory.Enqueue(ctx, job)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	broker broker.Broker
	mem    *broker.Memory
	clock  *clock
	cfg    Config
}

func newFixture(src Source, b broker.Broker, mem *broker.Memory) *fixture {
	clk := &clock{now: hourH}
	reg := queue.NewRegistry(queue.Config{Broker: b, Clock: clk.Now}, domain.AllQueues()...)
	return &fixture{
		broker: b,
		mem:    mem,
		clock:  clk,
		cfg: Config{
			Source: src,
			Queues: reg,
			Clock:  clk.Now,
		},
	}
}

func newMemoryFixture(src Source) *fixture {
	mem := broker.NewMemory()
	return newFixture(src, mem, mem)
}

func connections(ids ...string) []domain.ConnectionRef {
	out := make([]domain.ConnectionRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.ConnectionRef{ID: id, UserID: "u-" + id, Platform: "instagram"})
	}
	return out
}

func TestDispatcher_SameHourSuppressesDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(&fakeSource{connections: connections("c1", "c2")})

	d, err := NewDispatcher(AnalyticsSync, f.cfg)
	require.NoError(t, err)

	first, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Enqueued)

	f.clock.Set(hourH.Add(40 * time.Minute))
	second, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Enqueued)
	assert.Equal(t, 2, second.Duplicates)

	counts, err := f.mem.Counts(ctx, "analytics-sync")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Pending)
}

func TestDispatcher_NewHourAdmitsFreshJobs(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(&fakeSource{keywords: []domain.KeywordRef{{ID: "kw1", Keyword: "matcha"}}})

	d, err := NewDispatcher(KeywordTrend, f.cfg)
	require.NoError(t, err)

	_, err = d.Run(ctx)
	require.NoError(t, err)

	f.clock.Set(hourH.Add(time.Hour))
	report, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)

	jobs, err := f.mem.List(ctx, "keyword-trend", domain.JobStatePending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "keyword-trend-kw1-2026-03-14-10", jobs[0].DedupKey)
	assert.Equal(t, "keyword-trend-kw1-2026-03-14-09", jobs[1].DedupKey)
	assert.Equal(t, map[string]any{"keyword_id": "kw1", "keyword": "matcha"}, jobs[0].Payload)
}

func TestDispatcher_DeadJobDoesNotBlockNextHour(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(&fakeSource{alerts: []domain.AlertRef{{ID: "e"}}})

	d, err := NewDispatcher(AlertEvaluation, f.cfg)
	require.NoError(t, err)

	_, err = d.Run(ctx)
	require.NoError(t, err)

	// Все 3 попытки в часе H неудачны
	now := hourH
	for range 3 {
		job, err := f.mem.Claim(ctx, "alert-evaluation", now.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, job)
		_, err = f.mem.Fail(ctx, job.ID, errors.New("platform down"), now)
		require.NoError(t, err)
	}
	dead, err := f.mem.List(ctx, "alert-evaluation", domain.JobStateDead, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	// В том же часе ключ всё ещё занят мёртвым job
	report, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)

	f.clock.Set(hourH.Add(time.Hour))
	report, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)
	assert.Equal(t, 0, report.Duplicates)
}

func TestDispatcher_OneFailingEnqueueDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	mem := broker.NewMemory()
	b := &flakyBroker{Memory: mem, failFor: "-c3-"}
	f := newFixture(&fakeSource{connections: connections("c1", "c2", "c3", "c4", "c5")}, b, mem)

	d, err := NewDispatcher(AccountSnapshot, f.cfg)
	require.NoError(t, err)

	report, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Candidates)
	assert.Equal(t, 4, report.Enqueued)
	assert.Equal(t, 1, report.Failed)

	counts, err := mem.Counts(ctx, "account-snapshot")
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts.Pending)
}

func TestDispatcher_TokenRefreshSelectsWithinBuffer(t *testing.T) {
	ctx := context.Background()
	expires := func(d time.Duration) *time.Time {
		t := hourH.Add(d)
		return &t
	}

	src := &fakeSource{connections: []domain.ConnectionRef{
		{ID: "in1", TokenExpiresAt: expires(time.Hour)},
		{ID: "in2", TokenExpiresAt: expires(3 * 24 * time.Hour)},
		{ID: "in3", TokenExpiresAt: expires(-time.Hour)},
		{ID: "out1", TokenExpiresAt: expires(8 * 24 * time.Hour)},
		{ID: "out2", TokenExpiresAt: expires(30 * 24 * time.Hour)},
	}}
	f := newMemoryFixture(src)

	d, err := NewDispatcher(TokenRefresh, f.cfg)
	require.NoError(t, err)

	report, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Enqueued)

	jobs, err := f.mem.List(ctx, "token-refresh", domain.JobStatePending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	keys := make([]string, 0, len(jobs))
	for _, j := range jobs {
		assert.Equal(t, "token-refresh.run", j.Name)
		keys = append(keys, j.DedupKey)
	}
	assert.ElementsMatch(t, []string{
		"token-refresh-in1-2026-03-14-09",
		"token-refresh-in2-2026-03-14-09",
		"token-refresh-in3-2026-03-14-09",
	}, keys)
}

func TestDispatcher_QueryFailureAbortsPass(t *testing.T) {
	f := newMemoryFixture(&fakeSource{err: errors.New("relation does not exist")})

	d, err := NewDispatcher(CompetitorSnapshot, f.cfg)
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueryFailed))
}

func TestDispatcher_CapTruncatesCandidates(t *testing.T) {
	f := newMemoryFixture(&fakeSource{posts: []domain.TrackedPostRef{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}}})
	f.cfg.Limit = 2

	d, err := NewDispatcher(EngagementSnapshot, f.cfg)
	require.NoError(t, err)

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Truncated)
	assert.Equal(t, 2, report.Enqueued)
}

func TestDispatcher_EmptyCandidateSetIsNotError(t *testing.T) {
	f := newMemoryFixture(&fakeSource{})

	d, err := NewDispatcher(AlertEvaluation, f.cfg)
	require.NoError(t, err)

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Enqueued)
	assert.False(t, report.Truncated)
}

func TestNewSet_CoversFanoutFamilies(t *testing.T) {
	f := newMemoryFixture(&fakeSource{})

	set, err := NewSet(f.cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, domain.FanoutFamilies(), set.Families())

	_, err = set.Get(domain.FamilyDataCleanup)
	assert.True(t, errors.Is(err, ErrUnknownFamily))
}
