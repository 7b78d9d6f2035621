package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/config"
	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/telemetry"
	"github.com/shaiso/Trendline/internal/worker"
)

type emptySource struct{}

func (emptySource) ConnectionsExpiringBefore(context.Context, time.Time, int) ([]domain.ConnectionRef, error) {
	return nil, nil
}
func (emptySource) Connections(context.Context, int) ([]domain.ConnectionRef, error) {
	return []domain.ConnectionRef{{ID: "c1", UserID: "u1", Platform: "instagram"}}, nil
}
func (emptySource) ActiveKeywords(context.Context, int) ([]domain.KeywordRef, error) { return nil, nil }
func (emptySource) CompetitorLinks(context.Context, int) ([]domain.CompetitorRef, error) {
	return nil, nil
}
func (emptySource) TrackedPosts(context.Context, int) ([]domain.TrackedPostRef, error) {
	return nil, nil
}
func (emptySource) ActiveAlerts(context.Context, int) ([]domain.AlertRef, error) { return nil, nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v, err := config.New("")
	require.NoError(t, err)
	v.Set("broker.kind", config.BrokerMemory)
	v.Set("database.url", "")
	cfg, err := config.LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func newRuntime(t *testing.T, cfg *config.Config, b broker.Broker) *Runtime {
	t.Helper()
	rt, err := New(context.Background(), cfg, telemetry.NewLogger(io.Discard, "error", "text"), Options{
		Registerer: prometheus.NewRegistry(),
		Broker:     b,
		Source:     emptySource{},
		Clock:      func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestBootstrap_RegistersEverySchedule(t *testing.T) {
	ctx := context.Background()
	mem := broker.NewMemory()
	rt := newRuntime(t, testConfig(t), mem)

	require.NoError(t, rt.Bootstrap(ctx))

	schedules, err := mem.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, schedules, len(domain.ScheduledFamilies()))

	// Повторный старт процесса не плодит schedules
	require.NoError(t, rt.Bootstrap(ctx))
	schedules, err = mem.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, schedules, len(domain.ScheduledFamilies()))
}

func TestBootstrap_FailsWhenBrokerUnavailable(t *testing.T) {
	mem := broker.NewMemory()
	require.NoError(t, mem.Close())
	rt := newRuntime(t, testConfig(t), mem)

	err := rt.Bootstrap(context.Background())
	require.Error(t, err)
	assert.True(t, broker.IsUnavailable(err))
}

func TestBootstrap_InvalidTriggerOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Triggers = map[string]string{"keyword-trend": "not a cron"}
	rt := newRuntime(t, cfg, broker.NewMemory())

	assert.Error(t, rt.Bootstrap(context.Background()))
}

func TestHandlers(t *testing.T) {
	cfg := testConfig(t)
	rt := newRuntime(t, cfg, broker.NewMemory())

	names := rt.Handlers().Names()
	for _, f := range domain.ScheduledFamilies() {
		assert.Contains(t, names, f.TickJob())
	}
	assert.NotContains(t, names, domain.FamilyTokenRefresh.RunJob())

	cfg.Worker.HandlerURL = "http://app.internal/jobs"
	names = rt.Handlers().Names()
	assert.Contains(t, names, domain.FamilyTokenRefresh.RunJob())
	assert.Contains(t, names, domain.JobPostPublish)
	assert.Contains(t, names, domain.JobKeywordCollect)
	assert.Contains(t, names, domain.JobReportGenerate)
}

func TestWorkerPool_ClampsConcurrency(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.Concurrency = 500
	rt := newRuntime(t, cfg, broker.NewMemory())

	pool, err := rt.WorkerPool()
	require.NoError(t, err)
	assert.Equal(t, worker.HardMaxConcurrency, pool.Concurrency())
}

func TestScheduledTickRunsFanout(t *testing.T) {
	ctx := context.Background()
	mem := broker.NewMemory()
	rt := newRuntime(t, testConfig(t), mem)
	require.NoError(t, rt.Bootstrap(ctx))

	// Ставим tick так, как это сделал бы scheduler
	_, err := rt.Queues.MustGet(domain.FamilyAnalyticsSync.Queue()).
		Enqueue(ctx, domain.FamilyAnalyticsSync.TickJob(), nil)
	require.NoError(t, err)

	pool, err := rt.WorkerPool()
	require.NoError(t, err)
	ok, err := pool.RunOnce(ctx, domain.FamilyAnalyticsSync.Queue())
	require.NoError(t, err)
	assert.True(t, ok)

	pending, err := mem.List(ctx, domain.FamilyAnalyticsSync.Queue(), domain.JobStatePending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.FamilyAnalyticsSync.RunJob(), pending[0].Name)
	assert.Equal(t, "analytics-sync-c1-2026-03-14-09", pending[0].DedupKey)
}

func TestOpsServer_Healthz(t *testing.T) {
	mem := broker.NewMemory()
	rt := newRuntime(t, testConfig(t), mem)
	h := rt.NewOpsServer().Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, mem.Close())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClose_ReleasesResourcesOnce(t *testing.T) {
	rt := newRuntime(t, testConfig(t), broker.NewMemory())

	var calls int
	rt.closers = append(rt.closers, func() error {
		calls++
		return errors.New("close failed")
	})

	err := rt.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")

	// Повторный Close (defer после явного закрытия) ничего не делает
	require.NoError(t, rt.Close())
	assert.Equal(t, 1, calls)
}
