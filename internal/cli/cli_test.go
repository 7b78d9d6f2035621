package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Trendline/internal/app"
	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/config"
	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/fanout"
	"github.com/shaiso/Trendline/internal/queue"
	"github.com/shaiso/Trendline/internal/telemetry"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type stubSource struct{}

func (stubSource) ConnectionsExpiringBefore(context.Context, time.Time, int) ([]domain.ConnectionRef, error) {
	return nil, nil
}
func (stubSource) Connections(context.Context, int) ([]domain.ConnectionRef, error) {
	return []domain.ConnectionRef{
		{ID: "c1", UserID: "u1", Platform: "instagram"},
		{ID: "c2", UserID: "u2", Platform: "tiktok"},
	}, nil
}
func (stubSource) ActiveKeywords(context.Context, int) ([]domain.KeywordRef, error) { return nil, nil }
func (stubSource) CompetitorLinks(context.Context, int) ([]domain.CompetitorRef, error) {
	return nil, nil
}
func (stubSource) TrackedPosts(context.Context, int) ([]domain.TrackedPostRef, error) {
	return nil, nil
}
func (stubSource) ActiveAlerts(context.Context, int) ([]domain.AlertRef, error) { return nil, nil }

type harness struct {
	rt  *app.Runtime
	mem *broker.Memory
	out *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	v, err := config.New("")
	require.NoError(t, err)
	v.Set("broker.kind", config.BrokerMemory)
	v.Set("database.url", "")
	cfg, err := config.LoadWithViper(v)
	require.NoError(t, err)

	mem := broker.NewMemory()
	rt, err := app.New(context.Background(), cfg, telemetry.NewLogger(io.Discard, "error", "text"), app.Options{
		Broker:       mem,
		Source:       stubSource{},
		Clock:        func() time.Time { return now },
		SkipRabbitMQ: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	return &harness{rt: rt, mem: mem, out: &bytes.Buffer{}}
}

// run выполняет команду в JSON-режиме и возвращает stdout.
func (h *harness) run(t *testing.T, factory func(RuntimeFunc, func() *Output) *cobra.Command, args ...string) ([]byte, error) {
	t.Helper()
	h.out.Reset()

	cmd := factory(
		func(context.Context) (*app.Runtime, error) { return h.rt, nil },
		func() *Output { return NewOutputTo(h.out, io.Discard, true) },
	)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	err := cmd.ExecuteContext(context.Background())
	return h.out.Bytes(), err
}

func TestSchedules_RegisterAndList(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, NewSchedulesCmd, "register")
	require.NoError(t, err)

	data, err := h.run(t, NewSchedulesCmd, "list")
	require.NoError(t, err)

	var schedules []domain.Schedule
	require.NoError(t, json.Unmarshal(data, &schedules))
	assert.Len(t, schedules, len(domain.ScheduledFamilies()))
}

func TestDispatch_RunsFanout(t *testing.T) {
	h := newHarness(t)

	data, err := h.run(t, NewDispatchCmd, "analytics-sync")
	require.NoError(t, err)

	var report fanout.Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, domain.FamilyAnalyticsSync, report.Family)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 2, report.Enqueued)

	// Повтор в том же часу подавляется дедупликацией
	data, err = h.run(t, NewDispatchCmd, "analytics-sync")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 0, report.Enqueued)
	assert.Equal(t, 2, report.Duplicates)
}

func TestDispatch_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, NewDispatchCmd, "no-such-family")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown family")

	// data-cleanup не является fan-out семейством
	_, err = h.run(t, NewDispatchCmd, "data-cleanup")
	require.Error(t, err)

	_, err = h.run(t, NewDispatchCmd)
	require.Error(t, err)
}

func TestSubmitAndInspectJobs(t *testing.T) {
	h := newHarness(t)

	data, err := h.run(t, NewSubmitCmd, "keyword", "k1", "espresso")
	require.NoError(t, err)

	var handle queue.Handle
	require.NoError(t, json.Unmarshal(data, &handle))
	require.NotEmpty(t, handle.ID)
	assert.False(t, handle.Duplicate)

	data, err = h.run(t, NewJobsCmd, "list", handle.Queue, "--state", "pending")
	require.NoError(t, err)

	var jobs []domain.Job
	require.NoError(t, json.Unmarshal(data, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobKeywordCollect, jobs[0].Name)
	assert.Equal(t, domain.PriorityHigh, jobs[0].Priority)

	data, err = h.run(t, NewJobsCmd, "show", handle.ID)
	require.NoError(t, err)

	var job domain.Job
	require.NoError(t, json.Unmarshal(data, &job))
	assert.Equal(t, "espresso", job.Payload["keyword"])

	_, err = h.run(t, NewJobsCmd, "show", "missing")
	assert.ErrorIs(t, err, broker.ErrJobNotFound)
}

func TestSubmitPost_Delay(t *testing.T) {
	h := newHarness(t)

	data, err := h.run(t, NewSubmitCmd, "post", "p1", "--in", "15m")
	require.NoError(t, err)

	var handle queue.Handle
	require.NoError(t, json.Unmarshal(data, &handle))
	assert.Equal(t, domain.QueuePostPublish, handle.Queue)
	assert.True(t, handle.EligibleAt.Equal(now.Add(15*time.Minute)))

	data, err = h.run(t, NewSubmitCmd, "post", "p2", "--at", "2026-03-14T12:00:00Z")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &handle))
	assert.True(t, handle.EligibleAt.Equal(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)))

	_, err = h.run(t, NewSubmitCmd, "post", "p3", "--at", "tomorrow")
	require.Error(t, err)
}

func TestJobsList_InvalidInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, NewJobsCmd, "list", domain.QueuePostPublish, "--state", "sleeping")
	require.Error(t, err)

	_, err = h.run(t, NewJobsCmd, "list", "no-such-queue")
	assert.ErrorIs(t, err, queue.ErrUnknownQueue)
}

func TestQueuesStats(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, NewSubmitCmd, "report", "r1")
	require.NoError(t, err)

	data, err := h.run(t, NewQueuesCmd, "stats")
	require.NoError(t, err)

	var stats []QueueStats
	require.NoError(t, json.Unmarshal(data, &stats))
	require.Len(t, stats, len(domain.AllQueues()))

	byQueue := make(map[string]QueueStats, len(stats))
	for _, s := range stats {
		byQueue[s.Queue] = s
	}
	assert.Equal(t, int64(1), byQueue[domain.QueueReportGenerate].Pending)
	assert.Zero(t, byQueue[domain.QueuePostPublish].Pending)
}

func TestOutput_Table(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutputTo(&buf, io.Discard, false)

	out.Print([]string{"QUEUE", "PENDING"}, [][]string{{"post-publish", "3"}}, nil)

	assert.Contains(t, buf.String(), "QUEUE")
	assert.Contains(t, buf.String(), "-----")
	assert.Contains(t, buf.String(), "post-publish")
}

func TestOutput_EmptyTable(t *testing.T) {
	var out, msg bytes.Buffer
	NewOutputTo(&out, &msg, false).Print([]string{"ID"}, nil, nil)

	assert.Empty(t, out.String())
	assert.Equal(t, "No results\n", msg.String())
}
