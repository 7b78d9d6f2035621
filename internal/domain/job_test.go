package domain

import (
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{20, MaxBackoff},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicy_ZeroBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	if got := p.Delay(2); got != 0 {
		t.Errorf("expected no delay, got %v", got)
	}
}

func TestJob_MarkFailed(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	job := &Job{Retry: RetryPolicy{MaxAttempts: 2, Backoff: time.Second}}

	job.MarkActive(now)
	job.MarkFailed("boom", now)
	if job.State != JobStatePending {
		t.Fatalf("expected PENDING after first failure, got %s", job.State)
	}
	if !job.EligibleAt.Equal(now.Add(time.Second)) {
		t.Errorf("expected backoff 1s, got %v", job.EligibleAt.Sub(now))
	}

	job.MarkActive(now)
	job.MarkFailed("boom", now)
	if job.State != JobStateDead {
		t.Fatalf("expected DEAD after last attempt, got %s", job.State)
	}
	if job.FinishedAt == nil {
		t.Error("FinishedAt should be set for dead job")
	}
}

func TestJob_IsEligible(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	job := &Job{State: JobStatePending, EligibleAt: now.Add(time.Minute)}

	if job.IsEligible(now) {
		t.Error("delayed job should not be eligible yet")
	}
	if !job.IsEligible(now.Add(time.Minute)) {
		t.Error("job should be eligible at EligibleAt")
	}

	job.State = JobStateActive
	if job.IsEligible(now.Add(time.Hour)) {
		t.Error("active job must not be eligible")
	}
}

func TestTrigger_Equal(t *testing.T) {
	if !Every(time.Hour).Equal(Every(time.Hour)) {
		t.Error("same interval should be equal")
	}
	if Every(time.Hour).Equal(Cron("0 * * * *")) {
		t.Error("interval and cron should differ")
	}
	if Every(time.Hour).String() != "@every 1h0m0s" {
		t.Errorf("unexpected String(): %s", Every(time.Hour).String())
	}
}

func TestParseFamily(t *testing.T) {
	for _, f := range ScheduledFamilies() {
		got, ok := ParseFamily(string(f))
		if !ok || got != f {
			t.Errorf("ParseFamily(%q) = %q, %v", f, got, ok)
		}
	}
	if _, ok := ParseFamily("nope"); ok {
		t.Error("unknown family should not parse")
	}
	if len(AllQueues()) != 10 {
		t.Errorf("expected 10 queues, got %d", len(AllQueues()))
	}
}
