package subagent

import (
	"testing"
	"time"
)

// ─── Backoff ───────────────────────────────────────────────────────────────

func TestAnnounceBackoffDelay_Sequence(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}
	for i, expect := range want {
		if got := announceBackoffDelay(i + 1); got != expect {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, expect)
		}
	}
}

func TestAnnounceBackoffDelay_FloorsAtFirstAttempt(t *testing.T) {
	if got := announceBackoffDelay(0); got != time.Second {
		t.Errorf("delay = %v, want 1s", got)
	}
}

// ─── Retry decision ────────────────────────────────────────────────────────

func TestDecideAnnounceRetry_DescendantsTakePriority(t *testing.T) {
	rec := &RunRecord{AnnounceRetryCount: announceMaxRetries, EndedAtMs: msPtr(0)}
	d := decideAnnounceRetry(rec, 2, announceExpiry.Milliseconds()*2)
	if d.Action != actionDefer {
		t.Fatalf("action = %v, want defer even at retry ceiling and past expiry", d.Action)
	}
	if d.Delay != descendantsDeferDelay {
		t.Errorf("delay = %v, want %v", d.Delay, descendantsDeferDelay)
	}
	if d.Reason != "descendants-active" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestDecideAnnounceRetry_GiveUpAtCeiling(t *testing.T) {
	now := int64(10_000)
	rec := &RunRecord{AnnounceRetryCount: announceMaxRetries, EndedAtMs: msPtr(now - 1000)}
	d := decideAnnounceRetry(rec, 0, now)
	if d.Action != actionGiveUp || d.Reason != "retry-limit" {
		t.Errorf("decision = %+v, want give-up retry-limit", d)
	}
}

func TestDecideAnnounceRetry_GiveUpPastExpiry(t *testing.T) {
	now := announceExpiry.Milliseconds() + 60_000
	rec := &RunRecord{AnnounceRetryCount: 1, EndedAtMs: msPtr(int64(0))}
	d := decideAnnounceRetry(rec, 0, now)
	if d.Action != actionGiveUp || d.Reason != "expired" {
		t.Errorf("decision = %+v, want give-up expired", d)
	}
}

func TestDecideAnnounceRetry_BackoffGrowsWithCount(t *testing.T) {
	now := int64(1000)
	for count, want := range map[int]time.Duration{
		0: 1 * time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
	} {
		rec := &RunRecord{AnnounceRetryCount: count, EndedAtMs: msPtr(now - 100)}
		d := decideAnnounceRetry(rec, 0, now)
		if d.Action != actionRetry {
			t.Fatalf("count %d: action = %v, want retry", count, d.Action)
		}
		if d.Delay != want {
			t.Errorf("count %d: delay = %v, want %v", count, d.Delay, want)
		}
	}
}

// ─── Resume arithmetic ─────────────────────────────────────────────────────

func TestResumeAnnounceDelay_HonorsRemainingBackoff(t *testing.T) {
	now := int64(100_000)
	rec := &RunRecord{
		AnnounceRetryCount:    2,
		LastAnnounceRetryAtMs: msPtr(now - 500), // backoff(2)=2s, 1.5s remain
	}
	if got := resumeAnnounceDelay(rec, now); got != 1500*time.Millisecond {
		t.Errorf("delay = %v, want 1.5s", got)
	}
}

func TestResumeAnnounceDelay_ElapsedOrFresh(t *testing.T) {
	now := int64(100_000)
	elapsed := &RunRecord{AnnounceRetryCount: 1, LastAnnounceRetryAtMs: msPtr(now - 5000)}
	if got := resumeAnnounceDelay(elapsed, now); got != 0 {
		t.Errorf("elapsed backoff: delay = %v, want 0", got)
	}
	fresh := &RunRecord{}
	if got := resumeAnnounceDelay(fresh, now); got != 0 {
		t.Errorf("no retries yet: delay = %v, want 0", got)
	}
}
