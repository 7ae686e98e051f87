package subagent

import "time"

// Announce retry policy. A child finishing must not burn the parent's retry
// budget, so the descendant defer never increments the counter; and a session
// whose result was never delivered is kept, never deleted.
const (
	announceMaxRetries    = 3
	announceExpiry        = 5 * time.Minute
	announceBaseDelay     = time.Second
	announceMaxDelay      = 8 * time.Second
	descendantsDeferDelay = time.Second
)

type announceAction int

const (
	// actionRetry schedules another attempt after backoff, incrementing the
	// retry counter.
	actionRetry announceAction = iota
	// actionDefer waits for active descendant runs without touching the
	// counter.
	actionDefer
	// actionGiveUp stops retrying and resolves cleanup as "keep".
	actionGiveUp
)

type announceDecision struct {
	Action announceAction
	Delay  time.Duration
	Reason string // "descendants-active" | "retry-limit" | "expired"
}

// announceBackoffDelay returns the delay before the given retry attempt
// (1-based): 1s, 2s, 4s, then capped at 8s.
func announceBackoffDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := announceBaseDelay << (retry - 1)
	if retry > 4 || d > announceMaxDelay {
		return announceMaxDelay
	}
	return d
}

// decideAnnounceRetry is consulted whenever an announce attempt did not
// succeed. Priority order: defer while descendants are active, give up at the
// retry ceiling, give up past the absolute expiry window, otherwise retry
// with exponential backoff.
func decideAnnounceRetry(rec *RunRecord, activeDescendants int, nowMs int64) announceDecision {
	if activeDescendants > 0 {
		return announceDecision{Action: actionDefer, Delay: descendantsDeferDelay, Reason: "descendants-active"}
	}
	if rec.AnnounceRetryCount >= announceMaxRetries {
		return announceDecision{Action: actionGiveUp, Reason: "retry-limit"}
	}
	if rec.EndedAtMs != nil && nowMs-*rec.EndedAtMs > announceExpiry.Milliseconds() {
		return announceDecision{Action: actionGiveUp, Reason: "expired"}
	}
	next := rec.AnnounceRetryCount + 1
	return announceDecision{Action: actionRetry, Delay: announceBackoffDelay(next)}
}

// announceGiveUpLocked checks the give-up conditions alone, without a failed
// attempt. Resume uses it so a run that already exhausted its budget (or
// expired while the process was down) never reaches the announce collaborator
// again. Caller holds r.mu.
func announceGiveUpLocked(rec *RunRecord, nowMs int64) (string, bool) {
	if rec.AnnounceRetryCount >= announceMaxRetries {
		return "retry-limit", true
	}
	if rec.EndedAtMs != nil && nowMs-*rec.EndedAtMs > announceExpiry.Milliseconds() {
		return "expired", true
	}
	return "", false
}

// resumeAnnounceDelay honors the persisted backoff arithmetic after a
// restart: if the last retry's delay has not elapsed yet, the remainder must
// pass before the next attempt. Prevents a retry storm right after startup.
func resumeAnnounceDelay(rec *RunRecord, nowMs int64) time.Duration {
	if rec.AnnounceRetryCount == 0 || rec.LastAnnounceRetryAtMs == nil {
		return 0
	}
	dueAt := *rec.LastAnnounceRetryAtMs + announceBackoffDelay(rec.AnnounceRetryCount).Milliseconds()
	if dueAt <= nowMs {
		return 0
	}
	return time.Duration(dueAt-nowMs) * time.Millisecond
}
