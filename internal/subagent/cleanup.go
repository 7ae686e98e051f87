package subagent

import (
	"context"
	"log/slog"
)

// BeginCleanup drives the per-run cleanup flow. The test-and-set on
// CleanupHandled happens under the lock before the announce call, so at most
// one flow runs per run at a time; a failed announce clears the flag again
// and schedules the next attempt through the due-work scan.
func (r *Registry) BeginCleanup(runID string) {
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok || !rec.Ended() || rec.CleanupHandled {
		r.mu.Unlock()
		return
	}
	if rec.SuppressAnnounceReason != "" {
		// Steer-restart (or kill) suppression short-circuits cleanup entirely
		// until the suppression is cleared.
		r.mu.Unlock()
		return
	}

	rec.CleanupHandled = true
	if err := r.persistLocked(); err != nil {
		slog.Error("subagent: persist cleanup start failed", "run_id", runID, "err", err)
	}
	req := AnnounceRequest{
		ChildSessionKey:          rec.ChildSessionKey,
		ChildRunID:               rec.RunID,
		RequesterSessionKey:      rec.RequesterSessionKey,
		RequesterOrigin:          rec.RequesterOrigin,
		Task:                     rec.Task,
		Outcome:                  *rec.Outcome,
		SpawnMode:                rec.SpawnMode,
		ExpectsCompletionMessage: rec.ExpectsCompletionMessage,
		TimeoutMs:                r.opts.AnnounceTimeout.Milliseconds(),
		Cleanup:                  rec.Cleanup,
	}
	expects := rec.ExpectsCompletionMessage
	r.mu.Unlock()

	didAnnounce := true
	if expects && r.opts.Announcer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.AnnounceTimeout)
		did, err := r.opts.Announcer.Announce(ctx, req)
		cancel()
		if err != nil {
			// Isolated per run: one delivery failure never blocks the others.
			slog.Error("subagent: announce failed", "run_id", runID, "err", err)
			did = false
		}
		didAnnounce = did
	}

	if !didAnnounce {
		r.handleAnnounceFailure(runID)
		return
	}

	// The requester has been notified (or no message was owed): the deferred
	// ended hook can fire now.
	r.emitEndedHook(runID)

	nowMs := r.opts.Clock.Now().UnixMilli()
	r.mu.Lock()
	rec, ok = r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	policy := rec.Cleanup
	if policy == CleanupDelete {
		r.deleteRunLocked(runID)
	} else {
		rec.CleanupCompletedAtMs = msPtr(nowMs)
	}
	if err := r.persistLocked(); err != nil {
		slog.Error("subagent: persist cleanup result failed", "run_id", runID, "err", err)
	}
	r.mu.Unlock()

	slog.Info("subagent: cleanup resolved", "run_id", runID, "policy", policy)

	r.retryDeferredCompletedAnnounces()
}

// handleAnnounceFailure consults the scheduler after an announce attempt that
// did not succeed and applies its decision.
func (r *Registry) handleAnnounceFailure(runID string) {
	nowMs := r.opts.Clock.Now().UnixMilli()

	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}

	descendants := r.activeDescendantCountLocked(runID)
	decision := decideAnnounceRetry(rec, descendants, nowMs)

	switch decision.Action {
	case actionDefer:
		// Descendants still active: wait without burning the retry budget.
		rec.CleanupHandled = false
		r.scheduleCleanupLocked(runID, decision.Delay)
		if err := r.persistLocked(); err != nil {
			slog.Error("subagent: persist defer failed", "run_id", runID, "err", err)
		}
		r.mu.Unlock()
		slog.Info("subagent: announce deferred for active descendants",
			"run_id", runID, "descendants", descendants)

	case actionRetry:
		rec.CleanupHandled = false
		rec.AnnounceRetryCount++
		rec.LastAnnounceRetryAtMs = msPtr(nowMs)
		r.scheduleCleanupLocked(runID, decision.Delay)
		if err := r.persistLocked(); err != nil {
			slog.Error("subagent: persist retry failed", "run_id", runID, "err", err)
		}
		retries := rec.AnnounceRetryCount
		r.mu.Unlock()
		slog.Info("subagent: announce retry scheduled",
			"run_id", runID, "attempt", retries, "delay", decision.Delay)

	case actionGiveUp:
		// CleanupHandled stays set; the session is kept, never deleted, when
		// its result was never delivered.
		rec.CleanupCompletedAtMs = msPtr(nowMs)
		if err := r.persistLocked(); err != nil {
			slog.Error("subagent: persist give-up failed", "run_id", runID, "err", err)
		}
		retries := rec.AnnounceRetryCount
		r.mu.Unlock()
		slog.Warn("subagent: announce given up, keeping session",
			"run_id", runID, "reason", decision.Reason, "retries", retries)
		r.emitEndedHook(runID)
	}
}

// retryDeferredCompletedAnnounces wakes every ended run whose cleanup has not
// resolved yet and is not already scheduled: entries that were waiting on a
// shared resource freed by the flow that just finished.
func (r *Registry) retryDeferredCompletedAnnounces() {
	r.mu.Lock()
	var pending []string
	for runID, rec := range r.runs {
		if !rec.Ended() || rec.CleanupHandled || rec.SuppressAnnounceReason != "" {
			continue
		}
		if _, scheduled := r.announceDue[runID]; scheduled {
			continue
		}
		pending = append(pending, runID)
	}
	r.mu.Unlock()

	for _, runID := range pending {
		r.spawnCleanup(runID)
	}
}

// SuppressAnnounce marks a non-terminal run so cleanup short-circuits while
// the suppression is set. Used when a steer restart is about to replace the
// run's identity.
func (r *Registry) SuppressAnnounce(runID, reason string) bool {
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok || rec.Ended() {
		r.mu.Unlock()
		return false
	}
	rec.SuppressAnnounceReason = reason
	if err := r.persistLocked(); err != nil {
		slog.Error("subagent: persist suppression failed", "run_id", runID, "err", err)
	}
	r.mu.Unlock()

	slog.Info("subagent: announce suppressed", "run_id", runID, "reason", reason)
	return true
}

// ClearAnnounceSuppression lifts a suppression. If the run already ended
// while suppressed, cleanup is re-armed immediately.
func (r *Registry) ClearAnnounceSuppression(runID string) bool {
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok || rec.SuppressAnnounceReason == "" {
		r.mu.Unlock()
		return false
	}
	rec.SuppressAnnounceReason = ""
	ended := rec.Ended() && !rec.CleanupHandled
	if err := r.persistLocked(); err != nil {
		slog.Error("subagent: persist suppression clear failed", "run_id", runID, "err", err)
	}
	r.mu.Unlock()

	if ended {
		r.spawnCleanup(runID)
	}
	return true
}
