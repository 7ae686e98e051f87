package subagent

import "log/slog"

// Orphan reasons: the child session record is gone entirely, or it exists but
// never got a valid session identifier.
const (
	OrphanMissingEntry     = "missing-session-entry"
	OrphanMissingSessionID = "missing-session-id"
)

// ReconcileAndResume runs once over every restored record: prunes orphans and
// resumes the watcher/announce flow for the survivors. Call after
// RestoreFromDisk.
func (r *Registry) ReconcileAndResume() {
	for _, rec := range r.List() {
		r.ResumeRun(rec.RunID)
	}
}

// ResumeRun re-arms a single run after a restart (and is also the lazy
// per-run check before any resume attempt). Orphans are pruned; unfinished
// runs get a fresh bounded wait; ended-but-unresolved runs re-enter the
// announce flow honoring the persisted backoff arithmetic so a restart never
// causes a retry storm.
func (r *Registry) ResumeRun(runID string) {
	if r.reconcileRun(runID) {
		return
	}

	nowMs := r.opts.Clock.Now().UnixMilli()

	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !rec.Ended() {
		r.mu.Unlock()
		go r.watchRemote(runID)
		return
	}
	if rec.SuppressAnnounceReason != "" || rec.CleanupCompletedAtMs != nil {
		r.mu.Unlock()
		return
	}
	// A crash between the handled test-and-set and the flow resolving leaves
	// a stale flag; clear it so the run is not stuck forever.
	if rec.CleanupHandled {
		rec.CleanupHandled = false
		if err := r.persistLocked(); err != nil {
			slog.Error("subagent: persist resume failed", "run_id", runID, "err", err)
		}
	}

	// A run that already exhausted its retry budget or expired while the
	// process was down resolves right here, without ever reaching the
	// announce collaborator again.
	if reason, giveUp := announceGiveUpLocked(rec, nowMs); giveUp && rec.ExpectsCompletionMessage {
		rec.CleanupHandled = true
		rec.CleanupCompletedAtMs = msPtr(nowMs)
		retries := rec.AnnounceRetryCount
		if err := r.persistLocked(); err != nil {
			slog.Error("subagent: persist give-up failed", "run_id", runID, "err", err)
		}
		r.mu.Unlock()
		slog.Warn("subagent: announce given up, keeping session",
			"run_id", runID, "reason", reason, "retries", retries)
		r.emitEndedHook(runID)
		return
	}

	delay := resumeAnnounceDelay(rec, nowMs)
	if delay > 0 {
		r.scheduleCleanupLocked(runID, delay)
		r.mu.Unlock()
		slog.Info("subagent: resume honoring backoff", "run_id", runID, "delay", delay)
		return
	}
	r.mu.Unlock()
	r.spawnCleanup(runID)
}

// reconcileRun prunes the run if its child session is orphaned. Returns true
// when the record was pruned. Any read error fails open; a transient
// configuration or store failure must never delete a live run.
func (r *Registry) reconcileRun(runID string) bool {
	rec, ok := r.Get(runID)
	if !ok {
		return false
	}

	reason, orphaned := r.orphanReason(rec.ChildSessionKey)
	if !orphaned {
		return false
	}

	nowMs := r.opts.Clock.Now().UnixMilli()

	r.mu.Lock()
	live, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	live.Outcome = &Outcome{Status: StatusError, Error: "orphaned subagent run (" + reason + ")"}
	if live.EndedAtMs == nil {
		live.EndedAtMs = msPtr(nowMs)
	}
	live.EndedReason = "orphaned"
	live.CleanupHandled = true
	live.CleanupCompletedAtMs = msPtr(nowMs)
	r.deleteRunLocked(runID)
	if err := r.persistLocked(); err != nil {
		slog.Error("subagent: persist orphan prune failed", "run_id", runID, "err", err)
	}
	r.mu.Unlock()

	slog.Warn("subagent: orphaned run pruned",
		"run_id", runID, "child_session", rec.ChildSessionKey, "reason", reason)
	return true
}

// orphanReason consults the session store for the child session key.
func (r *Registry) orphanReason(childSessionKey string) (string, bool) {
	if r.opts.Sessions == nil {
		return "", false
	}
	entry, err := r.opts.Sessions.Entry(childSessionKey)
	if err != nil {
		slog.Warn("subagent: orphan check failed open",
			"child_session", childSessionKey, "err", err)
		return "", false
	}
	if entry == nil {
		return OrphanMissingEntry, true
	}
	if entry.SessionID == "" {
		return OrphanMissingSessionID, true
	}
	return "", false
}
