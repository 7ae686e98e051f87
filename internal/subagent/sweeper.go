package subagent

import (
	"context"
	"log/slog"
)

// HasArchivable reports whether any record still carries an archive deadline.
// The maintenance schedule skips the sweep entirely while this is false.
func (r *Registry) HasArchivable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.runs {
		if rec.ArchiveAtMs != nil {
			return true
		}
	}
	return false
}

// Sweep archives every ephemeral run whose deadline has passed: the record is
// removed from the table and persisted first, then the child session's
// transcript is deleted best-effort with lifecycle hooks suppressed. The run
// was already individually announced and cleaned up; this is pure resource
// reclamation. Returns the number of runs reclaimed.
func (r *Registry) Sweep(ctx context.Context) int {
	nowMs := r.opts.Clock.Now().UnixMilli()

	r.mu.Lock()
	var expired []RunRecord
	for runID, rec := range r.runs {
		if rec.ArchiveAtMs != nil && *rec.ArchiveAtMs <= nowMs {
			expired = append(expired, rec.clone())
			r.deleteRunLocked(runID)
		}
	}
	if len(expired) > 0 {
		if err := r.persistLocked(); err != nil {
			slog.Error("subagent: persist sweep failed", "err", err)
		}
	}
	r.mu.Unlock()

	for _, rec := range expired {
		slog.Info("subagent: archived ephemeral run",
			"run_id", rec.RunID, "child_session", rec.ChildSessionKey)
		if r.opts.Deleter == nil {
			continue
		}
		if err := r.opts.Deleter.DeleteSession(ctx, rec.ChildSessionKey); err != nil {
			slog.Warn("subagent: session delete failed",
				"child_session", rec.ChildSessionKey, "err", err)
		}
	}
	return len(expired)
}
