package subagent

import (
	"context"
	"log/slog"
	"time"

	"github.com/tidewatch/tidewatch/internal/bus"
)

// waitDeadlineSlack is added to the bounded wait's own timeout so the RPC
// round trip never races the logical deadline.
const waitDeadlineSlack = 10 * time.Second

const defaultRunTimeoutSeconds = 600

// Run consumes lifecycle events from the in-process bus and drives the
// recurring due-work scan. It blocks until ctx is cancelled or the registry
// is closed.
func (r *Registry) Run(ctx context.Context, events *bus.AgentEventBus) error {
	var sub *bus.Subscription
	var ch <-chan bus.AgentEvent
	if events != nil {
		sub = events.Subscribe(bus.StreamLifecycle)
		defer events.Unsubscribe(sub)
		ch = sub.Ch()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	slog.Info("subagent: watcher started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return nil
		case ev, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			r.HandleEvent(ev)
		case <-ticker.C:
			r.processDue()
		}
	}
}

// HandleEvent feeds one lifecycle event into the completion flow. Events for
// unknown runs are ignored; the cross-process path covers runs this process
// never sees events for.
func (r *Registry) HandleEvent(ev bus.AgentEvent) {
	if ev.Stream != bus.StreamLifecycle || ev.Lifecycle == nil || ev.RunID == "" {
		return
	}
	p := ev.Lifecycle
	now := r.opts.Clock.Now().UnixMilli()

	switch p.Phase {
	case bus.PhaseStart:
		startedAt := now
		if p.StartedAtMs != nil {
			startedAt = *p.StartedAtMs
		}
		r.markStarted(ev.RunID, startedAt)

	case bus.PhaseEnd:
		outcome := Outcome{Status: StatusOK}
		if p.Aborted {
			outcome = Outcome{Status: StatusTimeout}
		}
		endedAt := now
		if p.EndedAtMs != nil {
			endedAt = *p.EndedAtMs
		}
		r.CompleteRun(ev.RunID, endedAt, outcome, "")

	case bus.PhaseError:
		endedAt := now
		if p.EndedAtMs != nil {
			endedAt = *p.EndedAtMs
		}
		r.CompleteRun(ev.RunID, endedAt, Outcome{Status: StatusError, Error: p.Error}, "")
	}
}

// markStarted stamps startedAt once.
func (r *Registry) markStarted(runID string, startedAtMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok || rec.StartedAtMs != nil {
		return
	}
	rec.StartedAtMs = msPtr(startedAtMs)
	if err := r.persistLocked(); err != nil {
		slog.Error("subagent: persist started failed", "run_id", runID, "err", err)
	}
}

// CompleteRun is the single idempotent entry point both signal paths converge
// on. A second call with a structurally equal outcome performs no persistence
// and triggers no second cleanup; it only re-evaluates whether the ended hook
// must fire now or stay deferred. A call with a different outcome against an
// already-terminal record is ignored: the first completion wins, which is how
// a late wait-call response after Terminate becomes a no-op.
func (r *Registry) CompleteRun(runID string, endedAtMs int64, outcome Outcome, reason string) {
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}

	if rec.Ended() {
		duplicate := rec.Outcome != nil && rec.Outcome.Equal(outcome)
		deferred := rec.SpawnMode == SpawnModeSession && rec.ExpectsCompletionMessage
		r.mu.Unlock()
		if !duplicate {
			slog.Debug("subagent: ignoring conflicting completion for terminal run",
				"run_id", runID, "status", outcome.Status)
			return
		}
		if !deferred {
			r.emitEndedHook(runID)
		}
		return
	}

	rec.Outcome = &outcome
	rec.EndedAtMs = msPtr(endedAtMs)
	if reason != "" {
		rec.EndedReason = reason
	}
	if err := r.persistLocked(); err != nil {
		slog.Error("subagent: persist completion failed", "run_id", runID, "err", err)
	}
	suppressed := rec.SuppressAnnounceReason != ""
	deferred := rec.SpawnMode == SpawnModeSession && rec.ExpectsCompletionMessage
	r.mu.Unlock()

	slog.Info("subagent: run completed",
		"run_id", runID, "status", outcome.Status, "ended_reason", reason)

	// For session-mode runs that still owe the requester a message, the hook
	// fires only once the requester was actually notified (cleanup path).
	if !deferred {
		r.emitEndedHook(runID)
	}
	if !suppressed {
		r.spawnCleanup(runID)
	}
}

// emitEndedHook fires the run-ended hook at most once per run. The
// singleflight group collapses races between the two completion signal paths
// while the persisted EndedHookEmittedAtMs guards across restarts.
func (r *Registry) emitEndedHook(runID string) {
	r.hookFlight.Do(runID, func() (interface{}, error) {
		r.mu.Lock()
		rec, ok := r.runs[runID]
		if !ok || rec.EndedHookEmittedAtMs != nil {
			r.mu.Unlock()
			return nil, nil
		}
		snapshot := rec.clone()
		r.mu.Unlock()

		if r.opts.Hook != nil {
			if err := r.opts.Hook(runID, snapshot); err != nil {
				slog.Error("subagent: ended hook failed", "run_id", runID, "err", err)
			}
		}

		r.mu.Lock()
		if rec, ok := r.runs[runID]; ok && rec.EndedHookEmittedAtMs == nil {
			rec.EndedHookEmittedAtMs = msPtr(r.opts.Clock.Now().UnixMilli())
			if err := r.persistLocked(); err != nil {
				slog.Error("subagent: persist hook emission failed", "run_id", runID, "err", err)
			}
		}
		r.mu.Unlock()
		return nil, nil
	})
}

// watchRemote is the cross-process signal path: one bounded wait call issued
// right after registration (and again on resume). Failures are swallowed; the
// run stays unresolved until the in-process path or a later resume cycle
// settles it.
func (r *Registry) watchRemote(runID string) {
	if r.opts.Waiter == nil {
		return
	}
	rec, ok := r.Get(runID)
	if !ok || rec.Ended() {
		return
	}

	timeoutMs := r.resolveRunTimeoutMs(&rec)
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(timeoutMs)*time.Millisecond+waitDeadlineSlack)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := r.opts.Waiter.WaitForRun(ctx, runID, timeoutMs)
	if err != nil {
		slog.Debug("subagent: completion wait failed", "run_id", runID, "err", err)
		return
	}
	if res == nil {
		return
	}

	if res.StartedAtMs != nil {
		r.markStarted(runID, *res.StartedAtMs)
	}

	var outcome Outcome
	switch res.Status {
	case StatusOK:
		outcome = Outcome{Status: StatusOK}
	case StatusTimeout:
		outcome = Outcome{Status: StatusTimeout}
	case StatusError:
		outcome = Outcome{Status: StatusError, Error: res.Error}
	default:
		slog.Debug("subagent: unknown wait status", "run_id", runID, "status", res.Status)
		return
	}

	endedAt := r.opts.Clock.Now().UnixMilli()
	if res.EndedAtMs != nil {
		endedAt = *res.EndedAtMs
	}
	r.CompleteRun(runID, endedAt, outcome, "")
}

// resolveRunTimeoutMs resolves the bounded wait timeout: per-run value, then
// per-agent/global configuration, then the built-in default.
func (r *Registry) resolveRunTimeoutMs(rec *RunRecord) int64 {
	seconds := rec.RunTimeoutSeconds
	if seconds <= 0 && r.opts.Settings != nil {
		seconds = r.opts.Settings.RunTimeoutSeconds(rec.AgentID)
	}
	if seconds <= 0 {
		seconds = defaultRunTimeoutSeconds
	}
	return int64(seconds) * 1000
}
