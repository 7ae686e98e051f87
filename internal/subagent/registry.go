package subagent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const defaultAnnounceTimeout = 120 * time.Second

// Options wires a Registry to its collaborators. Everything is injected; the
// registry owns no ambient state.
type Options struct {
	// StorePath is the JSON document holding the full run table.
	StorePath string

	Clock     Clock
	Waiter    CompletionWaiter
	Deleter   SessionDeleter
	Sessions  SessionStore
	Announcer Announcer
	Settings  Settings
	Hook      EndedHook

	// AnnounceTimeout bounds each announce attempt (default 120s). The
	// backoff delay between attempts is independent of it.
	AnnounceTimeout time.Duration
}

// Registry is the in-memory run table plus synchronous disk persistence.
// All state transitions happen under one mutex; collaborator calls (announce,
// wait, delete) happen outside it, always after the transition that makes
// them safe to repeat was persisted.
type Registry struct {
	opts Options

	mu          sync.Mutex
	runs        map[string]*RunRecord
	announceDue map[string]int64 // runID → next cleanup attempt, unix ms
	retired     map[string]struct{}
	restored    bool

	hookFlight singleflight.Group
	cleanupWG  sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
}

// NewRegistry creates a Registry. The table starts empty; call
// RestoreFromDisk before ReconcileAndResume to pick up a previous process's
// state.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.AnnounceTimeout <= 0 {
		opts.AnnounceTimeout = defaultAnnounceTimeout
	}
	return &Registry{
		opts:        opts,
		runs:        make(map[string]*RunRecord),
		announceDue: make(map[string]int64),
		retired:     make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Close stops background watchers. In-flight cleanup flows are awaited by
// WaitIdle, not abandoned.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// WaitIdle blocks until every spawned cleanup flow has finished.
func (r *Registry) WaitIdle() { r.cleanupWG.Wait() }

// RegisterParams describes a new run. RunID is generated when empty.
type RegisterParams struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterOrigin     *DeliveryContext
	RequesterDisplayKey string
	Task                string
	Label               string
	Model               string
	AgentID             string

	Cleanup                  string
	SpawnMode                string
	RunTimeoutSeconds        int
	ExpectsCompletionMessage bool
}

// Register creates a run record, persists the table, and arms the
// cross-process completion watcher. The in-process lifecycle path is armed
// globally by Run.
func (r *Registry) Register(params RegisterParams) (RunRecord, error) {
	if params.ChildSessionKey == "" {
		return RunRecord{}, fmt.Errorf("subagent: childSessionKey is required")
	}
	if params.Cleanup == "" {
		params.Cleanup = CleanupDelete
	}
	if params.Cleanup != CleanupDelete && params.Cleanup != CleanupKeep {
		return RunRecord{}, fmt.Errorf("subagent: invalid cleanup policy %q", params.Cleanup)
	}
	if params.SpawnMode == "" {
		params.SpawnMode = SpawnModeRun
	}
	if params.SpawnMode != SpawnModeRun && params.SpawnMode != SpawnModeSession {
		return RunRecord{}, fmt.Errorf("subagent: invalid spawn mode %q", params.SpawnMode)
	}
	if params.RunID == "" {
		params.RunID = uuid.NewString()
	}

	now := r.opts.Clock.Now()

	r.mu.Lock()
	if _, exists := r.runs[params.RunID]; exists {
		r.mu.Unlock()
		return RunRecord{}, fmt.Errorf("subagent: run %s already registered", params.RunID)
	}
	if _, was := r.retired[params.RunID]; was {
		r.mu.Unlock()
		return RunRecord{}, fmt.Errorf("subagent: run id %s was already used", params.RunID)
	}

	rec := &RunRecord{
		RunID:               params.RunID,
		ChildSessionKey:     params.ChildSessionKey,
		RequesterSessionKey: params.RequesterSessionKey,
		RequesterOrigin:     params.RequesterOrigin,
		RequesterDisplayKey: params.RequesterDisplayKey,
		Task:                params.Task,
		Label:               params.Label,
		Model:               params.Model,
		AgentID:             params.AgentID,

		Cleanup:                  params.Cleanup,
		SpawnMode:                params.SpawnMode,
		RunTimeoutSeconds:        params.RunTimeoutSeconds,
		ExpectsCompletionMessage: params.ExpectsCompletionMessage,

		CreatedAtMs: now.UnixMilli(),
	}
	if rec.SpawnMode == SpawnModeRun {
		rec.ArchiveAtMs = msPtr(now.Add(r.archiveGrace()).UnixMilli())
	}

	r.runs[rec.RunID] = rec
	if err := r.persistLocked(); err != nil {
		delete(r.runs, rec.RunID)
		r.mu.Unlock()
		return RunRecord{}, err
	}
	out := rec.clone()
	r.mu.Unlock()

	slog.Info("subagent: run registered",
		"run_id", out.RunID,
		"child_session", out.ChildSessionKey,
		"spawn_mode", out.SpawnMode,
		"cleanup", out.Cleanup)

	go r.watchRemote(out.RunID)
	return out, nil
}

// Replace supports steer continuation: the old record's metadata is copied
// into a new record with all lifecycle fields reset, and the old identity is
// retired. The new run gets a fresh archive deadline and a fresh watcher.
func (r *Registry) Replace(prevID, nextID string) (RunRecord, error) {
	if nextID == "" {
		nextID = uuid.NewString()
	}
	now := r.opts.Clock.Now()

	r.mu.Lock()
	prev, ok := r.runs[prevID]
	if !ok {
		r.mu.Unlock()
		return RunRecord{}, fmt.Errorf("subagent: run %s not found", prevID)
	}
	if _, exists := r.runs[nextID]; exists {
		r.mu.Unlock()
		return RunRecord{}, fmt.Errorf("subagent: run %s already registered", nextID)
	}

	next := &RunRecord{
		RunID:               nextID,
		ChildSessionKey:     prev.ChildSessionKey,
		RequesterSessionKey: prev.RequesterSessionKey,
		RequesterOrigin:     prev.RequesterOrigin,
		RequesterDisplayKey: prev.RequesterDisplayKey,
		Task:                prev.Task,
		Label:               prev.Label,
		Model:               prev.Model,
		AgentID:             prev.AgentID,

		Cleanup:                  prev.Cleanup,
		SpawnMode:                prev.SpawnMode,
		RunTimeoutSeconds:        prev.RunTimeoutSeconds,
		ExpectsCompletionMessage: prev.ExpectsCompletionMessage,

		CreatedAtMs: now.UnixMilli(),
	}
	if next.SpawnMode == SpawnModeRun {
		next.ArchiveAtMs = msPtr(now.Add(r.archiveGrace()).UnixMilli())
	}

	delete(r.runs, prevID)
	delete(r.announceDue, prevID)
	r.retired[prevID] = struct{}{}
	r.runs[nextID] = next
	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return RunRecord{}, err
	}
	out := next.clone()
	r.mu.Unlock()

	slog.Info("subagent: run replaced", "prev_run_id", prevID, "run_id", nextID)

	go r.watchRemote(nextID)
	return out, nil
}

// Terminate force-ends every non-terminal run matching the given run ID or
// child session key. Terminated runs never announce: cleanup is marked both
// handled and completed, and the announce flow is suppressed with reason
// "killed". The ended hook still fires, once per distinct child session.
func (r *Registry) Terminate(target, reason string) int {
	now := r.opts.Clock.Now().UnixMilli()

	r.mu.Lock()
	var hookRuns []string
	seenSessions := make(map[string]bool)
	for _, rec := range r.runs {
		if rec.Ended() {
			continue
		}
		if rec.RunID != target && rec.ChildSessionKey != target {
			continue
		}
		rec.Outcome = &Outcome{Status: StatusError, Error: reason}
		rec.EndedAtMs = msPtr(now)
		rec.EndedReason = "killed"
		rec.CleanupHandled = true
		rec.CleanupCompletedAtMs = msPtr(now)
		rec.SuppressAnnounceReason = SuppressKilled
		delete(r.announceDue, rec.RunID)
		if !seenSessions[rec.ChildSessionKey] {
			seenSessions[rec.ChildSessionKey] = true
			hookRuns = append(hookRuns, rec.RunID)
		}
	}
	if len(hookRuns) > 0 {
		if err := r.persistLocked(); err != nil {
			slog.Error("subagent: persist after terminate failed", "err", err)
		}
	}
	count := len(hookRuns)
	r.mu.Unlock()

	for _, runID := range hookRuns {
		slog.Info("subagent: run terminated", "run_id", runID, "reason", reason)
		r.emitEndedHook(runID)
	}
	return count
}

// Get returns a copy of the record for runID.
func (r *Registry) Get(runID string) (RunRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return RunRecord{}, false
	}
	return rec.clone(), true
}

// List returns copies of all records, newest first.
func (r *Registry) List() []RunRecord {
	r.mu.Lock()
	out := make([]RunRecord, 0, len(r.runs))
	for _, rec := range r.runs {
		out = append(out, rec.clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs > out[j].CreatedAtMs })
	return out
}

// ActiveCount returns the number of runs without a terminal result.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.runs {
		if !rec.Ended() {
			n++
		}
	}
	return n
}

// ─── Persistence ───────────────────────────────────────────────────────────

// persistLocked serializes the entire table. Caller holds r.mu.
func (r *Registry) persistLocked() error {
	doc := storeDocument{Version: storeVersion, Runs: r.runs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run table: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(r.opts.StorePath), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := os.WriteFile(r.opts.StorePath, data, 0o644); err != nil {
		return fmt.Errorf("write run table %s: %w", r.opts.StorePath, err)
	}
	return nil
}

// RestoreFromDisk rehydrates the table from the persisted snapshot. It runs at
// most once per process and is merge-only: records registered in-memory before
// restore are never overwritten.
func (r *Registry) RestoreFromDisk() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.restored {
		return nil
	}
	r.restored = true

	data, err := os.ReadFile(r.opts.StorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read run table %s: %w", r.opts.StorePath, err)
	}

	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse run table %s: %w", r.opts.StorePath, err)
	}

	merged := 0
	for id, rec := range doc.Runs {
		if _, exists := r.runs[id]; exists {
			continue
		}
		r.runs[id] = rec
		merged++
	}
	if merged > 0 {
		slog.Info("subagent: run table restored", "runs", merged)
	}
	return nil
}

// ─── Internal helpers ──────────────────────────────────────────────────────

func (r *Registry) archiveGrace() time.Duration {
	minutes := 0
	if r.opts.Settings != nil {
		minutes = r.opts.Settings.ArchiveGraceMinutes()
	}
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// deleteRunLocked removes a record and everything keyed on it. The id is
// retired so it can never be reused.
func (r *Registry) deleteRunLocked(runID string) {
	delete(r.runs, runID)
	delete(r.announceDue, runID)
	r.retired[runID] = struct{}{}
}

// activeDescendantCountLocked counts non-terminal runs whose requester chain
// roots at the given run's child session. Caller holds r.mu.
func (r *Registry) activeDescendantCountLocked(runID string) int {
	root, ok := r.runs[runID]
	if !ok {
		return 0
	}

	sessions := map[string]bool{root.ChildSessionKey: true}
	seen := map[string]bool{runID: true}
	count := 0

	for changed := true; changed; {
		changed = false
		for id, rec := range r.runs {
			if seen[id] || !sessions[rec.RequesterSessionKey] {
				continue
			}
			seen[id] = true
			changed = true
			if !rec.Ended() {
				count++
			}
			sessions[rec.ChildSessionKey] = true
		}
	}
	return count
}

// scheduleCleanupLocked records when the next cleanup attempt for runID is
// due. A single recurring scan (processDue) picks it up; there is no per-run
// timer.
func (r *Registry) scheduleCleanupLocked(runID string, delay time.Duration) {
	r.announceDue[runID] = r.opts.Clock.Now().Add(delay).UnixMilli()
}

// processDue starts cleanup for every run whose scheduled attempt time has
// passed.
func (r *Registry) processDue() {
	now := r.opts.Clock.Now().UnixMilli()

	r.mu.Lock()
	var due []string
	for runID, at := range r.announceDue {
		if at <= now {
			due = append(due, runID)
			delete(r.announceDue, runID)
		}
	}
	r.mu.Unlock()

	for _, runID := range due {
		r.spawnCleanup(runID)
	}
}

// spawnCleanup runs BeginCleanup on a tracked goroutine so shutdown can await
// it instead of abandoning it mid-flight.
func (r *Registry) spawnCleanup(runID string) {
	r.cleanupWG.Add(1)
	go func() {
		defer r.cleanupWG.Done()
		r.BeginCleanup(runID)
	}()
}
