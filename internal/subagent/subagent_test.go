package subagent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// ─── Fakes ─────────────────────────────────────────────────────────────────

// fakeClock is a manually advanced clock so tests never sleep.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAnnouncer records announce attempts and returns scripted results.
type fakeAnnouncer struct {
	mu      sync.Mutex
	calls   []AnnounceRequest
	results []bool // consumed front-to-back; empty means announce succeeds
	err     error
}

func (a *fakeAnnouncer) Announce(_ context.Context, req AnnounceRequest) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	if a.err != nil {
		return false, a.err
	}
	if len(a.results) > 0 {
		r := a.results[0]
		a.results = a.results[1:]
		return r, nil
	}
	return true, nil
}

func (a *fakeAnnouncer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeAnnouncer) lastCall() AnnounceRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[len(a.calls)-1]
}

// fakeWaiter resolves the cross-process wait immediately. With nothing
// scripted it resolves to no result, leaving the run untouched.
type fakeWaiter struct {
	mu    sync.Mutex
	res   *WaitResult
	err   error
	calls int
}

func (w *fakeWaiter) WaitForRun(_ context.Context, _ string, _ int64) (*WaitResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.res, w.err
}

func (w *fakeWaiter) script(res *WaitResult, err error) {
	w.mu.Lock()
	w.res = res
	w.err = err
	w.mu.Unlock()
}

// fakeDeleter records session deletions.
type fakeDeleter struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (d *fakeDeleter) DeleteSession(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, key)
	return d.err
}

func (d *fakeDeleter) deleted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.keys...)
}

// fakeSessions serves session entries from a map.
type fakeSessions struct {
	mu      sync.Mutex
	entries map[string]*SessionEntry
	err     error
}

func (s *fakeSessions) Entry(key string) (*SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.entries[key], nil
}

func (s *fakeSessions) set(key, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]*SessionEntry)
	}
	s.entries[key] = &SessionEntry{Key: key, SessionID: sessionID}
}

type fakeSettings struct {
	graceMinutes   int
	timeoutSeconds int
	perAgent       map[string]int
}

func (s fakeSettings) ArchiveGraceMinutes() int { return s.graceMinutes }

func (s fakeSettings) RunTimeoutSeconds(agentID string) int {
	if v, ok := s.perAgent[agentID]; ok {
		return v
	}
	return s.timeoutSeconds
}

// ─── Harness ───────────────────────────────────────────────────────────────

type testEnv struct {
	clock    *fakeClock
	ann      *fakeAnnouncer
	waiter   *fakeWaiter
	deleter  *fakeDeleter
	sessions *fakeSessions
	reg      *Registry
	path     string

	hookMu   sync.Mutex
	hookRuns []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:    newFakeClock(),
		ann:      &fakeAnnouncer{},
		waiter:   &fakeWaiter{},
		deleter:  &fakeDeleter{},
		sessions: &fakeSessions{},
		path:     filepath.Join(t.TempDir(), "runs.json"),
	}
	env.reg = NewRegistry(Options{
		StorePath: env.path,
		Clock:     env.clock,
		Announcer: env.ann,
		Waiter:    env.waiter,
		Deleter:   env.deleter,
		Sessions:  env.sessions,
		Settings:  fakeSettings{graceMinutes: 60, timeoutSeconds: 300},
		Hook: func(runID string, _ RunRecord) error {
			env.hookMu.Lock()
			env.hookRuns = append(env.hookRuns, runID)
			env.hookMu.Unlock()
			return nil
		},
	})
	t.Cleanup(func() {
		env.reg.Close()
		env.reg.WaitIdle()
	})
	return env
}

func (e *testEnv) hookCount(runID string) int {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	n := 0
	for _, id := range e.hookRuns {
		if id == runID {
			n++
		}
	}
	return n
}

// register creates a run with sensible defaults; the session store is primed
// so the run is never treated as orphaned.
func (e *testEnv) register(t *testing.T, mutate func(*RegisterParams)) RunRecord {
	t.Helper()
	params := RegisterParams{
		ChildSessionKey:          "agent:child-1",
		RequesterSessionKey:      "telegram:1001",
		Task:                     "summarize the weekly report",
		SpawnMode:                SpawnModeSession,
		Cleanup:                  CleanupKeep,
		ExpectsCompletionMessage: true,
	}
	if mutate != nil {
		mutate(&params)
	}
	rec, err := e.reg.Register(params)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	e.sessions.set(rec.ChildSessionKey, "sess-"+rec.RunID)
	return rec
}

// complete ends the run and waits for the spawned cleanup flow to settle.
func (e *testEnv) complete(rec RunRecord, outcome Outcome) {
	e.reg.CompleteRun(rec.RunID, e.clock.Now().UnixMilli(), outcome, "")
	e.reg.WaitIdle()
}
