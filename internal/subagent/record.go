// Package subagent tracks the lifecycle of child agent runs: registration,
// completion detection across process boundaries, exactly-once requester
// notification, and resource reclamation.
//
// The registry is the single source of truth. Every mutation happens as a
// synchronous step under one lock and is followed by a full-table persist, so
// the on-disk snapshot is always one committed transition behind at worst.
// Announce delivery, the cross-process wait call, and session deletion are
// suspension points that run outside the lock against injected collaborators.
package subagent

import "time"

// Cleanup policies.
const (
	CleanupDelete = "delete"
	CleanupKeep   = "keep"
)

// Spawn modes. Ephemeral ("run") sessions are archived automatically after a
// grace period; "session" runs live until explicitly cleaned up.
const (
	SpawnModeRun     = "run"
	SpawnModeSession = "session"
)

// Outcome statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Announce suppression reasons.
const (
	SuppressKilled       = "killed"
	SuppressSteerRestart = "steer-restart"
)

// Outcome is the terminal result of a run.
type Outcome struct {
	Status string `json:"status"` // "ok" | "error" | "timeout"
	Error  string `json:"error,omitempty"`
}

// Equal reports structural equality. CompleteRun uses it to make duplicate
// completion signals idempotent.
func (o Outcome) Equal(other Outcome) bool {
	return o.Status == other.Status && o.Error == other.Error
}

// DeliveryContext identifies where the requester originally wrote from, so the
// announce collaborator can route the completion notice back.
type DeliveryContext struct {
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// RunRecord is one tracked child run. JSON keys use camelCase with *AtMs
// millisecond timestamps, matching the other on-disk stores.
type RunRecord struct {
	RunID               string           `json:"runId"`
	ChildSessionKey     string           `json:"childSessionKey"`
	RequesterSessionKey string           `json:"requesterSessionKey"`
	RequesterOrigin     *DeliveryContext `json:"requesterOrigin,omitempty"`
	RequesterDisplayKey string           `json:"requesterDisplayKey,omitempty"`
	Task                string           `json:"task"`
	Label               string           `json:"label,omitempty"`
	Model               string           `json:"model,omitempty"`
	AgentID             string           `json:"agentId,omitempty"`

	Cleanup                  string `json:"cleanup"`   // "delete" | "keep"
	SpawnMode                string `json:"spawnMode"` // "run" | "session"
	RunTimeoutSeconds        int    `json:"runTimeoutSeconds,omitempty"`
	ExpectsCompletionMessage bool   `json:"expectsCompletionMessage"`

	CreatedAtMs int64  `json:"createdAtMs"`
	StartedAtMs *int64 `json:"startedAtMs,omitempty"`
	EndedAtMs   *int64 `json:"endedAtMs,omitempty"`
	ArchiveAtMs *int64 `json:"archiveAtMs,omitempty"` // only ever set for spawnMode "run"

	Outcome *Outcome `json:"outcome,omitempty"`

	EndedReason            string `json:"endedReason,omitempty"`
	CleanupHandled         bool   `json:"cleanupHandled"`
	CleanupCompletedAtMs   *int64 `json:"cleanupCompletedAtMs,omitempty"`
	AnnounceRetryCount     int    `json:"announceRetryCount,omitempty"`
	LastAnnounceRetryAtMs  *int64 `json:"lastAnnounceRetryAtMs,omitempty"`
	SuppressAnnounceReason string `json:"suppressAnnounceReason,omitempty"`
	EndedHookEmittedAtMs   *int64 `json:"endedHookEmittedAtMs,omitempty"`
}

// Ended reports whether the run has a terminal result.
// Invariant: EndedAtMs and Outcome are set together.
func (r *RunRecord) Ended() bool { return r.EndedAtMs != nil }

// clone returns a shallow copy with its own pointer fields, safe to hand out
// after the registry lock is released.
func (r *RunRecord) clone() RunRecord {
	c := *r
	if r.RequesterOrigin != nil {
		origin := *r.RequesterOrigin
		c.RequesterOrigin = &origin
	}
	c.StartedAtMs = cloneMs(r.StartedAtMs)
	c.EndedAtMs = cloneMs(r.EndedAtMs)
	c.ArchiveAtMs = cloneMs(r.ArchiveAtMs)
	c.CleanupCompletedAtMs = cloneMs(r.CleanupCompletedAtMs)
	c.LastAnnounceRetryAtMs = cloneMs(r.LastAnnounceRetryAtMs)
	c.EndedHookEmittedAtMs = cloneMs(r.EndedHookEmittedAtMs)
	if r.Outcome != nil {
		o := *r.Outcome
		c.Outcome = &o
	}
	return c
}

func cloneMs(v *int64) *int64 {
	if v == nil {
		return nil
	}
	ms := *v
	return &ms
}

func msPtr(v int64) *int64 { return &v }

// storeDocument is the full run table serialized to disk.
type storeDocument struct {
	Version int                   `json:"version"`
	Runs    map[string]*RunRecord `json:"runs"`
}

const storeVersion = 1

// Clock abstracts time so tests can advance virtual time instead of sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
