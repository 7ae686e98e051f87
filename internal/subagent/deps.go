package subagent

import "context"

// The registry's collaborators are declared here, on the consumer side, so the
// packages implementing them (gateway, session, config) never need to import
// this one back.

// AnnounceRequest carries everything the announce collaborator needs to
// deliver a completion notice to the requester.
type AnnounceRequest struct {
	ChildSessionKey          string           `json:"childSessionKey"`
	ChildRunID               string           `json:"childRunId"`
	RequesterSessionKey      string           `json:"requesterSessionKey"`
	RequesterOrigin          *DeliveryContext `json:"requesterOrigin,omitempty"`
	Task                     string           `json:"task"`
	Outcome                  Outcome          `json:"outcome"`
	SpawnMode                string           `json:"spawnMode"`
	ExpectsCompletionMessage bool             `json:"expectsCompletionMessage"`
	TimeoutMs                int64            `json:"timeoutMs"`
	Cleanup                  string           `json:"cleanup"`
}

// Announcer delivers the completion notice. The boolean is didAnnounce: false
// means the requester was not reached and the scheduler decides what happens
// next.
type Announcer interface {
	Announce(ctx context.Context, req AnnounceRequest) (bool, error)
}

// WaitResult is the response of the cross-process completion wait call.
type WaitResult struct {
	Status      string `json:"status"` // "ok" | "error" | "timeout"
	StartedAtMs *int64 `json:"startedAt,omitempty"`
	EndedAtMs   *int64 `json:"endedAt,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CompletionWaiter issues a bounded wait for a run on the process that
// actually executes it. The call's own network deadline is timeoutMs plus a
// fixed allowance for the round trip.
type CompletionWaiter interface {
	WaitForRun(ctx context.Context, runID string, timeoutMs int64) (*WaitResult, error)
}

// SessionDeleter reclaims a child session's transcript. Used by the sweeper
// with lifecycle hooks suppressed; the run was already individually announced.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, key string) error
}

// SessionEntry is the metadata the orphan check needs from the session store.
type SessionEntry struct {
	Key       string
	SessionID string
}

// SessionStore is the read-only key lookup used for orphan detection.
// A nil entry with nil error means the session does not exist.
type SessionStore interface {
	Entry(key string) (*SessionEntry, error)
}

// Settings supplies the registry's configuration: the ephemeral-run archive
// grace period and per-agent run-timeout resolution.
type Settings interface {
	ArchiveGraceMinutes() int
	RunTimeoutSeconds(agentID string) int
}

// EndedHook is invoked exactly once per run after the run has fully ended
// (and, for session-mode runs expecting a completion message, only after the
// requester was actually notified). Errors are logged, never propagated.
type EndedHook func(runID string, rec RunRecord) error
