package bus

// Stream classifies agent events by what produced them.
type Stream string

const (
	StreamLifecycle Stream = "lifecycle"
	StreamAssistant Stream = "assistant"
	StreamTool      Stream = "tool"
)

// Lifecycle phases.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// LifecyclePayload describes one phase transition of an agent run.
type LifecyclePayload struct {
	Phase       string `json:"phase"`
	StartedAtMs *int64 `json:"startedAt,omitempty"`
	EndedAtMs   *int64 `json:"endedAt,omitempty"`
	Error       string `json:"error,omitempty"`
	Aborted     bool   `json:"aborted,omitempty"`
}

// AgentEvent is one event published on the agent event bus. Lifecycle is set
// only for StreamLifecycle events.
type AgentEvent struct {
	RunID      string            `json:"runId"`
	SessionKey string            `json:"sessionKey,omitempty"`
	Stream     Stream            `json:"stream"`
	Seq        int64             `json:"seq"`
	Ts         int64             `json:"ts"`
	Lifecycle  *LifecyclePayload `json:"lifecycle,omitempty"`
}
