// Package events provides the broker's event sink: a thin wrapper over
// bus.EventBus that stamps a monotonic sequence number on every event it
// publishes (§5, §8) and names the subjects the engine emits on (§6).
package events

// Subjects emitted to the external sink, per §6. Colon-separated, not
// dot-separated, matching the wire format named in the spec verbatim.
const (
	SubjectAgentRegistered = "agent:registered"
	SubjectAgentStatus     = "agent:status"
	SubjectTaskCreated     = "task:created"
	SubjectTaskUpdated     = "task:updated"
	SubjectTaskCompletion  = "task:completion"
	SubjectTaskDeleted     = "task:deleted"
	SubjectTaskRetry       = "task:retry"
	SubjectTaskStale       = "task:stale"
	SubjectDelegation      = "delegation"
	SubjectActivity        = "activity"
	SubjectEviction        = "eviction"
)
