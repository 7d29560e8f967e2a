// Package domain holds the broker's core value types: agents, tasks,
// reservations, and the small enums and child records attached to them.
// Nothing in this package talks to storage, the event bus, or the clock -
// it is pure data plus the handful of predicates the rest of the engine
// needs (derived status, eligibility helpers).
package domain

import "time"

// Capability is a domain tag that governs whether an agent is eligible
// for a task.
type Capability string

const (
	CapabilitySpecWriting Capability = "spec-writing"
	CapabilityCodeWriting Capability = "code-writing"
	CapabilityTestWriting Capability = "test-writing"
	CapabilityDocWriting  Capability = "doc-writing"
	CapabilityCodeDoctor  Capability = "code-doctor"
)

// AgentSource identifies how an agent connected to the broker.
type AgentSource string

const (
	AgentSourceCLI AgentSource = "CLI"
	AgentSourceIDE AgentSource = "IDE"
)

// WorkspaceKind distinguishes a local checkout from a hosted repository.
type WorkspaceKind string

const (
	WorkspaceKindLocal  WorkspaceKind = "local"
	WorkspaceKindGithub WorkspaceKind = "github"
)

// WorkspaceContext pins an agent (or a task's target) to a repository.
type WorkspaceContext struct {
	Kind   WorkspaceKind `json:"kind"`
	RepoID string        `json:"repoId"`
	Branch string        `json:"branch,omitempty"`
	Path   string        `json:"path,omitempty"`
}

// EvictionAction is the out-of-band instruction carried by a pending eviction.
type EvictionAction string

const (
	EvictionActionRestart  EvictionAction = "RESTART"
	EvictionActionShutdown EvictionAction = "SHUTDOWN"
)

// rank orders eviction actions so an upgrade (RESTART -> SHUTDOWN) can be
// detected without a bespoke switch at every call site.
func (a EvictionAction) rank() int {
	if a == EvictionActionShutdown {
		return 1
	}
	return 0
}

// Eviction is a pending out-of-band signal telling an agent to restart or
// shut down, attached to an Agent until it is popped by a waiter.
type Eviction struct {
	Requested bool           `json:"requested"`
	Reason    string         `json:"reason"`
	Action    EvictionAction `json:"action"`
}

// Upgrade applies the eviction upgrade rule from §3: SHUTDOWN always wins
// over RESTART regardless of call order; a downgrade is rejected.
func (e *Eviction) Upgrade(reason string, action EvictionAction) {
	if e.Requested && e.Action.rank() > action.rank() {
		// Existing pending eviction already asks for the stronger action;
		// keep it (downgrade is not allowed) but do not lose reason context.
		return
	}
	e.Requested = true
	e.Reason = reason
	e.Action = action
}

// AgentStatus is the derived (never persisted) liveness status of an agent.
type AgentStatus string

const (
	AgentStatusProcessing AgentStatus = "PROCESSING"
	AgentStatusWaiting    AgentStatus = "WAITING"
	AgentStatusOffline    AgentStatus = "OFFLINE"
)

// Agent is a registered worker process, owned by the Registry (§4.C).
type Agent struct {
	ID               string
	DisplayName      string
	Role             string
	Capabilities     map[Capability]struct{}
	WorkspaceContext *WorkspaceContext
	Source           AgentSource
	Color            string
	CreatedAt        time.Time
	LastSeen         time.Time
	Eviction         Eviction
}

// HasCapabilities reports whether the agent covers every capability in want.
func (a *Agent) HasCapabilities(want map[Capability]struct{}) bool {
	for c := range want {
		if _, ok := a.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// CapabilitySet builds a capability set from a slice, the shape callers
// receive off the wire.
func CapabilitySet(caps []Capability) map[Capability]struct{} {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}
