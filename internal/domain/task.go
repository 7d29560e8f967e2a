package domain

import "time"

// TaskStatus is a point in the task lifecycle state machine (§4.F).
type TaskStatus string

const (
	TaskQueued              TaskStatus = "QUEUED"
	TaskPendingAck           TaskStatus = "PENDING_ACK"
	TaskAssigned             TaskStatus = "ASSIGNED"
	TaskInProgress           TaskStatus = "IN_PROGRESS"
	TaskBlocked              TaskStatus = "BLOCKED"
	TaskInReview             TaskStatus = "IN_REVIEW"
	TaskRejected             TaskStatus = "REJECTED"
	TaskApprovedQueued       TaskStatus = "APPROVED_QUEUED"
	TaskApprovedPendingAck   TaskStatus = "APPROVED_PENDING_ACK"
	TaskCompleted            TaskStatus = "COMPLETED"
	TaskFailed               TaskStatus = "FAILED"
	TaskCancelled            TaskStatus = "CANCELLED"
)

// terminal holds the terminal statuses of §3: once reached, no further
// transition is legal.
var terminal = map[TaskStatus]struct{}{
	TaskCompleted: {},
	TaskFailed:    {},
	TaskCancelled: {},
}

// IsTerminal reports whether s is one of the terminal statuses.
func (s TaskStatus) IsTerminal() bool {
	_, ok := terminal[s]
	return ok
}

// transitions enumerates the allowed state machine edges from §4.F,
// verbatim. CanTransition is the only place that consults it.
var transitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskQueued: {
		TaskPendingAck: {},
		TaskCancelled:  {},
	},
	TaskPendingAck: {
		TaskAssigned: {},
		TaskQueued:   {},
	},
	TaskAssigned: {
		TaskInProgress: {},
		TaskBlocked:    {},
		TaskInReview:   {},
		TaskFailed:     {},
		TaskCancelled:  {},
	},
	TaskInProgress: {
		TaskBlocked:   {},
		TaskInReview:  {},
		TaskCompleted: {},
		TaskFailed:    {},
		TaskCancelled: {},
	},
	TaskBlocked: {
		TaskQueued:    {},
		TaskCancelled: {},
		TaskFailed:    {},
	},
	TaskInReview: {
		TaskApprovedQueued: {},
		TaskRejected:       {},
		TaskCancelled:      {},
	},
	TaskRejected: {
		TaskQueued: {}, // automatic, next scheduler tick
	},
	TaskApprovedQueued: {
		TaskApprovedPendingAck: {},
		TaskCancelled:          {},
	},
	TaskApprovedPendingAck: {
		TaskInProgress:     {},
		TaskApprovedQueued: {},
	},
}

// CanTransition reports whether from -> to is one of the edges in §4.F.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = edges[to]
	return ok
}

// Priority orders tasks for tie-breaking in the matcher (§4.E) and the
// in-memory priority index (§4.F).
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a numeric ordering for Priority, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// ActorKind identifies the originator of a task or a message.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAgent  ActorKind = "agent"
	ActorSystem ActorKind = "system"
)

// Actor names who created a task or authored a message.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
	Name string    `json:"name"`
}

// TaskTarget describes where a task should be routed: an agent hint, the
// capabilities it requires, and the workspace it is pinned to.
type TaskTarget struct {
	AgentID              string       `json:"agentId,omitempty"`
	RequiredCapabilities map[Capability]struct{} `json:"requiredCapabilities,omitempty"`
	WorkspaceID          string       `json:"workspaceId,omitempty"`
}

// MessageRole identifies who authored a task message.
type MessageRole string

const (
	MessageRoleUser   MessageRole = "user"
	MessageRoleAgent  MessageRole = "agent"
	MessageRoleSystem MessageRole = "system"
)

// Message is an append-only child record of a task (§3).
type Message struct {
	ID          string
	Role        MessageRole
	Content     string
	Timestamp   time.Time
	IsRead      bool
	MessageType string
	ReplyTo     string
}

// HistoryEntry records one status transition with its timestamp.
type HistoryEntry struct {
	Status    TaskStatus
	Timestamp time.Time
	Detail    string
}

// ProgressEntry is an append-only progress update posted by an agent.
type ProgressEntry struct {
	ID         string
	TaskID     string
	AgentID    string
	Phase      string
	Message    string
	Percentage *int
	Timestamp  time.Time
}

// ReviewComment is an append-only review comment attached to a task.
type ReviewComment struct {
	ID         string
	TaskID     string
	Author     string
	Body       string
	Resolved   bool
	Response   string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Task is the unit of work dispatched to agents, owned by the Queue (§4.F).
type Task struct {
	ID             string
	Prompt         string
	Title          string
	Priority       Priority
	From           Actor
	To             TaskTarget
	AssignedTo     string
	Context        map[string]any
	Response       string
	Dependencies   []string
	Messages       []Message
	History        []HistoryEntry
	Status         TaskStatus
	CreatedAt      time.Time
	CompletedAt    *time.Time
	LastProgressAt *time.Time
}

// Clone returns a deep-enough copy of t for callers that mutate a task
// they received from a cache or a read path without corrupting shared state.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Dependencies = append([]string(nil), t.Dependencies...)
	clone.Messages = append([]Message(nil), t.Messages...)
	clone.History = append([]HistoryEntry(nil), t.History...)
	if t.Context != nil {
		clone.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			clone.Context[k] = v
		}
	}
	return &clone
}

// Reservation couples a task to exactly one agent between dispatch and
// acknowledgement (§3). It is transient in the Matcher/Waiter Table and
// mirrored in Persistence so a crash mid-dispatch can recover on restart.
type Reservation struct {
	TaskID     string
	AgentID    string
	ReservedAt time.Time
}
