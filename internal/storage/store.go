// Package storage implements the broker's Persistence component (§4.B):
// typed, transactional CRUD over agents, tasks, messages, progress entries,
// review comments, and reservations, on top of SQLite or PostgreSQL via
// jmoiron/sqlx. The engine treats Store as the single source of truth; every
// in-memory cache elsewhere (Waiter Table, the queue's priority cache) is
// derivable from it and is rebuilt from it on startup.
package storage

import (
	"context"
	"time"

	"github.com/kdlbs/taskbroker/internal/domain"
)

// TaskFilter narrows a task history query (§4.B getHistory).
type TaskFilter struct {
	Status  *domain.TaskStatus
	AgentID string
	Limit   int
	Offset  int
}

// Store is the Persistence contract every aggregate operation in §4.B maps
// onto. All methods return apperrors.AppError-flavoured errors
// (NOT_FOUND, CONFLICT, INTERNAL).
type Store interface {
	// Agents
	InsertAgent(ctx context.Context, a *domain.Agent) error
	UpdateAgent(ctx context.Context, a *domain.Agent) error
	HeartbeatAgent(ctx context.Context, id string, ts time.Time) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	GetAgentByDisplayNameCI(ctx context.Context, displayName string) (*domain.Agent, error)
	GetAllAgents(ctx context.Context) ([]*domain.Agent, error)
	GetAgentsByCapability(ctx context.Context, cap domain.Capability) ([]*domain.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	SetAgentEviction(ctx context.Context, id string, e domain.Eviction) error
	ClearAgentEviction(ctx context.Context, id string) error

	// Tasks
	InsertTask(ctx context.Context, t *domain.Task) error
	UpdateTask(ctx context.Context, t *domain.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, completedAt *time.Time) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	GetTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)
	GetTasksByStatuses(ctx context.Context, statuses []domain.TaskStatus) ([]*domain.Task, error)
	GetTasksByAssignedTo(ctx context.Context, agentID string) ([]*domain.Task, error)
	GetActiveTasks(ctx context.Context) ([]*domain.Task, error)
	GetTaskHistory(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// Messages
	AppendMessage(ctx context.Context, taskID string, msg domain.Message) error
	GetMessages(ctx context.Context, taskID string) ([]domain.Message, error)
	MarkUserCommentsRead(ctx context.Context, taskID string) (int, error)

	// Progress
	AppendProgress(ctx context.Context, entry domain.ProgressEntry) error
	GetLastProgressAt(ctx context.Context, taskID string) (*time.Time, error)

	// Review comments
	InsertReviewComment(ctx context.Context, c *domain.ReviewComment) error
	ListReviewComments(ctx context.Context, taskID string, unresolvedOnly bool) ([]*domain.ReviewComment, error)
	ResolveReviewComment(ctx context.Context, commentID, response string) error

	// Reservations - the persisted mirror of the transient Matcher/Queue
	// Reservation map (§3), written in the same transaction as the status
	// flip that creates or clears them.
	PutReservation(ctx context.Context, r domain.Reservation) error
	GetReservationByTask(ctx context.Context, taskID string) (*domain.Reservation, error)
	GetAllReservations(ctx context.Context) ([]domain.Reservation, error)
	DeleteReservation(ctx context.Context, taskID string) error

	Close() error
}
