// Package queue implements the broker's Task Queue (§4.F): the
// state-machine-aware read/write surface over tasks, plus the long-poll
// protocols agents and callers block on.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kdlbs/taskbroker/internal/apperrors"
	"github.com/kdlbs/taskbroker/internal/clock"
	"github.com/kdlbs/taskbroker/internal/common/logger"
	"github.com/kdlbs/taskbroker/internal/domain"
	"github.com/kdlbs/taskbroker/internal/events"
	"github.com/kdlbs/taskbroker/internal/events/bus"
	"github.com/kdlbs/taskbroker/internal/matcher"
	"github.com/kdlbs/taskbroker/internal/registry"
	"github.com/kdlbs/taskbroker/internal/storage"
	"github.com/kdlbs/taskbroker/internal/waiter"
)

// Queue is the broker's Task Queue component.
type Queue struct {
	store    storage.Store
	sink     *events.Sink
	clock    clock.Clock
	waiters  *waiter.Table
	reserver *matcher.Reserver
	registry *registry.Registry
	maxWait  time.Duration
	logger   *logger.Logger

	mu    sync.Mutex
	cache *priorityCache
}

// New constructs a Queue. Call Load to hydrate its advisory cache from
// Persistence before serving traffic.
func New(store storage.Store, sink *events.Sink, c clock.Clock, waiters *waiter.Table,
	reserver *matcher.Reserver, reg *registry.Registry, maxWait time.Duration, log *logger.Logger) *Queue {
	return &Queue{
		store: store, sink: sink, clock: c, waiters: waiters, reserver: reserver,
		registry: reg, maxWait: maxWait, logger: log, cache: newPriorityCache(),
	}
}

// Load rebuilds the advisory priority cache from Persistence.
func (q *Queue) Load(ctx context.Context) error {
	tasks, err := q.store.GetTasksByStatuses(ctx, []domain.TaskStatus{domain.TaskQueued, domain.TaskApprovedQueued})
	if err != nil {
		return fmt.Errorf("load task cache: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		q.cache.put(t)
	}
	return nil
}

// Enqueue inserts task in status QUEUED, emits task:created, and, when
// every dependency is already COMPLETED, attempts to wake a matching
// waiter immediately.
func (q *Queue) Enqueue(ctx context.Context, task *domain.Task) error {
	task.Status = domain.TaskQueued
	task.CreatedAt = q.clock.Now()
	if err := q.store.InsertTask(ctx, task); err != nil {
		return err
	}

	q.mu.Lock()
	q.cache.put(task)
	q.mu.Unlock()

	if q.sink != nil {
		_ = q.sink.Emit(ctx, events.SubjectTaskCreated, "queue", map[string]interface{}{
			"taskId": task.ID, "priority": string(task.Priority),
		})
	}

	for _, dep := range task.Dependencies {
		if d, err := q.store.GetTask(ctx, dep); err != nil || d.Status != domain.TaskCompleted {
			return nil
		}
	}

	if _, ok, err := q.reserver.FindAndReserveAgent(ctx, task); err != nil {
		q.logger.WithError(err).Error("find and reserve agent on enqueue")
	} else if ok {
		q.mu.Lock()
		q.cache.remove(task.ID)
		q.mu.Unlock()
	}
	return nil
}

// UpdateStatus persists a status transition, rejecting illegal ones, and
// emits task:updated (and task:completion on terminal).
func (q *Queue) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, detail string) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(task.Status, status) {
		return apperrors.Conflict(fmt.Sprintf("cannot transition task %s from %s to %s", taskID, task.Status, status))
	}

	var completedAt *time.Time
	if status.IsTerminal() {
		now := q.clock.Now()
		completedAt = &now
	}
	if err := q.store.UpdateTaskStatus(ctx, taskID, status, completedAt); err != nil {
		return err
	}

	q.mu.Lock()
	if status == domain.TaskQueued || status == domain.TaskApprovedQueued {
		task.Status = status
		q.cache.put(task)
	} else {
		q.cache.remove(taskID)
	}
	q.mu.Unlock()

	if q.sink != nil {
		_ = q.sink.Emit(ctx, events.SubjectTaskUpdated, "queue", map[string]interface{}{
			"taskId": taskID, "status": string(status), "detail": detail,
		})
		if status.IsTerminal() {
			_ = q.sink.Emit(ctx, events.SubjectTaskCompletion, "queue", map[string]interface{}{
				"taskId": taskID, "status": string(status),
			})
		}
	}
	return nil
}

// ForceRetry moves a task back to QUEUED, clearing assignedTo and any
// Reservation, and emits task:updated.
func (q *Queue) ForceRetry(ctx context.Context, taskID string) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	task.Status = domain.TaskQueued
	task.AssignedTo = ""
	if err := q.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	if err := q.store.DeleteReservation(ctx, taskID); err != nil {
		return err
	}

	q.mu.Lock()
	q.cache.put(task)
	q.mu.Unlock()

	if q.sink != nil {
		_ = q.sink.Emit(ctx, events.SubjectTaskUpdated, "queue", map[string]interface{}{
			"taskId": taskID, "status": string(domain.TaskQueued), "detail": "retry",
		})
	}
	return nil
}

// GetTask, GetAll, GetByStatus, GetByStatuses, GetAssignedTasksForAgent,
// and GetTaskHistory read through to Persistence (§4.F).

func (q *Queue) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return q.store.GetTask(ctx, taskID)
}

func (q *Queue) GetAll(ctx context.Context) ([]*domain.Task, error) {
	return q.store.GetActiveTasks(ctx)
}

func (q *Queue) GetByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	return q.store.GetTasksByStatus(ctx, status)
}

func (q *Queue) GetByStatuses(ctx context.Context, statuses []domain.TaskStatus) ([]*domain.Task, error) {
	return q.store.GetTasksByStatuses(ctx, statuses)
}

func (q *Queue) GetAssignedTasksForAgent(ctx context.Context, agentID string) ([]*domain.Task, error) {
	return q.store.GetTasksByAssignedTo(ctx, agentID)
}

func (q *Queue) GetTaskHistory(ctx context.Context, filter storage.TaskFilter) ([]*domain.Task, error) {
	return q.store.GetTaskHistory(ctx, filter)
}

// WaitForTask implements the agent long-poll protocol of §4.F:
// 1. a pending eviction short-circuits with an EvictionSignal,
// 2. an immediate scan-and-reserve match returns a task right away,
// 3. otherwise the caller suspends on a Waiter until task, eviction, or
//    timeout.
func (q *Queue) WaitForTask(ctx context.Context, agentID string, caps map[domain.Capability]struct{}, workspaceID string, timeout time.Duration) (*domain.Task, *domain.Eviction, error) {
	if ev, ok := q.registry.PopEviction(ctx, agentID); ok {
		return nil, &ev, nil
	}

	now := q.clock.Now()
	cand := matcher.Candidate{
		Agent:        &domain.Agent{ID: agentID, Capabilities: caps, WorkspaceContext: workspaceContextOf(workspaceID)},
		WaitingSince: now,
	}
	if task, found, err := matcher.FindPendingTaskForAgent(ctx, q.store, cand, q.maxWait, now); err != nil {
		return nil, nil, err
	} else if found {
		if err := q.reserver.ReserveDirect(ctx, task, agentID); err != nil {
			return nil, nil, err
		}
		q.mu.Lock()
		q.cache.remove(task.ID)
		q.mu.Unlock()
		return task, nil, nil
	}

	w := q.waiters.Add(agentID, caps, workspaceID, now.UnixNano())
	defer q.waiters.Remove(agentID, w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.Chan():
		if res.Eviction != nil {
			return nil, res.Eviction, nil
		}
		if res.Superseded {
			return nil, nil, nil
		}
		if ev, ok := q.registry.PopEviction(ctx, agentID); ok {
			return nil, &ev, nil
		}
		return res.Task, nil, nil
	case <-timer.C:
		return nil, nil, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// WaitForTaskCompletion checks the task immediately; if it is still
// non-terminal, it subscribes to task:completion events for taskId and
// wakes on the first match or timeout.
func (q *Queue) WaitForTaskCompletion(ctx context.Context, taskID string, timeout time.Duration) (*domain.Task, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	done := make(chan struct{}, 1)
	sub, err := q.sink.Subscribe(events.SubjectTaskCompletion, func(_ context.Context, e *bus.Event) error {
		data, _ := e.Data.(map[string]interface{})
		if id, _ := data["taskId"].(string); id == taskID {
			select {
			case done <- struct{}{}:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return q.store.GetTask(ctx, taskID)
	case <-timer.C:
		return q.store.GetTask(ctx, taskID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AckTask asserts the current reservation matches agentId and advances
// PENDING_ACK -> ASSIGNED or APPROVED_PENDING_ACK -> IN_PROGRESS.
func (q *Queue) AckTask(ctx context.Context, taskID, agentID string) error {
	reservation, err := q.store.GetReservationByTask(ctx, taskID)
	if err != nil {
		return err
	}
	if reservation.AgentID != agentID {
		return apperrors.Conflict(fmt.Sprintf("task %s is reserved for a different agent", taskID))
	}

	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	var next domain.TaskStatus
	switch task.Status {
	case domain.TaskPendingAck:
		next = domain.TaskAssigned
	case domain.TaskApprovedPendingAck:
		next = domain.TaskInProgress
	default:
		return apperrors.Conflict(fmt.Sprintf("task %s is not awaiting acknowledgement", taskID))
	}

	if err := q.store.UpdateTaskStatus(ctx, taskID, next, nil); err != nil {
		return err
	}
	if err := q.store.DeleteReservation(ctx, taskID); err != nil {
		return err
	}
	if q.sink != nil {
		_ = q.sink.Emit(ctx, events.SubjectTaskUpdated, "queue", map[string]interface{}{
			"taskId": taskID, "status": string(next), "assignedTo": agentID,
		})
	}
	return nil
}

func workspaceContextOf(workspaceID string) *domain.WorkspaceContext {
	if workspaceID == "" {
		return nil
	}
	return &domain.WorkspaceContext{RepoID: workspaceID}
}
