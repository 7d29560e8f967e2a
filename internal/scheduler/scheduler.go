// Package scheduler implements the broker's Scheduler (§4.G): a single
// ticker-driven sweep loop that never re-enters itself, grounded on
// internal/orchestrator/scheduler/scheduler.go's Start/Stop/processLoop
// shape but restructured away from a single-queue-processing loop into
// five ordered, independently-erroring sweeps per tick.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/taskbroker/internal/clock"
	"github.com/kdlbs/taskbroker/internal/common/config"
	"github.com/kdlbs/taskbroker/internal/common/logger"
	"github.com/kdlbs/taskbroker/internal/domain"
	"github.com/kdlbs/taskbroker/internal/events"
	"github.com/kdlbs/taskbroker/internal/matcher"
	"github.com/kdlbs/taskbroker/internal/queue"
	"github.com/kdlbs/taskbroker/internal/registry"
	"github.com/kdlbs/taskbroker/internal/storage"
)

var (
	// ErrAlreadyRunning is returned by Start when the scheduler is already active.
	ErrAlreadyRunning = errors.New("scheduler is already running")
	// ErrNotRunning is returned by Stop when the scheduler is not active.
	ErrNotRunning = errors.New("scheduler is not running")
)

// Scheduler runs the five ordered sweeps of §4.G on a fixed interval.
type Scheduler struct {
	store    storage.Store
	queue    *queue.Queue
	reserver *matcher.Reserver
	registry *registry.Registry
	sink     *events.Sink
	clock    clock.Clock
	cfg      config.SchedulerConfig
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Scheduler.
func New(store storage.Store, q *queue.Queue, reserver *matcher.Reserver, reg *registry.Registry,
	sink *events.Sink, c clock.Clock, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store: store, queue: q, reserver: reserver, registry: reg, sink: sink, clock: c,
		cfg: cfg, logger: log.WithFields(zap.String("component", "scheduler")),
	}
}

// Start begins the sweep loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting", zap.Duration("interval", s.cfg.Interval()))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the sweep loop and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether the sweep loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs all five sweeps, in order, swallowing and logging any single
// sweep's error so one bad entity never stops the loop.
func (s *Scheduler) tick(ctx context.Context) {
	for _, sweep := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"requeueStuckTasks", s.requeueStuckTasks},
		{"checkBlockedTasks", s.checkBlockedTasks},
		{"assignPendingTasks", s.assignPendingTasks},
		{"rebalanceStaleTasks", s.rebalanceStaleTasks},
		{"detectOrphans", s.detectOrphans},
	} {
		if err := sweep.fn(ctx); err != nil {
			s.logger.Error("sweep failed", zap.String("sweep", sweep.name), zap.Error(err))
		}
	}
}

// requeueStuckTasks forces a retry on every Reservation older than
// AckTimeout, emitting task:retry.
func (s *Scheduler) requeueStuckTasks(ctx context.Context) error {
	reservations, err := s.store.GetAllReservations(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, r := range reservations {
		if now.Sub(r.ReservedAt) <= s.cfg.AckTimeout() {
			continue
		}
		if err := s.queue.ForceRetry(ctx, r.TaskID); err != nil {
			s.logger.Error("requeue stuck task", zap.String("taskId", r.TaskID), zap.Error(err))
			continue
		}
		if s.sink != nil {
			_ = s.sink.Emit(ctx, events.SubjectTaskRetry, "scheduler", map[string]interface{}{
				"taskId": r.TaskID, "reason": "ack_timeout",
			})
		}
	}
	return nil
}

// checkBlockedTasks re-evaluates dependencies for BLOCKED tasks and for
// QUEUED/APPROVED_QUEUED tasks with unsatisfied dependencies, and
// unconditionally moves every REJECTED task back to QUEUED (the mandatory
// implicit sweep).
func (s *Scheduler) checkBlockedTasks(ctx context.Context) error {
	rejected, err := s.store.GetTasksByStatus(ctx, domain.TaskRejected)
	if err != nil {
		return err
	}
	for _, t := range rejected {
		if err := s.queue.UpdateStatus(ctx, t.ID, domain.TaskQueued, "rejection resubmitted"); err != nil {
			s.logger.Error("resubmit rejected task", zap.String("taskId", t.ID), zap.Error(err))
		}
	}

	blocked, err := s.store.GetTasksByStatus(ctx, domain.TaskBlocked)
	if err != nil {
		return err
	}
	completed, err := s.store.GetTasksByStatus(ctx, domain.TaskCompleted)
	if err != nil {
		return err
	}
	byID := make(map[string]*domain.Task, len(completed))
	for _, t := range completed {
		byID[t.ID] = t
	}
	for _, t := range blocked {
		if !dependenciesComplete(t, byID) {
			continue
		}
		if err := s.queue.UpdateStatus(ctx, t.ID, domain.TaskQueued, "dependencies satisfied"); err != nil {
			s.logger.Error("unblock task", zap.String("taskId", t.ID), zap.Error(err))
		}
	}
	return nil
}

func dependenciesComplete(t *domain.Task, byID map[string]*domain.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

// assignPendingTasks attempts findAndReserveAgent for every
// QUEUED/APPROVED_QUEUED task whose dependencies are satisfied.
func (s *Scheduler) assignPendingTasks(ctx context.Context) error {
	pending, err := s.store.GetTasksByStatuses(ctx, []domain.TaskStatus{domain.TaskQueued, domain.TaskApprovedQueued})
	if err != nil {
		return err
	}
	completed, err := s.store.GetTasksByStatus(ctx, domain.TaskCompleted)
	if err != nil {
		return err
	}
	byID := make(map[string]*domain.Task, len(completed))
	for _, t := range completed {
		byID[t.ID] = t
	}

	for _, t := range pending {
		if !dependenciesComplete(t, byID) {
			continue
		}
		if _, _, err := s.reserver.FindAndReserveAgent(ctx, t); err != nil {
			s.logger.Error("assign pending task", zap.String("taskId", t.ID), zap.Error(err))
		}
	}
	return nil
}

// rebalanceStaleTasks forces a retry on every IN_PROGRESS task whose last
// progress (or creation, absent progress) predates AssignedTimeout.
func (s *Scheduler) rebalanceStaleTasks(ctx context.Context) error {
	inProgress, err := s.store.GetTasksByStatus(ctx, domain.TaskInProgress)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, t := range inProgress {
		last := t.CreatedAt
		if t.LastProgressAt != nil {
			last = *t.LastProgressAt
		}
		if now.Sub(last) <= s.cfg.AssignedTimeout() {
			continue
		}
		if err := s.queue.ForceRetry(ctx, t.ID); err != nil {
			s.logger.Error("rebalance stale task", zap.String("taskId", t.ID), zap.Error(err))
			continue
		}
		if s.sink != nil {
			_ = s.sink.Emit(ctx, events.SubjectTaskStale, "scheduler", map[string]interface{}{
				"taskId": t.ID, "reason": "no_progress",
			})
		}
	}
	return nil
}

// detectOrphans forces a retry on every non-terminal task assigned to an
// agent whose lastSeen predates OrphanTimeout. The agent entry itself is
// left alone; Registry.Cleanup handles eviction separately.
func (s *Scheduler) detectOrphans(ctx context.Context) error {
	agents := s.registry.All()
	now := s.clock.Now()
	for _, a := range agents {
		if now.Sub(a.LastSeen) <= s.cfg.OrphanTimeout() {
			continue
		}
		tasks, err := s.store.GetTasksByAssignedTo(ctx, a.ID)
		if err != nil {
			s.logger.Error("list assigned tasks for orphan check", zap.String("agentId", a.ID), zap.Error(err))
			continue
		}
		for _, t := range tasks {
			if t.Status.IsTerminal() {
				continue
			}
			if err := s.queue.ForceRetry(ctx, t.ID); err != nil {
				s.logger.Error("retry orphaned task", zap.String("taskId", t.ID), zap.Error(err))
			}
		}
	}
	return nil
}
