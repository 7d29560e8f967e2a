// Package matcher implements the broker's Matcher (§4.E): pure scoring
// functions plus the reservation handshake that couples a task to an
// agent. No pack library covers weighted eligibility scoring, so this
// package is a deliberate standard-library island — see DESIGN.md.
package matcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kdlbs/taskbroker/internal/clock"
	"github.com/kdlbs/taskbroker/internal/domain"
	"github.com/kdlbs/taskbroker/internal/events"
	"github.com/kdlbs/taskbroker/internal/storage"
	"github.com/kdlbs/taskbroker/internal/waiter"
)

const (
	weightCapability = 0.40
	weightWorkspace  = 0.30
	weightAgentPref  = 0.20
	weightFreshness  = 0.10
)

// Candidate is an agent plus the waiter-table facts the scorer needs.
type Candidate struct {
	Agent        *domain.Agent
	WaitingSince time.Time
}

// Score is the outcome of scoring one candidate against one task.
type Score struct {
	Eligible bool
	Value    float64
}

// ScoreAgent is the pure weighted-scoring function from §4.E.
func ScoreAgent(task *domain.Task, cand Candidate, maxWait time.Duration, now time.Time) Score {
	agent := cand.Agent

	if task.To.WorkspaceID != "" {
		if agent.WorkspaceContext == nil || agent.WorkspaceContext.RepoID != task.To.WorkspaceID {
			return Score{Eligible: false}
		}
	}
	if len(task.To.RequiredCapabilities) > 0 && !agent.HasCapabilities(task.To.RequiredCapabilities) {
		return Score{Eligible: false}
	}

	capFraction := 1.0
	if n := len(task.To.RequiredCapabilities); n > 0 {
		covered := 0
		for c := range task.To.RequiredCapabilities {
			if _, ok := agent.Capabilities[c]; ok {
				covered++
			}
		}
		capFraction = float64(covered) / float64(n)
	}

	workspaceScore := 0.7
	if task.To.WorkspaceID != "" {
		workspaceScore = 1.0
	}

	agentPref := 0.0
	if task.To.AgentID != "" && task.To.AgentID == agent.ID {
		agentPref = 1.0
	}

	freshness := 0.0
	if maxWait > 0 {
		waited := now.Sub(cand.WaitingSince)
		if waited < 0 {
			waited = 0
		}
		if waited > maxWait {
			waited = maxWait
		}
		freshness = float64(waited) / float64(maxWait)
	}

	value := capFraction*weightCapability + workspaceScore*weightWorkspace +
		agentPref*weightAgentPref + freshness*weightFreshness

	return Score{Eligible: true, Value: value}
}

// FindBestAgent filters eligible candidates, sorts by score descending,
// tie-breaking by earliest WaitingSince then lexicographic agent id.
func FindBestAgent(task *domain.Task, candidates []Candidate, maxWait time.Duration, now time.Time) (Candidate, Score, bool) {
	type scored struct {
		cand  Candidate
		score Score
	}
	var eligible []scored
	for _, c := range candidates {
		s := ScoreAgent(task, c, maxWait, now)
		if s.Eligible {
			eligible = append(eligible, scored{c, s})
		}
	}
	if len(eligible) == 0 {
		return Candidate{}, Score{}, false
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score.Value != eligible[j].score.Value {
			return eligible[i].score.Value > eligible[j].score.Value
		}
		if !eligible[i].cand.WaitingSince.Equal(eligible[j].cand.WaitingSince) {
			return eligible[i].cand.WaitingSince.Before(eligible[j].cand.WaitingSince)
		}
		return eligible[i].cand.Agent.ID < eligible[j].cand.Agent.ID
	})
	return eligible[0].cand, eligible[0].score, true
}

// pendingStatuses are the statuses FindPendingTaskForAgent scans.
var pendingStatuses = []domain.TaskStatus{domain.TaskQueued, domain.TaskApprovedQueued}

func dependenciesSatisfied(t *domain.Task, all map[string]*domain.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := all[dep]
		if !ok || d.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

// FindPendingTaskForAgent scans QUEUED/APPROVED_QUEUED tasks whose
// dependencies are satisfied, scores each against the given agent, and
// returns the highest-scoring eligible one (§4.E).
func FindPendingTaskForAgent(ctx context.Context, store storage.Store, cand Candidate, maxWait time.Duration, now time.Time) (*domain.Task, bool, error) {
	tasks, err := store.GetTasksByStatuses(ctx, pendingStatuses)
	if err != nil {
		return nil, false, err
	}
	if len(tasks) == 0 {
		return nil, false, nil
	}

	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	completed, err := store.GetTasksByStatus(ctx, domain.TaskCompleted)
	if err != nil {
		return nil, false, err
	}
	for _, t := range completed {
		byID[t.ID] = t
	}

	type scored struct {
		task  *domain.Task
		score Score
	}
	var eligible []scored
	for _, t := range tasks {
		if !dependenciesSatisfied(t, byID) {
			continue
		}
		s := ScoreAgent(t, cand, maxWait, now)
		if s.Eligible {
			eligible = append(eligible, scored{t, s})
		}
	}
	if len(eligible) == 0 {
		return nil, false, nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score.Value != eligible[j].score.Value {
			return eligible[i].score.Value > eligible[j].score.Value
		}
		pi, pj := eligible[i].task.Priority.Rank(), eligible[j].task.Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return eligible[i].task.CreatedAt.Before(eligible[j].task.CreatedAt)
	})
	return eligible[0].task, true, nil
}

// Reserver performs the atomic reservation handshake of findAndReserveAgent
// under a single engine-wide mutex, per §4.E.
type Reserver struct {
	mu      sync.Mutex
	store   storage.Store
	waiters *waiter.Table
	sink    *events.Sink
	clock   clock.Clock
	maxWait time.Duration
}

// NewReserver constructs a Reserver.
func NewReserver(store storage.Store, waiters *waiter.Table, sink *events.Sink, c clock.Clock, maxWait time.Duration) *Reserver {
	return &Reserver{store: store, waiters: waiters, sink: sink, clock: c, maxWait: maxWait}
}

// FindAndReserveAgent iterates current waiters, picks the best match for
// task, and atomically flips its status, persists a Reservation, and
// wakes the winning waiter. Returns the reserved agent id, if any.
func (m *Reserver) FindAndReserveAgent(ctx context.Context, task *domain.Task) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var candidates []Candidate
	waiters := m.waiters.All()
	byAgent := make(map[string]*waiter.Waiter, len(waiters))
	for _, w := range waiters {
		byAgent[w.AgentID] = w
	}
	for _, w := range waiters {
		candidates = append(candidates, Candidate{
			Agent:        &domain.Agent{ID: w.AgentID, Capabilities: w.Capabilities, WorkspaceContext: workspaceFromWaiter(w)},
			WaitingSince: time.Unix(0, w.WaitingSince),
		})
	}
	if len(candidates) == 0 {
		return "", false, nil
	}

	best, _, ok := FindBestAgent(task, candidates, m.maxWait, now)
	if !ok {
		return "", false, nil
	}

	var nextStatus domain.TaskStatus
	switch task.Status {
	case domain.TaskQueued:
		nextStatus = domain.TaskPendingAck
	case domain.TaskApprovedQueued:
		nextStatus = domain.TaskApprovedPendingAck
	default:
		return "", false, nil
	}
	if !domain.CanTransition(task.Status, nextStatus) {
		return "", false, nil
	}

	task.Status = nextStatus
	task.AssignedTo = best.Agent.ID
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return "", false, err
	}
	reservation := domain.Reservation{TaskID: task.ID, AgentID: best.Agent.ID, ReservedAt: now}
	if err := m.store.PutReservation(ctx, reservation); err != nil {
		return "", false, err
	}

	w := byAgent[best.Agent.ID]
	m.waiters.Remove(best.Agent.ID, w)
	w.Signal(waiter.Result{Task: task})

	if m.sink != nil {
		_ = m.sink.Emit(ctx, events.SubjectTaskUpdated, "matcher", map[string]interface{}{
			"taskId": task.ID, "status": string(task.Status), "assignedTo": task.AssignedTo,
		})
	}

	return best.Agent.ID, true, nil
}

// ReserveDirect flips task to the agent directly (no waiter involved),
// used by waitForTask's immediate-match path (§4.F step 2): the agent
// calling in is the candidate itself, found via FindPendingTaskForAgent
// before it ever registers a waiter.
func (m *Reserver) ReserveDirect(ctx context.Context, task *domain.Task, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var nextStatus domain.TaskStatus
	switch task.Status {
	case domain.TaskQueued:
		nextStatus = domain.TaskPendingAck
	case domain.TaskApprovedQueued:
		nextStatus = domain.TaskApprovedPendingAck
	default:
		return nil
	}
	if !domain.CanTransition(task.Status, nextStatus) {
		return nil
	}

	task.Status = nextStatus
	task.AssignedTo = agentID
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	reservation := domain.Reservation{TaskID: task.ID, AgentID: agentID, ReservedAt: m.clock.Now()}
	if err := m.store.PutReservation(ctx, reservation); err != nil {
		return err
	}
	if m.sink != nil {
		_ = m.sink.Emit(ctx, events.SubjectTaskUpdated, "matcher", map[string]interface{}{
			"taskId": task.ID, "status": string(task.Status), "assignedTo": agentID,
		})
	}
	return nil
}

func workspaceFromWaiter(w *waiter.Waiter) *domain.WorkspaceContext {
	if w.WorkspaceID == "" {
		return nil
	}
	return &domain.WorkspaceContext{RepoID: w.WorkspaceID}
}
