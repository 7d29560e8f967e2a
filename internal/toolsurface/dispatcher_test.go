package toolsurface

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kdlbs/taskbroker/internal/clock"
	"github.com/kdlbs/taskbroker/internal/common/config"
	"github.com/kdlbs/taskbroker/internal/common/logger"
	"github.com/kdlbs/taskbroker/internal/db"
	"github.com/kdlbs/taskbroker/internal/db/dialect"
	"github.com/kdlbs/taskbroker/internal/events"
	"github.com/kdlbs/taskbroker/internal/events/bus"
	"github.com/kdlbs/taskbroker/internal/matcher"
	"github.com/kdlbs/taskbroker/internal/queue"
	"github.com/kdlbs/taskbroker/internal/registry"
	"github.com/kdlbs/taskbroker/internal/storage"
	"github.com/kdlbs/taskbroker/internal/waiter"
)

type testHarness struct {
	Dispatcher *Dispatcher
	Registry   *registry.Registry
	Queue      *queue.Queue
	Clock      *clock.Fake
}

func newTestHarness(t *testing.T, validator PromptValidator) *testHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	writer := sqlx.NewDb(sqlDB, dialect.SQLite3)
	store, err := storage.New(context.Background(), writer, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	sink := events.NewSink(memBus)

	fakeClock := clock.NewFake(time.Now())
	reg := registry.New(store, sink, fakeClock, config.RegistryConfig{OfflineThresholdMs: 30000}, log)
	waiters := waiter.New()
	reserver := matcher.NewReserver(store, waiters, sink, fakeClock, time.Minute)
	q := queue.New(store, sink, fakeClock, waiters, reserver, reg, time.Minute, log)

	d := New(&Deps{
		Registry: reg, Queue: q, Waiters: waiters, Store: store, Sink: sink, Clock: fakeClock,
		Cfg: config.ToolSurfaceConfig{DefaultPromptTimeoutSec: 290, MaxPromptTimeoutSec: 300, DefaultTaskWaitTimeoutSec: 300},
		Logger: log, Validator: validator,
	})

	return &testHarness{Dispatcher: d, Registry: reg, Queue: q, Clock: fakeClock}
}

func decode(t *testing.T, env Envelope, v interface{}) {
	t.Helper()
	if env.IsError {
		t.Fatalf("expected a successful envelope, got error: %s", env.Content[0].Text)
	}
	if err := json.Unmarshal([]byte(env.Content[0].Text), v); err != nil {
		t.Fatalf("decode envelope content: %v", err)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	env := h.Dispatcher.Dispatch(context.Background(), "no_such_tool", nil)
	if !env.IsError {
		t.Fatal("expected an error envelope for an unknown tool")
	}
}

func TestRegisterAgentRequiresCapabilities(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	env := h.Dispatcher.Dispatch(context.Background(), "register_agent", map[string]interface{}{
		"displayName": "worker-one",
	})
	if !env.IsError {
		t.Fatal("expected registration without capabilities to fail")
	}
}

func TestRegisterAgentSucceeds(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	env := h.Dispatcher.Dispatch(context.Background(), "register_agent", map[string]interface{}{
		"displayName":  "worker-one",
		"capabilities": []interface{}{"code-writing"},
	})
	var view agentView
	decode(t, env, &view)
	if view.AgentID == "" {
		t.Error("expected an assigned agent id")
	}
	if len(view.Capabilities) != 1 || view.Capabilities[0] != "code-writing" {
		t.Errorf("expected the registered capability to round-trip, got %+v", view.Capabilities)
	}
}

func TestAssignTaskValidatorRejectsBeforeEnqueue(t *testing.T) {
	reject := func(context.Context, string) (bool, string) { return false, "blocked by policy" }
	h := newTestHarness(t, reject)
	env := h.Dispatcher.Dispatch(context.Background(), "assign_task", map[string]interface{}{
		"prompt": "do something bad", "workspaceId": "ws-1",
	})
	if !env.IsError {
		t.Fatal("expected the validator's rejection to surface as an error envelope")
	}

	listEnv := h.Dispatcher.Dispatch(context.Background(), "list_agents", nil)
	var agents []agentView
	decode(t, listEnv, &agents)

	all, err := h.Queue.GetAll(context.Background())
	if err != nil {
		t.Fatalf("get all tasks: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected the rejected prompt to never reach the queue, found %d tasks", len(all))
	}
}

func TestAssignTaskDefaultsSourceAgentID(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	env := h.Dispatcher.Dispatch(context.Background(), "assign_task", map[string]interface{}{
		"prompt": "ship it", "workspaceId": "ws-1",
	})
	var out struct {
		TaskID string `json:"taskId"`
	}
	decode(t, env, &out)
	if out.TaskID == "" {
		t.Fatal("expected a task id")
	}

	task, err := h.Queue.GetTask(context.Background(), out.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.From.ID != "Da Boss" {
		t.Errorf(`expected the default source agent to be "Da Boss", got %q`, task.From.ID)
	}
}

func TestWaitForPromptUnknownAgent(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	env := h.Dispatcher.Dispatch(context.Background(), "wait_for_prompt", map[string]interface{}{
		"agentId": "missing", "timeout": 1,
	})
	if !env.IsError {
		t.Fatal("expected wait_for_prompt for an unregistered agent to error")
	}
}

func TestWaitForPromptTimesOutIdle(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	ctx := context.Background()
	regEnv := h.Dispatcher.Dispatch(ctx, "register_agent", map[string]interface{}{
		"displayName": "worker", "capabilities": []interface{}{"code-writing"},
	})
	var agent agentView
	decode(t, regEnv, &agent)

	env := h.Dispatcher.Dispatch(ctx, "wait_for_prompt", map[string]interface{}{
		"agentId": agent.AgentID, "timeout": 1,
	})
	if env.IsError {
		t.Fatalf("expected a plain timeout to not be an error, got %s", env.Content[0].Text)
	}
	var idle idleView
	decode(t, env, &idle)
	if idle.Status != "IDLE" {
		t.Errorf("expected IDLE status on timeout, got %q", idle.Status)
	}
}

func TestWaitForPromptDeliversAssignedTask(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	ctx := context.Background()

	regEnv := h.Dispatcher.Dispatch(ctx, "register_agent", map[string]interface{}{
		"displayName": "worker", "capabilities": []interface{}{"code-writing"},
		"workspaceContext": map[string]interface{}{"kind": "repo", "repoId": "ws-1"},
	})
	var agent agentView
	decode(t, regEnv, &agent)

	assignEnv := h.Dispatcher.Dispatch(ctx, "assign_task", map[string]interface{}{
		"prompt": "fix the bug", "workspaceId": "ws-1",
	})
	var assigned struct {
		TaskID string `json:"taskId"`
	}
	decode(t, assignEnv, &assigned)

	waitEnv := h.Dispatcher.Dispatch(ctx, "wait_for_prompt", map[string]interface{}{
		"agentId": agent.AgentID, "timeout": 5,
	})
	var prompt promptView
	decode(t, waitEnv, &prompt)
	if prompt.TaskID != assigned.TaskID {
		t.Errorf("expected to receive the already-queued task %s, got %s", assigned.TaskID, prompt.TaskID)
	}
}

func TestAckThenBlockThenAnswerFlow(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	ctx := context.Background()

	regEnv := h.Dispatcher.Dispatch(ctx, "register_agent", map[string]interface{}{
		"displayName": "worker", "capabilities": []interface{}{"code-writing"},
		"workspaceContext": map[string]interface{}{"kind": "repo", "repoId": "ws-1"},
	})
	var agent agentView
	decode(t, regEnv, &agent)

	assignEnv := h.Dispatcher.Dispatch(ctx, "assign_task", map[string]interface{}{
		"prompt": "fix the bug", "workspaceId": "ws-1",
	})
	var assigned struct {
		TaskID string `json:"taskId"`
	}
	decode(t, assignEnv, &assigned)

	waitEnv := h.Dispatcher.Dispatch(ctx, "wait_for_prompt", map[string]interface{}{
		"agentId": agent.AgentID, "timeout": 5,
	})
	var prompt promptView
	decode(t, waitEnv, &prompt)

	ackEnv := h.Dispatcher.Dispatch(ctx, "ack_task", map[string]interface{}{
		"taskId": prompt.TaskID, "agentId": agent.AgentID,
	})
	var acked taskView
	decode(t, ackEnv, &acked)
	if acked.Status != "ASSIGNED" {
		t.Fatalf("expected ASSIGNED after ack, got %s", acked.Status)
	}

	blockEnv := h.Dispatcher.Dispatch(ctx, "block_task", map[string]interface{}{
		"taskId": prompt.TaskID, "question": "which branch?",
	})
	var blocked taskView
	decode(t, blockEnv, &blocked)
	if blocked.Status != "BLOCKED" {
		t.Fatalf("expected BLOCKED after block_task, got %s", blocked.Status)
	}
	if len(blocked.Messages) != 1 || blocked.Messages[0].Role != "user" {
		t.Fatalf("expected block_task to record a user-role message, got %+v", blocked.Messages)
	}

	answerEnv := h.Dispatcher.Dispatch(ctx, "answer_task", map[string]interface{}{
		"taskId": prompt.TaskID, "answer": "main",
	})
	var answered taskView
	decode(t, answerEnv, &answered)
	if answered.Status != "QUEUED" {
		t.Fatalf("expected QUEUED after answer_task, got %s", answered.Status)
	}
	if len(answered.Messages) != 2 || answered.Messages[1].Role != "agent" {
		t.Fatalf("expected answer_task to record an agent-role message, got %+v", answered.Messages)
	}
}

func TestAdminEvictAgentSignalsBlockedWaiter(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	ctx := context.Background()

	regEnv := h.Dispatcher.Dispatch(ctx, "register_agent", map[string]interface{}{
		"displayName": "worker", "capabilities": []interface{}{"code-writing"},
	})
	var agent agentView
	decode(t, regEnv, &agent)

	waitDone := make(chan Envelope, 1)
	go func() {
		waitDone <- h.Dispatcher.Dispatch(ctx, "wait_for_prompt", map[string]interface{}{
			"agentId": agent.AgentID, "timeout": 5,
		})
	}()
	time.Sleep(50 * time.Millisecond) // let the waiter register before evicting

	evictEnv := h.Dispatcher.Dispatch(ctx, "admin_evict_agent", map[string]interface{}{
		"agentId": agent.AgentID, "reason": "shutting down for maintenance", "action": "SHUTDOWN",
	})
	if evictEnv.IsError {
		t.Fatalf("expected admin_evict_agent to succeed: %s", evictEnv.Content[0].Text)
	}

	select {
	case env := <-waitDone:
		var ev evictionView
		decode(t, env, &ev)
		if ev.ControlSignal != "EVICT" || ev.Action != "SHUTDOWN" {
			t.Errorf("expected an EVICT/SHUTDOWN signal, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the evicted waiter to wake")
	}
}

func TestSubmitReviewAndResolveComment(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	ctx := context.Background()

	assignEnv := h.Dispatcher.Dispatch(ctx, "assign_task", map[string]interface{}{
		"prompt": "fix the bug", "workspaceId": "ws-1",
	})
	var assigned struct {
		TaskID string `json:"taskId"`
	}
	decode(t, assignEnv, &assigned)

	reviewEnv := h.Dispatcher.Dispatch(ctx, "submit_review", map[string]interface{}{
		"taskId": assigned.TaskID, "author": "reviewer", "body": "looks close",
	})
	var comment reviewCommentView
	decode(t, reviewEnv, &comment)
	if comment.Resolved {
		t.Fatal("expected a fresh review comment to be unresolved")
	}

	listEnv := h.Dispatcher.Dispatch(ctx, "get_review_comments", map[string]interface{}{
		"taskId": assigned.TaskID, "unresolvedOnly": true,
	})
	var comments []reviewCommentView
	decode(t, listEnv, &comments)
	if len(comments) != 1 {
		t.Fatalf("expected 1 unresolved comment, got %d", len(comments))
	}

	resolveEnv := h.Dispatcher.Dispatch(ctx, "resolve_review_comment", map[string]interface{}{
		"commentId": comment.CommentID, "response": "thanks",
	})
	if resolveEnv.IsError {
		t.Fatalf("expected resolve_review_comment to succeed: %s", resolveEnv.Content[0].Text)
	}

	listEnv = h.Dispatcher.Dispatch(ctx, "get_review_comments", map[string]interface{}{
		"taskId": assigned.TaskID, "unresolvedOnly": true,
	})
	decode(t, listEnv, &comments)
	if len(comments) != 0 {
		t.Errorf("expected 0 unresolved comments after resolving, got %d", len(comments))
	}
}

func TestHeartbeatSideEffectOnKnownAgent(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	ctx := context.Background()

	regEnv := h.Dispatcher.Dispatch(ctx, "register_agent", map[string]interface{}{
		"displayName": "worker", "capabilities": []interface{}{"code-writing"},
	})
	var agent agentView
	decode(t, regEnv, &agent)

	before, _ := h.Registry.Get(agent.AgentID)
	beforeSeen := before.LastSeen

	h.Clock.Advance(time.Minute)
	h.Dispatcher.Dispatch(ctx, "get_agent_status", map[string]interface{}{"agentId": agent.AgentID})

	after, _ := h.Registry.Get(agent.AgentID)
	if !after.LastSeen.After(beforeSeen) {
		t.Error("expected any call carrying a known agentId to refresh the agent's heartbeat")
	}
}

func TestScaffoldPlanChainsDependencies(t *testing.T) {
	h := newTestHarness(t, AllowAll)
	ctx := context.Background()

	env := h.Dispatcher.Dispatch(ctx, "scaffold_plan", map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"prompt": "step one", "workspaceId": "ws-1"},
			map[string]interface{}{"prompt": "step two", "workspaceId": "ws-1", "dependsOnIndex": []interface{}{float64(0)}},
		},
	})
	var out struct {
		TaskIDs []string `json:"taskIds"`
	}
	decode(t, env, &out)
	if len(out.TaskIDs) != 2 {
		t.Fatalf("expected 2 scaffolded tasks, got %d", len(out.TaskIDs))
	}

	second, err := h.Queue.GetTask(ctx, out.TaskIDs[1])
	if err != nil {
		t.Fatalf("get second task: %v", err)
	}
	if len(second.Dependencies) != 1 || second.Dependencies[0] != out.TaskIDs[0] {
		t.Errorf("expected the second task to depend on the first, got %+v", second.Dependencies)
	}
}
