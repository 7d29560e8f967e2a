package toolsurface

import (
	"context"

	"github.com/google/uuid"

	"github.com/kdlbs/taskbroker/internal/apperrors"
	"github.com/kdlbs/taskbroker/internal/domain"
	"github.com/kdlbs/taskbroker/internal/events"
)

type taskView struct {
	TaskID       string               `json:"taskId"`
	Prompt       string               `json:"prompt"`
	Title        string               `json:"title,omitempty"`
	Priority     domain.Priority      `json:"priority"`
	From         domain.Actor         `json:"from"`
	AssignedTo   string               `json:"assignedTo,omitempty"`
	Status       domain.TaskStatus    `json:"status"`
	Context      map[string]any       `json:"context,omitempty"`
	Response     string               `json:"response,omitempty"`
	Dependencies []string             `json:"dependencies,omitempty"`
	Messages     []domain.Message     `json:"messages,omitempty"`
	History      []domain.HistoryEntry `json:"history,omitempty"`
}

func viewOfTask(t *domain.Task) taskView {
	return taskView{
		TaskID: t.ID, Prompt: t.Prompt, Title: t.Title, Priority: t.Priority,
		From: t.From, AssignedTo: t.AssignedTo, Status: t.Status,
		Context: t.Context, Response: t.Response, Dependencies: t.Dependencies,
		Messages: t.Messages, History: t.History,
	}
}

// assign_task: {prompt, workspaceId [required], targetAgentId?,
// requiredCapabilities?, sourceAgentId? default "Da Boss", priority?
// default normal, dependencies?, context?} -> {taskId}. The prompt is run
// through Deps.Validator before the task is ever enqueued; a rejection
// never touches the queue.
func handleAssignTask(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	prompt := stringArg(args, "prompt")
	workspaceID := stringArg(args, "workspaceId")
	if prompt == "" || workspaceID == "" {
		return errorEnvelope(apperrors.Validation("prompt and workspaceId are required"))
	}

	if ok, reason := d.Validator(ctx, prompt); !ok {
		if reason == "" {
			reason = "prompt rejected"
		}
		return errorEnvelope(apperrors.Permission(reason))
	}

	priority := domain.Priority(stringArg(args, "priority"))
	if priority == "" {
		priority = domain.PriorityNormal
	}
	sourceAgentID := stringArg(args, "sourceAgentId")
	if sourceAgentID == "" {
		sourceAgentID = "Da Boss"
	}

	task := &domain.Task{
		ID:     uuid.NewString(),
		Prompt: prompt,
		Title:  stringArg(args, "title"),
		Priority: priority,
		From: domain.Actor{Kind: domain.ActorAgent, ID: sourceAgentID, Name: sourceAgentID},
		To: domain.TaskTarget{
			AgentID:              stringArg(args, "targetAgentId"),
			RequiredCapabilities: capabilitySetArg(args, "requiredCapabilities"),
			WorkspaceID:          workspaceID,
		},
		Context:      mapArg(args, "context"),
		Dependencies: stringSliceArg(args, "dependencies"),
	}

	if err := d.Queue.Enqueue(ctx, task); err != nil {
		return errorEnvelope(err)
	}
	if d.Sink != nil {
		_ = d.Sink.Emit(ctx, events.SubjectDelegation, "toolsurface", map[string]interface{}{
			"taskId": task.ID, "from": sourceAgentID, "to": task.To.AgentID,
			"prompt": prompt, "priority": string(priority), "createdAt": task.CreatedAt,
		})
	}
	return jsonEnvelope(map[string]any{"taskId": task.ID})
}

// send_response: {taskId, status, message [all required]} -> the task's
// terminal (or review) status transition, recording message as both the
// task's Response and an agent-authored Message.
func handleSendResponse(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	taskID := stringArg(args, "taskId")
	status := domain.TaskStatus(stringArg(args, "status"))
	message := stringArg(args, "message")
	if taskID == "" || status == "" || message == "" {
		return errorEnvelope(apperrors.Validation("taskId, status, and message are required"))
	}

	task, err := d.Queue.GetTask(ctx, taskID)
	if err != nil {
		return errorEnvelope(err)
	}
	task.Response = message
	if err := d.Store.UpdateTask(ctx, task); err != nil {
		return errorEnvelope(err)
	}
	if err := d.Store.AppendMessage(ctx, taskID, domain.Message{
		ID: uuid.NewString(), Role: domain.MessageRoleAgent, Content: message, Timestamp: d.Clock.Now(),
	}); err != nil {
		return errorEnvelope(err)
	}
	if err := d.Queue.UpdateStatus(ctx, taskID, status, message); err != nil {
		return errorEnvelope(err)
	}

	updated, err := d.Queue.GetTask(ctx, taskID)
	if err != nil {
		return errorEnvelope(err)
	}
	return jsonEnvelope(viewOfTask(updated))
}

// ack_task: {taskId, agentId [required]} -> the task after
// PENDING_ACK->ASSIGNED or APPROVED_PENDING_ACK->IN_PROGRESS.
func handleAckTask(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	taskID := stringArg(args, "taskId")
	agentID := stringArg(args, "agentId")
	if taskID == "" || agentID == "" {
		return errorEnvelope(apperrors.Validation("taskId and agentId are required"))
	}
	if err := d.Queue.AckTask(ctx, taskID, agentID); err != nil {
		return errorEnvelope(err)
	}
	task, err := d.Queue.GetTask(ctx, taskID)
	if err != nil {
		return errorEnvelope(err)
	}
	return jsonEnvelope(viewOfTask(task))
}

// block_task: {taskId, reason, question [required]} -> QUEUED-blocking
// transition to BLOCKED, recording a user-role message (the question the
// agent is surfacing back to the user), per §8 scenario 5.
func handleBlockTask(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	taskID := stringArg(args, "taskId")
	question := stringArg(args, "question")
	reason := stringArg(args, "reason")
	if taskID == "" || question == "" {
		return errorEnvelope(apperrors.Validation("taskId and question are required"))
	}
	if err := d.Store.AppendMessage(ctx, taskID, domain.Message{
		ID: uuid.NewString(), Role: domain.MessageRoleUser, Content: question, Timestamp: d.Clock.Now(),
	}); err != nil {
		return errorEnvelope(err)
	}
	if err := d.Queue.UpdateStatus(ctx, taskID, domain.TaskBlocked, reason); err != nil {
		return errorEnvelope(err)
	}
	task, err := d.Queue.GetTask(ctx, taskID)
	if err != nil {
		return errorEnvelope(err)
	}
	return jsonEnvelope(viewOfTask(task))
}

// answer_task: {taskId, answer [required]} -> BLOCKED->QUEUED, recording an
// agent-role message (the answer resumes the agent's next wait_for_prompt).
func handleAnswerTask(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	taskID := stringArg(args, "taskId")
	answer := stringArg(args, "answer")
	if taskID == "" || answer == "" {
		return errorEnvelope(apperrors.Validation("taskId and answer are required"))
	}
	if err := d.Store.AppendMessage(ctx, taskID, domain.Message{
		ID: uuid.NewString(), Role: domain.MessageRoleAgent, Content: answer, Timestamp: d.Clock.Now(),
	}); err != nil {
		return errorEnvelope(err)
	}
	if err := d.Queue.UpdateStatus(ctx, taskID, domain.TaskQueued, "answered"); err != nil {
		return errorEnvelope(err)
	}
	task, err := d.Queue.GetTask(ctx, taskID)
	if err != nil {
		return errorEnvelope(err)
	}
	return jsonEnvelope(viewOfTask(task))
}

// update_progress: {taskId, message [required], agentId?, phase?,
// percentage?} -> {ok:true}.
func handleUpdateProgress(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	taskID := stringArg(args, "taskId")
	message := stringArg(args, "message")
	if taskID == "" || message == "" {
		return errorEnvelope(apperrors.Validation("taskId and message are required"))
	}
	var pct *int
	if _, ok := args["percentage"]; ok {
		p := intArg(args, "percentage", 0)
		pct = &p
	}
	entry := domain.ProgressEntry{
		ID: uuid.NewString(), TaskID: taskID, AgentID: stringArg(args, "agentId"),
		Phase: stringArg(args, "phase"), Message: message, Percentage: pct, Timestamp: d.Clock.Now(),
	}
	if err := d.Store.AppendProgress(ctx, entry); err != nil {
		return errorEnvelope(err)
	}
	return jsonEnvelope(map[string]any{"ok": true})
}

// get_task_context: {taskId [required]} -> the full task, including
// messages and history.
func handleGetTaskContext(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	taskID := stringArg(args, "taskId")
	if taskID == "" {
		return errorEnvelope(apperrors.Validation("taskId is required"))
	}
	task, err := d.Queue.GetTask(ctx, taskID)
	if err != nil {
		return errorEnvelope(err)
	}
	return jsonEnvelope(viewOfTask(task))
}

// broadcast_system_prompt: {message [required]} -> posts a system-role
// message to every currently active task, used to push a broker-wide
// announcement into every in-flight conversation.
func handleBroadcastSystemPrompt(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	message := stringArg(args, "message")
	if message == "" {
		return errorEnvelope(apperrors.Validation("message is required"))
	}
	active, err := d.Queue.GetAll(ctx)
	if err != nil {
		return errorEnvelope(err)
	}
	count := 0
	for _, t := range active {
		if t.Status.IsTerminal() {
			continue
		}
		if err := d.Store.AppendMessage(ctx, t.ID, domain.Message{
			ID: uuid.NewString(), Role: domain.MessageRoleSystem, Content: message, Timestamp: d.Clock.Now(),
		}); err != nil {
			d.Logger.WithError(err).Warn("broadcast system prompt failed for task")
			continue
		}
		count++
	}
	return jsonEnvelope(map[string]any{"broadcastTo": count})
}

// scaffold_plan: {spec?, tasks [required list of {prompt, workspaceId,
// requiredCapabilities?, dependsOnIndex?}]} -> enqueues one task per plan
// entry, chaining dependsOnIndex references into Dependencies by the
// already-assigned id of an earlier entry in the same call.
func handleScaffoldPlan(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	rawTasks, ok := args["tasks"].([]interface{})
	if !ok || len(rawTasks) == 0 {
		return errorEnvelope(apperrors.Validation("tasks must be a non-empty list"))
	}

	ids := make([]string, len(rawTasks))
	var taskIDs []string
	for i, raw := range rawTasks {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return errorEnvelope(apperrors.Validation("each plan entry must be an object"))
		}
		prompt := stringArg(entry, "prompt")
		workspaceID := stringArg(entry, "workspaceId")
		if prompt == "" || workspaceID == "" {
			return errorEnvelope(apperrors.Validation("each plan entry requires prompt and workspaceId"))
		}
		if ok, reason := d.Validator(ctx, prompt); !ok {
			if reason == "" {
				reason = "prompt rejected"
			}
			return errorEnvelope(apperrors.Permission(reason))
		}

		var deps []string
		for _, n := range intSliceArg(entry, "dependsOnIndex") {
			if n >= 0 && n < i {
				deps = append(deps, ids[n])
			}
		}

		task := &domain.Task{
			ID:     uuid.NewString(),
			Prompt: prompt,
			Title:  stringArg(entry, "title"),
			Priority: domain.PriorityNormal,
			From:   domain.Actor{Kind: domain.ActorAgent, ID: "Da Boss", Name: "Da Boss"},
			To: domain.TaskTarget{
				RequiredCapabilities: capabilitySetArg(entry, "requiredCapabilities"),
				WorkspaceID:          workspaceID,
			},
			Dependencies: deps,
		}
		ids[i] = task.ID
		if err := d.Queue.Enqueue(ctx, task); err != nil {
			return errorEnvelope(err)
		}
		taskIDs = append(taskIDs, task.ID)
	}
	return jsonEnvelope(map[string]any{"taskIds": taskIDs})
}

func intSliceArg(args map[string]interface{}, key string) []int {
	v, ok := args[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, e := range raw {
		if f, ok := e.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}
