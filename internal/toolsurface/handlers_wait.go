package toolsurface

import (
	"context"
	"time"

	"github.com/kdlbs/taskbroker/internal/apperrors"
	"github.com/kdlbs/taskbroker/internal/domain"
)

type evictionView struct {
	ControlSignal string `json:"controlSignal"`
	Reason        string `json:"reason"`
	Action        string `json:"action"`
}

type idleView struct {
	Status string `json:"status"`
}

type promptView struct {
	TaskID string         `json:"taskId"`
	Prompt string         `json:"prompt"`
	From   domain.Actor   `json:"from"`
	Context map[string]any `json:"context,omitempty"`
}

// wait_for_prompt: {agentId [required], timeout? seconds, clamped [1,300],
// default 290, also used for a timeout above 300} is the agent-side long-poll of §4.F step 2/3, surfaced
// through Queue.WaitForTask. A plain expiry is NOT an error per §7: it
// returns {status:"IDLE"} with isError omitted.
func handleWaitForPrompt(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	agentID := stringArg(args, "agentId")
	if agentID == "" {
		return errorEnvelope(apperrors.Validation("agentId is required"))
	}
	a, ok := d.Registry.Get(agentID)
	if !ok {
		return errorEnvelope(apperrors.NotFound("agent", agentID))
	}

	def := d.Cfg.DefaultPromptTimeoutSec
	if def == 0 {
		def = 290
	}
	max := d.Cfg.MaxPromptTimeoutSec
	if max == 0 {
		max = 300
	}
	timeoutSec := intArg(args, "timeout", def)
	if timeoutSec > max {
		timeoutSec = def
	}
	timeoutSec = clampInt(timeoutSec, 1, max)
	timeout := time.Duration(timeoutSec) * time.Second

	workspaceID := ""
	if a.WorkspaceContext != nil {
		workspaceID = a.WorkspaceContext.RepoID
	}

	task, eviction, err := d.Queue.WaitForTask(ctx, agentID, a.Capabilities, workspaceID, timeout)
	if err != nil {
		return errorEnvelope(apperrors.Internal("wait for prompt", err))
	}
	if eviction != nil {
		return jsonEnvelope(evictionView{
			ControlSignal: "EVICT",
			Reason:        eviction.Reason,
			Action:        string(eviction.Action),
		})
	}
	if task == nil {
		return jsonEnvelope(idleView{Status: "IDLE"})
	}
	return jsonEnvelope(promptView{
		TaskID:  task.ID,
		Prompt:  task.Prompt,
		From:    task.From,
		Context: task.Context,
	})
}

// wait_for_task: {taskId [required], timeout? seconds, default 300} is the
// caller-side completion-wait of §4.F, surfaced through
// Queue.WaitForTaskCompletion. Unlike wait_for_prompt, a timeout here
// simply returns the task's current (non-terminal) state - still not an
// isError, since the caller asked to wait, not to require completion.
func handleWaitForTask(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	taskID := stringArg(args, "taskId")
	if taskID == "" {
		return errorEnvelope(apperrors.Validation("taskId is required"))
	}

	def := d.Cfg.DefaultTaskWaitTimeoutSec
	if def == 0 {
		def = 300
	}
	timeoutSec := intArg(args, "timeout", def)
	if timeoutSec < 1 {
		timeoutSec = 1
	}
	timeout := time.Duration(timeoutSec) * time.Second

	task, err := d.Queue.WaitForTaskCompletion(ctx, taskID, timeout)
	if err != nil {
		return errorEnvelope(apperrors.Internal("wait for task", err))
	}
	return jsonEnvelope(viewOfTask(task))
}
