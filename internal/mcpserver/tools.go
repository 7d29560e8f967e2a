package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kdlbs/taskbroker/internal/common/logger"
	"github.com/kdlbs/taskbroker/internal/toolsurface"
)

// registerTools exposes every toolsurface handler as an MCP tool.
// Argument validation lives in toolsurface itself - the schemas declared
// here are advisory (client-side completion / docs), not a second
// enforcement layer, so every tool is wired through dispatchHandler
// regardless of how thin or rich its mcp.WithString/mcp.WithArray list is.
func registerTools(s *server.MCPServer, dispatcher *toolsurface.Dispatcher, log *logger.Logger) {
	s.AddTool(mcp.NewTool("register_agent",
		mcp.WithDescription("Register this agent with the broker, declaring its capabilities and workspace. Returns the agent's assigned id and display name."),
		mcp.WithString("agentId", mcp.Description("Stable id to register under, if this agent has reconnected before")),
		mcp.WithString("displayName", mcp.Description("Human-friendly name; a random one is generated if omitted")),
		mcp.WithString("role", mcp.Description("Free-form role label")),
		mcp.WithArray("capabilities", mcp.Required(), mcp.Description("Non-empty list of capability tags this agent can service")),
		mcp.WithObject("workspaceContext", mcp.Description("{kind, repoId, branch, path} pinning this agent to a repository")),
		mcp.WithString("source", mcp.Description("CLI or IDE")),
		mcp.WithString("color", mcp.Description("Display color hint")),
	), dispatchHandler(dispatcher, "register_agent", log))

	s.AddTool(mcp.NewTool("wait_for_prompt",
		mcp.WithDescription("Agent-side long-poll: block until a task is dispatched to this agent, an eviction signal arrives, or the wait times out (returns status IDLE)."),
		mcp.WithString("agentId", mcp.Required(), mcp.Description("This agent's id, from register_agent")),
		mcp.WithNumber("timeout", mcp.Description("Seconds to wait, clamped to [1,300], default 290")),
	), dispatchHandler(dispatcher, "wait_for_prompt", log))

	s.AddTool(mcp.NewTool("wait_for_task",
		mcp.WithDescription("Caller-side long-poll: block until the given task reaches a terminal status or the wait times out, then return its current state."),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("The task to wait on")),
		mcp.WithNumber("timeout", mcp.Description("Seconds to wait, default 300")),
	), dispatchHandler(dispatcher, "wait_for_task", log))

	s.AddTool(mcp.NewTool("send_response",
		mcp.WithDescription("Deliver a final response for a task, transitioning it to a terminal or review status."),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("The task to respond to")),
		mcp.WithString("status", mcp.Required(), mcp.Description("COMPLETED, FAILED, or IN_REVIEW")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The response text")),
	), dispatchHandler(dispatcher, "send_response", log))

	s.AddTool(mcp.NewTool("assign_task",
		mcp.WithDescription("Enqueue a new task for dispatch to a matching agent. The prompt is validated before the task is ever queued."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("The task prompt")),
		mcp.WithString("workspaceId", mcp.Required(), mcp.Description("The workspace this task is pinned to")),
		mcp.WithString("title", mcp.Description("Short task title")),
		mcp.WithString("targetAgentId", mcp.Description("Prefer this specific agent, if eligible")),
		mcp.WithArray("requiredCapabilities", mcp.Description("Capability tags an eligible agent must cover")),
		mcp.WithString("sourceAgentId", mcp.Description(`Who is assigning this task; defaults to "Da Boss"`)),
		mcp.WithString("priority", mcp.Description("normal, high, or critical")),
		mcp.WithArray("dependencies", mcp.Description("Task ids that must COMPLETE before this one is eligible")),
		mcp.WithObject("context", mcp.Description("Arbitrary structured context carried with the task")),
	), dispatchHandler(dispatcher, "assign_task", log))

	s.AddTool(mcp.NewTool("list_agents",
		mcp.WithDescription("List every registered agent, optionally filtered by capability."),
		mcp.WithString("capability", mcp.Description("Only return agents covering this capability")),
	), dispatchHandler(dispatcher, "list_agents", log))

	s.AddTool(mcp.NewTool("get_agent_status",
		mcp.WithDescription("Get one agent's derived liveness status (PROCESSING, WAITING, or OFFLINE)."),
		mcp.WithString("agentId", mcp.Required(), mcp.Description("The agent to look up")),
	), dispatchHandler(dispatcher, "get_agent_status", log))

	s.AddTool(mcp.NewTool("ack_task",
		mcp.WithDescription("Acknowledge receipt of a dispatched task, clearing its reservation and advancing it to an active status."),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("The task being acknowledged")),
		mcp.WithString("agentId", mcp.Required(), mcp.Description("The agent acknowledging it")),
	), dispatchHandler(dispatcher, "ack_task", log))

	s.AddTool(mcp.NewTool("block_task",
		mcp.WithDescription("Block a task on a question for the user, pausing dispatch until answer_task resumes it."),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("The task to block")),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question to surface to the user")),
		mcp.WithString("reason", mcp.Description("Why this task is blocked")),
	), dispatchHandler(dispatcher, "block_task", log))

	s.AddTool(mcp.NewTool("answer_task",
		mcp.WithDescription("Answer a blocked task's question, returning it to the queue for dispatch."),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("The blocked task")),
		mcp.WithString("answer", mcp.Required(), mcp.Description("The answer to the agent's question")),
	), dispatchHandler(dispatcher, "answer_task", log))

	s.AddTool(mcp.NewTool("update_progress",
		mcp.WithDescription("Post a progress update for an in-flight task."),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("The task in progress")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Progress description")),
		mcp.WithString("agentId", mcp.Description("The reporting agent")),
		mcp.WithString("phase", mcp.Description("Current phase label")),
		mcp.WithNumber("percentage", mcp.Description("Completion percentage, 0-100")),
	), dispatchHandler(dispatcher, "update_progress", log))

	s.AddTool(mcp.NewTool("get_task_context",
		mcp.WithDescription("Fetch a task's full context: prompt, messages, history, and current status."),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("The task to fetch")),
	), dispatchHandler(dispatcher, "get_task_context", log))

	s.AddTool(mcp.NewTool("broadcast_system_prompt",
		mcp.WithDescription("Post a system-role message to every currently active task."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The announcement to broadcast")),
	), dispatchHandler(dispatcher, "broadcast_system_prompt", log))

	s.AddTool(mcp.NewTool("scaffold_plan",
		mcp.WithDescription("Enqueue a batch of related tasks in one call, optionally chaining dependencies between plan entries by index."),
		mcp.WithString("spec", mcp.Description("Free-form description of the overall plan")),
		mcp.WithArray("tasks", mcp.Required(), mcp.Description("List of {prompt, workspaceId, requiredCapabilities?, dependsOnIndex?}")),
	), dispatchHandler(dispatcher, "scaffold_plan", log))

	s.AddTool(mcp.NewTool("submit_review",
		mcp.WithDescription("Record a review comment on a task, optionally approving or rejecting it."),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("The task under review")),
		mcp.WithString("author", mcp.Required(), mcp.Description("Who is leaving the review")),
		mcp.WithString("body", mcp.Required(), mcp.Description("The review comment text")),
		mcp.WithString("decision", mcp.Description("approve or reject, if this review decides the task")),
	), dispatchHandler(dispatcher, "submit_review", log))

	s.AddTool(mcp.NewTool("get_review_comments",
		mcp.WithDescription("List review comments on a task."),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("The task to list comments for")),
		mcp.WithBoolean("unresolvedOnly", mcp.Description("Only return unresolved comments")),
	), dispatchHandler(dispatcher, "get_review_comments", log))

	s.AddTool(mcp.NewTool("resolve_review_comment",
		mcp.WithDescription("Mark a review comment resolved."),
		mcp.WithString("commentId", mcp.Required(), mcp.Description("The comment to resolve")),
		mcp.WithString("response", mcp.Description("Resolution note")),
	), dispatchHandler(dispatcher, "resolve_review_comment", log))

	s.AddTool(mcp.NewTool("admin_update_agent",
		mcp.WithDescription("Administratively update a registered agent's profile fields."),
		mcp.WithString("agentId", mcp.Required(), mcp.Description("The agent to update")),
		mcp.WithString("displayName", mcp.Description("New display name")),
		mcp.WithString("role", mcp.Description("New role label")),
		mcp.WithArray("capabilities", mcp.Description("Replacement capability list")),
		mcp.WithObject("workspaceContext", mcp.Description("Replacement workspace context")),
		mcp.WithString("color", mcp.Description("New display color")),
	), dispatchHandler(dispatcher, "admin_update_agent", log))

	s.AddTool(mcp.NewTool("admin_evict_agent",
		mcp.WithDescription("Request that an agent restart or shut down the next time it is reachable."),
		mcp.WithString("agentId", mcp.Required(), mcp.Description("The agent to evict")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why this agent is being evicted")),
		mcp.WithString("action", mcp.Required(), mcp.Description("RESTART or SHUTDOWN")),
	), dispatchHandler(dispatcher, "admin_evict_agent", log))

	log.Info("registered MCP tools", zap.Int("count", len(dispatcher.Names())))
}

// dispatchHandler adapts one toolsurface tool to mcp-go's handler shape,
// translating the normalized Envelope (§7) back into mcp.CallToolResult.
func dispatchHandler(dispatcher *toolsurface.Dispatcher, name string, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		envelope := dispatcher.Dispatch(ctx, name, req.GetArguments())

		var text string
		if len(envelope.Content) > 0 {
			text = envelope.Content[0].Text
		}
		if envelope.IsError {
			log.Warn("tool call returned an error envelope", zap.String("tool", name), zap.String("detail", text))
			return mcp.NewToolResultError(text), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}
