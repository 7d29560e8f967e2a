package toolsurface

import (
	"context"

	"go.uber.org/zap"

	"github.com/kdlbs/taskbroker/internal/apperrors"
	"github.com/kdlbs/taskbroker/internal/clock"
	"github.com/kdlbs/taskbroker/internal/common/config"
	"github.com/kdlbs/taskbroker/internal/common/logger"
	"github.com/kdlbs/taskbroker/internal/events"
	"github.com/kdlbs/taskbroker/internal/queue"
	"github.com/kdlbs/taskbroker/internal/registry"
	"github.com/kdlbs/taskbroker/internal/storage"
	"github.com/kdlbs/taskbroker/internal/waiter"
)

// PromptValidator decides whether a prompt handed to assign_task may be
// enqueued. The default validator (used when the caller supplies none)
// accepts everything; this hook exists for the caller to wire in a
// moderation or policy check without toolsurface knowing anything about it.
type PromptValidator func(ctx context.Context, prompt string) (bool, string)

// AllowAll is the zero-opinion PromptValidator.
func AllowAll(context.Context, string) (bool, string) { return true, "" }

// Deps are every collaborator a tool handler needs. Dispatcher holds no
// state beyond these references - every handler is a pure function of
// (args, Deps).
type Deps struct {
	Registry  *registry.Registry
	Queue     *queue.Queue
	Waiters   *waiter.Table
	Store     storage.Store
	Sink      *events.Sink
	Clock     clock.Clock
	Cfg       config.ToolSurfaceConfig
	Logger    *logger.Logger
	Validator PromptValidator
}

// handlerFunc is the shape of one tool's implementation.
type handlerFunc func(ctx context.Context, d *Deps, args map[string]interface{}) Envelope

// Dispatcher routes a tool name plus its JSON arguments to the matching
// handler, applying the heartbeat side-effect of §4.H uniformly before the
// handler runs.
type Dispatcher struct {
	deps     *Deps
	handlers map[string]handlerFunc
}

// New constructs a Dispatcher wired with deps. A nil Validator is replaced
// with AllowAll.
func New(deps *Deps) *Dispatcher {
	if deps.Validator == nil {
		deps.Validator = AllowAll
	}
	return &Dispatcher{
		deps: deps,
		handlers: map[string]handlerFunc{
			"register_agent":          handleRegisterAgent,
			"wait_for_prompt":         handleWaitForPrompt,
			"wait_for_task":           handleWaitForTask,
			"send_response":           handleSendResponse,
			"assign_task":             handleAssignTask,
			"list_agents":             handleListAgents,
			"get_agent_status":        handleGetAgentStatus,
			"ack_task":                handleAckTask,
			"block_task":              handleBlockTask,
			"answer_task":             handleAnswerTask,
			"update_progress":         handleUpdateProgress,
			"get_task_context":        handleGetTaskContext,
			"broadcast_system_prompt": handleBroadcastSystemPrompt,
			"scaffold_plan":           handleScaffoldPlan,
			"submit_review":           handleSubmitReview,
			"get_review_comments":     handleGetReviewComments,
			"resolve_review_comment":  handleResolveReviewComment,
			"admin_update_agent":      handleAdminUpdateAgent,
			"admin_evict_agent":       handleAdminEvictAgent,
		},
	}
}

// Names returns every registered tool name, for transport registration.
func (d *Dispatcher) Names() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

// Dispatch runs the named tool against args. Per §4.H, any call whose
// arguments carry an agentId or sourceAgentId refreshes that agent's
// heartbeat before the handler itself runs - callers get liveness credit
// for simply talking to the broker, not only for an explicit heartbeat call.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]interface{}) Envelope {
	h, ok := d.handlers[name]
	if !ok {
		return errorEnvelope(apperrors.NotFound("tool", name))
	}

	if id := firstNonEmpty(stringArg(args, "agentId"), stringArg(args, "sourceAgentId")); id != "" {
		if _, known := d.deps.Registry.Get(id); known {
			if err := d.deps.Registry.Heartbeat(ctx, id); err != nil {
				d.deps.Logger.WithError(err).Warn("heartbeat side-effect failed", zap.String("tool", name))
			}
		}
	}

	return h(ctx, d.deps, args)
}
