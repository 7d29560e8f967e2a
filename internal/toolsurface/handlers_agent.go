package toolsurface

import (
	"context"

	"github.com/google/uuid"

	"github.com/kdlbs/taskbroker/internal/apperrors"
	"github.com/kdlbs/taskbroker/internal/domain"
	"github.com/kdlbs/taskbroker/internal/registry"
	"github.com/kdlbs/taskbroker/internal/waiter"
)

type agentView struct {
	AgentID          string                   `json:"agentId"`
	DisplayName      string                   `json:"displayName"`
	Role             string                   `json:"role,omitempty"`
	Capabilities     []domain.Capability      `json:"capabilities"`
	WorkspaceContext *domain.WorkspaceContext `json:"workspaceContext,omitempty"`
	Source           domain.AgentSource       `json:"source"`
	Color            string                   `json:"color,omitempty"`
	Status           domain.AgentStatus       `json:"status"`
}

func viewOfAgent(d *Deps, ctx context.Context, a *domain.Agent) agentView {
	caps := make([]domain.Capability, 0, len(a.Capabilities))
	for c := range a.Capabilities {
		caps = append(caps, c)
	}
	assigned, _ := d.Queue.GetAssignedTasksForAgent(ctx, a.ID)
	hasActive := false
	for _, t := range assigned {
		if !t.Status.IsTerminal() {
			hasActive = true
			break
		}
	}
	_, isWaiting := d.Waiters.Get(a.ID)
	return agentView{
		AgentID:          a.ID,
		DisplayName:      a.DisplayName,
		Role:             a.Role,
		Capabilities:     caps,
		WorkspaceContext: a.WorkspaceContext,
		Source:           a.Source,
		Color:            a.Color,
		Status:           d.Registry.DerivedStatus(a, hasActive, isWaiting),
	}
}

// register_agent: {agentId?, displayName?, role?, capabilities[required,
// non-empty], workspaceContext?, source?, color?} -> the registered agent.
func handleRegisterAgent(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	caps := capabilitiesArg(args, "capabilities")
	if len(caps) == 0 {
		return errorEnvelope(apperrors.Validation("capabilities must be a non-empty list"))
	}

	source := domain.AgentSource(stringArg(args, "source"))
	if source == "" {
		source = domain.AgentSourceIDE
	}

	id := stringArg(args, "agentId")
	if id == "" {
		id = uuid.NewString()
	}

	a, err := d.Registry.Register(ctx, registry.RegisterInput{
		ID:               id,
		DisplayName:      stringArg(args, "displayName"),
		Role:             stringArg(args, "role"),
		Capabilities:     caps,
		WorkspaceContext: workspaceContextArg(args, "workspaceContext"),
		Source:           source,
		Color:            stringArg(args, "color"),
	})
	if err != nil {
		return errorEnvelope(err)
	}
	return jsonEnvelope(viewOfAgent(d, ctx, a))
}

// list_agents: {capability?} -> every known agent, optionally filtered.
func handleListAgents(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	var agents []*domain.Agent
	if cap := stringArg(args, "capability"); cap != "" {
		agents = d.Registry.ByCapability(domain.Capability(cap))
	} else {
		agents = d.Registry.All()
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, viewOfAgent(d, ctx, a))
	}
	return jsonEnvelope(views)
}

// get_agent_status: {agentId} -> one agent's derived status.
func handleGetAgentStatus(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	id := stringArg(args, "agentId")
	a, ok := d.Registry.Get(id)
	if !ok {
		return errorEnvelope(apperrors.NotFound("agent", id))
	}
	return jsonEnvelope(viewOfAgent(d, ctx, a))
}

// admin_update_agent: {agentId, displayName?, role?, capabilities?,
// workspaceContext?, color?} -> the updated agent. Only fields present in
// args are changed.
func handleAdminUpdateAgent(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	id := stringArg(args, "agentId")
	if id == "" {
		return errorEnvelope(apperrors.Validation("agentId is required"))
	}

	a, err := d.Registry.AdminUpdate(ctx, id, func(a *domain.Agent) {
		if v := stringArg(args, "displayName"); v != "" {
			a.DisplayName = v
		}
		if v := stringArg(args, "role"); v != "" {
			a.Role = v
		}
		if caps := capabilitySetArg(args, "capabilities"); caps != nil {
			a.Capabilities = caps
		}
		if wc := workspaceContextArg(args, "workspaceContext"); wc != nil {
			a.WorkspaceContext = wc
		}
		if v := stringArg(args, "color"); v != "" {
			a.Color = v
		}
	})
	if err != nil {
		return errorEnvelope(err)
	}
	return jsonEnvelope(viewOfAgent(d, ctx, a))
}

// admin_evict_agent: {agentId, reason, action: RESTART|SHUTDOWN} -> {ok:true}.
// The eviction is delivered the next time the agent calls wait_for_prompt
// or wakes from one it is already blocked on.
func handleAdminEvictAgent(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	id := stringArg(args, "agentId")
	if id == "" {
		return errorEnvelope(apperrors.Validation("agentId is required"))
	}
	action := domain.EvictionAction(stringArg(args, "action"))
	if action != domain.EvictionActionRestart && action != domain.EvictionActionShutdown {
		return errorEnvelope(apperrors.Validation("action must be RESTART or SHUTDOWN"))
	}
	reason := stringArg(args, "reason")

	if err := d.Registry.RequestEviction(ctx, id, reason, action); err != nil {
		return errorEnvelope(err)
	}
	if w, ok := d.Waiters.Get(id); ok {
		ev := domain.Eviction{Requested: true, Reason: reason, Action: action}
		w.Signal(waiter.Result{Eviction: &ev})
	}
	return jsonEnvelope(map[string]any{"ok": true})
}
