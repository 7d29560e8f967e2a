// Package registry implements the broker's Agent Registry (§4.C): agent
// identity, heartbeat-driven liveness, derived status, and pending
// eviction signals. It holds no opinion about tasks — callers supply
// whatever task-derived facts (assigned, waiting) DerivedStatus needs.
package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kdlbs/taskbroker/internal/apperrors"
	"github.com/kdlbs/taskbroker/internal/clock"
	"github.com/kdlbs/taskbroker/internal/common/config"
	"github.com/kdlbs/taskbroker/internal/common/logger"
	"github.com/kdlbs/taskbroker/internal/domain"
	"github.com/kdlbs/taskbroker/internal/events"
	"github.com/kdlbs/taskbroker/internal/storage"
)

// RegisterInput is what a caller supplies to register an agent; ID and
// DisplayName are both optional.
type RegisterInput struct {
	ID               string
	DisplayName      string
	Role             string
	Capabilities     []domain.Capability
	WorkspaceContext *domain.WorkspaceContext
	Source           domain.AgentSource
	Color            string
}

// Registry holds every known agent in memory, backed by Persistence.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent

	lastHeartbeatEmit map[string]time.Time
	hbMu              sync.Mutex

	store  storage.Store
	sink   *events.Sink
	clock  clock.Clock
	cfg    config.RegistryConfig
	logger *logger.Logger

	sf singleflight.Group
}

// New constructs a Registry. Call Load to hydrate it from Persistence
// before serving traffic.
func New(store storage.Store, sink *events.Sink, c clock.Clock, cfg config.RegistryConfig, log *logger.Logger) *Registry {
	return &Registry{
		agents:            make(map[string]*domain.Agent),
		lastHeartbeatEmit: make(map[string]time.Time),
		store:             store,
		sink:              sink,
		clock:             c,
		cfg:               cfg,
		logger:            log,
	}
}

// Load populates the in-memory registry from Persistence, the source of
// truth (§4.B).
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.store.GetAllAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	return nil
}

func generateDisplayName() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	n := rand.Intn(100)
	return fmt.Sprintf("%s-%s-%02d", adj, noun, n)
}

// Register adopts or overwrites an agent identity per §4.C: a conflicting
// id with a different live displayName gets a suffixed id instead of
// being overwritten. Concurrent registers on the same id are collapsed
// with singleflight so the conflict/suffix decision is made exactly once.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*domain.Agent, error) {
	key := in.ID
	if key == "" {
		key = "anon"
	}
	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		return r.register(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Agent), nil
}

func (r *Registry) register(ctx context.Context, in RegisterInput) (*domain.Agent, error) {
	now := r.clock.Now()
	id := in.ID
	if id == "" {
		id = fmt.Sprintf("agent-%d", now.UnixNano())
	}

	r.mu.RLock()
	existing, ok := r.agents[id]
	r.mu.RUnlock()

	if ok && in.DisplayName != "" && existing.DisplayName != in.DisplayName &&
		now.Sub(existing.LastSeen) < r.cfg.OfflineThreshold() {
		id = fmt.Sprintf("%s-%d", id, now.UnixNano()%100000)
	}

	displayName := in.DisplayName
	if displayName == "" {
		displayName = generateDisplayName()
	}

	a := &domain.Agent{
		ID:               id,
		DisplayName:      displayName,
		Role:             in.Role,
		Capabilities:     domain.CapabilitySet(in.Capabilities),
		WorkspaceContext: in.WorkspaceContext,
		Source:           in.Source,
		Color:            in.Color,
		CreatedAt:        now,
		LastSeen:         now,
	}

	r.mu.RLock()
	_, alreadyKnown := r.agents[id]
	r.mu.RUnlock()

	var err error
	if alreadyKnown {
		err = r.store.UpdateAgent(ctx, a)
	} else {
		err = r.store.InsertAgent(ctx, a)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.agents[id] = a
	r.mu.Unlock()

	if r.sink != nil {
		_ = r.sink.Emit(ctx, events.SubjectAgentRegistered, "registry", map[string]interface{}{
			"agentId":     a.ID,
			"displayName": a.DisplayName,
		})
	}
	return a, nil
}

// Heartbeat refreshes an agent's in-memory lastSeen on every call and
// persists it at most once per HeartbeatDebounce interval. It emits no
// event: agent:status is not published when the derived status changes.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("agent", id)
	}

	now := r.clock.Now()

	r.hbMu.Lock()
	last, seen := r.lastHeartbeatEmit[id]
	debounced := seen && now.Sub(last) < r.cfg.HeartbeatDebounce()
	if !debounced {
		r.lastHeartbeatEmit[id] = now
	}
	r.hbMu.Unlock()

	if debounced {
		r.mu.Lock()
		a.LastSeen = now
		r.mu.Unlock()
		return nil
	}

	if err := r.store.HeartbeatAgent(ctx, id, now); err != nil {
		return err
	}
	r.mu.Lock()
	a.LastSeen = now
	r.mu.Unlock()
	return nil
}

// Get returns the agent for id, if known.
func (r *Registry) Get(id string) (*domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// GetByDisplayNameCI looks an agent up by case-insensitive display name.
func (r *Registry) GetByDisplayNameCI(displayName string) (*domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if strings.EqualFold(a.DisplayName, displayName) {
			return a, true
		}
	}
	return nil, false
}

// All returns every known agent, sorted by id for deterministic output.
func (r *Registry) All() []*domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCapability returns every known agent covering cap.
func (r *Registry) ByCapability(cap domain.Capability) []*domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Agent
	for _, a := range r.agents {
		if _, ok := a.Capabilities[cap]; ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DerivedStatus computes an agent's liveness status (§4.C): never stored,
// always computed from the facts the caller supplies about its tasks and
// waiter state.
func (r *Registry) DerivedStatus(a *domain.Agent, hasActiveAssignment, isWaiting bool) domain.AgentStatus {
	if hasActiveAssignment {
		return domain.AgentStatusProcessing
	}
	if isWaiting || r.clock.Now().Sub(a.LastSeen) < r.cfg.OfflineThreshold() {
		return domain.AgentStatusWaiting
	}
	return domain.AgentStatusOffline
}

// RequestEviction writes a pending eviction for id, applying the
// upgrade-only rule in domain.Eviction.Upgrade.
func (r *Registry) RequestEviction(ctx context.Context, id, reason string, action domain.EvictionAction) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	a.Eviction.Upgrade(reason, action)
	eviction := a.Eviction
	r.mu.Unlock()

	if err := r.store.SetAgentEviction(ctx, id, eviction); err != nil {
		return err
	}
	if r.sink != nil {
		_ = r.sink.Emit(ctx, events.SubjectEviction, "registry", map[string]interface{}{
			"agentId": id, "reason": reason, "action": string(action),
		})
	}
	return nil
}

// PopEviction atomically returns and clears id's pending eviction.
func (r *Registry) PopEviction(ctx context.Context, id string) (domain.Eviction, bool) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok || !a.Eviction.Requested {
		r.mu.Unlock()
		return domain.Eviction{}, false
	}
	eviction := a.Eviction
	a.Eviction = domain.Eviction{}
	r.mu.Unlock()

	if err := r.store.ClearAgentEviction(ctx, id); err != nil {
		r.logger.WithError(err).Error("clear agent eviction")
	}
	return eviction, true
}

// AdminUpdate applies fn to a copy of the current agent record and
// persists the result, used by the admin_update_agent tool.
func (r *Registry) AdminUpdate(ctx context.Context, id string, fn func(*domain.Agent)) (*domain.Agent, error) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return nil, apperrors.NotFound("agent", id)
	}
	updated := *a
	fn(&updated)
	r.mu.Unlock()

	if err := r.store.UpdateAgent(ctx, &updated); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.agents[id] = &updated
	r.mu.Unlock()
	return &updated, nil
}

// Cleanup deletes agents whose lastSeen is older than olderThan, unless
// their id is in exempt.
func (r *Registry) Cleanup(ctx context.Context, olderThan time.Duration, exempt map[string]struct{}) (int, error) {
	cutoff := r.clock.Now().Add(-olderThan)

	r.mu.RLock()
	var stale []string
	for id, a := range r.agents {
		if _, skip := exempt[id]; skip {
			continue
		}
		if a.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if err := r.store.DeleteAgent(ctx, id); err != nil {
			return removed, err
		}
		r.mu.Lock()
		delete(r.agents, id)
		r.mu.Unlock()
		removed++
	}
	return removed, nil
}
