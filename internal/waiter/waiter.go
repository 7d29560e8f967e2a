// Package waiter implements the broker's Waiter Table (§4.D): one pending
// long-poll slot per agent, superseding any prior slot for that agent.
package waiter

import (
	"sync"

	"github.com/kdlbs/taskbroker/internal/domain"
)

// Result is what wakes a suspended waitForTask call.
type Result struct {
	Task      *domain.Task
	Eviction  *domain.Eviction
	Superseded bool
}

// Waiter is one agent's pending long-poll slot.
type Waiter struct {
	AgentID      string
	Capabilities map[domain.Capability]struct{}
	WorkspaceID  string
	WaitingSince int64 // unix nano, for freshness scoring (§4.E)
	ch           chan Result
}

// Table is a concurrent agentId -> Waiter map.
type Table struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
}

// New constructs an empty Table.
func New() *Table {
	return &Table{waiters: make(map[string]*Waiter)}
}

// Add registers a waiter for agentId, signalling any prior waiter for the
// same agent with Superseded before replacing it.
func (t *Table) Add(agentID string, caps map[domain.Capability]struct{}, workspaceID string, waitingSince int64) *Waiter {
	w := &Waiter{
		AgentID:      agentID,
		Capabilities: caps,
		WorkspaceID:  workspaceID,
		WaitingSince: waitingSince,
		ch:           make(chan Result, 1),
	}

	t.mu.Lock()
	if prior, ok := t.waiters[agentID]; ok {
		select {
		case prior.ch <- Result{Superseded: true}:
		default:
		}
	}
	t.waiters[agentID] = w
	t.mu.Unlock()

	return w
}

// Remove drops the waiter for agentId if it is still w (a newer waiter
// may already have replaced it).
func (t *Table) Remove(agentID string, w *Waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.waiters[agentID]; ok && cur == w {
		delete(t.waiters, agentID)
	}
}

// Get returns the current waiter for agentId, if any.
func (t *Table) Get(agentID string) (*Waiter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.waiters[agentID]
	return w, ok
}

// All returns a snapshot of every currently waiting agent.
func (t *Table) All() []*Waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Waiter, 0, len(t.waiters))
	for _, w := range t.waiters {
		out = append(out, w)
	}
	return out
}

// Signal delivers r to w's channel without blocking; a second send after
// the first is dropped, matching the at-most-once wake contract of a
// long-poll slot.
func (w *Waiter) Signal(r Result) bool {
	select {
	case w.ch <- r:
		return true
	default:
		return false
	}
}

// Chan exposes the channel waitForTask selects on.
func (w *Waiter) Chan() <-chan Result {
	return w.ch
}
