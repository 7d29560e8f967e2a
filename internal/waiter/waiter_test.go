package waiter

import (
	"testing"
	"time"

	"github.com/kdlbs/taskbroker/internal/domain"
)

func TestTableAddGet(t *testing.T) {
	tbl := New()
	w := tbl.Add("agent-1", nil, "ws-1", time.Now().UnixNano())

	got, ok := tbl.Get("agent-1")
	if !ok {
		t.Fatal("expected waiter to be present")
	}
	if got != w {
		t.Fatal("Get returned a different waiter than Add installed")
	}
}

func TestTableAddSupersedesPriorWaiter(t *testing.T) {
	tbl := New()
	first := tbl.Add("agent-1", nil, "ws-1", 1)
	second := tbl.Add("agent-1", nil, "ws-1", 2)

	select {
	case r := <-first.Chan():
		if !r.Superseded {
			t.Errorf("expected superseded result, got %+v", r)
		}
	default:
		t.Fatal("expected the prior waiter to be signalled")
	}

	got, ok := tbl.Get("agent-1")
	if !ok || got != second {
		t.Fatal("expected the table to hold the newest waiter")
	}
}

func TestTableRemoveOnlyIfCurrent(t *testing.T) {
	tbl := New()
	stale := tbl.Add("agent-1", nil, "ws-1", 1)
	fresh := tbl.Add("agent-1", nil, "ws-1", 2)

	tbl.Remove("agent-1", stale)
	if got, ok := tbl.Get("agent-1"); !ok || got != fresh {
		t.Fatal("Remove with a stale waiter must not evict the current one")
	}

	tbl.Remove("agent-1", fresh)
	if _, ok := tbl.Get("agent-1"); ok {
		t.Fatal("expected the waiter to be gone after removing the current one")
	}
}

func TestTableAll(t *testing.T) {
	tbl := New()
	tbl.Add("agent-1", nil, "ws-1", 1)
	tbl.Add("agent-2", nil, "ws-1", 1)

	all := tbl.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 waiters, got %d", len(all))
	}
}

func TestWaiterSignalAtMostOnce(t *testing.T) {
	tbl := New()
	w := tbl.Add("agent-1", nil, "ws-1", 1)

	task := &domain.Task{ID: "task-1"}
	if !w.Signal(Result{Task: task}) {
		t.Fatal("expected the first Signal to succeed")
	}
	if w.Signal(Result{Task: task}) {
		t.Fatal("expected a second Signal to be dropped, channel is already full")
	}

	select {
	case r := <-w.Chan():
		if r.Task != task {
			t.Error("expected to receive the signalled task")
		}
	default:
		t.Fatal("expected a buffered result on the channel")
	}
}

func TestWaiterSignalEviction(t *testing.T) {
	tbl := New()
	w := tbl.Add("agent-1", nil, "ws-1", 1)

	ev := &domain.Eviction{Requested: true, Reason: "restart required", Action: domain.EvictionActionRestart}
	w.Signal(Result{Eviction: ev})

	r := <-w.Chan()
	if r.Eviction == nil || r.Eviction.Action != domain.EvictionActionRestart {
		t.Errorf("expected eviction result to carry through, got %+v", r)
	}
}
