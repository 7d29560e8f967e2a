package queue

import (
	"container/heap"
	"time"

	"github.com/kdlbs/taskbroker/internal/domain"
)

// item is one entry in the advisory priority cache, generalized from the
// teacher's orchestrator/queue taskHeap: Persistence remains the source of
// truth (§4.B), so this heap is rebuilt on startup (Queue.Load) and kept in
// step with queued tasks. No lookup reads it: FindPendingTaskForAgent
// always scans Persistence.
type item struct {
	taskID    string
	priority  int
	createdAt time.Time
	index     int
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// priorityCache is the advisory, non-authoritative index.
type priorityCache struct {
	h       taskHeap
	byTask  map[string]*item
}

func newPriorityCache() *priorityCache {
	c := &priorityCache{byTask: make(map[string]*item)}
	heap.Init(&c.h)
	return c
}

func (c *priorityCache) put(t *domain.Task) {
	if existing, ok := c.byTask[t.ID]; ok {
		heap.Remove(&c.h, existing.index)
		delete(c.byTask, t.ID)
	}
	it := &item{taskID: t.ID, priority: t.Priority.Rank(), createdAt: t.CreatedAt}
	heap.Push(&c.h, it)
	c.byTask[t.ID] = it
}

func (c *priorityCache) remove(taskID string) {
	it, ok := c.byTask[taskID]
	if !ok {
		return
	}
	heap.Remove(&c.h, it.index)
	delete(c.byTask, taskID)
}

func (c *priorityCache) len() int {
	return len(c.h)
}
