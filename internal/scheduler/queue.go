package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

type queueItem struct {
	taskID     string
	priority   int
	createTime time.Time
	seq        uint64
	index      int
}

// queueHeap orders by priority descending, then createTime ascending, then
// enqueue order.
type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.createTime.Equal(b.createTime) {
		return a.createTime.Before(b.createTime)
	}
	return a.seq < b.seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// taskQueue is the shared priority blocking queue. Pop blocks on a condition
// variable while the queue is empty or paused.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  queueHeap
	byID   map[string]*queueItem
	seq    uint64
	paused bool
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{byID: make(map[string]*queueItem)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds a task id. Pushing an id that is already queued is a no-op.
func (q *taskQueue) Push(taskID string, priority int, createTime time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.byID[taskID]; ok {
		return true
	}
	q.seq++
	item := &queueItem{taskID: taskID, priority: priority, createTime: createTime, seq: q.seq}
	heap.Push(&q.items, item)
	q.byID[taskID] = item
	q.cond.Signal()
	return true
}

// Pop blocks until a task is ready and the queue is not paused. It returns
// false once the queue is closed.
func (q *taskQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && (q.paused || len(q.items) == 0) {
		q.cond.Wait()
	}
	if q.closed {
		return "", false
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.byID, item.taskID)
	return item.taskID, true
}

// Remove drops a queued task id.
func (q *taskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, taskID)
	return true
}

func (q *taskQueue) SetPaused(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = paused
	if !paused {
		q.cond.Broadcast()
	}
}

func (q *taskQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked Pop. Queued ids are discarded.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.byID = make(map[string]*queueItem)
	q.cond.Broadcast()
}
