// Package queue provides the thread-safe priority queue that feeds the
// orchestrator. Ordering is (priority, enqueue time, sequence); every
// pending issue ID appears at most once.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/lltools/ll/pkg/models"
)

// QueuedIssue pairs an issue with its enqueue timestamp. Two entries are
// equal for deduplication purposes when their issue IDs match.
type QueuedIssue struct {
	// Issue is the queued issue record.
	Issue *models.Issue
	// EnqueuedAt is when the issue entered the queue. Deferred issues
	// re-enter with a fresh timestamp so they sort behind their peers.
	EnqueuedAt time.Time

	// seq breaks timestamp ties deterministically.
	seq uint64
	// index is maintained by container/heap.
	index int
}

// Less reports whether q should pop before other.
func (q *QueuedIssue) Less(other *QueuedIssue) bool {
	if q.Issue.Priority != other.Issue.Priority {
		return q.Issue.Priority < other.Issue.Priority
	}
	if !q.EnqueuedAt.Equal(other.EnqueuedAt) {
		return q.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return q.seq < other.seq
}

// PriorityQueue is a blocking priority + FIFO queue with set-backed
// deduplication and terminal bookkeeping for completed and failed IDs.
type PriorityQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items   issueHeap
	pending map[string]*QueuedIssue
	// tracked holds IDs popped by Get but not yet marked terminal.
	tracked   map[string]bool
	completed map[string]bool
	failed    map[string]bool
	// added counts distinct IDs ever added, for accounting checks.
	added  map[string]bool
	seq    uint64
	closed bool
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		pending:   make(map[string]*QueuedIssue),
		tracked:   make(map[string]bool),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		added:     make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add enqueues an issue. Returns false without modifying the queue if the
// ID is already pending, in flight, or terminal.
func (q *PriorityQueue) Add(iss *models.Issue) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	id := iss.ID
	if q.pending[id] != nil || q.tracked[id] || q.completed[id] || q.failed[id] {
		return false
	}

	q.seq++
	qi := &QueuedIssue{Issue: iss, EnqueuedAt: time.Now(), seq: q.seq}
	q.pending[id] = qi
	q.added[id] = true
	heap.Push(&q.items, qi)
	q.cond.Signal()
	return true
}

// Get removes and returns the minimum pending entry, moving its ID into
// the tracked set. With block=false it returns (nil, false) immediately
// when the queue is empty; only the empty condition is absorbed. With
// block=true it waits up to timeout (forever if timeout <= 0).
func (q *PriorityQueue) Get(block bool, timeout time.Duration) (*QueuedIssue, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !block {
		return q.popLocked()
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		// Wake the cond var when the deadline passes so Wait cannot
		// sleep forever on an empty queue. The callback takes the lock:
		// a bare broadcast could fire between the deadline check below
		// and Wait, and be lost.
		t := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer t.Stop()
	}

	for len(q.items) == 0 && !q.closed {
		if timeout > 0 && !time.Now().Before(deadline) {
			return nil, false
		}
		q.cond.Wait()
	}
	return q.popLocked()
}

// popLocked pops the minimum entry. Caller must hold q.mu.
func (q *PriorityQueue) popLocked() (*QueuedIssue, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	qi := heap.Pop(&q.items).(*QueuedIssue)
	delete(q.pending, qi.Issue.ID)
	q.tracked[qi.Issue.ID] = true
	return qi, true
}

// Requeue returns an in-flight issue to the tail of its priority band
// with a fresh timestamp. Used when admission defers a blocked issue.
func (q *PriorityQueue) Requeue(iss *models.Issue) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := iss.ID
	if q.completed[id] || q.failed[id] || q.pending[id] != nil {
		return
	}
	delete(q.tracked, id)
	q.seq++
	qi := &QueuedIssue{Issue: iss, EnqueuedAt: time.Now(), seq: q.seq}
	q.pending[id] = qi
	q.added[id] = true
	heap.Push(&q.items, qi)
	q.cond.Signal()
}

// MarkCompleted records an ID as completed. Idempotent; also callable on
// IDs that never passed through Get (admission fast paths).
func (q *PriorityQueue) MarkCompleted(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeFromPendingLocked(id)
	delete(q.tracked, id)
	q.added[id] = true
	q.completed[id] = true
}

// MarkFailed records an ID as failed. Idempotent. A completion marker, if
// present, is kept; the completed set stays authoritative for resume.
func (q *PriorityQueue) MarkFailed(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeFromPendingLocked(id)
	delete(q.tracked, id)
	q.added[id] = true
	q.failed[id] = true
}

// IsCompleted returns true if the ID is in the completed set.
func (q *PriorityQueue) IsCompleted(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed[id]
}

// IsFailed returns true if the ID is in the failed set.
func (q *PriorityQueue) IsFailed(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed[id]
}

// IsActive returns true if the ID is queued or in flight, meaning its
// outcome is still pending.
func (q *PriorityQueue) IsActive(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; ok {
		return true
	}
	return q.tracked[id]
}

// PendingCount returns the number of queued issues.
func (q *PriorityQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// TrackedCount returns the number of in-flight issues.
func (q *PriorityQueue) TrackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracked)
}

// CompletedCount returns the size of the completed set.
func (q *PriorityQueue) CompletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

// FailedCount returns the size of the failed set.
func (q *PriorityQueue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

// CompletedIDs returns a copy of the completed set.
func (q *PriorityQueue) CompletedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.completed))
	for id := range q.completed {
		ids = append(ids, id)
	}
	return ids
}

// FailedIDs returns a copy of the failed set.
func (q *PriorityQueue) FailedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.failed))
	for id := range q.failed {
		ids = append(ids, id)
	}
	return ids
}

// GetAllPending returns a snapshot of pending issues in the order Get
// would produce them. The queue is not modified.
func (q *PriorityQueue) GetAllPending() []*models.Issue {
	q.mu.Lock()
	defer q.mu.Unlock()

	tmp := make(issueHeap, len(q.items))
	copy(tmp, q.items)
	heap.Init(&tmp)

	out := make([]*models.Issue, 0, len(tmp))
	for tmp.Len() > 0 {
		qi := heap.Pop(&tmp).(*QueuedIssue)
		out = append(out, qi.Issue)
	}
	return out
}

// Remove drops a pending ID from the queue. Returns false if the ID is
// not pending.
func (q *PriorityQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeFromPendingLocked(id)
}

// removeFromPendingLocked removes an entry from the heap and pending map.
// Caller must hold q.mu.
func (q *PriorityQueue) removeFromPendingLocked(id string) bool {
	qi, ok := q.pending[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, qi.index)
	delete(q.pending, id)
	return true
}

// Clear drops all pending issues. Terminal and tracked sets are kept.
func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.pending = make(map[string]*QueuedIssue)
}

// Close wakes all blocked Get callers; subsequent Adds are rejected.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// AddedCount returns the number of distinct IDs ever added, including
// IDs that entered directly through MarkCompleted or MarkFailed.
func (q *PriorityQueue) AddedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.added)
}

// issueHeap implements heap.Interface over QueuedIssue pointers.
type issueHeap []*QueuedIssue

func (h issueHeap) Len() int            { return len(h) }
func (h issueHeap) Less(i, j int) bool  { return h[i].Less(h[j]) }
func (h issueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *issueHeap) Push(x interface{}) { qi := x.(*QueuedIssue); qi.index = len(*h); *h = append(*h, qi) }
func (h *issueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	qi := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qi
}
