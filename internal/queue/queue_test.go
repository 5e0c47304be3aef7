package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/lltools/ll/pkg/models"
)

func testIssue(id string, p models.Priority) *models.Issue {
	return &models.Issue{ID: id, Title: id, Type: models.TypeBug, Priority: p}
}

func TestAdd_DeduplicatesByID(t *testing.T) {
	q := New()

	if !q.Add(testIssue("BUG-1", models.P2)) {
		t.Fatal("first Add should succeed")
	}
	if q.Add(testIssue("BUG-1", models.P0)) {
		t.Error("duplicate Add should return false")
	}
	if got := q.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1", got)
	}
}

func TestGet_PriorityThenFIFO(t *testing.T) {
	q := New()
	q.Add(testIssue("ENH-2", models.P3))
	q.Add(testIssue("BUG-1", models.P0))
	q.Add(testIssue("FEAT-3", models.P3))

	want := []string{"BUG-1", "ENH-2", "FEAT-3"}
	for i, id := range want {
		qi, ok := q.Get(false, 0)
		if !ok {
			t.Fatalf("Get %d returned nothing", i)
		}
		if qi.Issue.ID != id {
			t.Errorf("Get %d = %s, want %s", i, qi.Issue.ID, id)
		}
	}
}

func TestGet_NonBlockingEmpty(t *testing.T) {
	q := New()
	if qi, ok := q.Get(false, 0); ok || qi != nil {
		t.Error("non-blocking Get on empty queue should return nothing")
	}
}

func TestGet_BlockingTimeout(t *testing.T) {
	q := New()

	start := time.Now()
	_, ok := q.Get(true, 50*time.Millisecond)
	if ok {
		t.Error("Get should time out on empty queue")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Get returned too early: %v", elapsed)
	}
}

func TestGet_TimeoutObservedUnderContention(t *testing.T) {
	q := New()

	// Many waiters with short timeouts race the wakeup timer against the
	// deadline check. A lost wakeup leaves a waiter asleep until the next
	// Add, which never comes here.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.Get(true, 20*time.Millisecond); ok {
				t.Error("Get on empty queue should time out")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("a blocked Get slept past its timeout")
	}
}

func TestGet_BlockingWokenByAdd(t *testing.T) {
	q := New()

	done := make(chan *QueuedIssue, 1)
	go func() {
		qi, _ := q.Get(true, 2*time.Second)
		done <- qi
	}()

	time.Sleep(20 * time.Millisecond)
	q.Add(testIssue("BUG-9", models.P1))

	select {
	case qi := <-done:
		if qi == nil || qi.Issue.ID != "BUG-9" {
			t.Errorf("blocked Get returned %v, want BUG-9", qi)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("blocked Get was not woken by Add")
	}
}

func TestMarkCompleted_Lifecycle(t *testing.T) {
	q := New()
	q.Add(testIssue("BUG-1", models.P1))

	qi, _ := q.Get(false, 0)
	if qi.Issue.ID != "BUG-1" {
		t.Fatalf("unexpected issue %s", qi.Issue.ID)
	}
	if got := q.TrackedCount(); got != 1 {
		t.Errorf("TrackedCount = %d, want 1", got)
	}

	q.MarkCompleted("BUG-1")
	if !q.IsCompleted("BUG-1") {
		t.Error("BUG-1 should be completed")
	}
	if got := q.TrackedCount(); got != 0 {
		t.Errorf("TrackedCount after completion = %d, want 0", got)
	}

	// Re-adding a completed ID is a no-op.
	if q.Add(testIssue("BUG-1", models.P0)) {
		t.Error("Add of completed ID should return false")
	}
}

func TestMarkFailed_WithoutGet(t *testing.T) {
	q := New()
	// Admission fast path: fail an ID that never entered the queue.
	q.MarkFailed("FEAT-7")
	if !q.IsFailed("FEAT-7") {
		t.Error("FEAT-7 should be failed")
	}
	if q.Add(testIssue("FEAT-7", models.P1)) {
		t.Error("Add of failed ID should return false")
	}
}

func TestCompletedAfterFailed_KeepsBothMarkers(t *testing.T) {
	q := New()
	q.MarkFailed("BUG-2")
	q.MarkCompleted("BUG-2")

	if !q.IsFailed("BUG-2") {
		t.Error("failure marker should be kept")
	}
	if !q.IsCompleted("BUG-2") {
		t.Error("completed set is authoritative and should contain BUG-2")
	}
}

func TestRequeue_MovesToTail(t *testing.T) {
	q := New()
	q.Add(testIssue("BUG-1", models.P1))
	q.Add(testIssue("BUG-2", models.P1))

	qi, _ := q.Get(false, 0)
	if qi.Issue.ID != "BUG-1" {
		t.Fatalf("expected BUG-1 first, got %s", qi.Issue.ID)
	}
	q.Requeue(qi.Issue)

	// BUG-2 kept its earlier timestamp and now pops first.
	next, _ := q.Get(false, 0)
	if next.Issue.ID != "BUG-2" {
		t.Errorf("after requeue, Get = %s, want BUG-2", next.Issue.ID)
	}
	last, _ := q.Get(false, 0)
	if last.Issue.ID != "BUG-1" {
		t.Errorf("requeued issue should pop last, got %s", last.Issue.ID)
	}
}

func TestGetAllPending_SnapshotInPopOrder(t *testing.T) {
	q := New()
	q.Add(testIssue("ENH-5", models.P4))
	q.Add(testIssue("BUG-1", models.P0))
	q.Add(testIssue("FEAT-2", models.P2))

	snap := q.GetAllPending()
	want := []string{"BUG-1", "FEAT-2", "ENH-5"}
	if len(snap) != len(want) {
		t.Fatalf("snapshot length = %d, want %d", len(snap), len(want))
	}
	for i, iss := range snap {
		if iss.ID != want[i] {
			t.Errorf("snapshot[%d] = %s, want %s", i, iss.ID, want[i])
		}
	}

	// Snapshot must not consume the queue.
	if got := q.PendingCount(); got != 3 {
		t.Errorf("PendingCount after snapshot = %d, want 3", got)
	}
}

func TestRemove(t *testing.T) {
	q := New()
	q.Add(testIssue("BUG-1", models.P1))

	if !q.Remove("BUG-1") {
		t.Error("Remove of pending ID should return true")
	}
	if q.Remove("BUG-1") {
		t.Error("Remove of unknown ID should return false")
	}
	if got := q.PendingCount(); got != 0 {
		t.Errorf("PendingCount = %d, want 0", got)
	}
}

func TestAccounting_Invariant(t *testing.T) {
	q := New()
	ids := []string{"BUG-1", "BUG-2", "FEAT-3", "ENH-4", "ENH-5"}
	for i, id := range ids {
		q.Add(testIssue(id, models.Priority(i%6)))
	}

	qi, _ := q.Get(false, 0)
	q.MarkCompleted(qi.Issue.ID)
	qi, _ = q.Get(false, 0)
	q.MarkFailed(qi.Issue.ID)
	q.Get(false, 0) // leave one tracked

	total := q.PendingCount() + q.TrackedCount() + q.CompletedCount() + q.FailedCount()
	if total != q.AddedCount() {
		t.Errorf("pending+tracked+completed+failed = %d, want %d", total, q.AddedCount())
	}
}

func TestConcurrentAccess_PopsGlobalMinimum(t *testing.T) {
	q := New()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := string(rune('A'+w)) + "-" + time.Now().Format("150405.000000000")
				q.Add(&models.Issue{ID: id, Priority: models.Priority(i % 6)})
				time.Sleep(time.Microsecond)
			}
		}(w)
	}
	wg.Wait()

	last := models.P0
	for {
		qi, ok := q.Get(false, 0)
		if !ok {
			break
		}
		if qi.Issue.Priority < last {
			t.Fatalf("popped priority %s after %s", qi.Issue.Priority, last)
		}
		last = qi.Issue.Priority
	}
}
