package gitx

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLock_AcquireRelease(t *testing.T) {
	l := NewLock()

	release, err := l.Acquire("test", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if l.CurrentHolder() == "" {
		t.Error("CurrentHolder should be set while held")
	}
	release()
	if l.CurrentHolder() != "" {
		t.Error("CurrentHolder should be empty after release")
	}
}

func TestLock_Timeout(t *testing.T) {
	l := NewLock()

	release, err := l.Acquire("holder", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	_, err = l.Acquire("waiter", 50*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout, got %v", err)
	}
}

func TestLock_ContentionCounter(t *testing.T) {
	l := NewLock()

	release, _ := l.Acquire("holder", time.Second)

	done := make(chan struct{})
	go func() {
		r, err := l.Acquire("waiter", 2*time.Second)
		if err == nil {
			r()
		}
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	release()
	<-done

	if got := l.ContentionCount(); got < 1 {
		t.Errorf("ContentionCount = %d, want >= 1", got)
	}
}

func TestLock_NeverHeldByTwoHolders(t *testing.T) {
	l := NewLock()

	var inside atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := l.With("stress", 5*time.Second, func() error {
					n := inside.Add(1)
					if cur := maxSeen.Load(); n > cur {
						maxSeen.CompareAndSwap(cur, n)
					}
					inside.Add(-1)
					return nil
				})
				if err != nil {
					t.Errorf("With failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := maxSeen.Load(); got > 1 {
		t.Errorf("lock held by %d holders simultaneously", got)
	}
}

func TestLock_WithReleasesOnError(t *testing.T) {
	l := NewLock()

	wantErr := errors.New("boom")
	if err := l.With("op", time.Second, func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("With should surface fn error, got %v", err)
	}

	// The lock must be free again.
	release, err := l.Acquire("after", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("lock not released after With error: %v", err)
	}
	release()
}
