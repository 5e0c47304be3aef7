// Package gitx serializes every git invocation in the process behind a
// single lock and provides a runner with one method per emitted git verb.
package gitx

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when the lock cannot be acquired in time.
var ErrLockTimeout = errors.New("git lock acquisition timed out")

// Lock is the process-wide mutex around git. It is not reentrant: a
// holder that acquires again deadlocks, by contract. The lock is scoped
// to a run instance, never package-global.
type Lock struct {
	sem chan struct{}

	mu     sync.Mutex
	holder string

	contention atomic.Int64
	// holders asserts mutual exclusion; it must never exceed 1.
	holders atomic.Int32
}

// NewLock creates an unlocked Lock.
func NewLock() *Lock {
	return &Lock{sem: make(chan struct{}, 1)}
}

// Acquire takes the lock, recording op plus a unique suffix as the holder
// label for diagnostics. A non-positive timeout waits forever. When the
// lock is contended the contention counter increments; no backoff is
// applied. The returned release function is safe to call exactly once.
func (l *Lock) Acquire(op string, timeout time.Duration) (func(), error) {
	label := fmt.Sprintf("%s@%s", op, uuid.New().String()[:8])

	select {
	case l.sem <- struct{}{}:
	default:
		// Fast path missed: we are about to wait.
		l.contention.Add(1)
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case l.sem <- struct{}{}:
			case <-timer.C:
				return nil, fmt.Errorf("%w after %v (held by %s)", ErrLockTimeout, timeout, l.CurrentHolder())
			}
		} else {
			l.sem <- struct{}{}
		}
	}

	if n := l.holders.Add(1); n != 1 {
		l.holders.Add(-1)
		<-l.sem
		return nil, fmt.Errorf("git lock held by %d holders", n)
	}
	l.mu.Lock()
	l.holder = label
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			l.holder = ""
			l.mu.Unlock()
			l.holders.Add(-1)
			<-l.sem
		})
	}
	return release, nil
}

// With runs fn while holding the lock, releasing it even if fn panics.
func (l *Lock) With(op string, timeout time.Duration, fn func() error) error {
	release, err := l.Acquire(op, timeout)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// ContentionCount returns how many acquisitions had to wait.
func (l *Lock) ContentionCount() int64 {
	return l.contention.Load()
}

// CurrentHolder returns the label of the current holder, or "" if free.
func (l *Lock) CurrentHolder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
