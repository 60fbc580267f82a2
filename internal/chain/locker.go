package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a link waits for its tenant's chain
const DefaultLockTimeout = 5 * time.Second

// ErrLockTimeout is returned when the tenant lock could not be acquired in time.
// Callers treat it as retryable.
var ErrLockTimeout = errors.New("tenant chain lock timeout")

// Locker serializes chain mutations per tenant. Different tenants never contend.
type Locker struct {
	mu      sync.Mutex
	locks   map[string]*tenantLock
	timeout time.Duration
}

type tenantLock struct {
	sem  chan struct{}
	refs int
}

// NewLocker creates a per-tenant locker with the given wait bound
func NewLocker(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Locker{
		locks:   make(map[string]*tenantLock),
		timeout: timeout,
	}
}

// Acquire blocks until the tenant's lock is held, the wait bound elapses or
// ctx is done. The returned release func is safe to call more than once.
func (l *Locker) Acquire(ctx context.Context, tenantID string) (func(), error) {
	tl := l.ref(tenantID)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case tl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-tl.sem
				l.unref(tenantID, tl)
			})
		}, nil
	case <-timer.C:
		l.unref(tenantID, tl)
		return nil, fmt.Errorf("tenant %s after %s: %w", tenantID, l.timeout, ErrLockTimeout)
	case <-ctx.Done():
		l.unref(tenantID, tl)
		return nil, ctx.Err()
	}
}

// Held returns the number of tenants with an active or waiting holder
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker) ref(tenantID string) *tenantLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.locks[tenantID]
	if !ok {
		tl = &tenantLock{sem: make(chan struct{}, 1)}
		l.locks[tenantID] = tl
	}
	tl.refs++
	return tl
}

func (l *Locker) unref(tenantID string, tl *tenantLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, tenantID)
	}
}
