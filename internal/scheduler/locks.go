// Package scheduler wires the queue walker/matcher/allocator and the
// dispatcher into the scheduler's periodic tasks, under per-agent
// exclusion. Units of work take no commit barrier and are not retried on
// serialization failure.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guidow/pyfarm-master/internal/db"
)

// staleLockAge is the "steal after 60s" rule for per-agent exclusion,
// preserved even though the in-process registry no longer uses filesystem
// locks.
const staleLockAge = 60 * time.Second

// agentLock is one entry in the in-process lock registry: a mutex plus the
// time it was acquired, so a stuck holder can be detected and broken.
type agentLock struct {
	mu        sync.Mutex
	held      bool
	heldSince time.Time
}

// LockRegistry serializes assign_to_agent(agentId) calls per agent id. In
// single-process mode (the default) it is a plain in-process mutex
// registry. When Settings.Scheduler.MultiProcess is set, it falls back to
// a db.AdvisoryLocker so exclusion holds across master processes too.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[int64]*agentLock

	advisory    db.AdvisoryLocker
	multiProcess bool
}

// NewLockRegistry builds a LockRegistry. advisory may be nil; it is only
// consulted when multiProcess is true.
func NewLockRegistry(advisory db.AdvisoryLocker, multiProcess bool) *LockRegistry {
	return &LockRegistry{
		locks:       make(map[int64]*agentLock),
		advisory:    advisory,
		multiProcess: multiProcess,
	}
}

// release, returned by TryLock, drops the lock. Calling it twice is safe.
type release func()

// TryLock attempts to acquire the lock for agentID without blocking. If
// another holder has held it longer than staleLockAge, the stale lock is
// broken and reacquired, per the "steal after 60s" rule.
func (r *LockRegistry) TryLock(ctx context.Context, agentID int64) (release, bool, error) {
	if r.multiProcess {
		return r.tryAdvisoryLock(ctx, agentID)
	}
	rel := r.tryLocalLock(agentID)
	return rel, rel != nil, nil
}

func (r *LockRegistry) tryLocalLock(agentID int64) release {
	r.mu.Lock()
	l, ok := r.locks[agentID]
	if !ok {
		l = &agentLock{}
		r.locks[agentID] = l
	}
	r.mu.Unlock()

	l.mu.Lock()
	if l.held {
		if time.Since(l.heldSince) < staleLockAge {
			l.mu.Unlock()
			return nil
		}
		// Stale: the previous holder never released. Break it and take over.
	}
	l.held = true
	l.heldSince = time.Now()
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}
}

func (r *LockRegistry) tryAdvisoryLock(ctx context.Context, agentID int64) (release, bool, error) {
	if r.advisory == nil {
		return nil, false, fmt.Errorf("lock registry: multi-process mode requires an AdvisoryLocker")
	}
	acquired, rel, err := r.advisory.AdvisoryLock(ctx, agentID)
	if err != nil {
		return nil, false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return release(rel), true, nil
}
