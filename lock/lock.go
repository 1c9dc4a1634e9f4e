/*
Package lock implements spec.md component D: the three-register ring
lock. It has no teacher analog (kickboxerdb's consensus package solves
per-key command ordering, not cluster-wide mutual exclusion — see
DESIGN.md on why consensus/ was dropped rather than adapted here), so
the protocol is built directly from the original design sketch's
try_lock/prepare_for_locking/interrupt_lock_attempt/unlock functions
and spec §4.D, using store.Gateway for its CAS calls the way every
other stateful component in this module does.
*/
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/bdeggleston/ringchange/ringlog"
	"github.com/bdeggleston/ringchange/store"
)

var logger = ringlog.Get("lock")

const (
	tableName  = "global_locks"
	ringLockID = "ring"

	ownerField     = "owner"
	candidateField = "candidate"
)

// Lock drives the three-register protocol over a single named row
// ("ring" is the only lock name this system ever takes, per spec §6's
// global_locks schema).
type Lock struct {
	gw    store.Gateway
	name  string
	retry time.Duration
}

// New returns a Lock over gw's global_locks/"ring" row. retry is the
// back-off between failed try_lock attempts (spec §4.D's "bounded
// back-off between attempts"); callers needing a different cadence per
// environment should set it from config (see cmd/ringtool's -lock-retry
// flag).
func New(gw store.Gateway, retry time.Duration) *Lock {
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &Lock{gw: gw, name: ringLockID, retry: retry}
}

// PrepareForLocking sets candidate := holder unconditionally, step 1 of
// the acquire path.
func (l *Lock) PrepareForLocking(ctx context.Context, holder string) error {
	_, err := l.gw.CAS(ctx, tableName, l.name, nil, []store.Assignment{
		store.Set(candidateField, holder),
	})
	if err != nil {
		return fmt.Errorf("lock: prepare_for_locking: %w", err)
	}
	return nil
}

// TryLock is step 3: CAS owner := holder guarded by owner IS NULL AND
// candidate = holder. Also succeeds, no-op-style, if holder already
// holds owner — callers resuming after a crash between effect and
// CAS-advance must observe this as success, not contention.
func (l *Lock) TryLock(ctx context.Context, holder string) (bool, error) {
	row, ok, err := l.gw.ReadSerial(ctx, tableName, l.name)
	if err != nil {
		return false, fmt.Errorf("lock: reading current owner: %w", err)
	}
	if ok {
		if owner, _ := row[ownerField].(string); owner == holder {
			return true, nil
		}
	}

	result, err := l.gw.CAS(ctx, tableName, l.name,
		[]store.Predicate{
			store.IsNull(ownerField),
			store.Eq(candidateField, holder),
		},
		[]store.Assignment{store.Set(ownerField, holder)},
	)
	if err != nil {
		return false, fmt.Errorf("lock: try_lock: %w", err)
	}
	return result.Applied, nil
}

// Acquire loops prepare_for_locking -> stepStillLock -> try_lock with a
// bounded back-off, per spec §4.D's acquire path. stepStillLock lets the
// caller check the transaction's step is still "lock" between attempts
// (aborts exit here); it is called once per loop iteration after
// PrepareForLocking and before TryLock.
func (l *Lock) Acquire(ctx context.Context, holder string, stepStillLock func(ctx context.Context) (bool, error)) (bool, error) {
	for {
		if err := l.PrepareForLocking(ctx, holder); err != nil {
			return false, err
		}

		stillLock, err := stepStillLock(ctx)
		if err != nil {
			return false, err
		}
		if !stillLock {
			logger.Infof("lock: abandoning acquire for %s, step left lock", holder)
			return false, nil
		}

		locked, err := l.TryLock(ctx, holder)
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// ErrNotReleased is returned by Release/ForceRelease when the guarded
// CAS didn't fire: owner did not match holder, so this call freed
// nothing and the owner is unchanged. topochange's unlock step accepts
// it as "this transaction holds no lock to free"; it is never reported
// as a successful release.
var ErrNotReleased = fmt.Errorf("lock: release did not apply, owner did not match holder")

// Release is the normal-path release: CAS owner := NULL guarded by
// owner = holder.
func (l *Lock) Release(ctx context.Context, holder string) error {
	result, err := l.gw.CAS(ctx, tableName, l.name,
		[]store.Predicate{store.Eq(ownerField, holder)},
		[]store.Assignment{store.Set(ownerField, nil)},
	)
	if err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	if !result.Applied {
		logger.Errorf("lock: release for %s did not apply, owner mismatch", holder)
		return ErrNotReleased
	}
	return nil
}

// InterruptLockAttempt is abort step 2a: set candidate := NULL
// unconditionally, so any locker still before try_lock fails its
// candidate = holder guard.
func (l *Lock) InterruptLockAttempt(ctx context.Context) error {
	_, err := l.gw.CAS(ctx, tableName, l.name, nil, []store.Assignment{
		store.Set(candidateField, nil),
	})
	if err != nil {
		return fmt.Errorf("lock: interrupt_lock_attempt: %w", err)
	}
	return nil
}

// ForceRelease is abort step 3a: CAS owner := NULL guarded by
// owner = holder, the same CAS as Release. topochange's abort path does
// not call it; its unlock step, which ends both the forward and the
// abort sequence, calls Release.
func (l *Lock) ForceRelease(ctx context.Context, holder string) error {
	return l.Release(ctx, holder)
}
