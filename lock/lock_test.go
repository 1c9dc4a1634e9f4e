package lock

import (
	"context"
	"testing"
	"time"

	"github.com/bdeggleston/ringchange/store"
)

func TestTryLockRequiresMatchingCandidate(t *testing.T) {
	gw := store.NewInMemoryGateway()
	l := New(gw, time.Millisecond)
	ctx := context.Background()

	// no prepare_for_locking has run, so candidate is unset: try_lock
	// must fail its candidate = holder guard.
	locked, err := l.TryLock(ctx, "node-a")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if locked {
		t.Fatalf("expected try_lock to fail without a matching candidate")
	}

	if err := l.PrepareForLocking(ctx, "node-a"); err != nil {
		t.Fatalf("PrepareForLocking: %v", err)
	}
	locked, err = l.TryLock(ctx, "node-a")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if !locked {
		t.Fatalf("expected try_lock to succeed once candidate matches")
	}
}

func TestTryLockIsNoOpIfAlreadyOwner(t *testing.T) {
	gw := store.NewInMemoryGateway()
	l := New(gw, time.Millisecond)
	ctx := context.Background()

	l.PrepareForLocking(ctx, "node-a")
	locked, _ := l.TryLock(ctx, "node-a")
	if !locked {
		t.Fatalf("expected initial lock to succeed")
	}

	// a resumed coordinator retries try_lock without having to
	// re-prepare; it must still see itself as holding the lock.
	locked, err := l.TryLock(ctx, "node-a")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if !locked {
		t.Fatalf("expected try_lock to be a no-op success for the current owner")
	}
}

func TestSecondPrepareForLockingBlocksFirstTryLock(t *testing.T) {
	// models the race the correctness sketch in spec §4.D describes: a
	// second locker's prepare_for_locking lands between the first
	// locker's prepare_for_locking and try_lock.
	gw := store.NewInMemoryGateway()
	l := New(gw, time.Millisecond)
	ctx := context.Background()

	if err := l.PrepareForLocking(ctx, "node-a"); err != nil {
		t.Fatalf("PrepareForLocking(a): %v", err)
	}
	if err := l.PrepareForLocking(ctx, "node-b"); err != nil {
		t.Fatalf("PrepareForLocking(b): %v", err)
	}

	lockedA, err := l.TryLock(ctx, "node-a")
	if err != nil {
		t.Fatalf("TryLock(a): %v", err)
	}
	if lockedA {
		t.Fatalf("node-a must not acquire the lock once node-b overwrote candidate")
	}

	lockedB, err := l.TryLock(ctx, "node-b")
	if err != nil {
		t.Fatalf("TryLock(b): %v", err)
	}
	if !lockedB {
		t.Fatalf("node-b should acquire the lock, it holds the current candidate")
	}
}

func TestAbortSequenceLeavesLockFree(t *testing.T) {
	gw := store.NewInMemoryGateway()
	l := New(gw, time.Millisecond)
	ctx := context.Background()

	l.PrepareForLocking(ctx, "node-a")
	locked, _ := l.TryLock(ctx, "node-a")
	if !locked {
		t.Fatalf("expected node-a to acquire the lock")
	}

	// abort sequence: interrupt_lock_attempt then force-release.
	if err := l.InterruptLockAttempt(ctx); err != nil {
		t.Fatalf("InterruptLockAttempt: %v", err)
	}
	if err := l.ForceRelease(ctx, "node-a"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}

	row, ok, err := gw.ReadSerial(ctx, tableName, ringLockID)
	if err != nil {
		t.Fatalf("ReadSerial: %v", err)
	}
	if !ok {
		t.Fatalf("expected lock row to exist")
	}
	if owner := row[ownerField]; owner != nil {
		t.Fatalf("expected owner cleared after abort sequence, got %v", owner)
	}
	if candidate := row[candidateField]; candidate != nil {
		t.Fatalf("expected candidate cleared after abort sequence, got %v", candidate)
	}

	// the lock must now be freely acquirable by a third party.
	l.PrepareForLocking(ctx, "node-c")
	locked, err = l.TryLock(ctx, "node-c")
	if err != nil {
		t.Fatalf("TryLock(c): %v", err)
	}
	if !locked {
		t.Fatalf("expected lock to be free for node-c after the abort sequence")
	}
}

func TestReleaseReturnsErrNotReleasedOnOwnerMismatch(t *testing.T) {
	gw := store.NewInMemoryGateway()
	l := New(gw, time.Millisecond)
	ctx := context.Background()

	l.PrepareForLocking(ctx, "node-a")
	locked, _ := l.TryLock(ctx, "node-a")
	if !locked {
		t.Fatalf("expected node-a to acquire the lock")
	}

	// a stale release from a coordinator that's no longer the owner
	// (e.g. it crashed and a peer already failed over and re-acquired
	// under a different holder) must not be swallowed as a no-op.
	if err := l.Release(ctx, "node-b"); err != ErrNotReleased {
		t.Fatalf("expected ErrNotReleased, got %v", err)
	}

	row, _, err := gw.ReadSerial(ctx, tableName, ringLockID)
	if err != nil {
		t.Fatalf("ReadSerial: %v", err)
	}
	if owner := row[ownerField]; owner != "node-a" {
		t.Fatalf("expected owner to remain node-a, got %v", owner)
	}
}

func TestAcquireStopsWhenStepLeavesLock(t *testing.T) {
	gw := store.NewInMemoryGateway()
	l := New(gw, time.Millisecond)
	ctx := context.Background()

	stillLock := false
	locked, err := l.Acquire(ctx, "node-a", func(ctx context.Context) (bool, error) {
		return stillLock, nil
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if locked {
		t.Fatalf("expected Acquire to abandon when the step check reports false")
	}
}

func TestAcquireSucceedsWhenStepStaysLock(t *testing.T) {
	gw := store.NewInMemoryGateway()
	l := New(gw, time.Millisecond)
	ctx := context.Background()

	locked, err := l.Acquire(ctx, "node-a", func(ctx context.Context) (bool, error) {
		return true, nil
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !locked {
		t.Fatalf("expected Acquire to succeed")
	}
}
