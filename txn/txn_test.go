package txn

import (
	"context"
	"testing"

	"github.com/bdeggleston/ringchange/store"
)

func newStore() *Store {
	return NewStore(store.NewInMemoryGateway())
}

func TestCreateAndReadStep(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	id := NewTransactionId()
	coid := NewCoordinatorId()
	tx := Transaction{
		Id:            id,
		Action:        ActionAdd,
		Targets:       []string{"node-a"},
		Step:          "lock",
		CoordinatorId: coid,
		Participants:  []string{"node-a", "node-b"},
	}
	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	step, t1, err := s.ReadStep(ctx, id)
	if err != nil {
		t.Fatalf("ReadStep: %v", err)
	}
	if step != "lock" {
		t.Fatalf("expected step=lock, got %q", step)
	}
	if t1 == 0 {
		t.Fatalf("expected a non-zero timestamp for the installed step")
	}

	// re-reading before any change returns the same timestamp.
	_, t2, err := s.ReadStep(ctx, id)
	if err != nil {
		t.Fatalf("ReadStep (again): %v", err)
	}
	if t2 != t1 {
		t.Fatalf("expected stable timestamp across re-reads of the same step, got %d then %d", t1, t2)
	}
}

func TestCreateRejectsDuplicateTransaction(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id := NewTransactionId()
	tx := Transaction{Id: id, Step: "lock", CoordinatorId: NewCoordinatorId()}

	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, tx); err == nil {
		t.Fatalf("expected second Create for the same id to fail")
	}
}

func TestSetStepAdvancesTimestampAndGuardsOnCoordinator(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id := NewTransactionId()
	coid := NewCoordinatorId()
	s.Create(ctx, Transaction{Id: id, Step: "lock", CoordinatorId: coid})

	_, t1, _ := s.ReadStep(ctx, id)

	if err := s.SetStep(ctx, id, coid, "make_ring"); err != nil {
		t.Fatalf("SetStep: %v", err)
	}
	step, t2, err := s.ReadStep(ctx, id)
	if err != nil {
		t.Fatalf("ReadStep: %v", err)
	}
	if step != "make_ring" {
		t.Fatalf("expected step=make_ring, got %q", step)
	}
	if t2 <= t1 {
		t.Fatalf("expected timestamp to strictly increase across step changes, got %d -> %d", t1, t2)
	}

	// a stale coordinator id must be rejected (Preempted).
	stale := NewCoordinatorId()
	if err := s.SetStep(ctx, id, stale, "advertise_ring"); err != ErrPreempted {
		t.Fatalf("expected ErrPreempted for stale coordinator, got %v", err)
	}
}

func TestFailoverUnconditionallyInstallsNewCoordinator(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id := NewTransactionId()
	original := NewCoordinatorId()
	s.Create(ctx, Transaction{Id: id, Step: "lock", CoordinatorId: original})

	newCoid, err := s.Failover(ctx, id)
	if err != nil {
		t.Fatalf("Failover: %v", err)
	}
	if newCoid == original {
		t.Fatalf("expected a fresh coordinator id")
	}

	// the original coordinator can no longer advance the transaction.
	if err := s.SetStep(ctx, id, original, "make_ring"); err != ErrPreempted {
		t.Fatalf("expected old coordinator to be preempted, got %v", err)
	}
	// the new coordinator can.
	if err := s.SetStep(ctx, id, newCoid, "make_ring"); err != nil {
		t.Fatalf("expected new coordinator to advance the step, got %v", err)
	}
}

func TestSaveIntentGuardedOnCoordinatorId(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id := NewTransactionId()
	coid := NewCoordinatorId()
	s.Create(ctx, Transaction{Id: id, Step: "make_ring", CoordinatorId: coid})

	intentId, err := s.PutIntentMutation(ctx, id, []byte("ring-bytes"))
	if err != nil {
		t.Fatalf("PutIntentMutation: %v", err)
	}
	if err := s.SaveIntent(ctx, id, coid, intentId, []string{"node-a", "node-b"}); err != nil {
		t.Fatalf("SaveIntent: %v", err)
	}

	got, err := s.ReadIntent(ctx, id)
	if err != nil {
		t.Fatalf("ReadIntent: %v", err)
	}
	if got != intentId {
		t.Fatalf("expected intent id %q, got %q", intentId, got)
	}

	participants, err := s.ReadParticipants(ctx, id)
	if err != nil {
		t.Fatalf("ReadParticipants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", participants)
	}

	mutation, err := s.GetIntentMutation(ctx, intentId)
	if err != nil {
		t.Fatalf("GetIntentMutation: %v", err)
	}
	if string(mutation) != "ring-bytes" {
		t.Fatalf("expected stored mutation bytes to round-trip, got %q", mutation)
	}

	stale := NewCoordinatorId()
	if err := s.SaveIntent(ctx, id, stale, intentId, []string{"node-a"}); err != ErrPreempted {
		t.Fatalf("expected ErrPreempted for stale coordinator, got %v", err)
	}
}

func TestReadStepOnMissingTransactionIsNotFound(t *testing.T) {
	s := newStore()
	if _, _, err := s.ReadStep(context.Background(), NewTransactionId()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
