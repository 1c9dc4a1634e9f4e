package topology

import (
	"testing"

	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/partitioner"
)

func tok(b byte) partitioner.Token {
	return partitioner.Token([]byte{b})
}

func TestOldNewRingCollapse(t *testing.T) {
	a := node.NewNodeId()
	b := node.NewNodeId()

	r := New()
	r = r.WithTokens(a, []partitioner.Token{tok(1)}, StatusNormal)
	r = r.WithTokens(b, []partitioner.Token{tok(2)}, StatusPending)
	r = r.WithTokenStatus(a, StatusLeaving)

	oldRing := r.OldRing()
	if len(oldRing.Tokens(b)) != 0 {
		t.Errorf("expected pending host dropped from old ring, got %v", oldRing.Tokens(b))
	}
	if got := oldRing.Tokens(a)[tok(1).String()]; got != StatusNormal {
		t.Errorf("expected leaving host restored to NORMAL in old ring, got %v", got)
	}
	if oldRing.Stage() != StageUseOnlyOld {
		t.Errorf("expected old ring stage use_only_old, got %v", oldRing.Stage())
	}

	newRing := r.NewRing()
	if len(newRing.Tokens(a)) != 0 {
		t.Errorf("expected leaving host dropped from new ring, got %v", newRing.Tokens(a))
	}
	if got := newRing.Tokens(b)[tok(2).String()]; got != StatusNormal {
		t.Errorf("expected pending host promoted to NORMAL in new ring, got %v", got)
	}
}

func TestMutationIdempotenceUnderOutOfOrderDelivery(t *testing.T) {
	a := node.NewNodeId()
	r1 := New().WithTokens(a, []partitioner.Token{tok(1)}, StatusNormal)
	r2 := New().WithTokens(a, []partitioner.Token{tok(2)}, StatusPending)

	m1, err := AsMutation(r1, 10)
	if err != nil {
		t.Fatalf("AsMutation: %v", err)
	}
	m0, err := AsMutation(r2, 5)
	if err != nil {
		t.Fatalf("AsMutation: %v", err)
	}

	// apply the newer mutation, then the older one arrives late
	forward := New()
	forward, err = forward.Apply(m1)
	if err != nil {
		t.Fatalf("Apply m1: %v", err)
	}
	afterStale, err := forward.Apply(m0)
	if err != nil {
		t.Fatalf("Apply stale m0: %v", err)
	}
	if afterStale.RingTimestamp() != 10 {
		t.Errorf("stale mutation must not move the ring-timestamp back, got %v", afterStale.RingTimestamp())
	}
	if status := afterStale.Tokens(a)[tok(1).String()]; status != StatusNormal {
		t.Errorf("stale mutation must not overwrite newer state, got %v", status)
	}

	// applying only the newer mutation, in any order, is equivalent
	direct := New()
	direct, err = direct.Apply(m0)
	if err != nil {
		t.Fatalf("Apply m0: %v", err)
	}
	direct, err = direct.Apply(m1)
	if err != nil {
		t.Fatalf("Apply m1: %v", err)
	}
	if direct.RingTimestamp() != afterStale.RingTimestamp() {
		t.Errorf("order of delivery changed the resulting ring-timestamp")
	}
	if status := direct.Tokens(a)[tok(1).String()]; status != StatusNormal {
		t.Errorf("order of delivery changed the resulting token status: %v", status)
	}
}

func TestGetStageSetMutationLeavesTokensUntouched(t *testing.T) {
	a := node.NewNodeId()
	r := New().WithTokens(a, []partitioner.Token{tok(1)}, StatusNormal)

	stageMutation, err := GetStageSetMutation(StageWriteBothReadOld, 1)
	if err != nil {
		t.Fatalf("GetStageSetMutation: %v", err)
	}

	next, err := r.Apply(stageMutation)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if next.Stage() != StageWriteBothReadOld {
		t.Errorf("expected stage updated, got %v", next.Stage())
	}
	if status := next.Tokens(a)[tok(1).String()]; status != StatusNormal {
		t.Errorf("stage-only mutation must not disturb token rows, got %v", status)
	}
}

func TestReplicationStageIsTotallyOrderedForward(t *testing.T) {
	stages := []ReplicationStage{
		StageUseOnlyOld,
		StageWriteBothReadOld,
		StageWriteBothReadNew,
		StageUseOnlyNew,
		StageCleanup,
	}
	for i := 1; i < len(stages); i++ {
		if stages[i] <= stages[i-1] {
			t.Errorf("expected %v > %v in forward order", stages[i], stages[i-1])
		}
	}
}
