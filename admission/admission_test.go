package admission

import (
	"context"
	"testing"
	"time"

	"github.com/bdeggleston/ringchange/lock"
	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/partitioner"
	"github.com/bdeggleston/ringchange/rpc"
	"github.com/bdeggleston/ringchange/store"
	"github.com/bdeggleston/ringchange/topochange"
	"github.com/bdeggleston/ringchange/topology"
	"github.com/bdeggleston/ringchange/txn"
)

// testHarness wires an Admission plus a LoopbackFanout/StaticHostResolver
// pair tests can register freshly-minted nodes against, since an Add
// transaction replicates to every node joining the ring, not just the
// coordinator itself.
type testHarness struct {
	admission *Admission
	self      node.NodeId
	fanout    *rpc.LoopbackFanout
	resolver  *topochange.StaticHostResolver
}

func newTestAdmission(t *testing.T) *testHarness {
	t.Helper()
	gw := store.NewInMemoryGateway()
	txns := txn.NewStore(gw)
	fanout := rpc.NewLoopbackFanout()
	selfId := node.NewNodeId()

	ring, err := topochange.NewLocalRing(nil)
	if err != nil {
		t.Fatalf("NewLocalRing: %v", err)
	}
	resolver := topochange.NewStaticHostResolver()
	resolver.Set(selfId, "self:1")
	fanout.Register("self:1", topochange.ReplicationHandler{Ring: ring})

	// seed self as an already-NORMAL ring member, the way a real
	// coordinator admitting peers is itself already part of a running
	// cluster rather than an empty, token-less ring.
	seeded := topology.New().WithTokens(selfId, []partitioner.Token{{0x01}}, topology.StatusNormal)
	seedMutation, err := topology.AsMutation(seeded, 1)
	if err != nil {
		t.Fatalf("AsMutation(seed): %v", err)
	}
	if err := ring.Apply(context.Background(), seedMutation); err != nil {
		t.Fatalf("seeding self ring: %v", err)
	}

	d := &topochange.Driver{
		Txns:     txns,
		Lock:     lock.New(gw, time.Millisecond),
		Fanout:   fanout,
		Ring:     ring,
		Tokens:   topochange.NewHashTokenChooser(),
		Tables:   topochange.StaticTableLister{"t1"},
		Stream:   topochange.NoopStreamer{},
		Resolver: resolver,
		Self:     selfId,
	}
	return &testHarness{
		admission: &Admission{Driver: d, Txns: txns, Self: selfId},
		self:      selfId,
		fanout:    fanout,
		resolver:  resolver,
	}
}

// addPeer registers a fresh node with its own LocalRing as a reachable
// participant, the way a real joining node would already be listening
// for rpc.ReplicateTokenMetadata before admission names it as a target.
func (h *testHarness) addPeer(t *testing.T, addr string) node.NodeId {
	t.Helper()
	id := node.NewNodeId()
	ring, err := topochange.NewLocalRing(nil)
	if err != nil {
		t.Fatalf("NewLocalRing(peer): %v", err)
	}
	h.resolver.Set(id, addr)
	h.fanout.Register(addr, topochange.ReplicationHandler{Ring: ring})
	return id
}

func TestAddNodesRejectsSelfTargeted(t *testing.T) {
	h := newTestAdmission(t)
	_, err := h.admission.AddNodes(context.Background(), []node.NodeId{h.self})
	if err != ErrSelfTargeted {
		t.Fatalf("expected ErrSelfTargeted, got %v", err)
	}
}

func TestAddNodesRejectsEmptyTargets(t *testing.T) {
	h := newTestAdmission(t)
	_, err := h.admission.AddNodes(context.Background(), nil)
	if err != ErrNoTargets {
		t.Fatalf("expected ErrNoTargets, got %v", err)
	}
}

func TestDecommissionNodesRejectsSelfTargeted(t *testing.T) {
	h := newTestAdmission(t)
	_, err := h.admission.DecommissionNodes(context.Background(), []node.NodeId{h.self})
	if err != ErrSelfTargeted {
		t.Fatalf("expected ErrSelfTargeted, got %v", err)
	}
}

func TestAddNodesRunsToCompletion(t *testing.T) {
	h := newTestAdmission(t)
	ctx := context.Background()
	target := h.addPeer(t, "peer:1")

	txId, err := h.admission.AddNodes(ctx, []node.NodeId{target})
	if err != nil {
		t.Fatalf("AddNodes: %v", err)
	}

	if _, _, err := h.admission.Txns.ReadStep(ctx, txId); err != txn.ErrNotFound {
		t.Fatalf("expected transaction removed after completion, got err=%v", err)
	}

	final, err := h.admission.Driver.Ring.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	statuses := final.Tokens(target)
	if len(statuses) == 0 {
		t.Fatalf("expected target to own tokens")
	}
	for _, status := range statuses {
		if status != topology.StatusNormal {
			t.Errorf("expected NORMAL, got %v", status)
		}
	}
}

func TestAbortTooLateReturnsErrTooLateToAbort(t *testing.T) {
	h := newTestAdmission(t)
	ctx := context.Background()
	target := node.NewNodeId()

	id := txn.NewTransactionId()
	coid := txn.NewCoordinatorId()
	tx := txn.Transaction{
		Id:            id,
		Action:        txn.ActionAdd,
		Targets:       []string{target.String()},
		Step:          string(topochange.StepCleanup),
		CoordinatorId: coid,
		Participants:  []string{h.self.String()},
	}
	if err := h.admission.Txns.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.admission.Abort(ctx, id); err != ErrTooLateToAbort {
		t.Fatalf("expected ErrTooLateToAbort, got %v", err)
	}

	step, _, err := h.admission.Txns.ReadStep(ctx, id)
	if err != nil {
		t.Fatalf("ReadStep: %v", err)
	}
	if step != string(topochange.StepCleanup) {
		t.Errorf("expected transaction unaffected at cleanup, got %s", step)
	}
}

func TestResumeFailsOverAndCompletes(t *testing.T) {
	h := newTestAdmission(t)
	ctx := context.Background()
	target := h.addPeer(t, "peer:1")

	id := txn.NewTransactionId()
	coid := txn.NewCoordinatorId()
	tx := txn.Transaction{
		Id:            id,
		Action:        txn.ActionAdd,
		Targets:       []string{target.String()},
		Step:          string(topochange.StepLock),
		CoordinatorId: coid,
		Participants:  []string{h.self.String()},
	}
	if err := h.admission.Txns.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.admission.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if _, _, err := h.admission.Txns.ReadStep(ctx, id); err != txn.ErrNotFound {
		t.Fatalf("expected transaction to complete via resume, got err=%v", err)
	}
}

func TestReplaceNodeRejectsSelfAsOld(t *testing.T) {
	h := newTestAdmission(t)
	_, err := h.admission.ReplaceNode(context.Background(), h.self)
	if err != ErrSelfTargeted {
		t.Fatalf("expected ErrSelfTargeted, got %v", err)
	}
}
