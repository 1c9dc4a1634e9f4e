/*
Package admission implements spec.md component H: the operator-facing
entry points (add_nodes, decommission_nodes, replace_node, bootstrap,
resume, abort) that create a topochange transaction and drive it to
completion, or forward the request to a seed host when the caller isn't
the right node to coordinate it.

Validation follows the teacher's cluster.go style of small returned
errors (`if replicationFactor < 1 { return nil, fmt.Errorf(...) }`)
rather than panics or an assertion library.
*/
package admission

import (
	"context"
	"fmt"

	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/ringlog"
	"github.com/bdeggleston/ringchange/rpc"
	"github.com/bdeggleston/ringchange/topochange"
	"github.com/bdeggleston/ringchange/txn"
)

var logger = ringlog.Get("admission")

// ErrSelfTargeted is returned when add_nodes/decommission_nodes names
// the local node among its targets (spec §4.H: "assert self ∉ nodes").
var ErrSelfTargeted = fmt.Errorf("admission: self may not be named as a target")

// ErrNoTargets is returned when nodes is empty; an admission call with
// nothing to do is almost certainly an operator mistake, not a no-op.
var ErrNoTargets = fmt.Errorf("admission: no target nodes given")

// ErrTooLateToAbort re-exports topochange's sentinel so callers (the
// CLI) can match on a single package without importing topochange
// themselves just for this one check.
var ErrTooLateToAbort = topochange.ErrTooLateToAbort

// Admission ties a Driver to the txn.Store it already holds a reference
// to, plus what's needed to forward replace_node/bootstrap calls to a
// seed when the local node isn't the admission target.
type Admission struct {
	Driver *topochange.Driver
	Txns   *txn.Store
	Self   node.NodeId

	// Fanout and SeedAddr are used only by ReplaceNode/Bootstrap when
	// Self isn't the seed: the request is forwarded as an rpc.Replace
	// or rpc.Bootstrap call instead of creating the transaction locally.
	Fanout   rpc.Fanout
	SeedAddr string
}

func validateTargets(self node.NodeId, nodes []node.NodeId) error {
	if len(nodes) == 0 {
		return ErrNoTargets
	}
	for _, n := range nodes {
		if n == self {
			return ErrSelfTargeted
		}
	}
	return nil
}

func targetStrings(nodes []node.NodeId) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.String()
	}
	return out
}

// AddNodes creates an Add transaction for nodes and runs it to
// completion or preemption (spec §4.H: "assert self ∉ nodes, create
// transaction (action=Add, targets=nodes), run").
func (a *Admission) AddNodes(ctx context.Context, nodes []node.NodeId) (txn.TransactionId, error) {
	if err := validateTargets(a.Self, nodes); err != nil {
		return txn.TransactionId{}, err
	}
	return a.create(ctx, txn.ActionAdd, targetStrings(nodes), targetStrings(append([]node.NodeId{a.Self}, nodes...)))
}

// DecommissionNodes creates a Decommission transaction for nodes and
// runs it (spec §4.H: "create (Decommission, nodes), run").
func (a *Admission) DecommissionNodes(ctx context.Context, nodes []node.NodeId) (txn.TransactionId, error) {
	if err := validateTargets(a.Self, nodes); err != nil {
		return txn.TransactionId{}, err
	}
	return a.create(ctx, txn.ActionDecommission, targetStrings(nodes), targetStrings(append([]node.NodeId{a.Self}, nodes...)))
}

// create installs the transaction row and runs the driver synchronously,
// the shared tail of AddNodes/DecommissionNodes and the seed-side half of
// ReplaceNode/Bootstrap. participants seeds the transaction's initial
// participant set; stepMakeRing overwrites it with the transitional
// ring's actual membership once the ring shape is known.
func (a *Admission) create(ctx context.Context, action txn.Action, targets, participants []string) (txn.TransactionId, error) {
	id := txn.NewTransactionId()
	coid := txn.NewCoordinatorId()
	tx := txn.Transaction{
		Id:            id,
		Action:        action,
		Targets:       targets,
		Step:          string(topochange.StepLock),
		CoordinatorId: coid,
		Participants:  participants,
	}
	if err := a.Txns.Create(ctx, tx); err != nil {
		return txn.TransactionId{}, fmt.Errorf("admission: creating transaction: %w", err)
	}
	logger.Infof("admission: created transaction %s (%s %v)", id, action, targets)

	if err := a.Driver.Run(ctx, id, coid); err != nil {
		return id, fmt.Errorf("admission: running transaction %s: %w", id, err)
	}
	return id, nil
}

// ReplaceNode implements replace_node(old) (spec §4.H): "RPC to a seed
// node carrying Replace(old, self); seed creates and runs." If SeedAddr
// is empty this node acts as its own seed and creates and runs the
// transaction locally instead of round-tripping over the network.
func (a *Admission) ReplaceNode(ctx context.Context, old node.NodeId) (txn.TransactionId, error) {
	if old == a.Self {
		return txn.TransactionId{}, ErrSelfTargeted
	}
	if a.SeedAddr == "" {
		return a.create(ctx, txn.ActionReplace, []string{old.String(), a.Self.String()}, []string{a.Self.String()})
	}

	resp, err := a.Fanout.Call(ctx, a.SeedAddr, rpc.Replace{Old: old.String(), New: a.Self.String()})
	if err != nil {
		return txn.TransactionId{}, fmt.Errorf("admission: forwarding replace_node to seed: %w", err)
	}
	return txn.TransactionId{}, ackErr(resp)
}

// Bootstrap implements bootstrap() (spec §4.H): "RPC to a seed with
// Bootstrap(self); seed creates and runs an Add for the caller."
func (a *Admission) Bootstrap(ctx context.Context) (txn.TransactionId, error) {
	if a.SeedAddr == "" {
		return a.create(ctx, txn.ActionAdd, []string{a.Self.String()}, []string{a.Self.String()})
	}

	resp, err := a.Fanout.Call(ctx, a.SeedAddr, rpc.Bootstrap{Node: a.Self.String()})
	if err != nil {
		return txn.TransactionId{}, fmt.Errorf("admission: forwarding bootstrap to seed: %w", err)
	}
	return txn.TransactionId{}, ackErr(resp)
}

func ackErr(resp rpc.Message) error {
	ack, ok := resp.(rpc.AdmissionAck)
	if !ok {
		return fmt.Errorf("admission: unexpected response type %T", resp)
	}
	if !ack.Accepted {
		return fmt.Errorf("admission: seed rejected request: %s", ack.Error)
	}
	return nil
}

// Resume implements resume(tx) (spec §4.H, §8 scenario 2): fail the
// transaction over to a fresh coordinator id and drive it forward,
// the path an operator or a peer takes against a transaction whose
// coordinator appears to have stalled.
func (a *Admission) Resume(ctx context.Context, txId txn.TransactionId) error {
	logger.Infof("admission: resuming transaction %s", txId)
	return a.Driver.Resume(ctx, txId)
}

// Abort implements abort(tx) (spec §4.H, §7 "Too late to abort"): fail
// the transaction over first, then resolve the abort-sequence entry
// point for its step under the new coordinator id, install the abort
// step, and drive it to completion. Returns ErrTooLateToAbort, unaltered,
// once the forward path has passed use_only_new.
//
// Failover must happen before the step read: reading first would leave
// a window where a still-live old coordinator advances the step between
// the read and the failover, so the installed entry point would reverse
// a step the transaction has already left.
func (a *Admission) Abort(ctx context.Context, txId txn.TransactionId) error {
	coid, err := a.Txns.Failover(ctx, txId)
	if err != nil {
		return fmt.Errorf("admission: failover: %w", err)
	}

	step, _, err := a.Txns.ReadStep(ctx, txId)
	if err != nil {
		return fmt.Errorf("admission: reading step: %w", err)
	}

	entry, err := topochange.AbortEntryPoint(topochange.StepName(step))
	if err != nil {
		// ErrTooLateToAbort: the transaction is unaffected, the forward
		// path runs to completion on its own.
		return err
	}

	if err := a.Txns.SetStep(ctx, txId, coid, string(entry)); err != nil {
		return fmt.Errorf("admission: installing abort entry %s: %w", entry, err)
	}

	logger.Infof("admission: aborting transaction %s at %s -> %s", txId, step, entry)
	if err := a.Driver.Run(ctx, txId, coid); err != nil {
		return fmt.Errorf("admission: running abort sequence: %w", err)
	}
	return nil
}
