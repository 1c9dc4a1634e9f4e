/*
Package topochange implements spec.md components F and G: the
state-machine driver and the step library that carries out a topology
change (add/decommission/replace nodes) over the ring.

Grounded on original_source/docs/safe-ring-changes.py's
run_state_machine/set_step/step_* functions: the step library here is
close to a direct transliteration of that sketch, restructured per
spec §9's design note into a tagged StepName sum and a total
StepName -> StepFunc dispatch table instead of the source's
string-keyed function map. Collaborators the spec marks out of scope
(streaming, token selection, table enumeration, host address
resolution) are modeled as small injectable interfaces, the way
kickboxerdb injects store.Store/topology.Node into Cluster/Scope.
*/
package topochange

import (
	"context"

	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/partitioner"
	"github.com/bdeggleston/ringchange/topology"
)

// RingAccessor gives the driver the coordinator's view of the current
// ring and a way to apply a replicated mutation locally (the latter is
// also what a node's rpc.Handler calls when it receives
// rpc.ReplicateTokenMetadata).
type RingAccessor interface {
	Current(ctx context.Context) (topology.TokenMetadata, error)
	Apply(ctx context.Context, m topology.Mutation) error
}

// TokenChooser picks a fresh token set for a node newly joining the
// ring (spec §4.G's make_ring "choose new tokens" step for Add).
type TokenChooser interface {
	ChooseTokens(ctx context.Context, current topology.TokenMetadata, target node.NodeId) ([]partitioner.Token, error)
}

// TableLister reads the table set at linearizable consistency, the
// read spec §4.G's streaming step performs before streaming data
// (ordering rationale: must happen only after every participant is at
// write_both_read_old).
type TableLister interface {
	ListTables(ctx context.Context) ([]string, error)
}

// Streamer carries out (and can be asked to stop) the data movement for
// a set of tables during the streaming step. Partial-progress semantics
// on StopStreaming are left entirely to the implementation, per spec §9.
type Streamer interface {
	StreamTables(ctx context.Context, tables []string, participants []node.NodeId) error
	StopStreaming(ctx context.Context, txId string) error
}

// HostResolver maps a ring member's NodeId to the host:port address
// rpc.Fanout dials, mirroring the id/addr split already present on
// kickboxerdb's baseNode.
type HostResolver interface {
	Addr(ctx context.Context, id node.NodeId) (string, error)
}
