// Package node defines the cluster member identifier used throughout
// ringchange: every Host is a NodeId. TransactionId and CoordinatorId
// are separate UUID types in package txn.
package node

import (
	"github.com/google/uuid"
)

// NodeId identifies a cluster member. It doubles as spec.md's "Host" type.
type NodeId uuid.UUID

// NewNodeId generates a fresh, random node identifier.
func NewNodeId() NodeId {
	return NodeId(uuid.New())
}

// NilNodeId is the zero value, returned by ParseNodeId on error.
var NilNodeId = NodeId(uuid.Nil)

func (id NodeId) String() string {
	return uuid.UUID(id).String()
}

// Bytes returns the raw 16 byte representation, used when framing the id
// onto the wire or into a local durable store.
func (id NodeId) Bytes() []byte {
	b := uuid.UUID(id)
	return b[:]
}

// ParseNodeId parses the string form produced by String().
func ParseNodeId(s string) (NodeId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilNodeId, err
	}
	return NodeId(u), nil
}

// IsNil returns true for the zero NodeId.
func (id NodeId) IsNil() bool {
	return id == NilNodeId
}
