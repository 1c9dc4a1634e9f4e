package topochange

import (
	"context"
	"fmt"

	"github.com/bdeggleston/ringchange/rpc"
	"github.com/bdeggleston/ringchange/topology"
)

// ReplicationHandler answers rpc.ReplicateTokenMetadata calls by
// applying the mutation to a local RingAccessor — the server side of
// callReplicate, run by every node (coordinator or plain participant)
// that can be a target of ring replication.
type ReplicationHandler struct {
	Ring RingAccessor
}

func (h ReplicationHandler) Handle(ctx context.Context, m rpc.Message) (rpc.Message, error) {
	req, ok := m.(rpc.ReplicateTokenMetadata)
	if !ok {
		return nil, fmt.Errorf("topochange: unexpected message type %T", m)
	}

	mutation := topology.MutationFromBytes(req.Timestamp, req.Payload)
	if err := h.Ring.Apply(ctx, mutation); err != nil {
		return rpc.ReplicateTokenMetadataAck{Applied: false, Error: err.Error()}, nil
	}
	return rpc.ReplicateTokenMetadataAck{Applied: true}, nil
}
