package admission

import (
	"context"
	"fmt"

	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/rpc"
	"github.com/bdeggleston/ringchange/txn"
)

// Handler answers rpc.Replace/rpc.Bootstrap calls forwarded by a
// non-seed node (spec §4.H), creating and running the transaction on
// this node's behalf and acknowledging acceptance or rejection.
type Handler struct {
	Admission *Admission
}

func (h Handler) Handle(ctx context.Context, m rpc.Message) (rpc.Message, error) {
	switch req := m.(type) {
	case rpc.Replace:
		old, err := node.ParseNodeId(req.Old)
		if err != nil {
			return rpc.AdmissionAck{Accepted: false, Error: err.Error()}, nil
		}
		newNode, err := node.ParseNodeId(req.New)
		if err != nil {
			return rpc.AdmissionAck{Accepted: false, Error: err.Error()}, nil
		}
		if _, err := h.Admission.create(ctx, txn.ActionReplace,
			[]string{old.String(), newNode.String()}, []string{newNode.String()}); err != nil {
			return rpc.AdmissionAck{Accepted: false, Error: err.Error()}, nil
		}
		return rpc.AdmissionAck{Accepted: true}, nil

	case rpc.Bootstrap:
		target, err := node.ParseNodeId(req.Node)
		if err != nil {
			return rpc.AdmissionAck{Accepted: false, Error: err.Error()}, nil
		}
		if _, err := h.Admission.create(ctx, txn.ActionAdd,
			[]string{target.String()}, []string{target.String()}); err != nil {
			return rpc.AdmissionAck{Accepted: false, Error: err.Error()}, nil
		}
		return rpc.AdmissionAck{Accepted: true}, nil

	default:
		return nil, fmt.Errorf("admission: unexpected message type %T", m)
	}
}
