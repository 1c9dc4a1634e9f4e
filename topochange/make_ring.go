package topochange

import (
	"context"
	"fmt"

	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/topology"
	"github.com/bdeggleston/ringchange/txn"
)

// computeTransitionalRing builds the transitional ring for tx's action
// (spec §4.G "Action -> Ring construction") and returns it together
// with the participant set the resulting mutation must be replicated
// to (every member with at least one token in the transitional ring).
//
// Replace(old, new) encodes its two targets as tx.Targets[0]=old,
// tx.Targets[1]=new, the order admission's ReplaceNode and Handler
// build it in.
func computeTransitionalRing(ctx context.Context, d *Driver, current topology.TokenMetadata, tx txn.Transaction) (topology.TokenMetadata, []node.NodeId, error) {
	next := current

	switch tx.Action {
	case txn.ActionAdd:
		for _, targetStr := range tx.Targets {
			target, err := node.ParseNodeId(targetStr)
			if err != nil {
				return topology.TokenMetadata{}, nil, fmt.Errorf("parsing target %q: %w", targetStr, err)
			}
			tokens, err := d.Tokens.ChooseTokens(ctx, next, target)
			if err != nil {
				return topology.TokenMetadata{}, nil, fmt.Errorf("choosing tokens for %s: %w", target, err)
			}
			next = next.WithTokens(target, tokens, topology.StatusPending)
		}

	case txn.ActionDecommission:
		for _, targetStr := range tx.Targets {
			target, err := node.ParseNodeId(targetStr)
			if err != nil {
				return topology.TokenMetadata{}, nil, fmt.Errorf("parsing target %q: %w", targetStr, err)
			}
			next = next.WithTokenStatus(target, topology.StatusLeaving)
		}

	case txn.ActionReplace:
		if len(tx.Targets) != 2 {
			return topology.TokenMetadata{}, nil, fmt.Errorf("replace requires exactly 2 targets (old, new), got %d", len(tx.Targets))
		}
		oldId, err := node.ParseNodeId(tx.Targets[0])
		if err != nil {
			return topology.TokenMetadata{}, nil, fmt.Errorf("parsing old target %q: %w", tx.Targets[0], err)
		}
		newId, err := node.ParseNodeId(tx.Targets[1])
		if err != nil {
			return topology.TokenMetadata{}, nil, fmt.Errorf("parsing new target %q: %w", tx.Targets[1], err)
		}
		oldTokens := current.TokensRaw(oldId)
		next = next.WithTokenStatus(oldId, topology.StatusLeaving)
		next = next.WithTokens(newId, oldTokens, topology.StatusPending)

	default:
		return topology.TokenMetadata{}, nil, fmt.Errorf("unknown action %q", tx.Action)
	}

	return next, next.Members(), nil
}
