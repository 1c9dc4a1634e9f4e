package topochange

import (
	"context"
	"fmt"

	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/partitioner"
	"github.com/bdeggleston/ringchange/topology"
)

// TokensPerNode is how many tokens HashTokenChooser assigns to a newly
// joining node — the vnode-style "many small ranges per host" scheme,
// same idea as the teacher's single-token MD5 partitioner generalized
// to multiple owned ranges per host.
const TokensPerNode = 8

// HashTokenChooser derives a deterministic token set for a node from
// its NodeId by partitioning "<nodeid>:<i>" strings, so the same node
// retried after a crash (before the intent was saved) gets the same
// tokens rather than racing to pick new ones each attempt.
type HashTokenChooser struct {
	Partitioner partitioner.Partitioner
	TokenCount  int
}

func NewHashTokenChooser() *HashTokenChooser {
	return &HashTokenChooser{Partitioner: partitioner.NewMD5Partitioner(), TokenCount: TokensPerNode}
}

func (c *HashTokenChooser) ChooseTokens(ctx context.Context, current topology.TokenMetadata, target node.NodeId) ([]partitioner.Token, error) {
	count := c.TokenCount
	if count <= 0 {
		count = TokensPerNode
	}
	tokens := make([]partitioner.Token, count)
	for i := 0; i < count; i++ {
		tokens[i] = c.Partitioner.GetToken(fmt.Sprintf("%s:%d", target, i))
	}
	return tokens, nil
}

// StaticHostResolver resolves NodeId -> address from a fixed map,
// filled by its owner through Set (cmd/ringtool registers only the
// local node).
type StaticHostResolver struct {
	addrs map[node.NodeId]string
}

func NewStaticHostResolver() *StaticHostResolver {
	return &StaticHostResolver{addrs: map[node.NodeId]string{}}
}

func (r *StaticHostResolver) Set(id node.NodeId, addr string) {
	r.addrs[id] = addr
}

func (r *StaticHostResolver) Addr(ctx context.Context, id node.NodeId) (string, error) {
	addr, ok := r.addrs[id]
	if !ok {
		return "", fmt.Errorf("no known address for node %s", id)
	}
	return addr, nil
}

// StaticTableLister returns a fixed table set, for tests and for simple
// deployments where the table catalog is supplied out of band.
type StaticTableLister []string

func (l StaticTableLister) ListTables(ctx context.Context) ([]string, error) {
	return []string(l), nil
}

// NoopStreamer is a Streamer that completes immediately, for tests
// exercising the driver's step sequencing rather than real data
// movement.
type NoopStreamer struct{}

func (NoopStreamer) StreamTables(ctx context.Context, tables []string, participants []node.NodeId) error {
	return nil
}

func (NoopStreamer) StopStreaming(ctx context.Context, txId string) error {
	return nil
}
