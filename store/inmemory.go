package store

import (
	"context"
	"sync"
)

// InMemoryGateway is a single-process Gateway used by tests in place of a
// live Raft cluster, the way kickboxerdb's testing_mocks.go stands in for
// a real store.Store/topology.Node.
type InMemoryGateway struct {
	mu   sync.Mutex
	rows map[string]Row
	seq  int64
}

// NewInMemoryGateway returns an empty gateway.
func NewInMemoryGateway() *InMemoryGateway {
	return &InMemoryGateway{rows: map[string]Row{}}
}

func (g *InMemoryGateway) CAS(_ context.Context, table, key string, predicates []Predicate, assignments []Assignment) (CASResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := rowKey(table, key)
	g.seq++
	result, next := applyCAS(g.rows[k], predicates, assignments, g.seq)
	if result.Applied {
		g.rows[k] = next
	}
	return result, nil
}

func (g *InMemoryGateway) ReadSerial(_ context.Context, table, key string) (Row, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	row, ok := g.rows[rowKey(table, key)]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}
