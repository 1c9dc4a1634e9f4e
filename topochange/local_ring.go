package topochange

import (
	"context"
	"fmt"
	"sync"

	"github.com/bdeggleston/ringchange/store"
	"github.com/bdeggleston/ringchange/topology"
)

// LocalRing is the default RingAccessor: an in-memory TokenMetadata
// snapshot mirrored to a store.LocalTokenStore so a restarted node
// resumes from its last applied mutation instead of an empty ring
// (spec §6's node-local token_metadata table).
type LocalRing struct {
	mu      sync.Mutex
	current topology.TokenMetadata
	persist *store.LocalTokenStore
}

// NewLocalRing loads whatever mutation persist last saved (if any) and
// returns a LocalRing starting from it; a fresh node with nothing saved
// starts from an empty ring.
func NewLocalRing(persist *store.LocalTokenStore) (*LocalRing, error) {
	r := &LocalRing{current: topology.New(), persist: persist}
	if persist == nil {
		return r, nil
	}

	ts, payload, ok, err := persist.Load()
	if err != nil {
		return nil, fmt.Errorf("loading persisted ring: %w", err)
	}
	if ok {
		mutation := topology.MutationFromBytes(ts, payload)
		applied, err := r.current.Apply(mutation)
		if err != nil {
			return nil, fmt.Errorf("applying persisted mutation: %w", err)
		}
		r.current = applied
	}
	return r, nil
}

func (r *LocalRing) Current(ctx context.Context) (topology.TokenMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, nil
}

// Apply applies m with last-writer-wins semantics (topology.Mutation's
// ring-timestamp rule makes this safe to call more than once with the
// same or an out-of-order mutation, which is exactly what at-least-once
// RPC delivery requires of it).
func (r *LocalRing) Apply(ctx context.Context, m topology.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.current.Apply(m)
	if err != nil {
		return fmt.Errorf("applying mutation: %w", err)
	}
	r.current = next

	if r.persist != nil {
		// Persist the full ring, not the raw incoming mutation: a
		// stage-only mutation carries no token rows, and reloading just
		// that on restart would lose them. AsMutation always packages
		// the complete current state under its ring-timestamp.
		full, err := topology.AsMutation(r.current, r.current.RingTimestamp())
		if err != nil {
			return fmt.Errorf("encoding ring for persistence: %w", err)
		}
		if err := r.persist.Save(full.Timestamp, full.Bytes()); err != nil {
			return fmt.Errorf("persisting applied mutation: %w", err)
		}
	}
	return nil
}
