package topology

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/partitioner"
)

// wireEntry is the gob-friendly form of tokenEntry: tokenEntry's fields
// are unexported, which gob does not encode, and a dedicated wire type
// also keeps the on-disk/on-wire format from changing shape just because
// TokenMetadata's internals do.
type wireEntry struct {
	Token  partitioner.Token
	Status TokenStatus
}

type wireRing struct {
	Timestamp int64
	Stage     ReplicationStage
	// StageOnly marks a mutation produced by GetStageSetMutation: it
	// updates only the stage cell and must never clobber token rows,
	// even though the ring-timestamp rule alone can't tell a "full ring"
	// mutation from a "stage only" one once the token map happens to be
	// empty.
	StageOnly bool
	Tokens    map[string]map[string]wireEntry // node.NodeId.String() -> tokenString -> entry
}

// Mutation is an opaque, timestamped token-metadata update. For any two
// mutations m1 = AsMutation(r1, t1), m2 = AsMutation(r2, t2) with t1 > t2,
// applying m1 then m2 against any TokenMetadata leaves the same state as
// applying m1 alone (spec.md invariant 3) — Apply enforces this by no-op'ing
// whenever the mutation's timestamp isn't newer than the receiver's.
type Mutation struct {
	Timestamp int64
	payload   []byte
}

func (m Mutation) encode(w wireRing) (Mutation, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return Mutation{}, fmt.Errorf("encoding token-metadata mutation: %w", err)
	}
	return Mutation{Timestamp: w.Timestamp, payload: buf.Bytes()}, nil
}

// Bytes returns the serialized payload, for storage in the
// topology_change_intents indirection row (spec §6).
func (m Mutation) Bytes() []byte {
	return m.payload
}

// MutationFromBytes reconstructs a Mutation previously produced by
// AsMutation/GetStageSetMutation, e.g. after reading it back out of
// topology_change_intents.
func MutationFromBytes(timestamp int64, payload []byte) Mutation {
	return Mutation{Timestamp: timestamp, payload: payload}
}

// AsMutation packages the full ring state under the given timestamp.
func AsMutation(r TokenMetadata, timestamp int64) (Mutation, error) {
	w := wireRing{
		Timestamp: timestamp,
		Stage:     r.stage,
		Tokens:    map[string]map[string]wireEntry{},
	}
	for n, toks := range r.tokens {
		encoded := make(map[string]wireEntry, len(toks))
		for k, e := range toks {
			encoded[k] = wireEntry{Token: e.token, Status: e.status}
		}
		w.Tokens[n.String()] = encoded
	}
	return Mutation{}.encode(w)
}

// GetStageSetMutation emits a mutation that updates only the static
// replication-stage cell, leaving every token row untouched — the wire
// analog of "update system.token_metadata set replication_stage = ?".
func GetStageSetMutation(stage ReplicationStage, timestamp int64) (Mutation, error) {
	w := wireRing{
		Timestamp: timestamp,
		Stage:     stage,
		StageOnly: true,
	}
	return Mutation{}.encode(w)
}

// Apply applies m to r, honoring the ring-timestamp last-writer-wins rule:
// if r already reflects a timestamp >= m.Timestamp, Apply is a no-op. This
// is what gives at-least-once RPC delivery (spec §4.B) idempotent,
// order-insensitive semantics for any number of redeliveries.
func (r TokenMetadata) Apply(m Mutation) (TokenMetadata, error) {
	if m.Timestamp <= r.ringTimestamp {
		return r, nil
	}

	var w wireRing
	if err := gob.NewDecoder(bytes.NewReader(m.payload)).Decode(&w); err != nil {
		return r, fmt.Errorf("decoding token-metadata mutation: %w", err)
	}

	if w.StageOnly {
		next := r.clone()
		next.stage = w.Stage
		next.ringTimestamp = m.Timestamp
		return next, nil
	}

	next := TokenMetadata{
		tokens:        make(map[node.NodeId]map[string]tokenEntry, len(w.Tokens)),
		stage:         w.Stage,
		ringTimestamp: m.Timestamp,
	}
	for nodeStr, toks := range w.Tokens {
		n, err := node.ParseNodeId(nodeStr)
		if err != nil {
			return r, fmt.Errorf("decoding host id in mutation: %w", err)
		}
		decoded := make(map[string]tokenEntry, len(toks))
		for k, e := range toks {
			decoded[k] = tokenEntry{token: e.Token, status: e.Status}
		}
		next.tokens[n] = decoded
	}
	return next, nil
}
