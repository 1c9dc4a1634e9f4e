/*
Package topology models the token-metadata ring: the mapping from hosts to
the tokens they own, the per-token status during a transition, and the
cluster-wide replication stage that tells data-plane code which ring to
read and write.

Grounded on original_source/docs/safe-ring-changes.py's TokenMetadata /
TokenStatus / ReplicationStage sketch, generalized per spec.md §9's design
note into an immutable, builder-style value rather than the source's
in-place setters: every With* method below returns a new TokenMetadata,
and the only thing that crosses a process boundary is the Mutation
produced by AsMutation.
*/
package topology

import (
	"sort"

	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/partitioner"
)

// TokenStatus is the per-token marker used during a topology transition.
type TokenStatus string

const (
	StatusNormal  TokenStatus = "N"
	StatusPending TokenStatus = "P"
	StatusLeaving TokenStatus = "L"
)

// ReplicationStage tells the data plane which ring(s) to read from and
// write to. The forward sequence is totally ordered; cleanup_on_abort is
// the sink reached only via the abort path.
type ReplicationStage int

const (
	StageUseOnlyOld ReplicationStage = iota + 1
	StageWriteBothReadOld
	StageWriteBothReadNew
	StageUseOnlyNew
	StageCleanup
	StageCleanupOnAbort
)

func (s ReplicationStage) String() string {
	switch s {
	case StageUseOnlyOld:
		return "use_only_old"
	case StageWriteBothReadOld:
		return "write_both_read_old"
	case StageWriteBothReadNew:
		return "write_both_read_new"
	case StageUseOnlyNew:
		return "use_only_new"
	case StageCleanup:
		return "cleanup"
	case StageCleanupOnAbort:
		return "cleanup_on_abort"
	default:
		return "unknown"
	}
}

// tokenEntry pairs a token with its status. Tokens are kept alongside
// their string form since partitioner.Token ([]byte) isn't map-key safe.
type tokenEntry struct {
	token  partitioner.Token
	status TokenStatus
}

// TokenMetadata is an immutable ring snapshot, or a transitional ring
// mid topology-change. New returns an empty ring at StageUseOnlyOld; the
// zero value has no stage set.
type TokenMetadata struct {
	tokens         map[node.NodeId]map[string]tokenEntry
	stage          ReplicationStage
	ringTimestamp  int64
}

// New returns an empty ring.
func New() TokenMetadata {
	return TokenMetadata{
		tokens: map[node.NodeId]map[string]tokenEntry{},
		stage:  StageUseOnlyOld,
	}
}

// RingTimestamp returns the timestamp of the last mutation applied to this
// snapshot (0 if none yet), used by the last-writer-wins Apply rule.
func (r TokenMetadata) RingTimestamp() int64 {
	return r.ringTimestamp
}

func (r TokenMetadata) Stage() ReplicationStage {
	return r.stage
}

// Members returns the hosts with at least one token in this ring,
// sorted for deterministic iteration (tests, wire encoding).
func (r TokenMetadata) Members() []node.NodeId {
	members := make([]node.NodeId, 0, len(r.tokens))
	for n := range r.tokens {
		members = append(members, n)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].String() < members[j].String() })
	return members
}

// Tokens returns the tokens owned by n with their current status.
func (r TokenMetadata) Tokens(n node.NodeId) map[string]TokenStatus {
	out := map[string]TokenStatus{}
	for tokStr, entry := range r.tokens[n] {
		out[tokStr] = entry.status
	}
	return out
}

// TokensRaw returns the partitioner.Token values owned by n, unordered.
// Used by make_ring's Replace branch (spec §4.G) to hand old's exact
// tokens to new rather than choosing fresh ones.
func (r TokenMetadata) TokensRaw(n node.NodeId) []partitioner.Token {
	toks := r.tokens[n]
	out := make([]partitioner.Token, 0, len(toks))
	for _, e := range toks {
		out = append(out, e.token)
	}
	return out
}

func (r TokenMetadata) clone() TokenMetadata {
	next := TokenMetadata{
		tokens:        make(map[node.NodeId]map[string]tokenEntry, len(r.tokens)),
		stage:         r.stage,
		ringTimestamp: r.ringTimestamp,
	}
	for n, toks := range r.tokens {
		cp := make(map[string]tokenEntry, len(toks))
		for k, v := range toks {
			cp[k] = v
		}
		next.tokens[n] = cp
	}
	return next
}

// WithTokens returns a new ring with n's tokens replaced by the given set,
// all carrying status s. Used by make_ring (spec §4.G) to stage PENDING or
// LEAVING tokens for a transition.
func (r TokenMetadata) WithTokens(n node.NodeId, tokens []partitioner.Token, status TokenStatus) TokenMetadata {
	next := r.clone()
	toks := make(map[string]tokenEntry, len(tokens))
	for _, t := range tokens {
		toks[t.String()] = tokenEntry{token: t, status: status}
	}
	next.tokens[n] = toks
	return next
}

// WithTokenStatus returns a new ring with every one of n's existing tokens
// relabeled to status. Used for decommission (LEAVING) and replace
// (old host's tokens LEAVING).
func (r TokenMetadata) WithTokenStatus(n node.NodeId, status TokenStatus) TokenMetadata {
	next := r.clone()
	toks := next.tokens[n]
	relabeled := make(map[string]tokenEntry, len(toks))
	for k, e := range toks {
		relabeled[k] = tokenEntry{token: e.token, status: status}
	}
	next.tokens[n] = relabeled
	return next
}

// WithStage returns a new ring at the given replication stage.
func (r TokenMetadata) WithStage(stage ReplicationStage) TokenMetadata {
	next := r.clone()
	next.stage = stage
	return next
}

// OldRing collapses a transitional ring to the ring as it was before the
// transition started: LEAVING tokens return to NORMAL, PENDING tokens
// (not yet owned) are dropped. Stage resets to StageUseOnlyOld.
func (r TokenMetadata) OldRing() TokenMetadata {
	next := r.clone()
	for n, toks := range next.tokens {
		collapsed := make(map[string]tokenEntry, len(toks))
		for k, e := range toks {
			switch e.status {
			case StatusPending:
				// dropped: this host didn't own the token before the transition
			case StatusLeaving:
				collapsed[k] = tokenEntry{token: e.token, status: StatusNormal}
			default:
				collapsed[k] = e
			}
		}
		if len(collapsed) == 0 {
			delete(next.tokens, n)
		} else {
			next.tokens[n] = collapsed
		}
	}
	next.stage = StageUseOnlyOld
	return next
}

// NewRing collapses a transitional ring to the ring as it will be after
// the transition completes: PENDING tokens become NORMAL, LEAVING tokens
// (no longer owned) are dropped.
func (r TokenMetadata) NewRing() TokenMetadata {
	next := r.clone()
	for n, toks := range next.tokens {
		collapsed := make(map[string]tokenEntry, len(toks))
		for k, e := range toks {
			switch e.status {
			case StatusLeaving:
				// dropped: this host no longer owns the token after the transition
			case StatusPending:
				collapsed[k] = tokenEntry{token: e.token, status: StatusNormal}
			default:
				collapsed[k] = e
			}
		}
		if len(collapsed) == 0 {
			delete(next.tokens, n)
		} else {
			next.tokens[n] = collapsed
		}
	}
	next.stage = StageUseOnlyOld
	return next
}
