package store

import (
	"encoding/gob"
	"fmt"
)

// Predicate.Equals and Assignment.Value are interface{}, so any
// concrete type a caller stores in a Row must be registered with gob
// before it can cross the Raft log inside a command (see raft_gateway.go).
// lock and txn are the only callers today; the registrations cover the
// field types they store plus the int64 field timestamps applyCAS adds.
func init() {
	gob.Register("")
	gob.Register(int64(0))
	gob.Register([]string(nil))
	gob.Register([]byte(nil))
	gob.Register(false)
}

// tsSuffix marks the shadow key carrying a field's last-write timestamp,
// the Go analog of CQL's timestamp(column) — spec.md's read_step relies on
// this to hand the state-machine driver a t that's stable across re-reads
// of the same step and strictly increasing across step changes (spec §5,
// ordering guarantee 1).
const tsSuffix = ":ts"

// FieldTimestamp returns the logical timestamp of field's last write, or 0
// if it was never written.
func (r Row) FieldTimestamp(field string) int64 {
	v, ok := r[field+tsSuffix]
	if !ok {
		return 0
	}
	ts, _ := v.(int64)
	return ts
}

// applyCAS is the single deterministic decision function shared by every
// Gateway backend: given the row as it exists now (nil if the row doesn't
// exist), the predicates and assignments of a CAS call, and the next
// logical timestamp to stamp new writes with, it returns whether the
// predicate held and the resulting row. Both InMemoryGateway and the Raft
// FSM call this so the two never drift in their CAS semantics.
func applyCAS(current Row, predicates []Predicate, assignments []Assignment, nextTS int64) (result CASResult, next Row) {
	view := Row{}
	if current != nil {
		view = current.Clone()
	}

	ok := true
	for _, p := range predicates {
		if !p.matches(view) {
			ok = false
			break
		}
	}

	observed := view.Clone()
	if !ok {
		return CASResult{Applied: false, Observed: observed}, current
	}

	next = view.Clone()
	for _, a := range assignments {
		next[a.Field] = a.Value
		next[a.Field+tsSuffix] = nextTS
	}
	return CASResult{Applied: true, Observed: observed}, next
}

// rowKey scopes a (table, key) pair into the single flat keyspace every
// backend actually uses underneath (an FSM map, a bbolt bucket, ...).
func rowKey(table, key string) string {
	return fmt.Sprintf("%s/%s", table, key)
}
