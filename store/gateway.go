/*
Package store implements spec.md component A: a linearizable gateway
wrapping conditional updates ("CAS") and serial reads against the
metadata store, generalized from the teacher's store.Store interface
(a single Start/Stop'd interface around one concern) from per-value
CRUD to per-row CAS, since every stateful component above it (lock, txn,
topochange) needs predicate-guarded field updates, not opaque value
get/set.

The gateway never retries internally (spec §4.A): callers interpret
applied=false as preemption or lock contention and decide what to do.
*/
package store

import (
	"context"
	"fmt"
)

// Row is a single logical record: transaction rows, lock rows and the
// intent-indirection row are all modeled as a flat field map.
type Row map[string]interface{}

// Clone returns a deep-enough copy for safe handoff across goroutines
// (Row values only ever hold scalars, []byte and strings).
func (r Row) Clone() Row {
	cp := make(Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// Predicate is one clause of a CAS guard: either "field equals Equals" or
// "field is null", mirroring the CQL-style conditions in
// original_source/docs/safe-ring-changes.py (e.g. "if owner is null and
// candidate = {}"). Predicates on a CAS call are ANDed together.
type Predicate struct {
	Field  string
	Equals interface{}
	IsNull bool
}

// Eq builds an equality predicate.
func Eq(field string, value interface{}) Predicate {
	return Predicate{Field: field, Equals: value}
}

// IsNull builds a "field IS NULL" predicate.
func IsNull(field string) Predicate {
	return Predicate{Field: field, IsNull: true}
}

func (p Predicate) matches(row Row) bool {
	v, exists := row[p.Field]
	if p.IsNull {
		return !exists || v == nil
	}
	if !exists {
		return false
	}
	return v == p.Equals
}

// Assignment sets a single field as part of a CAS call.
type Assignment struct {
	Field string
	Value interface{}
}

func Set(field string, value interface{}) Assignment {
	return Assignment{Field: field, Value: value}
}

// CASResult reports whether the predicate held (and the assignments were
// applied) and the row as observed at decision time, the way the source's
// cql_serial returns {'applied': ..., <column>: ...}.
type CASResult struct {
	Applied  bool
	Observed Row
}

// Gateway is the linearizable KV/row store collaborator spec.md explicitly
// calls out of scope for this system's own correctness reasoning, but
// which the state machine, the lock and the admission API all depend on
// exclusively for persistence (spec §9's design note: "the state machine
// depends on nothing else").
type Gateway interface {
	// CAS conditionally writes assignments to the row at (table, key) if
	// every predicate holds against the row's current state, creating the
	// row first if it doesn't exist and all predicates are satisfied
	// against an empty row (IsNull predicates only). Returns the row as
	// observed before the write.
	CAS(ctx context.Context, table, key string, predicates []Predicate, assignments []Assignment) (CASResult, error)

	// ReadSerial performs a linearizable read of the row at (table, key).
	// ok is false if no row exists.
	ReadSerial(ctx context.Context, table, key string) (row Row, ok bool, err error)
}

// ErrRowNotFound reports that no row exists at (table, key). ReadSerial
// reports a missing row with ok=false instead, and txn.Store returns its
// own txn.ErrNotFound.
var ErrRowNotFound = fmt.Errorf("row not found")
