/*
Package txn implements spec.md component E: the transaction store. It
translates the original design sketch's create_topology_change/
read_step/set_step/save_intent/read_participants/read_intent/
remove_transaction functions onto store.Gateway, using the
topology_changes + topology_change_intents two-table layout from
spec §6.
*/
package txn

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bdeggleston/ringchange/store"
)

const (
	transactionsTable = "topology_changes"
	intentsTable      = "topology_change_intents"
)

// Action is the kind of topology change a transaction carries out
// (spec §4.G's "Action -> Ring construction").
type Action string

const (
	ActionAdd          Action = "add"
	ActionDecommission Action = "decommission"
	ActionReplace      Action = "replace"
)

// TransactionId identifies a single topology-change transaction.
type TransactionId uuid.UUID

func NewTransactionId() TransactionId { return TransactionId(uuid.New()) }

func (id TransactionId) String() string { return uuid.UUID(id).String() }

// CoordinatorId identifies the coordinator instance currently driving a
// transaction; a fresh one is minted on every failover (spec §4.F).
type CoordinatorId uuid.UUID

func NewCoordinatorId() CoordinatorId { return CoordinatorId(uuid.New()) }

func (id CoordinatorId) String() string { return uuid.UUID(id).String() }

// Transaction is the row shape spec §4.E and §6 describe: action,
// targets, current step, owning coordinator, the intent mutation
// (stored indirectly, see Store.SaveIntent), and the participant set.
type Transaction struct {
	Id            TransactionId
	Action        Action
	Targets       []string
	Step          string
	CoordinatorId CoordinatorId
	IntentId      string
	Participants  []string
}

// ErrNotFound is returned when read_step (or any other read) targets a
// transaction that doesn't exist — spec §7 classifies this as fatal,
// the transaction has completed or been removed.
var ErrNotFound = fmt.Errorf("txn: transaction not found")

// ErrPreempted is returned by SetStep/SaveIntent when the caller's
// coordinator_id no longer matches the stored one (spec §7: "Preempted").
var ErrPreempted = fmt.Errorf("txn: preempted by a newer coordinator")

// Store is the transaction-table gateway, backed by any store.Gateway.
type Store struct {
	gw store.Gateway
}

func NewStore(gw store.Gateway) *Store {
	return &Store{gw: gw}
}

const (
	fieldAction        = "action"
	fieldTargets       = "targets"
	fieldStep          = "step"
	fieldCoordinatorId = "coordinator_id"
	fieldIntentId      = "intent_id"
	fieldParticipants  = "participants"
)

// Create installs a new transaction row guarded on the row not already
// existing, which keeps two racing Create calls for the same id from
// clobbering each other. Neither Create nor admission checks for other
// in-flight transactions: the row is written before any lock is taken,
// and concurrent transactions are serialized only by the ring lock each
// acquires in its lock step.
func (s *Store) Create(ctx context.Context, tx Transaction) error {
	result, err := s.gw.CAS(ctx, transactionsTable, tx.Id.String(),
		[]store.Predicate{store.IsNull(fieldStep)},
		[]store.Assignment{
			store.Set(fieldAction, string(tx.Action)),
			store.Set(fieldTargets, tx.Targets),
			store.Set(fieldStep, tx.Step),
			store.Set(fieldCoordinatorId, tx.CoordinatorId.String()),
			store.Set(fieldParticipants, tx.Participants),
		},
	)
	if err != nil {
		return fmt.Errorf("txn: create: %w", err)
	}
	if !result.Applied {
		return fmt.Errorf("txn: create: transaction %s already exists", tx.Id)
	}
	return nil
}

// ReadStep returns the step tag and the logical timestamp the store
// assigned when that step was installed (spec §4.F: stable across
// re-reads until the step changes, strictly monotonic across changes).
func (s *Store) ReadStep(ctx context.Context, id TransactionId) (step string, t int64, err error) {
	row, ok, err := s.gw.ReadSerial(ctx, transactionsTable, id.String())
	if err != nil {
		return "", 0, fmt.Errorf("txn: read_step: %w", err)
	}
	if !ok {
		return "", 0, ErrNotFound
	}
	step, _ = row[fieldStep].(string)
	if step == "" {
		// store.Gateway exposes no delete operation (spec §9 keeps the
		// gateway to exactly CAS + ReadSerial), so Remove nils the step
		// field rather than deleting the row. An empty step is
		// therefore indistinguishable from, and treated as, "gone".
		return "", 0, ErrNotFound
	}
	return step, row.FieldTimestamp(fieldStep), nil
}

// Read returns the full transaction row.
func (s *Store) Read(ctx context.Context, id TransactionId) (Transaction, error) {
	row, ok, err := s.gw.ReadSerial(ctx, transactionsTable, id.String())
	if err != nil {
		return Transaction{}, fmt.Errorf("txn: read: %w", err)
	}
	if !ok {
		return Transaction{}, ErrNotFound
	}

	tx := Transaction{Id: id}
	tx.Action, _ = row[fieldAction].(Action)
	if a, ok := row[fieldAction].(string); ok {
		tx.Action = Action(a)
	}
	tx.Step, _ = row[fieldStep].(string)
	if tx.Step == "" {
		return Transaction{}, ErrNotFound
	}
	tx.Targets, _ = row[fieldTargets].([]string)
	tx.Participants, _ = row[fieldParticipants].([]string)
	tx.IntentId, _ = row[fieldIntentId].(string)

	if s2, ok := row[fieldCoordinatorId].(string); ok {
		parsed, err := uuid.Parse(s2)
		if err != nil {
			return Transaction{}, fmt.Errorf("txn: parsing coordinator_id: %w", err)
		}
		tx.CoordinatorId = CoordinatorId(parsed)
	}
	return tx, nil
}

// ReadCoordinatorId returns the coordinator currently installed on tx.
func (s *Store) ReadCoordinatorId(ctx context.Context, id TransactionId) (CoordinatorId, error) {
	row, ok, err := s.gw.ReadSerial(ctx, transactionsTable, id.String())
	if err != nil {
		return CoordinatorId{}, fmt.Errorf("txn: read coordinator_id: %w", err)
	}
	if !ok {
		return CoordinatorId{}, ErrNotFound
	}
	s2, _ := row[fieldCoordinatorId].(string)
	parsed, err := uuid.Parse(s2)
	if err != nil {
		return CoordinatorId{}, fmt.Errorf("txn: parsing coordinator_id: %w", err)
	}
	return CoordinatorId(parsed), nil
}

// SetStep advances step to next, guarded on coordinator_id = coid — not
// on the current step — per spec §4.F's rationale: guarding on
// coordinator_id makes preemption unconditional regardless of where the
// old coordinator's view of step has drifted to.
func (s *Store) SetStep(ctx context.Context, id TransactionId, coid CoordinatorId, next string) error {
	result, err := s.gw.CAS(ctx, transactionsTable, id.String(),
		[]store.Predicate{store.Eq(fieldCoordinatorId, coid.String())},
		[]store.Assignment{store.Set(fieldStep, next)},
	)
	if err != nil {
		return fmt.Errorf("txn: set_step: %w", err)
	}
	if !result.Applied {
		return ErrPreempted
	}
	return nil
}

// Failover installs a fresh coordinator_id unconditionally (any prior
// coordinator is, by definition, no longer making progress if this is
// being called) and returns it for the new coordinator to use in
// subsequent SetStep/SaveIntent calls.
func (s *Store) Failover(ctx context.Context, id TransactionId) (CoordinatorId, error) {
	newCoid := NewCoordinatorId()
	_, err := s.gw.CAS(ctx, transactionsTable, id.String(), nil, []store.Assignment{
		store.Set(fieldCoordinatorId, newCoid.String()),
	})
	if err != nil {
		return CoordinatorId{}, fmt.Errorf("txn: failover: %w", err)
	}
	return newCoid, nil
}

// SaveIntent writes intentId and participants, guarded on coordinator_id
// still matching coid (spec §4.E: "but only if coordinator_id still
// equals the caller's"). The mutation payload itself is stored in the
// topology_change_intents indirection table (spec §6) via PutIntentMutation.
func (s *Store) SaveIntent(ctx context.Context, id TransactionId, coid CoordinatorId, intentId string, participants []string) error {
	result, err := s.gw.CAS(ctx, transactionsTable, id.String(),
		[]store.Predicate{store.Eq(fieldCoordinatorId, coid.String())},
		[]store.Assignment{
			store.Set(fieldIntentId, intentId),
			store.Set(fieldParticipants, participants),
		},
	)
	if err != nil {
		return fmt.Errorf("txn: save_intent: %w", err)
	}
	if !result.Applied {
		return ErrPreempted
	}
	return nil
}

// ReadIntent returns the intent id currently recorded against tx.
func (s *Store) ReadIntent(ctx context.Context, id TransactionId) (string, error) {
	row, ok, err := s.gw.ReadSerial(ctx, transactionsTable, id.String())
	if err != nil {
		return "", fmt.Errorf("txn: read_intent: %w", err)
	}
	if !ok {
		return "", ErrNotFound
	}
	intentId, _ := row[fieldIntentId].(string)
	return intentId, nil
}

// ReadParticipants returns the participant set stored on tx. Callers
// apply participants(tx) = stored_participants(tx) \ dead() themselves
// (spec invariant 4); this method returns the raw stored set.
func (s *Store) ReadParticipants(ctx context.Context, id TransactionId) ([]string, error) {
	row, ok, err := s.gw.ReadSerial(ctx, transactionsTable, id.String())
	if err != nil {
		return nil, fmt.Errorf("txn: read_participants: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	raw, _ := row[fieldParticipants].([]string)
	return raw, nil
}

// Remove marks the transaction removed, the terminal action of
// step_unlock. The gateway has no delete, so it clears step and
// coordinator_id; ReadStep and Read then report ErrNotFound.
func (s *Store) Remove(ctx context.Context, id TransactionId) error {
	_, err := s.gw.CAS(ctx, transactionsTable, id.String(), nil, []store.Assignment{
		store.Set(fieldStep, nil),
		store.Set(fieldCoordinatorId, nil),
	})
	if err != nil {
		return fmt.Errorf("txn: remove: %w", err)
	}
	return nil
}

// PutIntentMutation stores a large mutation blob in the
// topology_change_intents indirection table and returns its intent id,
// the role spec §6 assigns the table ("an indirection to hold large
// mutations").
func (s *Store) PutIntentMutation(ctx context.Context, txId TransactionId, mutation []byte) (intentId string, err error) {
	intentId = fmt.Sprintf("%s/%d", txId, len(mutation))
	_, err = s.gw.CAS(ctx, intentsTable, intentId,
		[]store.Predicate{store.IsNull("mutation")},
		[]store.Assignment{
			store.Set("tx_id", txId.String()),
			store.Set("mutation", mutation),
		},
	)
	if err != nil {
		return "", fmt.Errorf("txn: put intent mutation: %w", err)
	}
	return intentId, nil
}

// GetIntentMutation reads back a mutation blob by intent id.
func (s *Store) GetIntentMutation(ctx context.Context, intentId string) ([]byte, error) {
	row, ok, err := s.gw.ReadSerial(ctx, intentsTable, intentId)
	if err != nil {
		return nil, fmt.Errorf("txn: get intent mutation: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	mutation, _ := row["mutation"].([]byte)
	return mutation, nil
}
