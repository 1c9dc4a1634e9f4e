package topochange

import (
	"context"
	"errors"
	"fmt"

	"github.com/bdeggleston/ringchange/lock"
	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/rpc"
	"github.com/bdeggleston/ringchange/topology"
	"github.com/bdeggleston/ringchange/txn"
)

// StepName tags a step in the forward or abort sequence (spec §4.G).
// StepTerminal is the distinguished "no next step" value.
type StepName string

const (
	StepTerminal StepName = ""

	StepLock          StepName = "lock"
	StepMakeRing       StepName = "make_ring"
	StepAdvertiseRing StepName = "advertise_ring"
	StepBeforeStreaming StepName = "before_streaming"
	StepStreaming     StepName = "streaming"
	StepAfterStreaming StepName = "after_streaming"
	StepUseOnlyNew    StepName = "use_only_new"
	StepCleanup       StepName = "cleanup"
	StepOnlyNewRing   StepName = "only_new_ring"
	StepUnlock        StepName = "unlock"

	StepAbortLock StepName = "abort_lock"
	Step1a        StepName = "1a"
	Step2a        StepName = "2a"
	Step3a        StepName = "3a"
	Step4a        StepName = "4a"
	Step5a        StepName = "5a"
)

// steps is the total StepName -> StepFunc dispatch table spec §9 asks
// for in place of the source sketch's string-keyed function map.
var steps = map[StepName]StepFunc{
	StepLock:            stepLock,
	StepMakeRing:        stepMakeRing,
	StepAdvertiseRing:   stepAdvertiseRing,
	StepBeforeStreaming: stepBeforeStreaming,
	StepStreaming:       stepStreaming,
	StepAfterStreaming:  stepAfterStreaming,
	StepUseOnlyNew:      stepUseOnlyNew,
	StepCleanup:         stepCleanup,
	StepOnlyNewRing:     stepOnlyNewRing,
	StepUnlock:          stepUnlock,

	StepAbortLock: stepAbortLock,
	Step1a:        step1a,
	Step2a:        step2a,
	Step3a:        step3a,
	Step4a:        step4a,
	Step5a:        step5a,
}

// abortEntryPoint maps the current step to the abort-sequence entry
// point that reverses it, per spec §4.H's literal abort-entry mapping
// table. Steps at or after use_only_new have no entry since they're
// too late to abort (spec §7 "Too late to abort").
var abortEntryPoint = map[StepName]StepName{
	StepLock:            StepAbortLock,
	StepMakeRing:        StepUnlock,
	StepAdvertiseRing:   Step5a,
	StepBeforeStreaming: Step4a,
	StepStreaming:       Step2a,
	StepAfterStreaming:  Step1a,
}

// ErrTooLateToAbort is returned by AbortEntryPoint when tx has already
// reached use_only_new or beyond (spec §7).
var ErrTooLateToAbort = fmt.Errorf("topochange: too late to abort")

// AbortEntryPoint resolves the abort-sequence step to install for a
// transaction currently at step, or ErrTooLateToAbort if the forward
// path must complete instead.
func AbortEntryPoint(step StepName) (StepName, error) {
	entry, ok := abortEntryPoint[step]
	if !ok {
		return "", ErrTooLateToAbort
	}
	return entry, nil
}

func stepLock(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	holder := txId.String()
	locked, err := d.Lock.Acquire(ctx, holder, func(ctx context.Context) (bool, error) {
		step, _, err := d.Txns.ReadStep(ctx, txId)
		if err != nil {
			return false, err
		}
		return StepName(step) == StepLock, nil
	})
	if err != nil {
		return "", fmt.Errorf("lock: %w", err)
	}
	if !locked {
		// the step moved away from "lock" underneath us (an abort
		// raced in). Returning StepLock makes the driver CAS step back
		// to lock under this coordinator's id; abort installs a new
		// coordinator id before moving the step, so that CAS fails and
		// the driver stops as preempted.
		return StepLock, nil
	}
	return StepMakeRing, nil
}

func stepMakeRing(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	tx, err := d.Txns.Read(ctx, txId)
	if err != nil {
		return "", fmt.Errorf("reading transaction: %w", err)
	}

	current, err := d.Ring.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("reading current ring: %w", err)
	}

	newRing, participants, err := computeTransitionalRing(ctx, d, current, tx)
	if err != nil {
		return "", fmt.Errorf("computing transitional ring: %w", err)
	}

	mutation, err := topology.AsMutation(newRing, t)
	if err != nil {
		return "", fmt.Errorf("encoding ring mutation: %w", err)
	}

	intentId, err := d.Txns.PutIntentMutation(ctx, txId, mutation.Bytes())
	if err != nil {
		return "", fmt.Errorf("saving intent mutation: %w", err)
	}

	participantStrs := make([]string, len(participants))
	for i, p := range participants {
		participantStrs[i] = p.String()
	}
	if err := d.Txns.SaveIntent(ctx, txId, coid, intentId, participantStrs); err != nil {
		return "", err
	}

	return StepAdvertiseRing, nil
}

func stepAdvertiseRing(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	intentId, err := d.Txns.ReadIntent(ctx, txId)
	if err != nil {
		return "", err
	}
	mutationBytes, err := d.Txns.GetIntentMutation(ctx, intentId)
	if err != nil {
		return "", err
	}
	mutation := topology.MutationFromBytes(t, mutationBytes)

	if err := replicateMutation(ctx, d, txId, mutation); err != nil {
		return "", err
	}
	return StepBeforeStreaming, nil
}

func stepBeforeStreaming(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	if err := replicateStage(ctx, d, txId, topology.StageWriteBothReadOld, t); err != nil {
		return "", err
	}
	return StepStreaming, nil
}

func stepStreaming(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	// must read the table set only now that every participant is at
	// write_both_read_old (spec §4.G ordering rationale): earlier would
	// create a window where a newly-created table has neither explicit
	// streaming nor dual-write coverage.
	tables, err := d.Tables.ListTables(ctx)
	if err != nil {
		return "", fmt.Errorf("listing tables: %w", err)
	}

	participants, err := participantIds(ctx, d, txId)
	if err != nil {
		return "", err
	}

	if err := d.Stream.StreamTables(ctx, tables, participants); err != nil {
		return "", fmt.Errorf("streaming: %w", err)
	}
	return StepAfterStreaming, nil
}

func stepAfterStreaming(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	if err := replicateStage(ctx, d, txId, topology.StageWriteBothReadNew, t); err != nil {
		return "", err
	}
	return StepUseOnlyNew, nil
}

func stepUseOnlyNew(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	if err := replicateStage(ctx, d, txId, topology.StageUseOnlyNew, t); err != nil {
		return "", err
	}
	return StepCleanup, nil
}

func stepCleanup(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	if err := replicateStage(ctx, d, txId, topology.StageCleanup, t); err != nil {
		return "", err
	}
	return StepOnlyNewRing, nil
}

func stepOnlyNewRing(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	current, err := d.Ring.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("reading current ring: %w", err)
	}
	collapsed := current.NewRing()

	mutation, err := topology.AsMutation(collapsed, t)
	if err != nil {
		return "", fmt.Errorf("encoding collapsed ring mutation: %w", err)
	}
	if err := replicateMutation(ctx, d, txId, mutation); err != nil {
		return "", err
	}
	return StepUnlock, nil
}

func stepUnlock(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	// ErrNotReleased means this transaction does not own the ring lock:
	// it never acquired it (abort entered from step lock) or an earlier
	// run of this step already released it. There is nothing to free.
	if err := d.Lock.Release(ctx, txId.String()); err != nil && !errors.Is(err, lock.ErrNotReleased) {
		return "", fmt.Errorf("releasing lock: %w", err)
	}
	if err := d.Txns.Remove(ctx, txId); err != nil {
		return "", fmt.Errorf("removing transaction: %w", err)
	}
	return StepTerminal, nil
}

// ---- abort sequence ----

func step1a(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	if err := replicateStage(ctx, d, txId, topology.StageWriteBothReadOld, t); err != nil {
		return "", err
	}
	return Step2a, nil
}

func step2a(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	if err := d.Stream.StopStreaming(ctx, txId.String()); err != nil {
		return "", fmt.Errorf("stop_streaming: %w", err)
	}
	return Step3a, nil
}

func step3a(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	if err := replicateStage(ctx, d, txId, topology.StageUseOnlyOld, t); err != nil {
		return "", err
	}
	return Step4a, nil
}

func step4a(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	if err := replicateStage(ctx, d, txId, topology.StageCleanupOnAbort, t); err != nil {
		return "", err
	}
	return Step5a, nil
}

func step5a(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	current, err := d.Ring.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("reading current ring: %w", err)
	}
	collapsed := current.OldRing()

	mutation, err := topology.AsMutation(collapsed, t)
	if err != nil {
		return "", fmt.Errorf("encoding collapsed ring mutation: %w", err)
	}
	if err := replicateMutation(ctx, d, txId, mutation); err != nil {
		return "", err
	}
	return StepUnlock, nil
}

func stepAbortLock(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error) {
	if err := d.Lock.InterruptLockAttempt(ctx); err != nil {
		return "", fmt.Errorf("interrupt_lock_attempt: %w", err)
	}
	return StepUnlock, nil
}

// ---- replication helpers ----

func participantIds(ctx context.Context, d *Driver, txId txn.TransactionId) ([]node.NodeId, error) {
	raw, err := d.Txns.ReadParticipants(ctx, txId)
	if err != nil {
		return nil, fmt.Errorf("reading participants: %w", err)
	}
	dead := d.Fanout.Dead()
	ids := make([]node.NodeId, 0, len(raw))
	for _, s := range raw {
		if dead[s] {
			// participants(tx) = stored_participants(tx) \ dead() (spec
			// invariant 4); dead hosts are permanently excluded.
			continue
		}
		id, err := node.ParseNodeId(s)
		if err != nil {
			return nil, fmt.Errorf("parsing participant id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func replicateMutation(ctx context.Context, d *Driver, txId txn.TransactionId, mutation topology.Mutation) error {
	participants, err := participantIds(ctx, d, txId)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if err := callReplicate(ctx, d, p, mutation); err != nil {
			return err
		}
	}
	return nil
}

func replicateStage(ctx context.Context, d *Driver, txId txn.TransactionId, stage topology.ReplicationStage, t int64) error {
	mutation, err := topology.GetStageSetMutation(stage, t)
	if err != nil {
		return fmt.Errorf("encoding stage mutation: %w", err)
	}
	return replicateMutation(ctx, d, txId, mutation)
}

func callReplicate(ctx context.Context, d *Driver, target node.NodeId, mutation topology.Mutation) error {
	if target == d.Self {
		return d.Ring.Apply(ctx, mutation)
	}

	addr, err := d.Resolver.Addr(ctx, target)
	if err != nil {
		return fmt.Errorf("resolving address for %s: %w", target, err)
	}

	resp, err := d.Fanout.Call(ctx, addr, rpc.ReplicateTokenMetadata{
		Timestamp: mutation.Timestamp,
		Payload:   mutation.Bytes(),
	})
	if err != nil {
		// RPC failure is retryable (spec §7): the step re-runs on
		// resume, and effects are idempotent under ring-timestamp, so
		// surfacing the error here and letting the driver bubble it up
		// is safe — the step will simply be re-attempted.
		return fmt.Errorf("replicating to %s: %w", addr, err)
	}
	ack, ok := resp.(rpc.ReplicateTokenMetadataAck)
	if !ok {
		return fmt.Errorf("unexpected response type %T from %s", resp, addr)
	}
	if !ack.Applied && ack.Error != "" {
		return fmt.Errorf("replicating to %s: %s", addr, ack.Error)
	}
	return nil
}
