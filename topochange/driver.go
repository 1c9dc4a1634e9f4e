package topochange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bdeggleston/ringchange/lock"
	"github.com/bdeggleston/ringchange/metrics"
	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/ringlog"
	"github.com/bdeggleston/ringchange/rpc"
	"github.com/bdeggleston/ringchange/txn"
)

var logger = ringlog.Get("topochange")

// ErrPreempted surfaces txn.ErrPreempted at the driver boundary: the
// coordinator terminates without rolling back (spec §7), a successor
// will resume progress.
var ErrPreempted = txn.ErrPreempted

// ErrUnknownStep means the stored step tag has no entry in the forward
// or abort step tables — a corrupt or pre-upgrade transaction record.
var ErrUnknownStep = errors.New("topochange: unknown step")

// Driver runs spec component F's state-machine loop and dispatches to
// component G's step library. All of its collaborators are injected so
// the driver itself stays a pure sequencer.
type Driver struct {
	Txns     *txn.Store
	Lock     *lock.Lock
	Fanout   rpc.Fanout
	Ring     RingAccessor
	Tokens   TokenChooser
	Tables   TableLister
	Stream   Streamer
	Resolver HostResolver
	Self     node.NodeId
	Metrics  metrics.Sink
}

func (d *Driver) metrics() metrics.Sink {
	if d.Metrics == nil {
		return metrics.Noop
	}
	return d.Metrics
}

// StepFunc is the signature every forward/abort step implements: given
// the transaction id, the coordinator id currently authorized to
// advance it, and the logical timestamp the store assigned to the
// current step, perform the step's effect and return the next step
// (StepTerminal if none).
type StepFunc func(ctx context.Context, d *Driver, txId txn.TransactionId, coid txn.CoordinatorId, t int64) (StepName, error)

// Run drives tx forward (or through its abort path) until it reaches a
// terminal step, is preempted, or ctx is cancelled. coid must be the
// coordinator id this caller currently holds (from txn.Store.Create or
// Failover) — Run never calls Failover itself; that's resume's job.
func (d *Driver) Run(ctx context.Context, txId txn.TransactionId, coid txn.CoordinatorId) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		step, t, err := d.Txns.ReadStep(ctx, txId)
		if errors.Is(err, txn.ErrNotFound) {
			// unlock already removed the record: terminal.
			return nil
		}
		if err != nil {
			return fmt.Errorf("topochange: reading step: %w", err)
		}

		fn, ok := steps[StepName(step)]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStep, step)
		}

		start := time.Now()
		next, err := fn(ctx, d, txId, coid, t)
		d.metrics().Timing("topochange.step."+step, time.Since(start))
		if err != nil {
			if errors.Is(err, txn.ErrPreempted) {
				logger.Infof("transaction %s preempted at step %s", txId, step)
				d.metrics().Inc("topochange.preempted", 1)
				return ErrPreempted
			}
			return fmt.Errorf("topochange: step %s: %w", step, err)
		}

		if next == StepTerminal {
			return nil
		}

		if err := d.Txns.SetStep(ctx, txId, coid, string(next)); err != nil {
			if errors.Is(err, txn.ErrPreempted) {
				logger.Infof("transaction %s preempted advancing %s -> %s", txId, step, next)
				d.metrics().Inc("topochange.preempted", 1)
				return ErrPreempted
			}
			return fmt.Errorf("topochange: set_step %s -> %s: %w", step, next, err)
		}
		d.metrics().Inc("topochange.step."+string(next), 1)
	}
}

// Resume installs a new coordinator id via failover and calls Run with
// it, the path a peer takes when it observes a stalled transaction
// (spec §4.F's "resume" entry, §8 scenario 2: coordinator crash
// mid-streaming).
func (d *Driver) Resume(ctx context.Context, txId txn.TransactionId) error {
	coid, err := d.Txns.Failover(ctx, txId)
	if err != nil {
		return fmt.Errorf("topochange: resume: failover: %w", err)
	}
	return d.Run(ctx, txId, coid)
}
