/*
RaftGateway is the production Gateway: a Raft-replicated FSM backing the
distributed linearizable tables (topology_changes, topology_change_intents,
global_locks) named in spec.md §6. See SPEC_FULL.md's "Domain stack"
section for why Raft + raft-boltdb + bbolt grounds this component.

CAS calls are committed as log entries (so every replica applies the same
deterministic decision via applyCAS); ReadSerial uses raft.Barrier instead
of a log entry, the standard "linearizable read without writing" idiom —
it blocks until this node's FSM has caught up to the leader's commit
index, then reads the local map directly.
*/
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/bdeggleston/ringchange/ringlog"
)

var logger = ringlog.Get("store")

// RaftConfig controls how a RaftGateway joins or bootstraps its Raft
// group. DataDir holds the log store, stable store and snapshots.
type RaftConfig struct {
	LocalID      string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	ApplyTimeout time.Duration
}

// RaftGateway implements Gateway over a hashicorp/raft group.
type RaftGateway struct {
	raft *raft.Raft
	fsm  *fsm
	cfg  RaftConfig
}

// NewRaftGateway starts (or rejoins) a Raft group rooted at cfg.DataDir.
func NewRaftGateway(cfg RaftConfig) (*RaftGateway, error) {
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating raft data dir: %w", err)
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("opening raft-boltdb log/stable store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("creating raft snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving raft bind addr %q: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("creating raft transport: %w", err)
	}

	f := newFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.LocalID)

	r, err := raft.NewRaft(raftCfg, f, boltStore, boltStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("starting raft: %w", err)
	}

	if cfg.Bootstrap {
		bootstrapCfg := raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(bootstrapCfg).Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("bootstrapping raft cluster: %w", err)
		}
	}

	return &RaftGateway{raft: r, fsm: f, cfg: cfg}, nil
}

// AddVoter adds a peer to the Raft configuration; called by the node
// currently holding leadership, same as any hashicorp/raft cluster join.
func (g *RaftGateway) AddVoter(id, addr string) error {
	return g.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0).Error()
}

func (g *RaftGateway) CAS(ctx context.Context, table, key string, predicates []Predicate, assignments []Assignment) (CASResult, error) {
	cmd := command{
		Op:          opCAS,
		Table:       table,
		Key:         key,
		Predicates:  predicates,
		Assignments: assignments,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return CASResult{}, fmt.Errorf("encoding CAS command: %w", err)
	}

	timeout := g.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	future := g.raft.Apply(buf.Bytes(), timeout)
	if err := future.Error(); err != nil {
		return CASResult{}, fmt.Errorf("applying CAS through raft: %w", err)
	}
	resp, ok := future.Response().(CASResult)
	if !ok {
		return CASResult{}, fmt.Errorf("unexpected raft apply response type %T", future.Response())
	}
	return resp, nil
}

func (g *RaftGateway) ReadSerial(ctx context.Context, table, key string) (Row, bool, error) {
	timeout := g.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	// Barrier blocks until every log entry committed as of this call has
	// been applied locally, giving the serial-consistency read spec §4.A
	// asks for without paying for a log entry on every read.
	if err := g.raft.Barrier(timeout).Error(); err != nil {
		return nil, false, fmt.Errorf("raft barrier: %w", err)
	}
	return g.fsm.read(table, key)
}

// ---- FSM ----

type opType uint8

const (
	opCAS opType = iota + 1
)

type command struct {
	Op          opType
	Table       string
	Key         string
	Predicates  []Predicate
	Assignments []Assignment
}

type fsm struct {
	mu   sync.RWMutex
	rows map[string]Row
	seq  int64
}

func newFSM() *fsm {
	return &fsm{rows: map[string]Row{}}
}

func (f *fsm) read(table, key string) (Row, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	row, ok := f.rows[rowKey(table, key)]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

// Apply is invoked once per committed log entry, identically on every
// replica, which is exactly why predicates/assignments must be a
// serializable structured value rather than an arbitrary closure.
func (f *fsm) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := gob.NewDecoder(bytes.NewReader(entry.Data)).Decode(&cmd); err != nil {
		logger.Errorf("decoding raft log entry: %v", err)
		return CASResult{}
	}

	switch cmd.Op {
	case opCAS:
		f.mu.Lock()
		defer f.mu.Unlock()
		k := rowKey(cmd.Table, cmd.Key)
		f.seq++
		result, next := applyCAS(f.rows[k], cmd.Predicates, cmd.Assignments, f.seq)
		if result.Applied {
			f.rows[k] = next
		}
		return result
	default:
		logger.Errorf("unknown raft command op %v", cmd.Op)
		return CASResult{}
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rows := make(map[string]Row, len(f.rows))
	for k, v := range f.rows {
		rows[k] = v.Clone()
	}
	return &fsmSnapshot{Rows: rows, Seq: f.seq}, nil
}

func (f *fsm) Restore(r io.ReadCloser) error {
	defer r.Close()
	var snap fsmSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decoding raft snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = snap.Rows
	f.seq = snap.Seq
	return nil
}

// fsmSnapshot's fields are exported because gob encodes only exported
// fields (Persist and Restore go through gob).
type fsmSnapshot struct {
	Rows map[string]Row
	Seq  int64
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := gob.NewEncoder(sink).Encode(s)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("persisting raft snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
