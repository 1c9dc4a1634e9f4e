/*
ringtool runs a single ring-topology-change node and, optionally, issues
one admission command against it before settling into steady-state RPC
service — the same "process is the node" shape as torua's
cmd/node and cmd/coordinator entrypoints, adapted from their HTTP
surface to this system's TCP RPC + Raft surface.

Usage:

	ringtool -self <node-uuid> -raft-bind HOST:PORT -rpc-bind HOST:PORT \
	    -raft-dir DIR -bootstrap <command> [args...]

Commands: serve, add-nodes NODE..., decommission NODE..., replace OLD,
bootstrap, resume TX_ID, abort TX_ID.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	logging "github.com/op/go-logging"

	"github.com/bdeggleston/ringchange/admission"
	"github.com/bdeggleston/ringchange/lock"
	"github.com/bdeggleston/ringchange/node"
	"github.com/bdeggleston/ringchange/ringlog"
	"github.com/bdeggleston/ringchange/rpc"
	"github.com/bdeggleston/ringchange/store"
	"github.com/bdeggleston/ringchange/topochange"
	"github.com/bdeggleston/ringchange/txn"
)

var logger = ringlog.Get("ringtool")

func main() {
	var (
		selfFlag      = flag.String("self", "", "this node's id (uuid); generated if empty")
		raftBind      = flag.String("raft-bind", "127.0.0.1:7100", "raft transport bind address")
		raftDir       = flag.String("raft-dir", "./ringtool-data/raft", "raft log/snapshot/stable-store directory")
		raftBootstrap = flag.Bool("bootstrap", false, "bootstrap a new single-node raft cluster here")
		rpcBind       = flag.String("rpc-bind", "127.0.0.1:7200", "fanout RPC listen address")
		tokenDB       = flag.String("token-db", "./ringtool-data/token_metadata.db", "local token-metadata bbolt file")
		lockRetry     = flag.Duration("lock-retry", 50*time.Millisecond, "ring lock poll interval (spec lock_retry_interval)")
		seedAddr      = flag.String("seed", "", "rpc address of a seed node for replace/bootstrap; empty means this node is its own seed")
		logLevel      = flag.String("log-level", "INFO", "ringlog level: CRITICAL, ERROR, WARNING, NOTICE, INFO, DEBUG")
	)
	flag.Parse()

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringtool: invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	ringlog.ConfigureDefault(level)

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "ringtool: missing command (serve, add-nodes, decommission, replace, bootstrap, resume, abort)")
		os.Exit(2)
	}
	command, rest := args[0], args[1:]

	self := node.NewNodeId()
	if *selfFlag != "" {
		self, err = node.ParseNodeId(*selfFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ringtool: invalid -self: %v\n", err)
			os.Exit(2)
		}
	}

	gw, err := store.NewRaftGateway(store.RaftConfig{
		LocalID:   self.String(),
		BindAddr:  *raftBind,
		DataDir:   *raftDir,
		Bootstrap: *raftBootstrap,
	})
	if err != nil {
		logger.Fatalf("starting raft gateway: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(*tokenDB), 0o755); err != nil {
		logger.Fatalf("creating token-db directory: %v", err)
	}
	persist, err := store.OpenLocalTokenStore(*tokenDB)
	if err != nil {
		logger.Fatalf("opening local token store: %v", err)
	}
	defer persist.Close()

	ring, err := topochange.NewLocalRing(persist)
	if err != nil {
		logger.Fatalf("loading local ring: %v", err)
	}

	resolver := topochange.NewStaticHostResolver()
	resolver.Set(self, *rpcBind)

	fanout := rpc.NewTCPFanout(5 * time.Second)
	txns := txn.NewStore(gw)
	l := lock.New(gw, *lockRetry)

	driver := &topochange.Driver{
		Txns:     txns,
		Lock:     l,
		Fanout:   fanout,
		Ring:     ring,
		Tokens:   topochange.NewHashTokenChooser(),
		Tables:   topochange.StaticTableLister{},
		Stream:   topochange.NoopStreamer{},
		Resolver: resolver,
		Self:     self,
	}
	adm := &admission.Admission{
		Driver:   driver,
		Txns:     txns,
		Self:     self,
		Fanout:   fanout,
		SeedAddr: *seedAddr,
	}

	ln, err := net.Listen("tcp", *rpcBind)
	if err != nil {
		logger.Fatalf("listening on %s: %v", *rpcBind, err)
	}
	defer ln.Close()

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	go func() {
		mux := dispatchHandler{ring: ring, admission: adm}
		if err := rpc.Serve(serveCtx, ln, mux); err != nil {
			logger.Errorf("rpc server stopped: %v", err)
		}
	}()
	logger.Infof("ringtool node %s listening on %s (raft %s)", self, *rpcBind, *raftBind)

	ctx := context.Background()
	if err := runCommand(ctx, adm, command, rest); err != nil {
		logger.Errorf("command %s failed: %v", command, err)
		fmt.Fprintf(os.Stderr, "ringtool: %v\n", err)
		os.Exit(1)
	}

	if command == "serve" || hasContinuation(command) {
		waitForShutdown()
	}
}

// dispatchHandler routes inbound RPC messages to the ring-replication
// handler or the admission forwarding handler by message type, since a
// single TCP listener serves both spec §6 message families.
type dispatchHandler struct {
	ring      topochange.RingAccessor
	admission *admission.Admission
}

func (h dispatchHandler) Handle(ctx context.Context, m rpc.Message) (rpc.Message, error) {
	switch m.(type) {
	case rpc.ReplicateTokenMetadata:
		return topochange.ReplicationHandler{Ring: h.ring}.Handle(ctx, m)
	case rpc.Replace, rpc.Bootstrap:
		return admission.Handler{Admission: h.admission}.Handle(ctx, m)
	default:
		return nil, fmt.Errorf("ringtool: unhandled inbound message type %T", m)
	}
}

// hasContinuation reports whether command leaves this node with ongoing
// responsibility (serving replication for a transaction it coordinated)
// once it returns, so the process should keep running rather than exit
// immediately after a one-shot admission call.
func hasContinuation(command string) bool {
	switch command {
	case "add-nodes", "decommission", "replace", "bootstrap", "resume", "abort":
		return true
	default:
		return false
	}
}

func runCommand(ctx context.Context, adm *admission.Admission, command string, args []string) error {
	switch command {
	case "serve":
		return nil

	case "add-nodes":
		ids, err := parseNodeIds(args)
		if err != nil {
			return err
		}
		_, err = adm.AddNodes(ctx, ids)
		return err

	case "decommission":
		ids, err := parseNodeIds(args)
		if err != nil {
			return err
		}
		_, err = adm.DecommissionNodes(ctx, ids)
		return err

	case "replace":
		if len(args) != 1 {
			return fmt.Errorf("replace requires exactly one node id (the node being replaced)")
		}
		old, err := node.ParseNodeId(args[0])
		if err != nil {
			return fmt.Errorf("parsing node id %q: %w", args[0], err)
		}
		_, err = adm.ReplaceNode(ctx, old)
		return err

	case "bootstrap":
		_, err := adm.Bootstrap(ctx)
		return err

	case "resume":
		if len(args) != 1 {
			return fmt.Errorf("resume requires exactly one transaction id")
		}
		txId, err := parseTxId(args[0])
		if err != nil {
			return err
		}
		return adm.Resume(ctx, txId)

	case "abort":
		if len(args) != 1 {
			return fmt.Errorf("abort requires exactly one transaction id")
		}
		txId, err := parseTxId(args[0])
		if err != nil {
			return err
		}
		return adm.Abort(ctx, txId)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func parseNodeIds(args []string) ([]node.NodeId, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no node ids given")
	}
	ids := make([]node.NodeId, len(args))
	for i, a := range args {
		id, err := node.ParseNodeId(a)
		if err != nil {
			return nil, fmt.Errorf("parsing node id %q: %w", a, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func parseTxId(s string) (txn.TransactionId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return txn.TransactionId{}, fmt.Errorf("parsing transaction id %q: %w", s, err)
	}
	return txn.TransactionId(id), nil
}

func waitForShutdown() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Infof("ringtool shutting down")
}
