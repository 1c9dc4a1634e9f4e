package rpc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bdeggleston/ringchange/ringlog"
)

var logger = ringlog.Get("rpc")

// Fanout is spec component B: send-and-execute to a peer host with
// unreliable, at-least-once semantics, plus a permanent dead-host set
// callers use to shrink participants() (spec §3 invariant 4).
type Fanout interface {
	Call(ctx context.Context, host string, m Message) (Message, error)
	Dead() map[string]bool
	MarkDead(host string)
}

// TCPFanout dials a fresh connection per call attempt, reusing the
// teacher's connect-send-receive-close shape from RemoteNode.SendMessage
// but without the handshake step, since spec.md's RPC surface carries no
// peer-discovery handshake of its own.
type TCPFanout struct {
	dialTimeout time.Duration

	mu   sync.Mutex
	dead map[string]bool
}

// NewTCPFanout returns a Fanout that dials host:port addresses directly.
func NewTCPFanout(dialTimeout time.Duration) *TCPFanout {
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	return &TCPFanout{dialTimeout: dialTimeout, dead: map[string]bool{}}
}

func (f *TCPFanout) Call(ctx context.Context, host string, m Message) (Message, error) {
	if f.Dead()[host] {
		return nil, fmt.Errorf("rpc: host %s is permanently dead", host)
	}

	dialer := net.Dialer{Timeout: f.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", host, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	w := bufio.NewWriter(conn)
	if err := WriteMessage(w, m); err != nil {
		return nil, fmt.Errorf("sending to %s: %w", host, err)
	}

	r := bufio.NewReader(conn)
	resp, err := ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", host, err)
	}
	return resp, nil
}

func (f *TCPFanout) Dead() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]bool, len(f.dead))
	for k, v := range f.dead {
		cp[k] = v
	}
	return cp
}

// MarkDead permanently marks host as dead: spec §3 invariant 4 requires
// this to be a one-way transition, so there is no corresponding "revive".
func (f *TCPFanout) MarkDead(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[host] = true
	logger.Warningf("marking host %s permanently dead", host)
}

// Handler dispatches an inbound Message to the node's local state and
// returns the response to frame back to the caller.
type Handler interface {
	Handle(ctx context.Context, m Message) (Message, error)
}

// Serve accepts connections on ln and dispatches each inbound message to
// handler, one message per connection, matching the request/response
// shape TCPFanout.Call dials as a client.
func Serve(ctx context.Context, ln net.Listener, handler Handler) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting connection: %w", err)
			}
		}
		go serveConn(ctx, conn, handler)
	}
}

func serveConn(ctx context.Context, conn net.Conn, handler Handler) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	m, err := ReadMessage(r)
	if err != nil {
		logger.Errorf("reading inbound message from %s: %v", conn.RemoteAddr(), err)
		return
	}

	resp, err := handler.Handle(ctx, m)
	if err != nil {
		logger.Errorf("handling message from %s: %v", conn.RemoteAddr(), err)
		return
	}

	w := bufio.NewWriter(conn)
	if err := WriteMessage(w, resp); err != nil {
		logger.Errorf("writing response to %s: %v", conn.RemoteAddr(), err)
	}
}
