package rpc

import (
	"context"
	"fmt"
	"sync"
)

// LoopbackFanout is an in-process Fanout for tests, the role
// testing_mocks.go's in-memory collaborators play for the teacher's
// Cluster/Scope tests: no sockets, direct handler dispatch, with the
// same unreliable-at-least-once contract callers must still honor.
type LoopbackFanout struct {
	mu       sync.Mutex
	handlers map[string]Handler
	dead     map[string]bool

	// Drop, if set, reports whether a call to host should be dropped
	// (simulating the RPC-failure row of spec §7's error table) before
	// it ever reaches the handler.
	Drop func(host string) bool
}

// NewLoopbackFanout returns an empty fanout; register peers with Register.
func NewLoopbackFanout() *LoopbackFanout {
	return &LoopbackFanout{handlers: map[string]Handler{}, dead: map[string]bool{}}
}

// Register associates host with the Handler that answers calls to it.
func (f *LoopbackFanout) Register(host string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[host] = h
}

func (f *LoopbackFanout) Call(ctx context.Context, host string, m Message) (Message, error) {
	if f.Dead()[host] {
		return nil, fmt.Errorf("rpc: host %s is permanently dead", host)
	}
	if f.Drop != nil && f.Drop(host) {
		return nil, fmt.Errorf("rpc: simulated failure calling %s", host)
	}

	f.mu.Lock()
	h, ok := f.handlers[host]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("rpc: no handler registered for %s", host)
	}
	return h.Handle(ctx, m)
}

func (f *LoopbackFanout) Dead() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]bool, len(f.dead))
	for k, v := range f.dead {
		cp[k] = v
	}
	return cp
}

func (f *LoopbackFanout) MarkDead(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[host] = true
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, m Message) (Message, error)

func (fn HandlerFunc) Handle(ctx context.Context, m Message) (Message, error) {
	return fn(ctx, m)
}
