/*
Package rpc implements spec.md component B: send-and-execute fanout to
peer hosts with unreliable, at-least-once semantics (spec §4.B), plus a
permanent dead-host set. Framing follows the teacher's
length-prefix-then-payload idiom (serializer.WriteFieldBytes /
cluster/message_test.go's Serialize/Deserialize pattern), but the
payload itself is gob-encoded rather than hand-written per message —
see DESIGN.md for why that trade is made here (topology's mutation
encoding uses gob as well).
*/
package rpc

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"

	"github.com/bdeggleston/ringchange/serializer"
	"github.com/bdeggleston/ringchange/topology"
)

// MessageType tags the wire payload so the receiving end knows which
// concrete type to gob-decode into, the role the teacher's per-struct
// Serialize methods played implicitly via distinct message types.
type MessageType uint64

const (
	MsgReplicateTokenMetadata MessageType = iota + 1
	MsgReplicateTokenMetadataAck
	MsgReplace
	MsgBootstrap
	MsgAdmissionAck
)

// ReplicateTokenMetadata asks the receiving node to apply a ring
// mutation locally and wait for its post-conditions (spec §6).
type ReplicateTokenMetadata struct {
	Timestamp int64
	Payload   []byte
}

func (m ReplicateTokenMetadata) mutation() topology.Mutation {
	return topology.MutationFromBytes(m.Timestamp, m.Payload)
}

// ReplicateTokenMetadataAck acknowledges application of a mutation.
type ReplicateTokenMetadataAck struct {
	Applied bool
	Error   string
}

// Replace forwards admission's replace_node(old) call to a seed host,
// which creates and runs the transaction (spec §6's RPC messages list).
type Replace struct {
	Old string
	New string
}

// Bootstrap forwards admission's bootstrap() call to a seed host.
type Bootstrap struct {
	Node string
}

// AdmissionAck is the generic response to Replace/Bootstrap: either the
// seed accepted and created a transaction, or it rejected the request.
type AdmissionAck struct {
	Accepted bool
	Error    string
}

// Message is any of the RPC payload types above, tagged with its
// MessageType for framing.
type Message interface{}

func typeOf(m Message) (MessageType, error) {
	switch m.(type) {
	case ReplicateTokenMetadata:
		return MsgReplicateTokenMetadata, nil
	case ReplicateTokenMetadataAck:
		return MsgReplicateTokenMetadataAck, nil
	case Replace:
		return MsgReplace, nil
	case Bootstrap:
		return MsgBootstrap, nil
	case AdmissionAck:
		return MsgAdmissionAck, nil
	default:
		return 0, fmt.Errorf("rpc: unknown message type %T", m)
	}
}

func newByType(t MessageType) (Message, error) {
	switch t {
	case MsgReplicateTokenMetadata:
		return ReplicateTokenMetadata{}, nil
	case MsgReplicateTokenMetadataAck:
		return ReplicateTokenMetadataAck{}, nil
	case MsgReplace:
		return Replace{}, nil
	case MsgBootstrap:
		return Bootstrap{}, nil
	case MsgAdmissionAck:
		return AdmissionAck{}, nil
	default:
		return nil, fmt.Errorf("rpc: unknown message type tag %d", t)
	}
}

// WriteMessage frames and writes m to w: a type tag, then a
// length-prefixed gob payload, mirroring message.WriteMessage's
// handshake-then-payload shape from the teacher.
func WriteMessage(w *bufio.Writer, m Message) error {
	t, err := typeOf(m)
	if err != nil {
		return err
	}
	if err := serializer.WriteUint64(w, uint64(t)); err != nil {
		return fmt.Errorf("writing message type: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encoding message payload: %w", err)
	}
	if err := serializer.WriteFieldBytes(w, buf.Bytes()); err != nil {
		return fmt.Errorf("writing message payload: %w", err)
	}
	return w.Flush()
}

// ReadMessage reads a framed message written by WriteMessage.
func ReadMessage(r *bufio.Reader) (Message, error) {
	t, err := serializer.ReadUint64(r)
	if err != nil {
		return nil, fmt.Errorf("reading message type: %w", err)
	}

	payload, err := serializer.ReadFieldBytes(r)
	if err != nil {
		return nil, fmt.Errorf("reading message payload: %w", err)
	}

	m, err := newByType(MessageType(t))
	if err != nil {
		return nil, err
	}
	// gob cannot decode a concrete payload into an interface variable, so
	// decode into a pointer to the tagged type and return its value.
	ptr := reflect.New(reflect.TypeOf(m))
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decoding message payload: %w", err)
	}
	return ptr.Elem().Interface(), nil
}
