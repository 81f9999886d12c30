// Package protocol encodes and decodes the binary frames exchanged over a relay connection.
//
// A frame is a varint message type followed by a type-specific payload. Sync frames carry a
// varint sub type and a length-prefixed byte string (a state vector or an update). Awareness
// frames carry a length-prefixed awareness update. All varints are unsigned LEB128.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	MessageSync           uint64 = 0
	MessageAwareness      uint64 = 1
	MessageAuth           uint64 = 2
	MessageQueryAwareness uint64 = 3
)

const (
	// SyncStep1 carries the sender's state vector and asks for what it is missing.
	SyncStep1 uint64 = 0
	// SyncStep2 answers a SyncStep1 with the missing update.
	SyncStep2 uint64 = 1
	// SyncUpdate carries an update in steady state. On the wire it is identical to SyncStep2.
	SyncUpdate uint64 = 2
)

const AuthPermissionDenied uint64 = 0

var (
	ErrMalformed      = errors.New("malformed frame")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Message is a decoded frame. Payload is the state vector, update or awareness update,
// depending on Type and SyncType. It aliases the frame.
type Message struct {
	Type     uint64
	SyncType uint64
	Payload  []byte
	Reason   string
}

func Decode(frame []byte) (Message, error) {
	var m Message
	t, n := protowire.ConsumeVarint(frame)
	if n < 0 {
		return m, fmt.Errorf("%w: message type: %v", ErrMalformed, protowire.ParseError(n))
	}
	m.Type = t
	rest := frame[n:]
	switch t {
	case MessageSync:
		st, n := protowire.ConsumeVarint(rest)
		if n < 0 {
			return m, fmt.Errorf("%w: sync type: %v", ErrMalformed, protowire.ParseError(n))
		}
		if st > SyncUpdate {
			return m, fmt.Errorf("%w: sync type %d", ErrUnknownMessage, st)
		}
		m.SyncType = st
		payload, n := protowire.ConsumeBytes(rest[n:])
		if n < 0 {
			return m, fmt.Errorf("%w: sync payload: %v", ErrMalformed, protowire.ParseError(n))
		}
		m.Payload = payload
	case MessageAwareness:
		payload, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return m, fmt.Errorf("%w: awareness payload: %v", ErrMalformed, protowire.ParseError(n))
		}
		m.Payload = payload
	case MessageAuth:
		st, n := protowire.ConsumeVarint(rest)
		if n < 0 {
			return m, fmt.Errorf("%w: auth type: %v", ErrMalformed, protowire.ParseError(n))
		}
		m.SyncType = st
		reason, n := protowire.ConsumeString(rest[n:])
		if n < 0 {
			return m, fmt.Errorf("%w: auth reason: %v", ErrMalformed, protowire.ParseError(n))
		}
		m.Reason = reason
	case MessageQueryAwareness:
	default:
		return m, fmt.Errorf("%w: %d", ErrUnknownMessage, t)
	}
	return m, nil
}

func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

func EncodeUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func EncodeAwareness(update []byte) []byte {
	out := protowire.AppendVarint(nil, MessageAwareness)
	return protowire.AppendBytes(out, update)
}

func EncodeQueryAwareness() []byte {
	return protowire.AppendVarint(nil, MessageQueryAwareness)
}

func EncodePermissionDenied(reason string) []byte {
	out := protowire.AppendVarint(nil, MessageAuth)
	out = protowire.AppendVarint(out, AuthPermissionDenied)
	return protowire.AppendString(out, reason)
}

func encodeSync(syncType uint64, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2+protowire.SizeVarint(uint64(len(payload))))
	out = protowire.AppendVarint(out, MessageSync)
	out = protowire.AppendVarint(out, syncType)
	return protowire.AppendBytes(out, payload)
}
