package persistence

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/astromechza/automerge-relay/pkg/logstore"
)

// Keys sort by (kind, room, clock|meta key):
//
//	"v1" | kind | varint(len(room)) | room | suffix
//
// Update keys end in a big-endian uint32 clock so a room's log scans in clock order.
const keyVersion = "v1"

const (
	kindUpdate      byte = 'u'
	kindStateVector byte = 's'
	kindMeta        byte = 'm'
)

func kindPrefix(kind byte) []byte {
	return append([]byte(keyVersion), kind)
}

func roomPrefix(kind byte, room string) []byte {
	return protowire.AppendString(kindPrefix(kind), room)
}

func updateKey(room string, clock uint32) []byte {
	return binary.BigEndian.AppendUint32(roomPrefix(kindUpdate, room), clock)
}

func stateVectorKey(room string) []byte {
	return roomPrefix(kindStateVector, room)
}

func metaKey(room, key string) []byte {
	return append(roomPrefix(kindMeta, room), key...)
}

func clockFromUpdateKey(key []byte) (uint32, error) {
	if len(key) < 4 {
		return 0, fmt.Errorf("update key too short: %x", key)
	}
	return binary.BigEndian.Uint32(key[len(key)-4:]), nil
}

func roomFromKey(key []byte) (string, error) {
	if len(key) < len(keyVersion)+1 {
		return "", fmt.Errorf("key too short: %x", key)
	}
	room, n := protowire.ConsumeString(key[len(keyVersion)+1:])
	if n < 0 {
		return "", fmt.Errorf("malformed room in key %x: %w", key, protowire.ParseError(n))
	}
	return room, nil
}

// updateRange covers clocks [from, to) of one room. to == 0 means "to the end of the log".
func updateRange(room string, from, to uint32) logstore.Range {
	r := logstore.Range{Gte: updateKey(room, from)}
	if to == 0 {
		r.Lt = logstore.PrefixEnd(roomPrefix(kindUpdate, room))
	} else {
		r.Lt = updateKey(room, to)
	}
	return r
}

type snapshot struct {
	clock       uint32
	stateVector []byte
}

func encodeSnapshot(s snapshot) []byte {
	out := protowire.AppendVarint(nil, uint64(s.clock))
	return protowire.AppendBytes(out, s.stateVector)
}

func decodeSnapshot(raw []byte) (snapshot, error) {
	clock, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return snapshot{}, fmt.Errorf("malformed snapshot clock: %w", protowire.ParseError(n))
	}
	sv, m := protowire.ConsumeBytes(raw[n:])
	if m < 0 {
		return snapshot{}, fmt.Errorf("malformed snapshot state vector: %w", protowire.ParseError(m))
	}
	return snapshot{clock: uint32(clock), stateVector: append([]byte{}, sv...)}, nil
}
