// Package awareness tracks ephemeral per-client presence (cursor, name, colour) next to a
// document. Presence is never persisted.
//
// An awareness update is a varint count followed by one record per client: varint client id,
// varint clock, and the JSON state as a length-prefixed string. A JSON null state removes the
// client.
package awareness

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultOutdatedTimeout is how long a remote state survives without being renewed.
const DefaultOutdatedTimeout = 30 * time.Second

var ErrMalformed = errors.New("malformed awareness update")

var null = []byte("null")

// Entry is one client record of an awareness update. State is raw JSON.
type Entry struct {
	ClientID uint64
	Clock    uint64
	State    []byte
}

func (e Entry) Removed() bool {
	return isNull(e.State)
}

func Decode(update []byte) ([]Entry, error) {
	count, n := protowire.ConsumeVarint(update)
	if n < 0 {
		return nil, fmt.Errorf("%w: count: %v", ErrMalformed, protowire.ParseError(n))
	}
	update = update[n:]
	// every record takes at least three bytes
	if count > uint64(len(update)) {
		return nil, fmt.Errorf("%w: %d records in %d bytes", ErrMalformed, count, len(update))
	}
	out := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e Entry
		if e.ClientID, n = protowire.ConsumeVarint(update); n < 0 {
			return nil, fmt.Errorf("%w: client id of record %d", ErrMalformed, i)
		}
		update = update[n:]
		if e.Clock, n = protowire.ConsumeVarint(update); n < 0 {
			return nil, fmt.Errorf("%w: clock of record %d", ErrMalformed, i)
		}
		update = update[n:]
		state, n := protowire.ConsumeBytes(update)
		if n < 0 {
			return nil, fmt.Errorf("%w: state of record %d", ErrMalformed, i)
		}
		update = update[n:]
		if !json.Valid(state) {
			return nil, fmt.Errorf("%w: state of client %d is not json", ErrMalformed, e.ClientID)
		}
		e.State = append([]byte{}, state...)
		out = append(out, e)
	}
	return out, nil
}

func Encode(entries []Entry) []byte {
	out := protowire.AppendVarint(nil, uint64(len(entries)))
	for _, e := range entries {
		out = protowire.AppendVarint(out, e.ClientID)
		out = protowire.AppendVarint(out, e.Clock)
		state := e.State
		if len(state) == 0 {
			state = null
		}
		out = protowire.AppendBytes(out, state)
	}
	return out
}

// Change lists the clients an applied update touched.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

func (c Change) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type meta struct {
	clock    uint64
	lastSeen time.Time
}

// Table holds the presence states of one document. It is not safe for concurrent use; the
// owning document serialises access.
type Table struct {
	now    func() time.Time
	states map[uint64][]byte
	// meta outlives the state so a removed client's clock is remembered.
	meta map[uint64]meta
}

func NewTable(now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{now: now, states: make(map[uint64][]byte), meta: make(map[uint64]meta)}
}

// Apply merges a received update. A record wins if its clock is newer, or if it has the same
// clock and removes a client that is still present.
func (t *Table) Apply(update []byte) (Change, error) {
	entries, err := Decode(update)
	if err != nil {
		return Change{}, err
	}
	var ch Change
	now := t.now()
	for _, e := range entries {
		prev := t.meta[e.ClientID]
		_, present := t.states[e.ClientID]
		if !(prev.clock < e.Clock || (prev.clock == e.Clock && e.Removed() && present)) {
			continue
		}
		if e.Removed() {
			delete(t.states, e.ClientID)
		} else {
			t.states[e.ClientID] = compact(e.State)
		}
		t.meta[e.ClientID] = meta{clock: e.Clock, lastSeen: now}
		switch {
		case e.Removed():
			if present {
				ch.Removed = append(ch.Removed, e.ClientID)
			}
		case !present:
			ch.Added = append(ch.Added, e.ClientID)
		default:
			ch.Updated = append(ch.Updated, e.ClientID)
		}
	}
	return ch, nil
}

// Remove drops the given clients, bumping their clocks so peers accept the removal.
func (t *Table) Remove(clients []uint64) Change {
	var ch Change
	now := t.now()
	for _, id := range clients {
		if _, ok := t.states[id]; !ok {
			continue
		}
		delete(t.states, id)
		m := t.meta[id]
		t.meta[id] = meta{clock: m.clock + 1, lastSeen: now}
		ch.Removed = append(ch.Removed, id)
	}
	return ch
}

// Expire removes every state that has not been renewed within timeout.
func (t *Table) Expire(timeout time.Duration) Change {
	var ch Change
	now := t.now()
	for id := range t.states {
		if m := t.meta[id]; now.Sub(m.lastSeen) >= timeout {
			delete(t.states, id)
			ch.Removed = append(ch.Removed, id)
		}
	}
	sortIDs(ch.Removed)
	return ch
}

// Encode builds an update describing the current records of the given clients. Absent clients
// with a known clock encode as removals; unknown clients are skipped.
func (t *Table) Encode(clients []uint64) []byte {
	entries := make([]Entry, 0, len(clients))
	for _, id := range clients {
		m, ok := t.meta[id]
		if !ok {
			continue
		}
		state, present := t.states[id]
		if !present {
			state = null
		}
		entries = append(entries, Entry{ClientID: id, Clock: m.clock, State: state})
	}
	return Encode(entries)
}

// Clients returns the ids with a live state, sorted.
func (t *Table) Clients() []uint64 {
	out := make([]uint64, 0, len(t.states))
	for id := range t.states {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func (t *Table) State(client uint64) ([]byte, bool) {
	s, ok := t.states[client]
	return s, ok
}

func (t *Table) Len() int {
	return len(t.states)
}

func isNull(state []byte) bool {
	return len(state) == 0 || bytes.Equal(bytes.TrimSpace(state), null)
}

func compact(state []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, state); err != nil {
		return state
	}
	return buf.Bytes()
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
