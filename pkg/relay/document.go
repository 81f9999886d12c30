package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/automerge-relay/pkg/awareness"
	"github.com/astromechza/automerge-relay/pkg/callback"
	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/protocol"
)

const persistQueueLength = 1024

// Peer is the sending half of a connection as seen by a document.
type Peer interface {
	ID() string
	// Send queues a frame without blocking. It returns false when the peer is gone or too slow,
	// in which case the peer closes itself.
	Send(frame []byte) bool
	Close()
}

// Envelope is a frame addressed to one peer.
type Envelope struct {
	To    Peer
	Frame []byte
}

// Document is the in-memory state of one room: the CRDT, the awareness table and the
// connections subscribed to it. Every mutation happens under mu, and the resulting envelopes
// are delivered before mu is released, so peers observe updates in the order they were applied.
type Document struct {
	name     string
	registry *Registry
	log      *slog.Logger

	ready   chan struct{}
	initErr error

	mu        sync.Mutex
	doc       *crdt.Doc
	awareness *awareness.Table
	// conns maps each peer to the awareness client ids it controls.
	conns map[Peer]map[uint64]struct{}

	persistQ    chan []byte
	persistDone chan struct{}
}

func newDocument(name string, registry *Registry) *Document {
	return &Document{
		name:      name,
		registry:  registry,
		log:       registry.log.With("room", name),
		ready:     make(chan struct{}),
		doc:       crdt.New(),
		awareness: awareness.NewTable(registry.now),
		conns:     make(map[Peer]map[uint64]struct{}),
	}
}

func (d *Document) Name() string {
	return d.name
}

// Ready is closed once the document has been loaded and may serve messages.
func (d *Document) Ready() <-chan struct{} {
	return d.ready
}

// InitErr is the load error, if any, once Ready is closed. A document that failed to load keeps
// serving from memory.
func (d *Document) InitErr() error {
	<-d.ready
	return d.initErr
}

// load replays the persisted log, runs the initializer for rooms that have no history yet and
// starts the persistence worker. It waits for a previous instance of the room to finish
// flushing first.
func (d *Document) load(ctx context.Context, previous <-chan struct{}) {
	defer close(d.ready)
	if previous != nil {
		<-previous
	}

	r := d.registry
	doc := crdt.New()
	if r.persistence != nil {
		stored, err := r.persistence.GetDocument(ctx, d.name)
		if err != nil {
			d.initErr = fmt.Errorf("failed to load room: %w", err)
			d.log.Error("failed to load room, serving from memory", "err", err)
		} else {
			doc = stored
		}
	}

	if d.initErr == nil && len(doc.Heads()) == 0 && r.initializer != nil {
		if err := r.initializer(ctx, d.name, doc); err != nil {
			d.log.Error("room initializer failed", "err", err)
		} else if r.persistence != nil && len(doc.Heads()) > 0 {
			if full, err := doc.EncodeStateAsUpdate(nil); err != nil {
				d.log.Error("failed to encode initial state", "err", err)
			} else if _, err := r.persistence.StoreUpdate(ctx, d.name, full); err != nil {
				persistenceErrorsTotal.Inc()
				d.log.Error("failed to store initial state", "err", err)
			}
		}
	}

	d.mu.Lock()
	d.doc = doc
	d.mu.Unlock()

	if r.persistence != nil {
		d.persistQ = make(chan []byte, persistQueueLength)
		d.persistDone = make(chan struct{})
		go d.persistLoop(context.WithoutCancel(ctx))
	}
	d.log.Debug("room loaded", "heads", len(doc.Heads()))
}

// persistLoop appends updates in the order they were applied.
func (d *Document) persistLoop(ctx context.Context) {
	defer close(d.persistDone)
	for update := range d.persistQ {
		if _, err := d.registry.persistence.StoreUpdate(ctx, d.name, update); err != nil {
			persistenceErrorsTotal.Inc()
			d.log.Error("failed to store update", "err", err)
		}
	}
}

// Greet sends the opening handshake to a newly registered peer: our state vector, followed by
// the current awareness states when there are any.
func (d *Document) Greet(p Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return
	}
	envs := []Envelope{{To: p, Frame: protocol.EncodeSyncStep1(d.doc.EncodeStateVector())}}
	if clients := d.awareness.Clients(); len(clients) > 0 {
		envs = append(envs, Envelope{To: p, Frame: protocol.EncodeAwareness(d.awareness.Encode(clients))})
	}
	deliver(envs)
}

// Handle processes one frame received from p. An error means the frame could not be decoded or
// applied and the connection should be closed.
func (d *Document) Handle(p Peer, frame []byte) error {
	m, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	messagesTotal.WithLabelValues(messageLabel(m.Type)).Inc()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return nil
	}
	envs, err := d.handleLocked(p, m)
	deliver(envs)
	return err
}

func (d *Document) handleLocked(p Peer, m protocol.Message) ([]Envelope, error) {
	switch m.Type {
	case protocol.MessageSync:
		s := &syncTarget{d: d, origin: p}
		reply, err := protocol.ReadSyncMessage(m, s)
		if reply != nil {
			s.envs = append(s.envs, Envelope{To: p, Frame: reply})
		}
		return s.envs, err
	case protocol.MessageAwareness:
		return d.applyAwarenessLocked(m.Payload, p)
	case protocol.MessageQueryAwareness:
		clients := d.awareness.Clients()
		if len(clients) == 0 {
			return nil, nil
		}
		return []Envelope{{To: p, Frame: protocol.EncodeAwareness(d.awareness.Encode(clients))}}, nil
	case protocol.MessageAuth:
		d.log.Debug("ignoring auth message", "reason", m.Reason)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %d", protocol.ErrUnknownMessage, m.Type)
}

// applyUpdateLocked merges an update and fans out what was actually new. Nothing is persisted or
// broadcast when the update did not change the document.
func (d *Document) applyUpdateLocked(update []byte, origin Peer) ([]Envelope, error) {
	before := d.doc.EncodeStateVector()
	if err := d.doc.ApplyUpdate(update); err != nil {
		return nil, err
	}
	if bytes.Equal(before, d.doc.EncodeStateVector()) {
		return nil, nil
	}
	delta, err := d.doc.EncodeStateAsUpdate(before)
	if err != nil {
		return nil, err
	}
	if len(delta) == 0 {
		return nil, nil
	}

	if d.persistQ != nil {
		d.enqueuePersistLocked(delta)
	}
	if n := d.registry.notifier(); n != nil {
		n.Touch(d.name)
	}

	frame := protocol.EncodeUpdate(delta)
	envs := make([]Envelope, 0, len(d.conns))
	for c := range d.conns {
		if c != origin {
			envs = append(envs, Envelope{To: c, Frame: frame})
		}
	}
	return envs, nil
}

// enqueuePersistLocked hands delta to the persistence worker. When the queue is full the room
// blocks here, under its lock, until the store catches up.
func (d *Document) enqueuePersistLocked(delta []byte) {
	select {
	case d.persistQ <- delta:
		return
	default:
	}
	persistQueueFullTotal.Inc()
	d.log.Warn("persistence queue full, room stalled on the store")
	d.persistQ <- delta
}

// applyAwarenessLocked merges an awareness update. The originator receives the echo like every
// other peer. Client ids added or updated by origin are recorded as controlled by it.
func (d *Document) applyAwarenessLocked(update []byte, origin Peer) ([]Envelope, error) {
	ch, err := d.awareness.Apply(update)
	if err != nil {
		return nil, err
	}
	if ch.Empty() {
		return nil, nil
	}
	if controlled, ok := d.conns[origin]; ok {
		for _, id := range ch.Added {
			controlled[id] = struct{}{}
		}
		for _, id := range ch.Updated {
			controlled[id] = struct{}{}
		}
		for _, id := range ch.Removed {
			delete(controlled, id)
		}
	}
	return d.broadcastAwarenessLocked(ch, nil), nil
}

func (d *Document) broadcastAwarenessLocked(ch awareness.Change, except Peer) []Envelope {
	frame := protocol.EncodeAwareness(d.awareness.Encode(ch.All()))
	envs := make([]Envelope, 0, len(d.conns))
	for c := range d.conns {
		if c != except {
			envs = append(envs, Envelope{To: c, Frame: frame})
		}
	}
	return envs
}

func (d *Document) addConnLocked(p Peer) {
	if _, ok := d.conns[p]; !ok {
		d.conns[p] = make(map[uint64]struct{})
	}
}

// removeConnLocked unregisters p and retracts the awareness states it controlled. It reports
// whether p was the last connection.
func (d *Document) removeConnLocked(p Peer) ([]Envelope, bool) {
	controlled, ok := d.conns[p]
	if !ok {
		return nil, len(d.conns) == 0
	}
	delete(d.conns, p)

	var envs []Envelope
	if len(controlled) > 0 && d.awareness != nil {
		ids := make([]uint64, 0, len(controlled))
		for id := range controlled {
			ids = append(ids, id)
		}
		if ch := d.awareness.Remove(ids); !ch.Empty() {
			envs = d.broadcastAwarenessLocked(ch, p)
		}
	}
	return envs, len(d.conns) == 0
}

// expireAwareness drops states that have not been renewed in time and tells every peer.
func (d *Document) expireAwareness(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.awareness == nil {
		return
	}
	ch := d.awareness.Expire(timeout)
	if ch.Empty() {
		return
	}
	for _, controlled := range d.conns {
		for _, id := range ch.Removed {
			delete(controlled, id)
		}
	}
	d.log.Debug("expired awareness states", "clients", ch.Removed)
	deliver(d.broadcastAwarenessLocked(ch, nil))
}

// destroy runs once the last connection is gone: it drains pending writes, folds the in-memory
// state into the store, fires any pending callback and releases the document.
func (d *Document) destroy(ctx context.Context) {
	<-d.ready
	r := d.registry
	if d.persistQ != nil {
		close(d.persistQ)
		<-d.persistDone
	}

	d.mu.Lock()
	doc := d.doc
	d.mu.Unlock()

	if r.persistence != nil && doc != nil {
		if _, err := r.persistence.Flush(ctx, d.name, doc); err != nil {
			persistenceErrorsTotal.Inc()
			d.log.Error("failed to flush room", "err", err)
		}
	}
	if n := r.notifier(); n != nil {
		n.FireNow(ctx, d.name)
	}

	d.mu.Lock()
	d.doc = nil
	d.awareness = nil
	d.mu.Unlock()
	d.log.Debug("room unloaded")
}

// Snapshot reports the current content of the document for callbacks and inspection.
func (d *Document) Snapshot() (callback.Snapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return callback.Snapshot{}, false
	}
	content, err := d.doc.Content()
	if err != nil {
		d.log.Error("failed to read content", "err", err)
		return callback.Snapshot{}, false
	}
	heads := d.doc.Heads()
	snap := callback.Snapshot{Room: d.name, Heads: make([]string, len(heads)), Data: content}
	for i, h := range heads {
		snap.Heads[i] = hex.EncodeToString(h[:])
	}
	return snap, true
}

// StateVector returns the encoded heads of the live document.
func (d *Document) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return nil
	}
	return d.doc.EncodeStateVector()
}

// Connections returns the number of registered peers.
func (d *Document) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// AwarenessClients returns the ids with a live awareness state.
func (d *Document) AwarenessClients() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.awareness == nil {
		return nil
	}
	return d.awareness.Clients()
}

// syncTarget applies sync steps on behalf of a peer and collects the resulting broadcast.
type syncTarget struct {
	d      *Document
	origin Peer
	envs   []Envelope
}

func (s *syncTarget) ApplyUpdate(update []byte) error {
	envs, err := s.d.applyUpdateLocked(update, s.origin)
	s.envs = append(s.envs, envs...)
	return err
}

func (s *syncTarget) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	return s.d.doc.EncodeStateAsUpdate(stateVector)
}

func deliver(envs []Envelope) {
	for _, e := range envs {
		e.To.Send(e.Frame)
	}
}

func messageLabel(t uint64) string {
	switch t {
	case protocol.MessageSync:
		return "sync"
	case protocol.MessageAwareness:
		return "awareness"
	case protocol.MessageAuth:
		return "auth"
	case protocol.MessageQueryAwareness:
		return "query_awareness"
	}
	return "unknown"
}
