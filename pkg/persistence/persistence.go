// Package persistence maps a room's update history onto a logstore.Store: an append-only log of
// opaque updates, a cached state-vector snapshot, compaction, and free-form metadata.
//
// Every operation on a room runs under that room's lock, so writes to one room reach the store
// in the order they were issued while other rooms proceed in parallel.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/logstore"
)

const DefaultCompactionThreshold = 500

var ErrNotFound = errors.New("not found")

var (
	compactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_compactions_total",
		Help: "The total number of update log compactions",
	})
	storedUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_stored_updates_total",
		Help: "The total number of updates appended to the log",
	})
)

type Options struct {
	// CompactionThreshold is the log length above which GetDocument compacts. Zero means the
	// default.
	CompactionThreshold int
	Logger              *slog.Logger
}

type Persistence struct {
	store     logstore.Store
	threshold int
	locks     *keyLock
	log       *slog.Logger
}

func New(store logstore.Store, opts Options) *Persistence {
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = DefaultCompactionThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Persistence{
		store:     store,
		threshold: opts.CompactionThreshold,
		locks:     newKeyLock(),
		log:       opts.Logger,
	}
}

func (p *Persistence) Store() logstore.Store {
	return p.store
}

// StoreUpdate appends update to the room's log and returns its clock. The first update of a room
// gets clock 0 and is written together with a snapshot of the state it produces.
func (p *Persistence) StoreUpdate(ctx context.Context, room string, update []byte) (uint32, error) {
	defer p.locks.lock(room)()

	current, err := p.currentClock(ctx, room)
	if err != nil {
		return 0, err
	}
	var ops []logstore.Op
	if current < 0 {
		d := crdt.New()
		if err := d.ApplyUpdate(update); err != nil {
			return 0, fmt.Errorf("failed to derive initial state vector: %w", err)
		}
		ops = append(ops, logstore.Put(stateVectorKey(room), encodeSnapshot(snapshot{clock: 0, stateVector: d.EncodeStateVector()})))
	}
	clock := uint32(current + 1)
	ops = append(ops, logstore.Put(updateKey(room, clock), update))
	if err := p.store.Write(ctx, ops); err != nil {
		return 0, fmt.Errorf("failed to append update %d for %q: %w", clock, room, err)
	}
	storedUpdatesTotal.Inc()
	return clock, nil
}

// GetDocument replays the room's log into a fresh document. A log longer than the compaction
// threshold is compacted before returning.
func (p *Persistence) GetDocument(ctx context.Context, room string) (*crdt.Doc, error) {
	defer p.locks.lock(room)()

	doc, entries, err := p.materialize(ctx, room)
	if err != nil {
		return nil, err
	}
	if len(entries) > p.threshold {
		p.log.Info("compacting update log", "room", room, "entries", len(entries))
		if _, err := p.compactLocked(ctx, room, doc, entries); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// GetStateVector returns the cached snapshot when it is current, and otherwise rebuilds it by
// compacting the log.
func (p *Persistence) GetStateVector(ctx context.Context, room string) ([]byte, error) {
	defer p.locks.lock(room)()

	snap, err := p.readSnapshot(ctx, room)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	current, err := p.currentClock(ctx, room)
	if err != nil {
		return nil, err
	}
	if current < 0 {
		return crdt.New().EncodeStateVector(), nil
	}
	if snap != nil && int64(snap.clock) == current {
		return snap.stateVector, nil
	}
	p.log.Debug("state vector snapshot is stale", "room", room, "clock", current)
	doc, entries, err := p.materialize(ctx, room)
	if err != nil {
		return nil, err
	}
	if _, err := p.compactLocked(ctx, room, doc, entries); err != nil {
		return nil, err
	}
	return doc.EncodeStateVector(), nil
}

// GetDiff returns the update a peer with the given state vector is missing.
func (p *Persistence) GetDiff(ctx context.Context, room string, stateVector []byte) ([]byte, error) {
	doc, err := p.GetDocument(ctx, room)
	if err != nil {
		return nil, err
	}
	return doc.EncodeStateAsUpdate(stateVector)
}

// Compact merges the room's log into a single entry. It returns the clock of the merged entry,
// or -1 when the room has no log.
func (p *Persistence) Compact(ctx context.Context, room string) (int64, error) {
	return p.Flush(ctx, room, nil)
}

// Flush compacts the room's log and folds the state of doc (if any) into the merged entry, so
// updates that never made it into the log are persisted as well.
func (p *Persistence) Flush(ctx context.Context, room string, doc *crdt.Doc) (int64, error) {
	defer p.locks.lock(room)()

	merged, entries, err := p.materialize(ctx, room)
	if err != nil {
		return -1, err
	}
	if doc != nil {
		full, err := doc.EncodeStateAsUpdate(nil)
		if err != nil {
			return -1, err
		}
		if err := merged.ApplyUpdate(full); err != nil {
			return -1, fmt.Errorf("failed to fold in-memory state: %w", err)
		}
		if len(entries) == 0 && len(full) > 0 {
			// Never written: materialize a single entry plus its snapshot.
			sv := merged.EncodeStateVector()
			if err := p.store.Write(ctx, []logstore.Op{
				logstore.Put(updateKey(room, 0), full),
				logstore.Put(stateVectorKey(room), encodeSnapshot(snapshot{clock: 0, stateVector: sv})),
			}); err != nil {
				return -1, fmt.Errorf("failed to write initial state for %q: %w", room, err)
			}
			return 0, nil
		}
	}
	if len(entries) == 0 {
		return -1, nil
	}
	clock, err := p.compactLocked(ctx, room, merged, entries)
	return int64(clock), err
}

func (p *Persistence) compactLocked(ctx context.Context, room string, doc *crdt.Doc, entries []logstore.KV) (uint32, error) {
	clock, err := p.writeMerged(ctx, room, doc, entries)
	if err != nil {
		return 0, err
	}
	if err := p.trimBelow(ctx, room, clock); err != nil {
		return 0, err
	}
	compactionsTotal.Inc()
	return clock, nil
}

// writeMerged appends the merged state of doc at the next clock together with its snapshot. The
// superseded entries are still in place afterwards, so a crash here loses nothing: replaying
// them alongside the merged entry is idempotent.
func (p *Persistence) writeMerged(ctx context.Context, room string, doc *crdt.Doc, entries []logstore.KV) (uint32, error) {
	last, err := clockFromUpdateKey(entries[len(entries)-1].Key)
	if err != nil {
		return 0, err
	}
	merged, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return 0, fmt.Errorf("failed to encode merged update: %w", err)
	}
	clock := last + 1
	if err := p.store.Write(ctx, []logstore.Op{
		logstore.Put(updateKey(room, clock), merged),
		logstore.Put(stateVectorKey(room), encodeSnapshot(snapshot{clock: clock, stateVector: doc.EncodeStateVector()})),
	}); err != nil {
		return 0, fmt.Errorf("failed to write merged update for %q: %w", room, err)
	}
	return clock, nil
}

func (p *Persistence) trimBelow(ctx context.Context, room string, clock uint32) error {
	old, err := p.store.Scan(ctx, updateRange(room, 0, clock))
	if err != nil {
		return fmt.Errorf("failed to scan superseded updates: %w", err)
	}
	if len(old) == 0 {
		return nil
	}
	ops := make([]logstore.Op, 0, len(old))
	for _, kv := range old {
		ops = append(ops, logstore.Del(kv.Key))
	}
	if err := p.store.Write(ctx, ops); err != nil {
		return fmt.Errorf("failed to trim update log for %q: %w", room, err)
	}
	return nil
}

// materialize replays every log entry of the room. It returns an empty document for an unknown
// room.
func (p *Persistence) materialize(ctx context.Context, room string) (*crdt.Doc, []logstore.KV, error) {
	entries, err := p.store.Scan(ctx, updateRange(room, 0, 0))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read update log for %q: %w", room, err)
	}
	doc := crdt.New()
	for _, kv := range entries {
		if err := doc.ApplyUpdate(kv.Value); err != nil {
			clock, _ := clockFromUpdateKey(kv.Key)
			return nil, nil, fmt.Errorf("failed to replay update %d of %q: %w", clock, room, err)
		}
	}
	return doc, entries, nil
}

// currentClock returns the highest clock in the room's log, or -1 if the log is empty.
func (p *Persistence) currentClock(ctx context.Context, room string) (int64, error) {
	r := updateRange(room, 0, 0)
	r.Reverse = true
	r.Limit = 1
	last, err := p.store.Scan(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("failed to read current clock of %q: %w", room, err)
	}
	if len(last) == 0 {
		return -1, nil
	}
	clock, err := clockFromUpdateKey(last[0].Key)
	if err != nil {
		return 0, err
	}
	return int64(clock), nil
}

func (p *Persistence) readSnapshot(ctx context.Context, room string) (*snapshot, error) {
	raw, err := p.store.Get(ctx, stateVectorKey(room))
	if errors.Is(err, logstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot of %q: %w", room, err)
	}
	s, err := decodeSnapshot(raw)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListRooms returns every room that has been written at least once.
func (p *Persistence) ListRooms(ctx context.Context) ([]string, error) {
	kvs, err := p.store.Scan(ctx, logstore.PrefixRange(kindPrefix(kindStateVector)))
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	rooms := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		room, err := roomFromKey(kv.Key)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// DestroyRoom removes the log, the snapshot and all metadata of the room in one batch.
func (p *Persistence) DestroyRoom(ctx context.Context, room string) error {
	defer p.locks.lock(room)()

	ops := []logstore.Op{logstore.Del(stateVectorKey(room))}
	for _, prefix := range [][]byte{roomPrefix(kindUpdate, room), roomPrefix(kindMeta, room)} {
		kvs, err := p.store.Scan(ctx, logstore.PrefixRange(prefix))
		if err != nil {
			return fmt.Errorf("failed to scan %q: %w", room, err)
		}
		for _, kv := range kvs {
			ops = append(ops, logstore.Del(kv.Key))
		}
	}
	if err := p.store.Write(ctx, ops); err != nil {
		return fmt.Errorf("failed to destroy %q: %w", room, err)
	}
	return nil
}

func (p *Persistence) GetMeta(ctx context.Context, room, key string) ([]byte, error) {
	v, err := p.store.Get(ctx, metaKey(room, key))
	if errors.Is(err, logstore.ErrNotFound) {
		return nil, fmt.Errorf("meta %q of %q: %w", key, room, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read meta %q of %q: %w", key, room, err)
	}
	return v, nil
}

func (p *Persistence) SetMeta(ctx context.Context, room, key string, value []byte) error {
	defer p.locks.lock(room)()
	if err := p.store.Put(ctx, metaKey(room, key), value); err != nil {
		return fmt.Errorf("failed to write meta %q of %q: %w", key, room, err)
	}
	return nil
}

func (p *Persistence) DelMeta(ctx context.Context, room, key string) error {
	defer p.locks.lock(room)()
	if err := p.store.Delete(ctx, metaKey(room, key)); err != nil {
		return fmt.Errorf("failed to delete meta %q of %q: %w", key, room, err)
	}
	return nil
}

func (p *Persistence) ListMeta(ctx context.Context, room string) (map[string][]byte, error) {
	prefix := roomPrefix(kindMeta, room)
	kvs, err := p.store.Scan(ctx, logstore.PrefixRange(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list meta of %q: %w", room, err)
	}
	out := make(map[string][]byte, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key[len(prefix):])] = kv.Value
	}
	return out, nil
}

func (p *Persistence) Close() error {
	return p.store.Close()
}
