package persistence

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/logstore"
)

func newPersistence(t *testing.T, threshold int) *Persistence {
	t.Helper()
	store, err := logstore.OpenBolt(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, Options{CompactionThreshold: threshold})
}

// updates produces n sequential updates against one document and returns them with the
// resulting document.
func updates(t *testing.T, n int) ([][]byte, *crdt.Doc) {
	t.Helper()
	d := crdt.New()
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		sv := d.EncodeStateVector()
		require.NoError(t, d.Automerge().Path(fmt.Sprintf("k%d", i%7)).Set(int64(i)))
		u, err := d.EncodeStateAsUpdate(sv)
		require.NoError(t, err)
		out = append(out, u)
	}
	return out, d
}

func logClocks(t *testing.T, p *Persistence, room string) []uint32 {
	t.Helper()
	kvs, err := p.store.Scan(context.Background(), updateRange(room, 0, 0))
	require.NoError(t, err)
	out := make([]uint32, 0, len(kvs))
	for _, kv := range kvs {
		c, err := clockFromUpdateKey(kv.Key)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func content(t *testing.T, d *crdt.Doc) any {
	t.Helper()
	c, err := d.Content()
	require.NoError(t, err)
	return c
}

func TestStoreUpdateAssignsContiguousClocks(t *testing.T) {
	ctx := context.Background()
	p := newPersistence(t, 0)
	us, _ := updates(t, 5)

	for i, u := range us {
		clock, err := p.StoreUpdate(ctx, "room", u)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), clock)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, logClocks(t, p, "room"))

	snap, err := p.readSnapshot(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), snap.clock)
}

func TestGetDocumentReplaysLog(t *testing.T) {
	ctx := context.Background()
	p := newPersistence(t, 0)
	us, src := updates(t, 10)
	for _, u := range us {
		_, err := p.StoreUpdate(ctx, "room", u)
		require.NoError(t, err)
	}

	doc, err := p.GetDocument(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, content(t, src), content(t, doc))
	assert.Equal(t, src.EncodeStateVector(), doc.EncodeStateVector())

	empty, err := p.GetDocument(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty.Heads())
}

func TestGetDocumentCompactsAboveThreshold(t *testing.T) {
	ctx := context.Background()
	p := newPersistence(t, 500)
	us, src := updates(t, 501)
	for _, u := range us {
		_, err := p.StoreUpdate(ctx, "ABCD", u)
		require.NoError(t, err)
	}
	require.Len(t, logClocks(t, p, "ABCD"), 501)

	doc, err := p.GetDocument(ctx, "ABCD")
	require.NoError(t, err)
	assert.Equal(t, content(t, src), content(t, doc))

	assert.Equal(t, []uint32{501}, logClocks(t, p, "ABCD"))
	snap, err := p.readSnapshot(ctx, "ABCD")
	require.NoError(t, err)
	assert.Equal(t, uint32(501), snap.clock)
	assert.Equal(t, src.EncodeStateVector(), snap.stateVector)

	// below threshold now, so nothing else happens
	_, err = p.GetDocument(ctx, "ABCD")
	require.NoError(t, err)
	assert.Equal(t, []uint32{501}, logClocks(t, p, "ABCD"))
}

func TestCompactionPreservesState(t *testing.T) {
	ctx := context.Background()
	p := newPersistence(t, 0)
	us, _ := updates(t, 20)
	for _, u := range us {
		_, err := p.StoreUpdate(ctx, "room", u)
		require.NoError(t, err)
	}
	before, err := p.GetDocument(ctx, "room")
	require.NoError(t, err)

	clock, err := p.Compact(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, int64(20), clock)

	after, err := p.GetDocument(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, content(t, before), content(t, after))

	// appends continue after the merged entry
	more, _ := updates(t, 1)
	next, err := p.StoreUpdate(ctx, "room", more[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(21), next)
	assert.Equal(t, []uint32{20, 21}, logClocks(t, p, "room"))
}

func TestCompactionInterruptedBeforeTrimLosesNothing(t *testing.T) {
	ctx := context.Background()
	p := newPersistence(t, 0)
	us, src := updates(t, 8)
	for _, u := range us {
		_, err := p.StoreUpdate(ctx, "room", u)
		require.NoError(t, err)
	}

	doc, entries, err := p.materialize(ctx, "room")
	require.NoError(t, err)
	clock, err := p.writeMerged(ctx, "room", doc, entries)
	require.NoError(t, err)
	// crash: the superseded entries were never deleted

	reopened := New(p.store, Options{})
	recovered, err := reopened.GetDocument(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, content(t, src), content(t, recovered))

	_, err = reopened.Compact(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []uint32{clock + 1}, logClocks(t, p, "room"))
	clean, err := reopened.GetDocument(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, content(t, src), content(t, clean))
}

func TestGetStateVector(t *testing.T) {
	ctx := context.Background()
	p := newPersistence(t, 0)

	sv, err := p.GetStateVector(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, crdt.New().EncodeStateVector(), sv)

	us, src := updates(t, 3)
	_, err = p.StoreUpdate(ctx, "room", us[0])
	require.NoError(t, err)
	first := crdt.New()
	require.NoError(t, first.ApplyUpdate(us[0]))

	sv, err = p.GetStateVector(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, first.EncodeStateVector(), sv)
	assert.Equal(t, []uint32{0}, logClocks(t, p, "room"))

	_, err = p.StoreUpdate(ctx, "room", us[1])
	require.NoError(t, err)
	_, err = p.StoreUpdate(ctx, "room", us[2])
	require.NoError(t, err)

	// stale snapshot: rebuilt through compaction
	sv, err = p.GetStateVector(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, src.EncodeStateVector(), sv)
	assert.Equal(t, []uint32{3}, logClocks(t, p, "room"))
}

func TestGetDiff(t *testing.T) {
	ctx := context.Background()
	p := newPersistence(t, 0)
	us, src := updates(t, 4)
	for _, u := range us {
		_, err := p.StoreUpdate(ctx, "room", u)
		require.NoError(t, err)
	}
	peer := crdt.New()
	require.NoError(t, peer.ApplyUpdate(us[0]))

	diff, err := p.GetDiff(ctx, "room", peer.EncodeStateVector())
	require.NoError(t, err)
	require.NoError(t, peer.ApplyUpdate(diff))
	assert.Equal(t, content(t, src), content(t, peer))
}

func TestFlushPersistsUnwrittenState(t *testing.T) {
	ctx := context.Background()
	p := newPersistence(t, 0)
	_, src := updates(t, 3)

	clock, err := p.Flush(ctx, "fresh", src)
	require.NoError(t, err)
	assert.Equal(t, int64(0), clock)

	doc, err := p.GetDocument(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, content(t, src), content(t, doc))

	rooms, err := p.ListRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, rooms)

	clock, err = p.Compact(ctx, "never-written")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), clock)
}

func TestMetadataAndRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newPersistence(t, 0)
	us, _ := updates(t, 2)
	for _, room := range []string{"b", "a", "a/b"} {
		for _, u := range us {
			_, err := p.StoreUpdate(ctx, room, u)
			require.NoError(t, err)
		}
	}

	require.NoError(t, p.SetMeta(ctx, "a", "flag", []byte("on")))
	require.NoError(t, p.SetMeta(ctx, "a", "owner", []byte("x")))
	require.NoError(t, p.SetMeta(ctx, "a/b", "flag", []byte("off")))

	v, err := p.GetMeta(ctx, "a", "flag")
	require.NoError(t, err)
	assert.Equal(t, "on", string(v))

	meta, err := p.ListMeta(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"flag": []byte("on"), "owner": []byte("x")}, meta)

	require.NoError(t, p.DelMeta(ctx, "a", "owner"))
	_, err = p.GetMeta(ctx, "a", "owner")
	assert.ErrorIs(t, err, ErrNotFound)

	// compaction leaves metadata alone
	_, err = p.Compact(ctx, "a")
	require.NoError(t, err)
	v, err = p.GetMeta(ctx, "a", "flag")
	require.NoError(t, err)
	assert.Equal(t, "on", string(v))

	rooms, err := p.ListRooms(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "a/b"}, rooms)

	require.NoError(t, p.DestroyRoom(ctx, "a"))
	rooms, err = p.ListRooms(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "a/b"}, rooms)
	assert.Empty(t, logClocks(t, p, "a"))
	_, err = p.GetMeta(ctx, "a", "flag")
	assert.ErrorIs(t, err, ErrNotFound)

	// neighbouring room untouched
	assert.Len(t, logClocks(t, p, "a/b"), 2)
	v, err = p.GetMeta(ctx, "a/b", "flag")
	require.NoError(t, err)
	assert.Equal(t, "off", string(v))
}
