package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	r := relay.NewRegistry(relay.Options{})
	ts := httptest.NewServer(relay.NewServer(r, relay.ServerOptions{}).Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, doc *crdt.Doc, id uint64) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, doc, Options{ClientID: id})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	select {
	case <-c.Synced():
	case <-time.After(5 * time.Second):
		t.Fatal("client never synced")
	}
	return c
}

func content(t *testing.T, c *Client) any {
	t.Helper()
	var out any
	require.NoError(t, c.View(func(doc *crdt.Doc) error {
		var err error
		out, err = doc.Content()
		return err
	}))
	return out
}

func set(key string, value any) func(*automerge.Doc) error {
	return func(doc *automerge.Doc) error {
		return doc.Path(key).Set(value)
	}
}

func TestClientsConverge(t *testing.T) {
	url := startRelay(t) + "/room"

	// edits made before connecting reach the other side through the handshake
	offline := crdt.New()
	require.NoError(t, offline.Automerge().Path("offline").Set(true))

	a := dial(t, url, offline, 1)
	b := dial(t, url, crdt.New(), 2)

	require.NoError(t, a.Update(set("a", int64(1))))
	require.NoError(t, b.Update(set("b", int64(2))))

	want := map[string]any{"offline": true, "a": int64(1), "b": int64(2)}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, content(t, a)) && assert.ObjectsAreEqual(want, content(t, b))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPresenceIsSharedAndWithdrawnOnClose(t *testing.T) {
	url := startRelay(t) + "/room"
	a := dial(t, url, crdt.New(), 5)
	b := dial(t, url, crdt.New(), 9)

	require.NoError(t, a.SetPresence(map[string]string{"name": "a"}))
	require.Eventually(t, func() bool {
		s, ok := b.Peers()[5]
		return ok && string(s) == `{"name":"a"}`
	}, 5*time.Second, 10*time.Millisecond)
	// the relay echoes presence back to its owner
	require.Eventually(t, func() bool {
		_, ok := a.Peers()[5]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		_, ok := b.Peers()[5]
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLateJoinerSeesExistingPresence(t *testing.T) {
	url := startRelay(t) + "/room"
	a := dial(t, url, crdt.New(), 5)
	require.NoError(t, a.SetPresence(map[string]int{"cursor": 3}))
	require.Eventually(t, func() bool {
		_, ok := a.Peers()[5]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	b := dial(t, url, crdt.New(), 9)
	require.Eventually(t, func() bool {
		_, ok := b.Peers()[5]
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}
