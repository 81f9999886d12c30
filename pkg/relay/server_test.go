package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/protocol"
)

type testServer struct {
	registry *Registry
	server   *Server
	http     *httptest.Server
}

func startServer(t *testing.T, opts Options, conn ConnOptions) *testServer {
	t.Helper()
	r := NewRegistry(opts)
	s := NewServer(r, ServerOptions{Conn: conn})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testServer{registry: r, server: s, http: ts}
}

func (s *testServer) dial(t *testing.T, room string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/" + room
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (s *testServer) waitForStateVector(t *testing.T, room string, sv []byte) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, ok := s.registry.Get(room)
		return ok && string(d.StateVector()) == string(sv)
	}, 5*time.Second, 10*time.Millisecond)
}

func (s *testServer) waitForNoRooms(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.registry.Rooms()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func readMessage(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	m, err := protocol.Decode(data)
	require.NoError(t, err)
	return m
}

func send(t *testing.T, ws *websocket.Conn, frame []byte) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))
}

func TestPlainRequestsGetOkay(t *testing.T) {
	s := startServer(t, Options{}, ConnOptions{})
	for _, path := range []string{"/", "/some/room"} {
		resp, err := http.Get(s.http.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "okay", string(body))
	}

	resp, err := http.Get(s.http.URL + "/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLateJoinerCatchesUpAndReceivesBroadcasts(t *testing.T) {
	s := startServer(t, Options{}, ConnOptions{})
	local := crdt.New()

	first := s.dial(t, "ABCD")
	greeting := readMessage(t, first)
	assert.Equal(t, protocol.SyncStep1, greeting.SyncType)

	u1 := edit(t, local, "x", int64(1))
	send(t, first, protocol.EncodeUpdate(u1))
	s.waitForStateVector(t, "ABCD", local.EncodeStateVector())

	second := s.dial(t, "ABCD")
	greeting = readMessage(t, second)
	require.Equal(t, protocol.SyncStep1, greeting.SyncType)
	assert.Equal(t, local.EncodeStateVector(), greeting.Payload)
	// a fresh replica has nothing the relay is missing
	missing, err := crdt.New().EncodeStateAsUpdate(greeting.Payload)
	require.NoError(t, err)
	assert.Empty(t, missing)
	send(t, second, protocol.EncodeSyncStep2(missing))

	send(t, second, protocol.EncodeSyncStep1(nil))
	reply := readMessage(t, second)
	require.Equal(t, protocol.SyncStep2, reply.SyncType)
	remote := crdt.New()
	require.NoError(t, remote.ApplyUpdate(reply.Payload))
	assert.Equal(t, local.EncodeStateVector(), remote.EncodeStateVector())

	u2 := edit(t, local, "y", int64(2))
	send(t, first, protocol.EncodeUpdate(u2))
	update := readMessage(t, second)
	require.Equal(t, protocol.SyncUpdate, update.SyncType)
	require.NoError(t, remote.ApplyUpdate(update.Payload))
	assert.Equal(t, local.EncodeStateVector(), remote.EncodeStateVector())

	// the sender never hears its own update back
	require.NoError(t, first.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = first.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestBadFrameClosesConnection(t *testing.T) {
	s := startServer(t, Options{}, ConnOptions{})
	ws := s.dial(t, "room")
	readMessage(t, ws)

	send(t, ws, []byte{0xff, 0xff, 0xff})
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData))
	s.waitForNoRooms(t)
}

func TestUnansweredPingsCloseConnection(t *testing.T) {
	s := startServer(t, Options{}, ConnOptions{PingInterval: 50 * time.Millisecond})
	// never reading means pings are never answered
	s.dial(t, "room")
	require.Eventually(t, func() bool {
		return len(s.registry.Rooms()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	s.waitForNoRooms(t)
}

func TestAnsweredPingsKeepConnection(t *testing.T) {
	s := startServer(t, Options{}, ConnOptions{PingInterval: 50 * time.Millisecond})
	ws := s.dial(t, "room")
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, []string{"room"}, s.registry.Rooms())
}

func TestRoomReloadsFromStoreAfterEviction(t *testing.T) {
	s := startServer(t, Options{Persistence: newPersistence(t)}, ConnOptions{})
	local := crdt.New()

	ws := s.dial(t, "docs/a")
	readMessage(t, ws)
	send(t, ws, protocol.EncodeUpdate(edit(t, local, "title", "hello")))
	s.waitForStateVector(t, "docs/a", local.EncodeStateVector())
	require.NoError(t, ws.Close())
	s.waitForNoRooms(t)

	ws = s.dial(t, "docs/a")
	greeting := readMessage(t, ws)
	assert.Equal(t, local.EncodeStateVector(), greeting.Payload)
}

func TestOfflineEditsConverge(t *testing.T) {
	s := startServer(t, Options{}, ConnOptions{})
	left, right := crdt.New(), crdt.New()
	ul := edit(t, left, "left", int64(1))
	ur := edit(t, right, "right", int64(2))

	a := s.dial(t, "room")
	b := s.dial(t, "room")
	readMessage(t, a)
	readMessage(t, b)

	send(t, a, protocol.EncodeUpdate(ul))
	m := readMessage(t, b)
	require.NoError(t, right.ApplyUpdate(m.Payload))
	send(t, b, protocol.EncodeUpdate(ur))
	m = readMessage(t, a)
	require.NoError(t, left.ApplyUpdate(m.Payload))

	assert.Equal(t, left.EncodeStateVector(), right.EncodeStateVector())
	lc, err := left.Content()
	require.NoError(t, err)
	rc, err := right.Content()
	require.NoError(t, err)
	assert.Equal(t, lc, rc)
}

func TestShutdownFlushesEveryRoom(t *testing.T) {
	p := newPersistence(t)
	s := startServer(t, Options{Persistence: p}, ConnOptions{})
	want := map[string][]byte{}
	for _, room := range []string{"one", "two"} {
		local := crdt.New()
		ws := s.dial(t, room)
		readMessage(t, ws)
		send(t, ws, protocol.EncodeUpdate(edit(t, local, "room", room)))
		s.waitForStateVector(t, room, local.EncodeStateVector())
		want[room] = local.EncodeStateVector()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.server.Shutdown(ctx))
	assert.Empty(t, s.registry.Rooms())

	for room, sv := range want {
		stored, err := p.GetStateVector(context.Background(), room)
		require.NoError(t, err)
		assert.Equal(t, sv, stored)
	}
}
