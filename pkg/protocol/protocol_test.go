package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-relay/pkg/crdt"
)

func TestDecodeFrames(t *testing.T) {
	m, err := Decode(EncodeSyncStep1([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, MessageSync, m.Type)
	assert.Equal(t, SyncStep1, m.SyncType)
	assert.Equal(t, []byte{1, 2, 3}, m.Payload)

	m, err = Decode(EncodeUpdate([]byte("u")))
	require.NoError(t, err)
	assert.Equal(t, SyncUpdate, m.SyncType)

	m, err = Decode(EncodeAwareness([]byte("a")))
	require.NoError(t, err)
	assert.Equal(t, MessageAwareness, m.Type)
	assert.Equal(t, []byte("a"), m.Payload)

	m, err = Decode(EncodeQueryAwareness())
	require.NoError(t, err)
	assert.Equal(t, MessageQueryAwareness, m.Type)

	m, err = Decode(EncodePermissionDenied("nope"))
	require.NoError(t, err)
	assert.Equal(t, MessageAuth, m.Type)
	assert.Equal(t, "nope", m.Reason)
}

func TestDecodeRejectsBrokenFrames(t *testing.T) {
	full := EncodeSyncStep2([]byte("some update bytes"))
	cases := map[string][]byte{
		"empty":             {},
		"truncated payload": full[:len(full)-3],
		"missing sync type": {0x00},
		"unterminated type": {0x80},
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	_, err := Decode([]byte{0x07})
	assert.ErrorIs(t, err, ErrUnknownMessage)
	_, err = Decode([]byte{0x00, 0x05, 0x00})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestHandshakeConverges(t *testing.T) {
	server, client := crdt.New(), crdt.New()
	require.NoError(t, server.Automerge().Path("server").Set("s"))
	require.NoError(t, client.Automerge().Path("client").Set("c"))

	// server -> client: step1, client answers with step2
	m, err := Decode(EncodeSyncStep1(server.EncodeStateVector()))
	require.NoError(t, err)
	reply, err := ReadSyncMessage(m, client)
	require.NoError(t, err)
	m, err = Decode(reply)
	require.NoError(t, err)
	require.Equal(t, SyncStep2, m.SyncType)
	_, err = ReadSyncMessage(m, server)
	require.NoError(t, err)

	// client -> server: step1, server answers with step2
	m, err = Decode(EncodeSyncStep1(client.EncodeStateVector()))
	require.NoError(t, err)
	reply, err = ReadSyncMessage(m, server)
	require.NoError(t, err)
	m, err = Decode(reply)
	require.NoError(t, err)
	_, err = ReadSyncMessage(m, client)
	require.NoError(t, err)

	sc, err := server.Content()
	require.NoError(t, err)
	cc, err := client.Content()
	require.NoError(t, err)
	assert.Equal(t, sc, cc)
	assert.Equal(t, server.EncodeStateVector(), client.EncodeStateVector())

	// nothing left to exchange
	m, _ = Decode(EncodeSyncStep1(client.EncodeStateVector()))
	reply, err = ReadSyncMessage(m, server)
	require.NoError(t, err)
	m, _ = Decode(reply)
	assert.Empty(t, m.Payload)
}
