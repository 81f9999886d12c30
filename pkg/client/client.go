// Package client is the peer side of the relay protocol. It keeps a local document in sync with
// a room over one websocket and publishes a presence state for its client id.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-relay/pkg/awareness"
	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/protocol"
)

var ErrPermissionDenied = errors.New("permission denied")

const writeWait = 10 * time.Second

type Options struct {
	// ClientID identifies this peer in awareness. Zero picks a random id.
	ClientID uint64
	Dialer   *websocket.Dialer
	Logger   *slog.Logger
}

type Client struct {
	clientID uint64
	ws       *websocket.Conn
	log      *slog.Logger
	writeMu  sync.Mutex

	mu       sync.Mutex
	doc      *crdt.Doc
	peers    *awareness.Table
	clock    uint64
	presence []byte

	synced   chan struct{}
	syncOnce sync.Once
	changed  chan struct{}
	done     chan struct{}
	err      error
}

// Dial connects to the room at url and starts syncing doc with it. The caller must not touch
// doc directly afterwards; use Update and View.
func Dial(ctx context.Context, url string, doc *crdt.Doc, opts Options) (*Client, error) {
	if opts.ClientID == 0 {
		opts.ClientID = uint64(rand.Uint32())
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ws, _, err := opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	c := &Client{
		clientID: opts.ClientID,
		ws:       ws,
		log:      opts.Logger.With("client", opts.ClientID),
		doc:      doc,
		peers:    awareness.NewTable(nil),
		synced:   make(chan struct{}),
		changed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	sv := doc.EncodeStateVector()
	c.mu.Unlock()
	if err := c.write(protocol.EncodeSyncStep1(sv)); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) ClientID() uint64 {
	return c.clientID
}

// Synced is closed once the relay has answered our state vector.
func (c *Client) Synced() <-chan struct{} {
	return c.synced
}

// Changed receives a value after a remote update changed the document. Notifications coalesce.
func (c *Client) Changed() <-chan struct{} {
	return c.changed
}

// Done is closed when the connection ends. Err reports why.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// Update runs fn against the local document and sends whatever it changed.
func (c *Client) Update(fn func(doc *automerge.Doc) error) error {
	c.mu.Lock()
	before := c.doc.EncodeStateVector()
	if err := fn(c.doc.Automerge()); err != nil {
		c.mu.Unlock()
		return err
	}
	delta, err := c.doc.EncodeStateAsUpdate(before)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if len(delta) == 0 {
		return nil
	}
	return c.write(protocol.EncodeUpdate(delta))
}

// View runs fn with the local document locked.
func (c *Client) View(fn func(doc *crdt.Doc) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.doc)
}

// SetPresence publishes state as this client's awareness state. A nil state withdraws it.
func (c *Client) SetPresence(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode presence: %w", err)
	}
	c.mu.Lock()
	c.clock++
	c.presence = raw
	frame := c.presenceFrameLocked()
	c.mu.Unlock()
	return c.write(frame)
}

func (c *Client) presenceFrameLocked() []byte {
	return protocol.EncodeAwareness(awareness.Encode([]awareness.Entry{
		{ClientID: c.clientID, Clock: c.clock, State: c.presence},
	}))
}

// Peers returns the awareness states currently known, keyed by client id.
func (c *Client) Peers() map[uint64]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]json.RawMessage)
	for _, id := range c.peers.Clients() {
		s, _ := c.peers.State(id)
		out[id] = json.RawMessage(s)
	}
	return out
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.err = err
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := c.handle(data); err != nil {
			c.err = err
			c.log.Warn("closing connection", "err", err)
			_ = c.ws.Close()
			return
		}
	}
}

func (c *Client) handle(frame []byte) error {
	m, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	switch m.Type {
	case protocol.MessageSync:
		c.mu.Lock()
		before := c.doc.EncodeStateVector()
		reply, err := protocol.ReadSyncMessage(m, c.doc)
		after := c.doc.EncodeStateVector()
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if m.SyncType == protocol.SyncStep2 {
			c.syncOnce.Do(func() { close(c.synced) })
		}
		if string(before) != string(after) {
			select {
			case c.changed <- struct{}{}:
			default:
			}
		}
		if reply != nil {
			return c.write(reply)
		}
	case protocol.MessageAwareness:
		c.mu.Lock()
		_, err := c.peers.Apply(m.Payload)
		c.mu.Unlock()
		return err
	case protocol.MessageQueryAwareness:
		c.mu.Lock()
		var frame []byte
		if c.presence != nil {
			frame = c.presenceFrameLocked()
		}
		c.mu.Unlock()
		if frame != nil {
			return c.write(frame)
		}
	case protocol.MessageAuth:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, m.Reason)
	}
	return nil
}
