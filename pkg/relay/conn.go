package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultSendBuffer   = 256

	writeWait = 10 * time.Second
)

const (
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateClosing    = "closing"
	StateClosed     = "closed"

	eventOpen   = "open"
	eventClose  = "close"
	eventClosed = "closed"
)

type ConnOptions struct {
	PingInterval time.Duration
	SendBuffer   int
	Logger       *slog.Logger
}

func (o *ConnOptions) populateDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Conn supervises one websocket. A read pump feeds frames to the document and a write pump
// drains the send queue and keeps the connection alive with pings. The lifecycle runs
// connecting, open, closing, closed.
type Conn struct {
	id   string
	room string
	ws   *websocket.Conn
	opts ConnOptions
	log  *slog.Logger

	state *fsm.FSM

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode atomic.Int32
	closeMsg  atomic.Value

	pongReceived atomic.Bool
}

func NewConn(ws *websocket.Conn, room string, opts ConnOptions) *Conn {
	opts.populateDefaults()
	id := uuid.NewString()
	c := &Conn{
		id:   id,
		room: room,
		ws:   ws,
		opts: opts,
		log:  opts.Logger.With("room", room, "conn", id),
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
	c.closeCode.Store(websocket.CloseNormalClosure)
	c.state = fsm.NewFSM(
		StateConnecting,
		fsm.Events{
			{Name: eventOpen, Src: []string{StateConnecting}, Dst: StateOpen},
			{Name: eventClose, Src: []string{StateConnecting, StateOpen}, Dst: StateClosing},
			{Name: eventClosed, Src: []string{StateClosing}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debug("connection state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Room() string {
	return c.room
}

// State is the current lifecycle state.
func (c *Conn) State() string {
	return c.state.Current()
}

// Send queues a frame. A full queue means the peer cannot keep up, and it is closed rather than
// allowed to stall the document.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send queue full, closing connection")
		c.closeWith(websocket.ClosePolicyViolation, "too slow")
		return false
	}
}

func (c *Conn) Close() {
	c.closeWith(websocket.CloseGoingAway, "")
}

func (c *Conn) closeWith(code int, msg string) {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		c.closeMsg.Store(msg)
		close(c.done)
	})
}

func (c *Conn) transition(ctx context.Context, event string) {
	if err := c.state.Event(ctx, event); err != nil {
		c.log.Debug("ignored state transition", "event", event, "err", err)
	}
}

// Serve registers the connection with its room and runs it until either side closes. It
// returns after the connection has been released from the registry.
func (c *Conn) Serve(ctx context.Context, registry *Registry) {
	connectionsGauge.Inc()
	defer connectionsGauge.Dec()

	doc := registry.Acquire(ctx, c.room, c)
	defer c.transition(ctx, eventClosed)
	defer registry.Release(ctx, doc, c)

	select {
	case <-doc.Ready():
	case <-c.done:
		c.transition(ctx, eventClose)
		_ = c.ws.Close()
		return
	}

	doc.Greet(c)
	c.transition(ctx, eventOpen)

	c.pongReceived.Store(true)
	c.ws.SetPongHandler(func(string) error {
		c.pongReceived.Store(true)
		return nil
	})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump(doc)
	c.transition(ctx, eventClose)
	c.closeWith(websocket.CloseNormalClosure, "")
	<-writerDone
}

func (c *Conn) readPump(doc *Document) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("connection read failed", "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := doc.Handle(c, data); err != nil {
			protocolErrorsTotal.Inc()
			c.log.Warn("closing connection after bad frame", "err", err)
			c.closeWith(websocket.CloseUnsupportedData, "bad frame")
			return
		}
	}
}

// writePump owns every write to the socket. On each tick it closes the connection if the
// previous ping went unanswered, and otherwise sends a new one.
func (c *Conn) writePump() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	defer c.ws.Close()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.log.Debug("connection write failed", "err", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-t.C:
			if !c.pongReceived.Load() {
				keepaliveTimeoutsTotal.Inc()
				c.log.Info("ping not answered, closing connection")
				c.closeWith(websocket.CloseGoingAway, "ping timeout")
				return
			}
			c.pongReceived.Store(false)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ping failed", "err", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			msg, _ := c.closeMsg.Load().(string)
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(int(c.closeCode.Load()), msg),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}
