package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn wires a transport to a Reader, Writer, and Emitter, and implements
// the persistent-reconnect policy and inbound message routing of spec.md
// §4.5.
//
// Grounded on pkg/devtools/browser.go's process lifecycle (a background
// goroutine driven by a "done" channel, cancel func, and supervised
// restarts), generalized from "one OS process" to "one logical session
// across transport reconnects". Goroutine supervision uses
// golang.org/x/sync/errgroup, as in the rest of the example pack's
// server-loop code; connection identity for logging uses
// github.com/google/uuid, following the correlation-id pattern other pack
// repos use for per-connection log lines.
type Conn struct {
	id     string
	logger Logger

	reader *Reader
	writer *Writer
	ids    *idSource
	Events *Emitter

	ackTimeout              time.Duration
	defaultOperationTimeout time.Duration
	resumptionEnabled       bool

	obs *observer

	// closeFn is set by NewClientConn/newServerConn to the concrete
	// transport's Close, so the Reader's fatal-error path can trigger a
	// disconnect without Conn holding the transport interface directly
	// (Design Notes §9 cycle break).
	closeFn func(error)

	// onReconnectNeeded is set by ClientConn to signal its reconnect loop
	// that the connection was lost while in persistent mode; nil (a
	// no-op) for ServerConn, which never reconnects.
	onReconnectNeeded func()

	mu         sync.Mutex
	connected  bool
	persistent bool
	cancel     context.CancelFunc
}

// connSender adapts a ClientTransport or ServerConnTransport to the narrow
// Sender port Writer depends on (Design Notes §9: "pass a narrow 'send
// bytes' port into Writer instead of the whole transport").
type connSender struct {
	send func([]byte) error
}

func (s connSender) Send(b []byte) error { return s.send(b) }

func newConn(cfg *config) *Conn {
	logger := cfg.logger
	if logger == nil {
		logger = defaultLogger{}
	}
	c := &Conn{
		id:                      uuid.NewString(),
		logger:                  logger,
		reader:                  NewReader(),
		ids:                     NewIDSource(),
		ackTimeout:              cfg.ackTimeout,
		defaultOperationTimeout: cfg.defaultOperationTimeout,
		resumptionEnabled:       cfg.resumptionEnabled,
		obs:                     newObserver(),
	}
	return c
}

// ID returns the connection's correlation id, used in log lines.
func (c *Conn) ID() string { return c.id }

// OnConnected registers a callback invoked each time the transport opens
// (spec.md §4.5: "emits connected").
func (c *Conn) OnConnected(fn func()) {
	c.obs.on("connected", func(args ...interface{}) { fn() })
}

// OnDisconnected registers a callback invoked each time the transport
// closes, intentionally or not.
func (c *Conn) OnDisconnected(fn func(err error)) {
	c.obs.on("disconnected", func(args ...interface{}) {
		if args[0] == nil {
			fn(nil)
			return
		}
		fn(args[0].(error))
	})
}

// OnError registers a callback invoked for handler exceptions, decode
// errors, and writer errors surfaced on this connection. An error event
// with no listener is passed to the Conn's Logger instead; it is not
// raised, and with the default Logger (no WithLogger option) it is
// discarded.
func (c *Conn) OnError(fn func(error)) {
	c.obs.on("error", func(args ...interface{}) { fn(args[0].(error)) })
}

// OnMessage registers a callback invoked for every non-system inbound
// message, for observers that want the raw Message (spec.md §4.5 step 5).
func (c *Conn) OnMessage(fn func(Message)) {
	c.obs.on("message", func(args ...interface{}) { fn(args[0].(Message)) })
}

func (c *Conn) raiseError(err error) {
	if c.obs.listenerCount("error") == 0 {
		c.logger.Printf("relay: conn %s unhandled error: %v", c.id, err)
		return
	}
	c.obs.emit("error", err)
}

// wireReaderAndWriter attaches the Reader/Writer pair to sender and builds
// the Emitter atop them. Called once per Conn (the Reader, Writer and
// Sender are all reused across reconnects).
func (c *Conn) wireReaderAndWriter(sender Sender) {
	c.writer = NewWriter(sender, c.logger)
	c.writer.OnError(func(err error) { c.raiseError(err) })
	c.Events = NewEmitter(c.writer, c.ids, c.ackTimeout, c.defaultOperationTimeout)
	c.Events.SetPanicHandler(func(err error) { c.raiseError(err) })

	c.reader.OnMessage(func(m Message) { c.handleInbound(m) })
	c.reader.OnError(func(err error) {
		c.raiseError(err)
		c.closeDueToReaderError(err)
	})
}

// handleInbound implements spec.md §4.5's inbound routing for one decoded
// Message.
func (c *Conn) handleInbound(m Message) {
	if m.Type != System {
		c.sendAck(m.ID)
	}

	switch m.Type {
	case System:
		c.handleSystem(m)
		return
	case Response:
		c.handleResponse(m)
	case Event:
		c.Events.dispatchEvent(m)
	case Binary:
		c.Events.dispatchBinary(m)
	case Request:
		c.Events.dispatchRequest(m, func(resp Message) {
			resp.ID = c.ids.next_()
			resp.Channel = m.Channel
			c.writer.Send(resp)
		})
	}

	c.obs.emit("message", m)
}

func (c *Conn) sendAck(id MessageID) {
	p, _ := JSONPayload(id)
	c.writer.Send(Message{ID: c.ids.next_(), Type: System, Channel: "ack", Payloads: []Payload{p}})
}

func (c *Conn) handleSystem(m Message) {
	if m.Channel != "ack" {
		return
	}
	if len(m.Payloads) == 0 {
		return
	}
	var ackedID MessageID
	if err := m.Payloads[0].Unmarshal(&ackedID); err != nil {
		return
	}
	c.writer.OnAck(ackedID)
}

// handleResponse implements the Response branch the source left
// unimplemented (spec.md §9 Open Questions: "treat §4.5's description as
// the intended contract").
func (c *Conn) handleResponse(m Message) {
	if len(m.Payloads) == 0 {
		return
	}
	var body responseBody
	if err := m.Payloads[0].Unmarshal(&body); err != nil {
		c.raiseError(&DecodeError{Detail: "malformed response body: " + err.Error()})
		return
	}
	if body.Success {
		var value interface{}
		if len(body.Value) > 0 {
			_ = json.Unmarshal(body.Value, &value)
		}
		c.writer.OnResponse(body.RequestID, value)
		return
	}
	c.writer.RejectResponse(body.RequestID, &RemoteError{Message: body.Error})
}

// closeDueToReaderError tears the current transport connection down
// following a fatal Reader error (spec.md §4.2: "A decode error is fatal to
// the connection"). The concrete disconnect call happens in the per-role
// binding (ClientConn/ServerConn), which owns the transport reference.
func (c *Conn) closeDueToReaderError(err error) {
	if c.closeFn != nil {
		c.closeFn(err)
	}
}

// handleConnected implements the "connected" transport lifecycle event
// (spec.md §4.5): Writer.setConnectionOpened(isResumed=true) is always
// passed true, reproducing the source's always-true behavior flagged as an
// open question in §9.
func (c *Conn) handleConnected() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.writer.SetConnectionOpened(true)
	c.obs.emit("connected")
}

// handleDisconnected implements the "disconnected(intentional, error)"
// transport lifecycle event (spec.md §4.5).
func (c *Conn) handleDisconnected(intentional bool, err error) {
	c.reader.Clear()

	c.mu.Lock()
	c.connected = false
	persistent := c.persistent
	c.mu.Unlock()

	lost := err != nil || !intentional
	if lost && c.resumptionEnabled {
		c.writer.SetConnectionLost()
	} else {
		c.writer.SetConnectionClosed()
	}
	if lost && persistent && c.onReconnectNeeded != nil {
		c.onReconnectNeeded()
	}

	c.obs.emit("disconnected", err)
}

func (c *Conn) handleData(b []byte) {
	c.reader.Write(b)
}
