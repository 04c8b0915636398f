// Package loopback implements an in-memory relay.ClientTransport /
// relay.ServerConnTransport pair over net.Pipe, for tests and examples that
// need a working transport without a real network.
//
// Grounded on pascaldekloe-websocket/conn_test.go and
// daabr-chrome-vision/pkg/websocket/datatransfer_test.go, both of which
// drive their respective wire codecs over a net.Pipe() loopback instead of
// a real socket.
package loopback

import (
	"context"
	"io"
	"net"
	"sync"
)

// Pair is a connected client/server transport pair sharing one net.Pipe.
type Pair struct {
	Client *ClientSide
	Server *ServerSide
}

// New constructs a connected Pair. The client side requires Connect to
// start its read pump, matching relay.ClientTransport's contract; the
// server side arms its pump lazily on the first OnData/OnClose
// registration, matching relay.ServerConnTransport's already-connected
// contract without racing the caller's handler setup.
func New() *Pair {
	a, b := net.Pipe()
	return &Pair{
		Client: &ClientSide{conn: a},
		Server: newServerSide(b),
	}
}

// ClientSide implements relay.ClientTransport.
type ClientSide struct {
	conn net.Conn

	mu       sync.Mutex
	started  bool
	closed   bool
	onData   func([]byte)
	onClose  func(error)
}

// Connect starts the read pump. The pump is started at most once: a later
// Connect call, including one after Close, returns nil without starting a
// new pump or reopening the pipe, since net.Pipe has no reconnect of its
// own. Reconnect semantics need a fresh Pair per attempt.
func (c *ClientSide) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.closed = false
	c.mu.Unlock()

	go c.pump()
	return nil
}

func (c *ClientSide) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			onData := c.onData
			c.mu.Unlock()
			if onData != nil {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				onData(cp)
			}
		}
		if err != nil {
			c.mu.Lock()
			already := c.closed
			c.closed = true
			onClose := c.onClose
			c.mu.Unlock()
			if !already && onClose != nil {
				if err == io.EOF {
					onClose(nil)
				} else {
					onClose(err)
				}
			}
			return
		}
	}
}

// Send writes one frame to the pipe.
func (c *ClientSide) Send(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

// Close tears down the pipe. Idempotent.
func (c *ClientSide) Close() error {
	return c.conn.Close()
}

// OnData registers the inbound chunk callback.
func (c *ClientSide) OnData(fn func([]byte)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

// OnClose registers the close callback.
func (c *ClientSide) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// ServerSide implements relay.ServerConnTransport. Its read pump starts
// lazily, on the first OnData or OnClose registration, rather than at
// construction: the pump can observe data the instant the peer writes, and
// since ServerConnTransport has no Start method for a caller to sequence
// against, starting eagerly in the constructor would race a peer's first
// write against the caller's OnData/OnClose registration and silently drop
// it (the nil-check in pump just discards unrouted data).
type ServerSide struct {
	conn net.Conn

	startOnce sync.Once

	mu      sync.Mutex
	closed  bool
	onData  func([]byte)
	onClose func(error)
}

func newServerSide(conn net.Conn) *ServerSide {
	return &ServerSide{conn: conn}
}

func (s *ServerSide) start() {
	s.startOnce.Do(func() { go s.pump() })
}

func (s *ServerSide) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			onData := s.onData
			s.mu.Unlock()
			if onData != nil {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				onData(cp)
			}
		}
		if err != nil {
			s.mu.Lock()
			already := s.closed
			s.closed = true
			onClose := s.onClose
			s.mu.Unlock()
			if !already && onClose != nil {
				if err == io.EOF {
					onClose(nil)
				} else {
					onClose(err)
				}
			}
			return
		}
	}
}

// Send writes one frame to the pipe.
func (s *ServerSide) Send(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

// Close tears down the pipe. Idempotent.
func (s *ServerSide) Close() error {
	return s.conn.Close()
}

// OnData registers the inbound chunk callback and arms the read pump if it
// has not started yet.
func (s *ServerSide) OnData(fn func([]byte)) {
	s.mu.Lock()
	s.onData = fn
	s.mu.Unlock()
	s.start()
}

// OnClose registers the close callback and arms the read pump if it has not
// started yet, so a caller that only wires OnClose still observes the
// eventual disconnect.
func (s *ServerSide) OnClose(fn func(error)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
	s.start()
}
