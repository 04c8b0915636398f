package relay

import (
	"context"
	"sync"
)

// ServerConn is the server-side per-connection Connection Controller
// (spec.md §4.5: "identical in behavior to the client controller, minus
// the outbound reconnect loop").
type ServerConn struct {
	*Conn

	transport ServerConnTransport

	doneOnce sync.Once
	done     chan struct{}
}

func newServerConn(transport ServerConnTransport, cfg *config) *ServerConn {
	c := &ServerConn{Conn: newConn(cfg), transport: transport, done: make(chan struct{})}

	c.transport.OnData(func(b []byte) { c.handleData(b) })
	c.transport.OnClose(func(err error) {
		c.handleDisconnected(err == nil, err)
		c.doneOnce.Do(func() { close(c.done) })
	})

	sender := connSender{send: c.transport.Send}
	c.wireReaderAndWriter(sender)

	c.closeFn = func(err error) { _ = c.transport.Close() }

	// A freshly accepted transport is already open; there is no separate
	// Connect step on the server side.
	c.handleConnected()

	return c
}

// Close gracefully tears down this peer's connection.
func (c *ServerConn) Close() error {
	return c.transport.Close()
}

// Wait blocks until this peer's connection has disconnected, gracefully or
// not, or ctx is canceled, whichever comes first. Generalized, like
// ClientConn.Wait, from pkg/devtools/browser.go's Wait(ctx).
func (c *ServerConn) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel forcefully closes this peer's transport, the server-side analogue
// of ClientConn.Cancel: there is no close handshake to skip here (a
// ServerConn never owned a reconnect loop to tear down), but the name and
// the immediate, no-draining semantics stay symmetric with the client side.
func (c *ServerConn) Cancel() {
	_ = c.transport.Close()
}

// Server accepts inbound connections over a ServerTransport and hands each
// one a fresh ServerConn (spec.md §4.5: "Each accepted connection
// instantiates its own Controller with a per-connection transport").
type Server struct {
	transport ServerTransport
	cfg       *config

	onConn func(*ServerConn)
}

// NewServer constructs a Server over transport using cfg for per-connection
// timeouts and resumption policy.
func NewServer(transport ServerTransport, cfg *config) *Server {
	return &Server{transport: transport, cfg: cfg}
}

// OnConnection registers the callback invoked once per accepted peer, after
// its ServerConn has completed its initial handleConnected.
func (s *Server) OnConnection(fn func(*ServerConn)) {
	s.onConn = fn
}

// Start begins accepting connections; it blocks until ctx is canceled or
// the underlying transport's accept loop fails fatally.
func (s *Server) Start(ctx context.Context) error {
	return s.transport.Start(ctx, func(peer ServerConnTransport) {
		sc := newServerConn(peer, s.cfg)
		if s.onConn != nil {
			s.onConn(sc)
		}
	})
}
