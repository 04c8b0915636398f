package relay

import "context"

// ClientTransport is the client-side half of spec.md §6's pluggable
// transport contract: something that can connect, stream bytes in both
// directions, and close. Connect must be safe to call repeatedly across
// reconnect attempts.
//
// Grounded on pkg/devtools/transport.go's Transport interface (Send/Read
// over the underlying websocket.Conn), generalized to an explicit
// Connect/event-callback shape so the Connection Controller owns the
// reconnect policy instead of the transport.
type ClientTransport interface {
	// Connect establishes the underlying stream. It must be safe to call
	// again after a prior Connect+Close cycle.
	Connect(ctx context.Context) error

	// Send writes one opaque frame. Per spec.md §6, a Send error is fatal
	// to the current connection: the transport should close itself and
	// report it via OnClose.
	Send(b []byte) error

	// Close tears down the stream. It must be idempotent.
	Close() error

	// OnData registers the callback invoked with each inbound chunk, in
	// arrival order. Chunks need not align with message boundaries.
	OnData(fn func([]byte))

	// OnClose registers the callback invoked exactly once when the stream
	// ends, whether by local Close, remote close, or a Send/read error.
	OnClose(fn func(error))
}

// ServerTransport accepts inbound connections and yields one
// ServerConnTransport per accepted peer (spec.md §6).
type ServerTransport interface {
	// Start begins accepting connections, invoking fn once per accepted
	// peer. It blocks until ctx is canceled or a fatal accept error
	// occurs.
	Start(ctx context.Context, fn func(ServerConnTransport)) error
}

// ServerConnTransport is the server-side per-peer half of the transport
// contract: symmetric to ClientTransport but without Connect, since the
// peer is already connected when it is handed to fn.
type ServerConnTransport interface {
	Send(b []byte) error
	Close() error
	OnData(fn func([]byte))
	OnClose(fn func(error))
}
