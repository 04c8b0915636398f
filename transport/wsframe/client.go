package wsframe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nyxwire/relay/pkg/relay"
)

const dialTimeout = 5 * time.Second

var _ relay.ClientTransport = (*Transport)(nil)

// Transport is a relay.ClientTransport backed by a raw WebSocket connection,
// carrying relay's framed codec bytes as binary messages instead of text.
//
// Grounded on pkg/websocket/handshake.go's Handshake (dial + RFC 6455
// client handshake) and datatransfer.go's frame read/write loop, adapted
// from a CDP-specific Conn type to relay.ClientTransport's
// Connect/Send/Close/OnData/OnClose shape.
type Transport struct {
	addr string
	path string

	mu      sync.Mutex
	nc      net.Conn
	ep      *endpoint
	onData  func([]byte)
	onClose func(error)
	closed  bool
	// generation is bumped on every Connect, and tags the pump goroutine
	// and every fail() call it can produce: without it, a pump/Send from a
	// superseded connection attempt that reports its failure late (after a
	// fresh Connect already reset closed=false/ep) could call fail() and
	// tear down the new, healthy connection instead of being a no-op.
	// Mirrors reader.go's Clear()/runParseLoop generation guard.
	generation int
}

// New returns a client transport that will dial "addr" (host:port) and
// perform the opening handshake against "path" each time Connect is called.
func New(addr, path string) *Transport {
	return &Transport{addr: addr, path: path}
}

// Connect dials the server and performs the WebSocket opening handshake,
// then starts the read pump. Safe to call again after a prior
// Connect+Close cycle, per relay.ClientTransport's contract.
func (t *Transport) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %v", t.addr, err)
	}
	rw := bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc))
	if err := clientHandshake(rw, t.addr, t.path); err != nil {
		nc.Close()
		return fmt.Errorf("failed WebSocket handshake: %v", err)
	}

	t.mu.Lock()
	t.nc = nc
	t.ep = &endpoint{rw: rw, maskOutbound: true}
	t.closed = false
	t.generation++
	gen := t.generation
	t.mu.Unlock()

	go t.pump(gen)
	return nil
}

func (t *Transport) pump(gen int) {
	for {
		t.mu.Lock()
		ep, current := t.ep, t.generation == gen
		t.mu.Unlock()
		if ep == nil || !current {
			return
		}
		b, err := ep.readBinary()
		if err != nil {
			t.fail(gen, err)
			return
		}
		t.mu.Lock()
		onData := t.onData
		t.mu.Unlock()
		if onData != nil {
			onData(b)
		}
	}
}

func (t *Transport) fail(gen int, err error) {
	t.mu.Lock()
	if t.closed || t.generation != gen {
		t.mu.Unlock()
		return
	}
	t.closed = true
	nc := t.nc
	onClose := t.onClose
	t.mu.Unlock()
	// A network-level failure (read/write error) never goes through Close(),
	// so without this the socket underlying a reconnect's old generation
	// would never be released: ClientConn's OnClose handler only reacts by
	// calling handleDisconnected, it doesn't call Transport.Close() itself.
	if nc != nil {
		nc.Close()
	}
	if onClose != nil {
		onClose(err)
	}
}

// Send writes relay's codec bytes as one binary WebSocket message.
func (t *Transport) Send(b []byte) error {
	t.mu.Lock()
	ep, gen := t.ep, t.generation
	t.mu.Unlock()
	if ep == nil {
		return fmt.Errorf("wsframe: not connected")
	}
	if err := ep.writeBinary(b); err != nil {
		t.fail(gen, err)
		return err
	}
	return nil
}

// Close sends a close frame and tears down the TCP connection. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	ep, nc := t.ep, t.nc
	already := t.closed
	t.closed = true
	onClose := t.onClose
	t.mu.Unlock()

	if ep != nil {
		_ = ep.writeClose(1000, nil)
	}
	var err error
	if nc != nil {
		err = nc.Close()
	}
	if !already && onClose != nil {
		onClose(nil)
	}
	return err
}

// OnData registers the inbound chunk callback.
func (t *Transport) OnData(fn func([]byte)) {
	t.mu.Lock()
	t.onData = fn
	t.mu.Unlock()
}

// OnClose registers the close callback.
func (t *Transport) OnClose(fn func(error)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}
