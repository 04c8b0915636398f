package wsframe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/nyxwire/relay/pkg/relay"
)

// Listener is a relay.ServerTransport that accepts raw TCP connections and
// performs the server side of the WebSocket opening handshake on each,
// grounded on the same RFC 6455 framing as Transport but for the accept
// side (no pack example carries a from-scratch WebSocket server; this
// mirrors Transport's client handshake/frame plumbing, generalized to
// accept instead of dial).
type Listener struct {
	ln net.Listener
}

// NewListener wraps an already-listening net.Listener.
func NewListener(ln net.Listener) *Listener {
	return &Listener{ln: ln}
}

var (
	_ relay.ServerTransport     = (*Listener)(nil)
	_ relay.ServerConnTransport = (*peerTransport)(nil)
)

// Start accepts connections until ctx is canceled or a fatal accept error
// occurs, performing the WebSocket handshake on each and invoking fn once
// per successfully upgraded peer. Per spec.md §6, a peer that fails its
// handshake is dropped without being handed to fn.
func (l *Listener) Start(ctx context.Context, fn func(relay.ServerConnTransport)) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept failed: %v", err)
		}
		go l.upgrade(nc, fn)
	}
}

func (l *Listener) upgrade(nc net.Conn, fn func(relay.ServerConnTransport)) {
	rw := bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc))
	if err := serverHandshake(rw); err != nil {
		nc.Close()
		return
	}
	peer := &peerTransport{nc: nc, ep: &endpoint{rw: rw, maskOutbound: false}}
	// fn is not guaranteed to return promptly — a caller may legitimately
	// block in it for the connection's lifetime (see wsframe_test.go's
	// accept callback) — so the pump can't simply wait for fn to return
	// before starting: it arms lazily on the first OnData/OnClose
	// registration instead (same pattern as transport/loopback's
	// newServerSide), closing the race where a peer's first frame arrives
	// before fn has gotten around to registering OnData.
	fn(peer)
}

// peerTransport is the server-side per-connection relay.ServerConnTransport,
// symmetric to Transport but unmasked outbound (RFC 6455 §5.1: only the
// client masks).
type peerTransport struct {
	nc net.Conn
	ep *endpoint

	startOnce sync.Once

	mu      sync.Mutex
	onData  func([]byte)
	onClose func(error)
	closed  bool
}

func (p *peerTransport) start() {
	p.startOnce.Do(func() { go p.pump() })
}

func (p *peerTransport) pump() {
	for {
		b, err := p.ep.readBinary()
		if err != nil {
			p.fail(err)
			return
		}
		p.mu.Lock()
		onData := p.onData
		p.mu.Unlock()
		if onData != nil {
			onData(b)
		}
	}
}

func (p *peerTransport) fail(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	onClose := p.onClose
	p.mu.Unlock()
	// Mirrors Transport.fail in client.go: a network-level read error never
	// routes through Close(), so the peer's socket must be released here or
	// it leaks for every abnormal disconnect a server accepts.
	p.nc.Close()
	if onClose != nil {
		onClose(err)
	}
}

func (p *peerTransport) Send(b []byte) error {
	if err := p.ep.writeBinary(b); err != nil {
		p.fail(err)
		return err
	}
	return nil
}

func (p *peerTransport) Close() error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	onClose := p.onClose
	p.mu.Unlock()

	_ = p.ep.writeClose(1000, nil)
	err := p.nc.Close()
	if !already && onClose != nil {
		onClose(nil)
	}
	return err
}

// OnData registers the inbound chunk callback and arms the read pump if it
// has not started yet.
func (p *peerTransport) OnData(fn func([]byte)) {
	p.mu.Lock()
	p.onData = fn
	p.mu.Unlock()
	p.start()
}

// OnClose registers the close callback and arms the read pump if it has not
// started yet, so a caller that only wires OnClose still observes the
// eventual disconnect.
func (p *peerTransport) OnClose(fn func(error)) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
	p.start()
}
