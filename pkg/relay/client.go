package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ClientConn is the client-side Connection Controller (spec.md §4.5): it
// owns a ClientTransport and drives the persistent reconnect loop.
//
// Grounded on pkg/devtools/browser.go's supervised background goroutine
// (cancel + done-channel pattern), generalized here with
// golang.org/x/sync/errgroup so the persistent reconnect loop's goroutine
// is supervised and its terminal error observable via Wait, the way
// browser.go's caller blocks on browserDone.
type ClientConn struct {
	*Conn

	transport      ClientTransport
	reconnectDelay time.Duration

	mu     sync.Mutex
	group  *errgroup.Group
	wakeup chan struct{}
}

// NewClientConn constructs a client controller over transport, using cfg
// for timeouts, resumption policy, and reconnect delay.
func NewClientConn(transport ClientTransport, cfg *config) *ClientConn {
	c := &ClientConn{
		Conn:           newConn(cfg),
		transport:      transport,
		reconnectDelay: cfg.reconnectDelay,
		wakeup:         make(chan struct{}, 1),
	}

	c.transport.OnData(func(b []byte) { c.handleData(b) })
	c.transport.OnClose(func(err error) {
		c.mu.Lock()
		intentional := !c.persistent
		c.mu.Unlock()
		c.handleDisconnected(intentional, err)
	})

	sender := connSender{send: c.transport.Send}
	c.wireReaderAndWriter(sender)

	c.closeFn = func(err error) { _ = c.transport.Close() }
	c.onReconnectNeeded = func() { c.wake() }

	return c
}

func (c *ClientConn) wake() {
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}

// Start enters persistent mode (spec.md §4.5: "start() enters persistent
// mode") and launches the supervised reconnect loop, which performs an
// initial connect attempt immediately and, on any subsequent disconnect
// while persistent, retries after reconnectDelay, until ctx is canceled or
// Disconnect is called.
func (c *ClientConn) Start(ctx context.Context) {
	c.mu.Lock()
	if c.persistent {
		c.mu.Unlock()
		return
	}
	c.persistent = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	c.mu.Unlock()

	g.Go(func() error { return c.reconnectLoop(gctx) })
}

// Wait blocks until the persistent reconnect loop launched by Start exits
// (nil for a graceful Disconnect/Cancel) or ctx is canceled (ctx.Err()),
// whichever comes first. It returns immediately if Start was never called.
// Generalized from pkg/devtools/browser.go's Wait(ctx), which blocks on a
// browser-process-exited channel derived from a context-carried session.
func (c *ClientConn) Wait(ctx context.Context) error {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()
	if g == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel forcefully tears down the persistent reconnect loop and closes the
// underlying transport immediately, without exchanging any close handshake.
// Generalized from pkg/devtools/browser.go's Cancel(ctx), which kills the
// browser process outright instead of sending it a graceful close command.
func (c *ClientConn) Cancel() {
	c.mu.Lock()
	c.persistent = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = c.transport.Close()
}

// reconnectLoop is the persistent-mode body: attempt transport.Connect().
// On failure, wait reconnectDelay and retry. On success, block until
// either a disconnect-while-persistent wakes it (then wait reconnectDelay
// and retry) or ctx is canceled.
func (c *ClientConn) reconnectLoop(ctx context.Context) error {
	for {
		if err := c.transport.Connect(ctx); err != nil {
			c.raiseError(&TransportConnectError{&TransportError{Message: "connect failed", Cause: err}})
			if !c.sleep(ctx, c.reconnectDelay) {
				return nil
			}
			continue
		}

		c.handleConnected()

		select {
		case <-ctx.Done():
			return nil
		case <-c.wakeup:
		}

		if !c.sleep(ctx, c.reconnectDelay) {
			return nil
		}
	}
}

// sleep waits for d or ctx cancellation, returning false in the latter
// case so the caller can unwind instead of retrying.
func (c *ClientConn) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Connect performs a single connection attempt without entering persistent
// mode (spec.md §4.5: "connect() performs a single attempt").
func (c *ClientConn) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return &TransportConnectError{&TransportError{Message: "connect failed", Cause: err}}
	}
	c.handleConnected()
	return nil
}

// Disconnect exits persistent mode and gracefully disconnects (spec.md
// §4.5: "disconnect() exits persistent mode and gracefully disconnects").
func (c *ClientConn) Disconnect() error {
	c.mu.Lock()
	c.persistent = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return c.transport.Close()
}
