package relay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nyxwire/relay/pkg/relay"
	"github.com/nyxwire/relay/transport/loopback"
)

// oneShotServerTransport adapts a single already-connected
// relay.ServerConnTransport to relay.ServerTransport, so a loopback.Pair's
// server side can be handed to a relay.Server without a real listener.
type oneShotServerTransport struct {
	peer relay.ServerConnTransport
}

func (o oneShotServerTransport) Start(ctx context.Context, fn func(relay.ServerConnTransport)) error {
	fn(o.peer)
	<-ctx.Done()
	return nil
}

// connectedPair wires a ClientConn and ServerConn over an in-memory
// loopback.Pair, returning once the server side has registered its
// ServerConn (so test handler registration can happen before the client
// sends anything).
func connectedPair(t *testing.T, cliOpts, srvOpts []relay.Option) (*relay.ClientConn, *relay.ServerConn, context.CancelFunc) {
	t.Helper()
	pair := loopback.New()

	ctx, cancel := context.WithCancel(context.Background())
	srv := relay.NewServer(oneShotServerTransport{peer: pair.Server}, relay.NewConfig(srvOpts...))
	scCh := make(chan *relay.ServerConn, 1)
	srv.OnConnection(func(sc *relay.ServerConn) { scCh <- sc })
	go srv.Start(ctx)

	var sc *relay.ServerConn
	select {
	case sc = <-scCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ServerConn to be accepted")
	}

	cc := relay.NewClientConn(pair.Client, relay.NewConfig(cliOpts...))
	if err := cc.Connect(context.Background()); err != nil {
		t.Fatalf("ClientConn.Connect() got unexpected error: %v", err)
	}

	return cc, sc, cancel
}

func TestClientServerEventRoundTrip(t *testing.T) {
	cc, sc, cancel := connectedPair(t, nil, nil)
	defer cancel()

	got := make(chan []json.RawMessage, 1)
	sc.Events.OnEvent("chat", func(args []json.RawMessage) { got <- args })

	cc.Events.SendEvent("chat", "hello")

	select {
	case args := <-got:
		var s string
		if err := json.Unmarshal(args[0], &s); err != nil || s != "hello" {
			t.Errorf("received event args[0] = %q (err %v), want %q", args[0], err, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server to receive the event")
	}
}

func TestClientServerRequestResponseRoundTrip(t *testing.T) {
	cc, sc, cancel := connectedPair(t, nil, nil)
	defer cancel()

	sc.Events.OnRequest("add", func(args []json.RawMessage) (interface{}, error) {
		var a, b int
		_ = json.Unmarshal(args[0], &a)
		_ = json.Unmarshal(args[1], &b)
		return a + b, nil
	})

	c := cc.Events.SendRequest("add", relay.RequestOptions{}, 2, 3)
	v, err := c.Wait()
	if err != nil {
		t.Fatalf("SendRequest Completion.Wait() got unexpected error: %v", err)
	}
	n, ok := v.(float64)
	if !ok || n != 5 {
		t.Errorf("SendRequest result = %#v, want 5", v)
	}
}

func TestClientServerRequestErrorRoundTrip(t *testing.T) {
	cc, sc, cancel := connectedPair(t, nil, nil)
	defer cancel()

	sc.Events.OnRequest("fail", func(args []json.RawMessage) (interface{}, error) {
		return nil, relay.NewRequestError("nope")
	})

	c := cc.Events.SendRequest("fail", relay.RequestOptions{})
	_, err := c.Wait()
	if err == nil {
		t.Fatalf("SendRequest Completion.Wait() got nil error, want *RemoteError")
	}
	if re, ok := err.(*relay.RemoteError); !ok || re.Message != "nope" {
		t.Errorf("SendRequest error = %#v, want &RemoteError{Message: %q}", err, "nope")
	}
}

func TestClientIntentionalDisconnectDropsBuffer(t *testing.T) {
	cc, sc, cancel := connectedPair(t, nil, nil)
	defer cancel()

	received := make(chan struct{}, 1)
	sc.Events.OnEvent("chat", func(args []json.RawMessage) { received <- struct{}{} })

	if err := cc.Disconnect(); err != nil {
		t.Fatalf("Disconnect() got unexpected error: %v", err)
	}

	// Queued after an intentional disconnect with no reconnect: the writer
	// was never marked connected again, so the record is queued but never
	// transmitted, and its Completion is left pending rather than resolved
	// (spec.md §4.3: "callers should treat connection-closed as terminal").
	c := cc.Events.SendEvent("chat", "too late")
	select {
	case <-c.Done():
		t.Fatalf("SendEvent Completion settled after an intentional disconnect, want it left pending")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case <-received:
		t.Fatalf("server received an event queued after intentional disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientMultipleEventsDeliveredInOrder(t *testing.T) {
	cc, sc, cancel := connectedPair(t, nil, nil)
	defer cancel()

	got := make(chan []json.RawMessage, 2)
	sc.Events.OnEvent("chat", func(args []json.RawMessage) { got <- args })

	cc.Events.SendEvent("chat", "part-one")
	cc.Events.SendEvent("chat", "part-two")

	want := []string{"part-one", "part-two"}
	for i, w := range want {
		select {
		case args := <-got:
			var s string
			if err := json.Unmarshal(args[0], &s); err != nil || s != w {
				t.Errorf("message %d args[0] = %q (err %v), want %q", i+1, args[0], err, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, len(want))
		}
	}
}

func TestClientConnStartWaitReturnsOnCancel(t *testing.T) {
	cc, _, cancel := connectedPair(t, nil, nil)
	defer cancel()

	cc.Start(context.Background())
	cc.Cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if err := cc.Wait(waitCtx); err != nil {
		t.Errorf("ClientConn.Wait() after Cancel() got %v, want nil", err)
	}
}

func TestClientConnWaitRespectsItsOwnContext(t *testing.T) {
	cc, _, cancel := connectedPair(t, nil, nil)
	defer cancel()

	cc.Start(context.Background())
	defer cc.Cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	if err := cc.Wait(waitCtx); err != waitCtx.Err() {
		t.Errorf("ClientConn.Wait() on a never-canceled loop = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestServerConnWaitResolvesOnClose(t *testing.T) {
	_, sc, cancel := connectedPair(t, nil, nil)
	defer cancel()

	sc.Cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if err := sc.Wait(waitCtx); err != nil {
		t.Errorf("ServerConn.Wait() after Cancel() got %v, want nil", err)
	}
}
