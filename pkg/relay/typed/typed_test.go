package typed_test

import (
	"context"
	"testing"
	"time"

	"github.com/nyxwire/relay/pkg/relay"
	"github.com/nyxwire/relay/pkg/relay/typed"
	"github.com/nyxwire/relay/transport/loopback"
)

// oneShotServerTransport adapts a single already-connected
// relay.ServerConnTransport to relay.ServerTransport, mirroring
// pkg/relay's own conn_test.go helper of the same name (unexported there,
// so duplicated here rather than shared across package boundaries).
type oneShotServerTransport struct {
	peer relay.ServerConnTransport
}

func (o oneShotServerTransport) Start(ctx context.Context, fn func(relay.ServerConnTransport)) error {
	fn(o.peer)
	<-ctx.Done()
	return nil
}

func connectedPair(t *testing.T) (*relay.ClientConn, *relay.ServerConn, context.CancelFunc) {
	t.Helper()
	pair := loopback.New()

	ctx, cancel := context.WithCancel(context.Background())
	srv := relay.NewServer(oneShotServerTransport{peer: pair.Server}, relay.NewConfig())
	scCh := make(chan *relay.ServerConn, 1)
	srv.OnConnection(func(sc *relay.ServerConn) { scCh <- sc })
	go srv.Start(ctx)

	var sc *relay.ServerConn
	select {
	case sc = <-scCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ServerConn to be accepted")
	}

	cc := relay.NewClientConn(pair.Client, relay.NewConfig())
	if err := cc.Connect(context.Background()); err != nil {
		t.Fatalf("ClientConn.Connect() got unexpected error: %v", err)
	}

	return cc, sc, cancel
}

type chatMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func TestEventChannelRoundTrip(t *testing.T) {
	cc, sc, cancel := connectedPair(t)
	defer cancel()

	serverSide := typed.NewEventChannel[chatMessage](sc.Events, "chat")
	clientSide := typed.NewEventChannel[chatMessage](cc.Events, "chat")

	got := make(chan chatMessage, 1)
	serverSide.On(func(m chatMessage) { got <- m })

	clientSide.Send(chatMessage{From: "alice", Text: "hi"})

	select {
	case m := <-got:
		want := chatMessage{From: "alice", Text: "hi"}
		if m != want {
			t.Errorf("EventChannel.On received %#v, want %#v", m, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typed event")
	}
}

func TestEventChannelOnceFiresOnlyOnce(t *testing.T) {
	cc, sc, cancel := connectedPair(t)
	defer cancel()

	serverSide := typed.NewEventChannel[chatMessage](sc.Events, "chat")
	clientSide := typed.NewEventChannel[chatMessage](cc.Events, "chat")

	got := make(chan chatMessage, 2)
	serverSide.Once(func(m chatMessage) { got <- m })

	clientSide.Send(chatMessage{From: "a", Text: "first"})
	clientSide.Send(chatMessage{From: "b", Text: "second"})

	select {
	case m := <-got:
		if m.Text != "first" {
			t.Errorf("Once() first delivery = %#v, want Text %q", m, "first")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first typed event")
	}

	select {
	case m := <-got:
		t.Fatalf("Once() fired a second time with %#v, want exactly one delivery", m)
	case <-time.After(100 * time.Millisecond):
	}
}

type addRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addResponse struct {
	Sum int `json:"sum"`
}

func TestRequestChannelRoundTrip(t *testing.T) {
	cc, sc, cancel := connectedPair(t)
	defer cancel()

	server := typed.NewRequestChannel[addRequest, addResponse](sc.Events, "add")
	client := typed.NewRequestChannel[addRequest, addResponse](cc.Events, "add")

	server.Handle(func(req addRequest) (addResponse, error) {
		return addResponse{Sum: req.A + req.B}, nil
	})

	resp, err := client.Do(context.Background(), addRequest{A: 2, B: 3}, relay.RequestOptions{})
	if err != nil {
		t.Fatalf("RequestChannel.Do() got unexpected error: %v", err)
	}
	if resp.Sum != 5 {
		t.Errorf("RequestChannel.Do() = %#v, want Sum 5", resp)
	}
}

func TestRequestChannelHandlerErrorForwardsVerbatim(t *testing.T) {
	cc, sc, cancel := connectedPair(t)
	defer cancel()

	server := typed.NewRequestChannel[addRequest, addResponse](sc.Events, "fail")
	client := typed.NewRequestChannel[addRequest, addResponse](cc.Events, "fail")

	server.Handle(func(req addRequest) (addResponse, error) {
		return addResponse{}, relay.NewRequestError("nope")
	})

	_, err := client.Do(context.Background(), addRequest{}, relay.RequestOptions{})
	if err == nil {
		t.Fatal("RequestChannel.Do() got nil error, want *relay.RemoteError")
	}
	if re, ok := err.(*relay.RemoteError); !ok || re.Message != "nope" {
		t.Errorf("RequestChannel.Do() error = %#v, want &RemoteError{Message: %q}", err, "nope")
	}
}

func TestRequestChannelDoRespectsContextCancellation(t *testing.T) {
	cc, sc, cancel := connectedPair(t)
	defer cancel()

	server := typed.NewRequestChannel[addRequest, addResponse](sc.Events, "never-answered")
	client := typed.NewRequestChannel[addRequest, addResponse](cc.Events, "never-answered")

	// The handler blocks forever, so the response never arrives; a
	// short-lived ctx is the only way Do() returns.
	block := make(chan struct{})
	defer close(block)
	server.Handle(func(req addRequest) (addResponse, error) {
		<-block
		return addResponse{}, nil
	})

	ctx, cancelCtx := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelCtx()

	_, err := client.Do(ctx, addRequest{A: 1, B: 1}, relay.RequestOptions{})
	if err != context.DeadlineExceeded {
		t.Errorf("RequestChannel.Do() error = %v, want context.DeadlineExceeded", err)
	}
}
