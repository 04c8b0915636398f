package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// Emitter's dispatch* methods are unexported (only the Connection Controller
// calls them), so this file lives in package relay rather than relay_test,
// unlike the rest of this package's tests. Since package relay cannot see
// the relay_test package's fakeSender, a second copy of the same small
// recorder lives here.
type emitterFakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *emitterFakeSender) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *emitterFakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type emitterSenderError string

func (e emitterSenderError) Error() string { return string(e) }

const errEmitterSenderFailing = emitterSenderError("fake sender: send failing")

func newTestEmitter() (*Emitter, *emitterFakeSender) {
	s := &emitterFakeSender{}
	w := NewWriter(s, nil)
	w.SetConnectionOpened(false)
	ids := NewIDSource()
	return NewEmitter(w, ids, 0, 0), s
}

func TestEmitterSendEventOnEventRoundTrip(t *testing.T) {
	e, s := newTestEmitter()

	got := make(chan []json.RawMessage, 1)
	e.OnEvent("chat", func(args []json.RawMessage) { got <- args })

	e.SendEvent("chat", "hi", 42)
	if s.count() != 1 {
		t.Fatalf("fakeSender got %d sends, want 1", s.count())
	}

	// Decode the frame SendEvent handed to the sender and dispatch it the
	// way the Connection Controller would on receipt.
	m, _, err := Decode(s.sent[0])
	if err != nil {
		t.Fatalf("Decode() got unexpected error: %v", err)
	}
	e.dispatchEvent(m)

	select {
	case args := <-got:
		if len(args) != 2 {
			t.Fatalf("OnEvent args = %d elements, want 2", len(args))
		}
		var a0 string
		var a1 int
		if err := json.Unmarshal(args[0], &a0); err != nil || a0 != "hi" {
			t.Errorf("args[0] = %q (err %v), want %q", args[0], err, "hi")
		}
		if err := json.Unmarshal(args[1], &a1); err != nil || a1 != 42 {
			t.Errorf("args[1] = %q (err %v), want 42", args[1], err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnEvent callback")
	}
}

func TestEmitterOnceEventFiresOnlyOnce(t *testing.T) {
	e, _ := newTestEmitter()

	count := 0
	done := make(chan struct{}, 2)
	e.OnceEvent("chat", func(args []json.RawMessage) { count++; done <- struct{}{} })

	p, err := marshalArgs([]interface{}{1})
	if err != nil {
		t.Fatalf("marshalArgs() got unexpected error: %v", err)
	}
	e.dispatchEvent(Message{Type: Event, Channel: "chat", Payloads: []Payload{p}})
	e.dispatchEvent(Message{Type: Event, Channel: "chat", Payloads: []Payload{p}})

	<-done
	select {
	case <-done:
		t.Fatalf("OnceEvent fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
	if count != 1 {
		t.Errorf("OnceEvent invocation count = %d, want 1", count)
	}
}

func TestEmitterSendBinaryPrependsDataToArgs(t *testing.T) {
	e, s := newTestEmitter()

	type result struct {
		data []byte
		args []json.RawMessage
	}
	got := make(chan result, 1)
	e.OnBinary("frame", func(data []byte, args []json.RawMessage) { got <- result{data, args} })

	e.SendBinary("frame", []byte{1, 2, 3}, "meta")
	if s.count() != 1 {
		t.Fatalf("fakeSender got %d sends, want 1", s.count())
	}
	m, _, err := Decode(s.sent[0])
	if err != nil {
		t.Fatalf("Decode() got unexpected error: %v", err)
	}
	e.dispatchBinary(m)

	select {
	case r := <-got:
		if string(r.data) != "\x01\x02\x03" {
			t.Errorf("OnBinary data = %v, want [1 2 3]", r.data)
		}
		if len(r.args) != 1 {
			t.Fatalf("OnBinary args = %d elements, want 1", len(r.args))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnBinary callback")
	}
}

func TestEmitterOnRequestLastRegistrationWins(t *testing.T) {
	e, _ := newTestEmitter()

	e.OnRequest("calc", func(args []json.RawMessage) (interface{}, error) { return "first", nil })
	e.OnRequest("calc", func(args []json.RawMessage) (interface{}, error) { return "second", nil })

	p, err := marshalArgs(nil)
	if err != nil {
		t.Fatalf("marshalArgs() got unexpected error: %v", err)
	}
	replies := make(chan Message, 1)
	e.dispatchRequest(Message{ID: 5, Type: Request, Channel: "calc", Payloads: []Payload{p}}, func(resp Message) { replies <- resp })

	resp := <-replies
	var body responseBody
	if err := resp.Payloads[0].Unmarshal(&body); err != nil {
		t.Fatalf("response Unmarshal got unexpected error: %v", err)
	}
	if !body.Success {
		t.Fatalf("response Success = false, want true")
	}
	var value string
	if err := json.Unmarshal(body.Value, &value); err != nil || value != "second" {
		t.Errorf("response value = %q (err %v), want %q", body.Value, err, "second")
	}
}

func TestEmitterRequestErrorForwardsMessageVerbatim(t *testing.T) {
	e, _ := newTestEmitter()

	e.OnRequest("fail", func(args []json.RawMessage) (interface{}, error) {
		return nil, &RequestError{Message: "bad input"}
	})

	p, err := marshalArgs(nil)
	if err != nil {
		t.Fatalf("marshalArgs() got unexpected error: %v", err)
	}
	replies := make(chan Message, 1)
	e.dispatchRequest(Message{ID: 1, Type: Request, Channel: "fail", Payloads: []Payload{p}}, func(resp Message) { replies <- resp })

	resp := <-replies
	var body responseBody
	if err := resp.Payloads[0].Unmarshal(&body); err != nil {
		t.Fatalf("response Unmarshal got unexpected error: %v", err)
	}
	if body.Success {
		t.Fatalf("response Success = true, want false")
	}
	if body.Error != "bad input" {
		t.Errorf("response Error = %q, want %q", body.Error, "bad input")
	}
}

func TestEmitterRequestGenericErrorIsReplaced(t *testing.T) {
	e, _ := newTestEmitter()

	e.OnRequest("oops", func(args []json.RawMessage) (interface{}, error) {
		return nil, errEmitterSenderFailing // an arbitrary non-*RequestError
	})

	p, err := marshalArgs(nil)
	if err != nil {
		t.Fatalf("marshalArgs() got unexpected error: %v", err)
	}
	replies := make(chan Message, 1)
	e.dispatchRequest(Message{ID: 1, Type: Request, Channel: "oops", Payloads: []Payload{p}}, func(resp Message) { replies <- resp })

	resp := <-replies
	var body responseBody
	if err := resp.Payloads[0].Unmarshal(&body); err != nil {
		t.Fatalf("response Unmarshal got unexpected error: %v", err)
	}
	if body.Success {
		t.Fatalf("response Success = true, want false")
	}
	if body.Error != genericHandlerErrorMessage {
		t.Errorf("response Error = %q, want the generic handler error message %q", body.Error, genericHandlerErrorMessage)
	}
}

func TestEmitterRequestHandlerPanicRepliesWithGenericError(t *testing.T) {
	e, _ := newTestEmitter()

	e.OnRequest("oops", func(args []json.RawMessage) (interface{}, error) {
		panic("handler blew up")
	})

	p, err := marshalArgs(nil)
	if err != nil {
		t.Fatalf("marshalArgs() got unexpected error: %v", err)
	}
	replies := make(chan Message, 1)
	e.dispatchRequest(Message{ID: 1, Type: Request, Channel: "oops", Payloads: []Payload{p}}, func(resp Message) { replies <- resp })

	resp := <-replies
	var body responseBody
	if err := resp.Payloads[0].Unmarshal(&body); err != nil {
		t.Fatalf("response Unmarshal got unexpected error: %v", err)
	}
	if body.Success {
		t.Fatalf("response Success = true, want false")
	}
	if body.Error != genericHandlerErrorMessage {
		t.Errorf("response Error = %q, want the generic handler error message %q", body.Error, genericHandlerErrorMessage)
	}
}

func TestEmitterEventHandlerPanicIsReportedNotFatal(t *testing.T) {
	e, _ := newTestEmitter()

	panicked := make(chan error, 1)
	e.SetPanicHandler(func(err error) { panicked <- err })

	afterPanic := make(chan struct{}, 1)
	e.OnEvent("chat", func(args []json.RawMessage) {
		panic("event handler blew up")
	})
	e.OnEvent("chat", func(args []json.RawMessage) { afterPanic <- struct{}{} })

	p, err := marshalArgs([]interface{}{"hi"})
	if err != nil {
		t.Fatalf("marshalArgs() got unexpected error: %v", err)
	}
	e.dispatchEvent(Message{ID: 1, Type: Event, Channel: "chat", Payloads: []Payload{p}})

	select {
	case err := <-panicked:
		if err == nil {
			t.Error("panic handler got nil error, want non-nil")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the panic handler to be called")
	}

	select {
	case <-afterPanic:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the second chat listener to run after the first one panicked")
	}
}

func TestEmitterRequestNoHandlerRepliesWithError(t *testing.T) {
	e, _ := newTestEmitter()

	p, err := marshalArgs(nil)
	if err != nil {
		t.Fatalf("marshalArgs() got unexpected error: %v", err)
	}
	replies := make(chan Message, 1)
	e.dispatchRequest(Message{ID: 1, Type: Request, Channel: "nobody-home", Payloads: []Payload{p}}, func(resp Message) { replies <- resp })

	resp := <-replies
	var body responseBody
	if err := resp.Payloads[0].Unmarshal(&body); err != nil {
		t.Fatalf("response Unmarshal got unexpected error: %v", err)
	}
	if body.Success {
		t.Fatalf("response Success = true, want false for an unhandled channel")
	}
}
