package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// idSource issues monotonically increasing MessageIDs for one direction of
// a connection (spec.md §3: "IDs are assigned monotonically").
type idSource struct {
	mu   sync.Mutex
	next MessageID
}

// NewIDSource constructs a fresh monotonic id generator, starting at 1 (id 0
// is reserved by convention for system messages that precede any
// application traffic).
func NewIDSource() *idSource {
	return &idSource{next: 1}
}

func (s *idSource) next_() MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	return id
}

// Emitter is the event/binary/request facade a caller interacts with
// (spec.md §4.4): it turns channel-scoped application calls into Messages
// pushed through a Writer, and turns inbound Messages routed to it by the
// Connection Controller back into channel-scoped callbacks.
//
// Grounded on pkg/devtools/transport.go's eventSubscribers
// map[string][]chan *Message and SubscribeEvent, generalized so a channel
// carries events, binary frames, and requests uniformly.
type Emitter struct {
	writer *Writer
	ids    *idSource

	events  *observer
	binary  *observer
	request *observer

	ackTimeout              time.Duration
	defaultOperationTimeout time.Duration

	panicHandler func(error)
}

// SetPanicHandler installs fn to be called whenever an application-supplied
// event or binary handler panics (spec.md §7: "Handler (event/binary)
// exceptions are emitted on the controller's error event"). Request handler
// panics are not reported through fn; they are recovered into the
// generic-error Response the requester already expects, per
// genericHandlerErrorMessage.
func (e *Emitter) SetPanicHandler(fn func(error)) {
	e.panicHandler = fn
}

// recoverHandlerPanic should be deferred at the top of every call into an
// application-supplied handler. It turns a panic into an error and reports
// it through e.panicHandler, so one misbehaving handler cannot crash the
// Reader's parse goroutine (spec.md §7: handler exceptions never close the
// connection).
func (e *Emitter) recoverHandlerPanic() {
	if r := recover(); r != nil {
		if e.panicHandler != nil {
			e.panicHandler(fmt.Errorf("relay: handler panic: %v", r))
		}
	}
}

// NewEmitter constructs an Emitter that sends through writer, drawing ids
// from ids. ackTimeout is applied to sendEvent/sendBinary/sendRequest per
// spec.md §4.4; defaultOperationTimeout backs sendRequest calls that leave
// RequestOptions.OperationTimeout at zero.
func NewEmitter(writer *Writer, ids *idSource, ackTimeout, defaultOperationTimeout time.Duration) *Emitter {
	return &Emitter{
		writer:                  writer,
		ids:                     ids,
		events:                  newObserver(),
		binary:                  newObserver(),
		request:                 newObserver(),
		ackTimeout:              ackTimeout,
		defaultOperationTimeout: defaultOperationTimeout,
	}
}

func marshalArgs(args []interface{}) (Payload, error) {
	if args == nil {
		args = []interface{}{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: PayloadJSON, Raw: json.RawMessage(raw)}, nil
}

func unmarshalArgs(p Payload) []json.RawMessage {
	if p.Kind != PayloadJSON {
		return nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(p.Raw, &args); err != nil {
		return nil
	}
	return args
}

// SendEvent queues a Json-carrying Event message on channel with the given
// args wrapped as a Json array (spec.md §4.4: "sendEvent(channel, args...)
// — builds a Message type=Event, one Json payload [args]"). It does not
// wait for a response, only (optionally) an ack.
func (e *Emitter) SendEvent(channel string, args ...interface{}) *Completion {
	p, err := marshalArgs(args)
	if err != nil {
		c, _, reject := newCompletion()
		reject(err)
		return c
	}
	id := e.ids.next_()
	m := Message{ID: id, Type: Event, Channel: channel, Payloads: []Payload{p}}
	return e.writer.Queue(m, WriteOptions{AckTimeout: e.ackTimeout})
}

// SendBinary queues a Binary message carrying data on channel, with args
// wrapped as the leading Json payload (spec.md §4.4).
func (e *Emitter) SendBinary(channel string, data []byte, args ...interface{}) *Completion {
	p, err := marshalArgs(args)
	if err != nil {
		c, _, reject := newCompletion()
		reject(err)
		return c
	}
	id := e.ids.next_()
	m := Message{ID: id, Type: Binary, Channel: channel, Payloads: []Payload{p, BinaryPayload(data)}}
	return e.writer.Queue(m, WriteOptions{AckTimeout: e.ackTimeout})
}

// RequestOptions controls a single SendRequest call's operation deadline.
// A zero OperationTimeout falls back to the Emitter's default operation
// timeout; the request has no operation deadline only if that is zero too.
type RequestOptions struct {
	OperationTimeout time.Duration
}

// SendRequest queues a Request message on channel and returns a Completion
// that resolves with the Response's decoded value, or rejects with
// *RemoteError (success=false) or *NetworkTimeoutError (operation deadline)
// (spec.md §4.4, §4.5). A missed ack deadline on a request is reported only
// through the Writer's error event and does not settle the Completion;
// transport write errors are likewise reported as error events, not as
// rejections.
func (e *Emitter) SendRequest(channel string, opts RequestOptions, args ...interface{}) *Completion {
	p, err := marshalArgs(args)
	if err != nil {
		c, _, reject := newCompletion()
		reject(err)
		return c
	}
	opTimeout := opts.OperationTimeout
	if opTimeout == 0 {
		opTimeout = e.defaultOperationTimeout
	}
	id := e.ids.next_()
	m := Message{ID: id, Type: Request, Channel: channel, Payloads: []Payload{p}}
	return e.writer.Queue(m, WriteOptions{AckTimeout: e.ackTimeout, OperationTimeout: opTimeout})
}

// OnEvent registers fn for every Event message arriving on channel, invoked
// with the Json-decoded argument array (spec.md §4.4). Multiple handlers
// per channel are invoked in insertion order.
func (e *Emitter) OnEvent(channel string, fn func(args []json.RawMessage)) {
	e.events.on(channel, func(a ...interface{}) {
		defer e.recoverHandlerPanic()
		fn(a[0].([]json.RawMessage))
	})
}

// OnceEvent registers a one-shot listener for channel.
func (e *Emitter) OnceEvent(channel string, fn func(args []json.RawMessage)) {
	e.events.once(channel, func(a ...interface{}) {
		defer e.recoverHandlerPanic()
		fn(a[0].([]json.RawMessage))
	})
}

// OnBinary registers fn for every Binary message arriving on channel; data
// is the trailing Binary payload, args the leading Json array (spec.md
// §4.5 step 4: "For Binary, prepend payload[1] (bytes) to args").
func (e *Emitter) OnBinary(channel string, fn func(data []byte, args []json.RawMessage)) {
	e.binary.on(channel, func(a ...interface{}) {
		defer e.recoverHandlerPanic()
		fn(a[0].([]byte), a[1].([]json.RawMessage))
	})
}

// OnceBinary registers a one-shot listener for channel.
func (e *Emitter) OnceBinary(channel string, fn func(data []byte, args []json.RawMessage)) {
	e.binary.once(channel, func(a ...interface{}) {
		defer e.recoverHandlerPanic()
		fn(a[0].([]byte), a[1].([]json.RawMessage))
	})
}

// RequestHandler processes an inbound Request's decoded argument array and
// returns a value to encode into the Response, or an error. Returning a
// *RequestError forwards its message verbatim to the requester; any other
// error is replaced by genericHandlerErrorMessage before being sent
// (spec.md §4.5 step 4).
type RequestHandler func(args []json.RawMessage) (interface{}, error)

// OnRequest registers the handler for Request messages arriving on channel.
// Only one handler may be registered per channel; a second registration
// replaces the first (spec.md §4.4: "at most one handler per channel, last
// registration wins").
func (e *Emitter) OnRequest(channel string, fn RequestHandler) {
	e.request.off(channel)
	e.request.on(channel, func(a ...interface{}) {
		call := a[0].(*requestCall)
		value, err := e.invokeRequestHandler(fn, call.args)
		call.reply(value, err)
	})
}

// invokeRequestHandler calls fn, recovering a panic into the same generic
// error every non-*RequestError return value already produces (spec.md §4.5
// step 4, §7: "Request handler exceptions never close the connection").
func (e *Emitter) invokeRequestHandler(fn RequestHandler, args []json.RawMessage) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewRequestError(genericHandlerErrorMessage)
		}
	}()
	return fn(args)
}

type requestCall struct {
	args  []json.RawMessage
	reply func(interface{}, error)
}

// dispatchEvent routes an inbound Event message to registered listeners.
// Called by the Connection Controller (spec.md §4.5 step 4).
func (e *Emitter) dispatchEvent(m Message) {
	if e.events.listenerCount(m.Channel) == 0 {
		return
	}
	var args []json.RawMessage
	if len(m.Payloads) > 0 {
		args = unmarshalArgs(m.Payloads[0])
	}
	e.events.emit(m.Channel, args)
}

// dispatchBinary routes an inbound Binary message to registered listeners.
func (e *Emitter) dispatchBinary(m Message) {
	if e.binary.listenerCount(m.Channel) == 0 {
		return
	}
	var args []json.RawMessage
	var data []byte
	if len(m.Payloads) > 0 {
		args = unmarshalArgs(m.Payloads[0])
	}
	if len(m.Payloads) > 1 {
		data = m.Payloads[1].Bytes
	}
	e.binary.emit(m.Channel, data, args)
}

// dispatchRequest routes an inbound Request message to its handler, and
// arranges for reply to be called with a Response message whose body carries
// the request's id as requestId (spec.md §4.5 step 3-4); the caller assigns
// the Response its own message id and channel. If no handler is registered for the channel,
// an error Response is sent immediately.
func (e *Emitter) dispatchRequest(m Message, reply func(Message)) {
	if e.request.listenerCount(m.Channel) == 0 {
		reply(errorResponse(m.ID, "no handler registered for channel "+m.Channel))
		return
	}
	var args []json.RawMessage
	if len(m.Payloads) > 0 {
		args = unmarshalArgs(m.Payloads[0])
	}
	call := &requestCall{
		args: args,
		reply: func(value interface{}, err error) {
			if err != nil {
				msg := genericHandlerErrorMessage
				if re, ok := err.(*RequestError); ok {
					msg = re.Message
				}
				reply(errorResponse(m.ID, msg))
				return
			}
			reply(successResponse(m.ID, value))
		},
	}
	e.request.emit(m.Channel, call)
}

func successResponse(requestID MessageID, value interface{}) Message {
	raw, err := json.Marshal(value)
	if err != nil {
		return errorResponse(requestID, genericHandlerErrorMessage)
	}
	body := responseBody{RequestID: requestID, Success: true, Value: raw}
	p, _ := JSONPayload(body)
	return Message{Type: Response, Payloads: []Payload{p}}
}

func errorResponse(requestID MessageID, message string) Message {
	body := responseBody{RequestID: requestID, Success: false, Error: message}
	p, _ := JSONPayload(body)
	return Message{Type: Response, Payloads: []Payload{p}}
}
