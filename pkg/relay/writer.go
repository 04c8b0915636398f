package relay

import (
	"sync"
	"time"
)

// Sender is the narrow port a Writer uses to push encoded bytes onto a
// transport, generalizing Design Notes §9 ("pass a narrow 'send bytes'
// port into Writer instead of the whole transport" — breaking the
// Controller/Writer/transport reference cycle).
type Sender interface {
	Send(b []byte) error
}

// WriteOptions controls the per-message ack and operation deadlines applied
// by Writer.Queue (spec.md §4.3).
type WriteOptions struct {
	AckTimeout       time.Duration
	OperationTimeout time.Duration
}

// Completion is a one-shot future-like handle resolved with a value, or
// rejected with an error, exactly once. It is owned by the caller; Writer
// only ever holds the resolve/reject closures, never this struct, so no
// reference cycle forms (Design Notes §9).
type Completion struct {
	ch chan completionResult
}

type completionResult struct {
	value interface{}
	err   error
}

func newCompletion() (*Completion, func(interface{}), func(error)) {
	c := &Completion{ch: make(chan completionResult, 1)}
	var once sync.Once
	resolve := func(v interface{}) {
		once.Do(func() { c.ch <- completionResult{value: v} })
	}
	reject := func(err error) {
		once.Do(func() { c.ch <- completionResult{err: err} })
	}
	return c, resolve, reject
}

// Wait blocks until the completion settles and returns its value or error.
func (c *Completion) Wait() (interface{}, error) {
	r := <-c.ch
	return r.value, r.err
}

// Done returns a channel that is sent to exactly once when the completion
// settles, for callers that want to select on it.
func (c *Completion) Done() <-chan completionResult { return c.ch }

// Value extracts the resolved value from a completionResult received off
// Done().
func (r completionResult) Value() interface{} { return r.value }

// Err extracts the rejection error, if any, from a completionResult.
func (r completionResult) Err() error { return r.err }

// outgoingRecord is the "Outgoing Message Record" of spec.md §3: created by
// Writer.Queue, lives in the connection's message map keyed by id, and is
// destroyed on ack (non-requests), response (requests), operation timeout,
// or connection-closed; retained across connection-lost when resumption is
// enabled.
//
// Grounded on pkg/devtools/transport.go's asyncMessage +
// responseSubscribers correlation table.
type outgoingRecord struct {
	message       Message
	sent          bool
	acknowledged  bool
	resolveOnAck  bool
	options       WriteOptions
	resolve       func(interface{})
	reject        func(error)
	ackTimer      *cancellableTimer
	operationTimer *cancellableTimer
}

// Writer tracks outgoing messages: ack/response correlation, timeouts, and
// resume-on-reconnect (spec.md §4.3).
type Writer struct {
	obs *observer

	sender Sender
	logger Logger

	mu        sync.Mutex
	connected bool
	messages  map[MessageID]*outgoingRecord
	// insertion order of ids, used to resend in ascending-id order on
	// resume (spec.md §5: "the source iterates insertion order, which
	// coincides with id order because IDs are assigned monotonically").
	order []MessageID
}

// NewWriter constructs a Writer that forwards encoded bytes through sender.
func NewWriter(sender Sender, logger Logger) *Writer {
	if logger == nil {
		logger = defaultLogger{}
	}
	return &Writer{
		obs:      newObserver(),
		sender:   sender,
		logger:   logger,
		messages: make(map[MessageID]*outgoingRecord),
	}
}

// OnError registers a callback for writer.error events (spec.md §4.3:
// "Transport errors raise writer.error").
func (w *Writer) OnError(fn func(error)) {
	w.obs.on("error", func(args ...interface{}) { fn(args[0].(error)) })
}

// Send is the fire-and-forget path (spec.md §4.3): if not connected, it
// returns false without retrying; otherwise it encodes and forwards to the
// transport and returns true.
func (w *Writer) Send(m Message) bool {
	w.mu.Lock()
	connected := w.connected
	w.mu.Unlock()
	if !connected {
		return false
	}
	w.encodeAndSend(m)
	return true
}

func (w *Writer) encodeAndSend(m Message) {
	b, err := Encode(m)
	if err != nil {
		w.obs.emit("error", &TransportError{Message: "failed to encode message", Cause: err})
		return
	}
	if err := w.sender.Send(b); err != nil {
		w.obs.emit("error", &TransportWriteError{&TransportError{Message: "failed to write message", Cause: err}})
	}
}

// Queue is the reliable send path (spec.md §4.3): it always inserts a
// record into the message map, then attempts delivery if connected. The
// returned Completion resolves per spec.md §4.3's rules, for non-request
// messages on ack and for request messages on response.
func (w *Writer) Queue(m Message, opts WriteOptions) *Completion {
	completion, resolve, reject := newCompletion()

	rec := &outgoingRecord{
		message:      m,
		resolveOnAck: m.Type != Request,
		options:      opts,
		resolve:      resolve,
		reject:       reject,
	}

	w.logger.Printf("relay: writer queue id=%d type=%s channel=%q", m.ID, m.Type, m.Channel)

	w.mu.Lock()
	w.messages[m.ID] = rec
	w.order = append(w.order, m.ID)
	w.mu.Unlock()

	w.sendMessage(rec)

	return completion
}

// sendMessage performs the actual transport write for a record, starting
// its timers if connected (spec.md §4.3 "_sendMessage").
func (w *Writer) sendMessage(rec *outgoingRecord) {
	w.mu.Lock()
	connected := w.connected
	if connected {
		rec.sent = true
		rec.acknowledged = false
		w.startTimersLocked(rec)
	}
	w.mu.Unlock()

	if !connected {
		return
	}

	w.encodeAndSend(rec.message)
}

// startTimersLocked assigns rec's timers. The caller must hold w.mu: every
// other accessor of rec.ackTimer/rec.operationTimer (onAckTimeout, OnAck,
// onOperationTimeout, OnResponse, RejectResponse, SetConnectionLost,
// SetConnectionClosed) reads or writes them under the same lock, and
// newCancellableTimer's callback only ever fires later from its own timer
// goroutine, so starting it here can't reenter and deadlock.
func (w *Writer) startTimersLocked(rec *outgoingRecord) {
	id := rec.message.ID
	if rec.options.AckTimeout > 0 {
		rec.ackTimer = newCancellableTimer(rec.options.AckTimeout, func() {
			w.onAckTimeout(id)
		})
	}
	if rec.message.Type == Request && rec.options.OperationTimeout > 0 {
		rec.operationTimer = newCancellableTimer(rec.options.OperationTimeout, func() {
			w.onOperationTimeout(id)
		})
	}
}

// onAckTimeout fires when a sent message remains unacknowledged after
// AckTimeout: it emits an error, and for non-requests (which settle on ack
// rather than on response) rejects the completion with NetworkTimeoutError.
// The record itself survives (it may still be acked or resumed) — rejecting
// is safe even if a late ack arrives afterward, since reject/resolve share a
// sync.Once and the ack would simply be a no-op. Per spec.md §4.3.
func (w *Writer) onAckTimeout(id MessageID) {
	w.mu.Lock()
	rec, ok := w.messages[id]
	if !ok || rec.acknowledged {
		w.mu.Unlock()
		return
	}
	rec.ackTimer = nil
	resolveOnAck := rec.resolveOnAck
	w.mu.Unlock()

	w.obs.emit("error", &NetworkTimeoutError{MessageID: id, Operation: "ack"})
	if resolveOnAck {
		rec.reject(&NetworkTimeoutError{MessageID: id, Operation: "ack"})
	}
}

// onOperationTimeout fires when a request's completion is still pending
// after OperationTimeout: the record and its ack timer are removed and the
// completion rejects, per spec.md §4.3.
func (w *Writer) onOperationTimeout(id MessageID) {
	w.mu.Lock()
	rec, ok := w.messages[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.messages, id)
	w.removeFromOrderLocked(id)
	if rec.ackTimer != nil {
		rec.ackTimer.stop()
	}
	w.mu.Unlock()

	rec.reject(&NetworkTimeoutError{MessageID: id, Operation: "operation"})
}

// OnAck handles a System "ack" message for id (spec.md §4.3): if the record
// exists and is unacknowledged, its ack timer is cleared and, for
// non-requests, the record is destroyed (spec.md §3: "destroyed on ack (for
// non-requests)") and its completion resolves. For requests the record
// remains until the response arrives, only acknowledged+ack-timer-cleared
// here. Re-acking an already-acked id is a no-op (spec.md §8: idempotence).
func (w *Writer) OnAck(id MessageID) {
	w.mu.Lock()
	rec, ok := w.messages[id]
	if !ok || rec.acknowledged {
		w.mu.Unlock()
		return
	}
	rec.acknowledged = true
	if rec.ackTimer != nil {
		rec.ackTimer.stop()
		rec.ackTimer = nil
	}
	resolveOnAck := rec.resolveOnAck
	if resolveOnAck {
		delete(w.messages, id)
		w.removeFromOrderLocked(id)
	}
	w.mu.Unlock()

	if resolveOnAck {
		rec.resolve(true)
	}
}

// OnResponse handles a Response for a Request id (spec.md §4.3): the record
// and both its timers are removed, and its completion resolves with value.
func (w *Writer) OnResponse(id MessageID, value interface{}) {
	w.mu.Lock()
	rec, ok := w.messages[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.messages, id)
	w.removeFromOrderLocked(id)
	if rec.ackTimer != nil {
		rec.ackTimer.stop()
	}
	if rec.operationTimer != nil {
		rec.operationTimer.stop()
	}
	w.mu.Unlock()

	rec.resolve(value)
}

// RejectResponse completes a pending request's completion with a remote
// error instead of a value, used when a Response carries success=false
// (spec.md §4.5 step 3).
func (w *Writer) RejectResponse(id MessageID, remoteErr error) {
	w.mu.Lock()
	rec, ok := w.messages[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.messages, id)
	w.removeFromOrderLocked(id)
	if rec.ackTimer != nil {
		rec.ackTimer.stop()
	}
	if rec.operationTimer != nil {
		rec.operationTimer.stop()
	}
	w.mu.Unlock()

	rec.reject(remoteErr)
}

func (w *Writer) removeFromOrderLocked(id MessageID) {
	for i, oid := range w.order {
		if oid == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			return
		}
	}
}

// SetConnectionLost flips to disconnected and cancels all timers; records
// are retained (spec.md §4.3).
func (w *Writer) SetConnectionLost() {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return
	}
	w.connected = false
	for _, rec := range w.messages {
		if rec.ackTimer != nil {
			rec.ackTimer.stop()
			rec.ackTimer = nil
		}
		if rec.operationTimer != nil {
			rec.operationTimer.stop()
			rec.operationTimer = nil
		}
	}
	w.mu.Unlock()
}

// SetConnectionOpened flips to connected and flushes retained records: for
// every record with !sent || isResumed, _sendMessage is invoked again
// (spec.md §4.3). Records are resent in ascending id order.
func (w *Writer) SetConnectionOpened(isResumed bool) {
	w.mu.Lock()
	if w.connected {
		w.mu.Unlock()
		return
	}
	w.connected = true
	ids := append([]MessageID(nil), w.order...)
	w.mu.Unlock()

	for _, id := range ids {
		w.mu.Lock()
		rec, ok := w.messages[id]
		w.mu.Unlock()
		if !ok {
			continue
		}
		if !rec.sent || isResumed {
			w.sendMessage(rec)
		}
	}
}

// SetConnectionClosed flips to disconnected, cancels all timers, and drops
// all records (their completions are left pending: spec.md §4.3 says
// "callers should treat connection-closed as terminal"). Used on an
// intentional close when resumption is foregone.
func (w *Writer) SetConnectionClosed() {
	w.mu.Lock()
	w.connected = false
	for _, rec := range w.messages {
		if rec.ackTimer != nil {
			rec.ackTimer.stop()
		}
		if rec.operationTimer != nil {
			rec.operationTimer.stop()
		}
	}
	w.messages = make(map[MessageID]*outgoingRecord)
	w.order = nil
	w.mu.Unlock()
}
