package relay

import (
	"encoding/binary"
	"sync"
)

// Reader is an incremental parser atop a byte queue (spec.md §4.2). It
// accepts arbitrary-sized byte chunks via write, and emits whole Messages
// (via the "message" observer event) or parse errors (via "error") in
// arrival order, until clear() is called.
//
// Grounded on pkg/devtools/transport.go's receiveFromPipe/scanMessages
// (read-until-boundary loop) and hayabusa-cloud-framer/framer.go's
// documented suspend/resume semantics for an incremental framing reader,
// generalized to a push-based write(chunk) API instead of io.Reader.
type Reader struct {
	obs *observer

	mu         sync.Mutex
	queue      [][]byte
	queueLen   int
	headOffset int

	generation int

	parsing bool

	pending *pendingRead
}

type pendingRead struct {
	need int
	ch   chan []byte
}

// NewReader constructs an empty Reader.
func NewReader() *Reader {
	return &Reader{obs: newObserver()}
}

// OnMessage registers a callback invoked for each successfully parsed
// Message, in arrival order.
func (r *Reader) OnMessage(fn func(Message)) {
	r.obs.on("message", func(args ...interface{}) { fn(args[0].(Message)) })
}

// OnError registers a callback invoked when parsing fails. Per spec.md
// §4.2, a parse error is fatal to the connection.
func (r *Reader) OnError(fn func(error)) {
	r.obs.on("error", func(args ...interface{}) { fn(args[0].(error)) })
}

// Write appends chunk to the byte queue and drives the parse loop forward.
// Write(nil) / Write([]byte{}) is a no-op (spec.md §8).
func (r *Reader) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	r.mu.Lock()
	r.queue = append(r.queue, chunk)
	r.queueLen += len(chunk)

	if r.pending != nil && r.queueLen >= r.pending.need {
		p := r.pending
		r.pending = nil
		b := r.consumeLocked(p.need)
		r.mu.Unlock()
		p.ch <- b
		return
	}

	alreadyParsing := r.parsing
	spawnGen := r.generation
	if !alreadyParsing {
		r.parsing = true
	}
	r.mu.Unlock()

	if !alreadyParsing {
		go r.runParseLoop(spawnGen)
	}
}

// Clear discards all buffered bytes, cancels any pending read (with no
// completion), and bumps the generation counter so any in-flight parse
// suppresses its final emission (spec.md §4.2 step 4, §8: "Reader.clear()
// guarantees no further message or error events fire for bytes written
// before the clear").
//
// parsing is reset here rather than left for the in-flight parse
// goroutine's own deferred cleanup: that goroutine captured the
// pre-Clear generation, so once generation is bumped its deferred reset
// becomes a no-op (see runParseLoop) and parsing would otherwise stay
// stuck true, stranding bytes written after Clear unparsed.
func (r *Reader) Clear() {
	r.mu.Lock()
	r.queue = nil
	r.queueLen = 0
	r.headOffset = 0
	r.generation++
	r.parsing = false
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if pending != nil {
		// Unblock any goroutine parked in need() without delivering a
		// completion; the generation bump it observes after waking makes
		// it discard the (empty) result.
		close(pending.ch)
	}
}

// consumeLocked removes exactly n bytes from the front of the queue and
// returns them as a single contiguous slice. The caller must hold r.mu and
// must have already verified r.queueLen >= n.
func (r *Reader) consumeLocked(n int) []byte {
	out := make([]byte, 0, n)
	for n > 0 && len(r.queue) > 0 {
		front := r.queue[0]
		avail := len(front) - r.headOffset
		take := avail
		if take > n {
			take = n
		}
		out = append(out, front[r.headOffset:r.headOffset+take]...)
		r.headOffset += take
		r.queueLen -= take
		n -= take
		if r.headOffset == len(front) {
			r.queue = r.queue[1:]
			r.headOffset = 0
		}
	}
	return out
}

// need blocks (via a channel handoff) until n bytes are available, then
// returns them. It fails if the generation changes while suspended.
func (r *Reader) need(n int, gen int) ([]byte, bool) {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return nil, false
	}
	if r.queueLen >= n {
		b := r.consumeLocked(n)
		r.mu.Unlock()
		return b, true
	}
	ch := make(chan []byte, 1)
	r.pending = &pendingRead{need: n, ch: ch}
	r.mu.Unlock()

	b := <-ch

	r.mu.Lock()
	ok := r.generation == gen
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return b, true
}

// runParseLoop sequentially requests the bytes that make up one Message at
// a time, per spec.md §4.2 step 2-3, restarting after each successful
// emission in case more bytes are already queued. spawnGen is the
// generation in effect when this goroutine was spawned, and is the ONLY
// generation this goroutine ever parses under — it must never re-read
// r.generation mid-loop and adopt whatever is current, since a Clear()
// that lands while this goroutine hasn't reached a suspension point yet
// (and so never observes the bump via need()) would otherwise let it
// silently keep going under the new generation, parsing leftover/foreign
// bytes as if they were a fresh message.
//
// Every exit path resets parsing itself (instead of via a single deferred
// reset) so that the "queue is empty, stop parsing" decision and the
// parsing=false write happen under the same critical section Write()
// checks — otherwise a Write landing in the gap between that decision and
// a deferred reset would see parsing still true and pending == nil, and
// strand its bytes unparsed until some later, unrelated Write came in.
// Every reset is guarded by r.generation == spawnGen, since Clear() resets
// parsing itself for its own newer generation and this goroutine must not
// clobber that.
func (r *Reader) runParseLoop(spawnGen int) {
	for {
		msg, err, ok := r.parseOneMessage(spawnGen)
		if !ok {
			// Generation changed mid-parse: suppress emission entirely.
			return
		}
		if err != nil {
			// Unlike the "message" emit below, r.mu is released before
			// emitting here: the registered OnError handler
			// (closeDueToReaderError) tears the transport down
			// synchronously, which calls back into Clear() on this same
			// goroutine — holding r.mu through the emit would make that
			// Clear() call deadlock trying to reacquire it. That leaves a
			// narrow, unavoidable window between the unlock and the emit
			// where a Clear() from a DIFFERENT goroutine can land first;
			// the emitted error is then for a generation the reader has
			// already moved past. Accepted: closing it would require
			// emit() to run under r.mu, which this handler's own
			// reentrancy rules out.
			r.mu.Lock()
			emit := r.generation == spawnGen
			if emit {
				r.parsing = false
			}
			r.mu.Unlock()
			if emit {
				r.obs.emit("error", err)
			}
			return
		}

		// r.mu stays held across the emit call itself, not just the check
		// before it: releasing it in between would leave a window where a
		// concurrent Clear() on another goroutine bumps the generation
		// after we decide to emit but before the listener actually runs,
		// delivering a message Clear() was meant to suppress. Holding the
		// lock here is safe only because nothing reachable from a
		// "message" listener calls back into Clear() or Write() on this
		// goroutine (unlike the error path above, which does, via
		// closeDueToReaderError — see its comment).
		r.mu.Lock()
		if r.generation != spawnGen {
			r.mu.Unlock()
			return
		}
		r.obs.emit("message", msg)
		if r.generation != spawnGen || r.queueLen == 0 {
			if r.generation == spawnGen {
				r.parsing = false
			}
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

// parseOneMessage requests the wire fields of a single message in order:
// 2 bytes (marker), 6 bytes (id+type+channel_len), 1+channel_len bytes
// (channel+payload_count), then per payload 4 bytes (type+size) and size
// bytes (data). The third return value is false iff gen was invalidated by
// a concurrent Clear() (no emission should happen in that case).
func (r *Reader) parseOneMessage(gen int) (Message, error, bool) {
	marker, ok := r.need(2, gen)
	if !ok {
		return Message{}, nil, false
	}
	if marker[0] != startMarker[0] || marker[1] != startMarker[1] {
		return Message{}, &InvalidFramingError{}, true
	}

	rest, ok := r.need(6, gen)
	if !ok {
		return Message{}, nil, false
	}
	id := binary.BigEndian.Uint32(rest[0:4])
	typ := MessageType(rest[4])
	channelLen := int(rest[5])

	head, ok := r.need(1+channelLen, gen)
	if !ok {
		return Message{}, nil, false
	}
	channel := string(head[0:channelLen])
	payloadCount := int(head[channelLen])

	payloads := make([]Payload, 0, payloadCount)
	for i := 0; i < payloadCount; i++ {
		ph, ok := r.need(4, gen)
		if !ok {
			return Message{}, nil, false
		}
		kind := PayloadKind(ph[0])
		size := int(uint32(ph[1])<<16 | uint32(ph[2])<<8 | uint32(ph[3]))

		var data []byte
		if size > 0 {
			data, ok = r.need(size, gen)
			if !ok {
				return Message{}, nil, false
			}
		}

		// Shared with Decode's whole-buffer parse in codec.go: keeping one
		// implementation means the nil/empty BinaryPayload special case (and
		// any future payload-kind change) can't silently desync between
		// incremental and whole-buffer decoding.
		p, err := decodePayload(kind, data)
		if err != nil {
			return Message{}, &DecodeError{Detail: err.Error()}, true
		}
		payloads = append(payloads, p)
	}

	return Message{ID: MessageID(id), Type: typ, Channel: channel, Payloads: payloads}, nil, true
}
