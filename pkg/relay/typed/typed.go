// Package typed provides a thin, optional compile-time wrapper around
// pkg/relay's untyped Emitter API, for callers who want a Go type instead
// of a []json.RawMessage on both sides of a channel. It carries no runtime
// state of its own beyond a channel name and an *relay.Emitter reference,
// and compiles down to the same SendEvent/OnEvent/SendRequest/OnRequest
// calls the untyped API already makes.
//
// Grounded on pkg/cdp/<domain>/commands.go's one-typed-struct-per-CDP-
// command pattern (e.g. schema.GetDomains.Do(ctx) calling the untyped
// cdp.Send and unmarshaling the JSON result into a typed response struct),
// generalized from "one wrapper per generated CDP method" to "one wrapper
// per caller-declared channel name".
package typed

import (
	"context"
	"encoding/json"

	"github.com/nyxwire/relay/pkg/relay"
)

// EventChannel is a typed view of one Event channel, carrying a single
// Args value per message instead of relay's untyped []json.RawMessage.
type EventChannel[Args any] struct {
	name    string
	emitter *relay.Emitter
}

// NewEventChannel builds a typed wrapper over channel name on emitter.
func NewEventChannel[Args any](emitter *relay.Emitter, name string) EventChannel[Args] {
	return EventChannel[Args]{name: name, emitter: emitter}
}

// Send marshals args as the channel's sole argument and queues an Event
// message, per relay.Emitter.SendEvent.
func (c EventChannel[Args]) Send(args Args) *relay.Completion {
	return c.emitter.SendEvent(c.name, args)
}

// On registers fn for every Event arriving on this channel, decoding the
// first argument into Args. A message with no arguments invokes fn with
// the zero value of Args.
func (c EventChannel[Args]) On(fn func(Args)) {
	c.emitter.OnEvent(c.name, func(raw []json.RawMessage) {
		var v Args
		if len(raw) > 0 {
			_ = json.Unmarshal(raw[0], &v)
		}
		fn(v)
	})
}

// Once registers a one-shot listener for this channel.
func (c EventChannel[Args]) Once(fn func(Args)) {
	c.emitter.OnceEvent(c.name, func(raw []json.RawMessage) {
		var v Args
		if len(raw) > 0 {
			_ = json.Unmarshal(raw[0], &v)
		}
		fn(v)
	})
}

// RequestChannel is a typed view of one Request/Response channel.
type RequestChannel[Req, Resp any] struct {
	name    string
	emitter *relay.Emitter
}

// NewRequestChannel builds a typed wrapper over channel name on emitter.
func NewRequestChannel[Req, Resp any](emitter *relay.Emitter, name string) RequestChannel[Req, Resp] {
	return RequestChannel[Req, Resp]{name: name, emitter: emitter}
}

// Do sends req as the channel's sole request argument and waits for the
// Response, decoding its value into Resp. It honors ctx cancellation on
// top of relay's own ack/operation deadlines, mirroring
// pkg/cdp/<domain>/commands.go's Do(ctx) shape.
func (c RequestChannel[Req, Resp]) Do(ctx context.Context, req Req, opts relay.RequestOptions) (Resp, error) {
	var resp Resp
	completion := c.emitter.SendRequest(c.name, opts, req)

	var v interface{}
	select {
	case <-ctx.Done():
		return resp, ctx.Err()
	case r := <-completion.Done():
		// completion.Done() and completion.Wait() share the same
		// single-item buffered channel, so take the result directly off
		// this receive instead of calling Wait() afterward — Wait() would
		// block forever on an already-drained channel.
		v = r.Value()
		if r.Err() != nil {
			return resp, r.Err()
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// RequestHandler processes a typed Req and returns a typed Resp or an
// error, the typed analogue of relay.RequestHandler.
type RequestHandler[Req, Resp any] func(Req) (Resp, error)

// Handle registers fn as this channel's request handler, decoding the
// inbound argument into Req and encoding fn's Resp back through the
// untyped Emitter. A malformed request argument is reported as a
// *relay.RequestError so it surfaces verbatim to the requester.
func (c RequestChannel[Req, Resp]) Handle(fn RequestHandler[Req, Resp]) {
	c.emitter.OnRequest(c.name, func(args []json.RawMessage) (interface{}, error) {
		var req Req
		if len(args) > 0 {
			if err := json.Unmarshal(args[0], &req); err != nil {
				return nil, relay.NewRequestError("malformed request arguments")
			}
		}
		return fn(req)
	})
}
