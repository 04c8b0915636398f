package relay

import "fmt"

// NetworkError is the base for messaging-level failures, per spec.md §7.
type NetworkError struct {
	Message string
}

func (e *NetworkError) Error() string { return e.Message }

// NetworkTimeoutError reports that an ack or operation deadline elapsed
// before the corresponding completion settled. It honors the net.Error
// shape used by pascaldekloe-websocket's ClosedError, but unlike that type
// it genuinely is a timeout, so Timeout() reports true.
type NetworkTimeoutError struct {
	MessageID MessageID
	Operation string // "ack" or "operation"
}

func (e *NetworkTimeoutError) Error() string {
	return fmt.Sprintf("relay: %s timeout for message %d", e.Operation, e.MessageID)
}

// Timeout honors the net.Error interface.
func (e *NetworkTimeoutError) Timeout() bool { return true }

// Temporary honors the net.Error interface.
func (e *NetworkTimeoutError) Temporary() bool { return false }

// TransportError is the base for transport-layer failures.
type TransportError struct {
	Message string
	Cause   error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("relay: transport error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("relay: transport error: %s", e.Message)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// TransportConnectError reports a failed Transport.Connect call.
type TransportConnectError struct{ *TransportError }

// TransportWriteError reports a failed Transport.Send call. Per spec.md §6,
// a write error causes the transport to close itself.
type TransportWriteError struct{ *TransportError }

// TransportStartError reports a failed server Transport.Start call.
type TransportStartError struct{ *TransportError }

// RequestError is returned as the error of a request handler whose message
// should be forwarded verbatim to the requester, per spec.md §4.5 and §7.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// NewRequestError builds a RequestError with the given message.
func NewRequestError(message string) *RequestError {
	return &RequestError{Message: message}
}

// genericHandlerErrorMessage is sent to the requester when a request handler
// panics or returns a non-RequestError error, per spec.md §4.5 step 4.
const genericHandlerErrorMessage = "An error occurred when handling this request"

// RemoteError is the completion-rejection value for a request whose Response
// carried success=false. It mirrors pkg/devtools/transport.go's
// Error{Code, Message} shape (a plain struct satisfying error), minus the
// numeric code field, since spec.md's Response body has no code, only a
// string message.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// InvalidFramingError is raised by the Reader when a message does not begin
// with the expected start marker. It is fatal to the connection.
type InvalidFramingError struct {
	Detail string
}

func (e *InvalidFramingError) Error() string {
	if e.Detail == "" {
		return "relay: invalid framing: missing start marker"
	}
	return fmt.Sprintf("relay: invalid framing: %s", e.Detail)
}

// DecodeError is raised by the Reader when a message fails to decode after
// framing is established. It is fatal to the connection.
type DecodeError struct {
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "relay: decode error"
	}
	return fmt.Sprintf("relay: decode error: %s", e.Detail)
}
