package relay

import (
	"log"
	"os"
)

// Logger is the narrow logging port used throughout pkg/relay, satisfied
// directly by *log.Logger. Grounded on the teacher's msgLog *log.Logger +
// log.Printf split (SPEC_FULL.md §A): callers that want structured or
// leveled logging can supply their own adapter.
type Logger interface {
	Printf(format string, args ...interface{})
}

// defaultLogger discards all output, matching the teacher's nil-logger
// default (transport.go falls back to a no-op when no logger is supplied).
type defaultLogger struct{}

func (defaultLogger) Printf(format string, args ...interface{}) {}

// StdLogger wraps the standard library's log.Logger so it satisfies Logger;
// *log.Logger already does, but this gives callers a documented
// construction path without reaching into log directly.
func StdLogger() Logger {
	return log.New(os.Stderr, "relay: ", log.LstdFlags)
}
