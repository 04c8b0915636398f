package relay

import "time"

// config holds the recognized configuration options of spec.md §6, built
// up by applying a sequence of Option values.
//
// Grounded on pkg/devtools/session.go's SessionOption = func(*Session)
// "self-referential functions" pattern, generalized from a single Session
// target to this package's connection config.
type config struct {
	ackTimeout              time.Duration
	defaultOperationTimeout time.Duration
	heartbeatTimeout        time.Duration
	resumptionEnabled       bool
	resumptionTimeout       time.Duration
	reconnectDelay          time.Duration
	logger                  Logger
}

// Option configures a ClientConn or Server at construction time.
type Option func(*config)

// defaultConfig returns the documented defaults from spec.md §6.
func defaultConfig() *config {
	return &config{
		ackTimeout:              15 * time.Second,
		defaultOperationTimeout: 0,
		heartbeatTimeout:        15 * time.Second,
		resumptionEnabled:       true,
		resumptionTimeout:       15 * time.Minute,
		reconnectDelay:          1 * time.Second,
	}
}

// NewConfig applies opts over the documented defaults and returns the
// resulting config, for callers that build a ClientConn/Server directly.
func NewConfig(opts ...Option) *config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithAckTimeout overrides the per-message ack deadline (default 15s).
func WithAckTimeout(d time.Duration) Option {
	return func(c *config) { c.ackTimeout = d }
}

// WithDefaultOperationTimeout overrides the default per-request deadline
// applied when a caller's RequestOptions leaves OperationTimeout at zero.
// Default 0 (off).
func WithDefaultOperationTimeout(d time.Duration) Option {
	return func(c *config) { c.defaultOperationTimeout = d }
}

// WithHeartbeatTimeout sets the heartbeat deadline. Reserved: accepted for
// configuration-surface compatibility but not enforced by this
// implementation (spec.md §9 Open Questions).
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *config) { c.heartbeatTimeout = d }
}

// WithResumptionEnabled controls whether outgoing records are retained
// (true) or dropped (false) across a lost connection. Default true.
func WithResumptionEnabled(enabled bool) Option {
	return func(c *config) { c.resumptionEnabled = enabled }
}

// WithResumptionTimeout bounds how long resumable state would be retained.
// Reserved: accepted but not enforced by this implementation (spec.md §9
// Open Questions).
func WithResumptionTimeout(d time.Duration) Option {
	return func(c *config) { c.resumptionTimeout = d }
}

// WithReconnectDelay overrides the delay between reconnect attempts in
// persistent mode. Default 1s.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *config) { c.reconnectDelay = d }
}

// WithLogger installs a Logger for diagnostic output. Default discards all
// output.
func WithLogger(l Logger) Option {
	return func(c *config) { c.logger = l }
}
