// Package feed keeps one live event transport open to the access-control
// backend, escalating from WebSocket to a chunked stream to polling and
// reconnecting with exponential backoff.
package feed

import "time"

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Degraded is the backoff wait between a failed connection and the
	// next attempt.
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// TransportKind names a rung of the transport ladder.
type TransportKind int

const (
	None TransportKind = iota
	Primary
	Fallback
	Polling
)

func (k TransportKind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Fallback:
		return "fallback"
	case Polling:
		return "polling"
	default:
		return "none"
	}
}

// Status is a snapshot of the connection published to observers.
type Status struct {
	State     State
	Transport TransportKind
	Attempt   int
	// RetryIn is the backoff delay while Degraded.
	RetryIn time.Duration
	// Exhausted marks the terminal Disconnected state reached after
	// MaxAttempts; only Resume or Reconnect leave it.
	Exhausted bool
}

// Badge is the user-facing connection indicator text.
func (s Status) Badge() string {
	switch s.State {
	case Connected:
		return "Live"
	case Connecting:
		if s.Attempt > 0 {
			return "Reconnecting"
		}
		return "Connecting"
	case Degraded:
		return "Reconnecting"
	default:
		return "Offline"
	}
}

// Config holds the state machine timings.
type Config struct {
	ConnectTimeout time.Duration
	HealthInterval time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		HealthInterval: 30 * time.Second,
		MaxAttempts:    10,
		BackoffBase:    time.Second,
		BackoffCap:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = def.BackoffCap
	}
	return c
}

// Backoff returns min(base*2^attempt, cap).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := c.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffCap {
			return c.BackoffCap
		}
	}
	if d > c.BackoffCap {
		return c.BackoffCap
	}
	return d
}
