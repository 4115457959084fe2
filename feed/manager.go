package feed

import (
	"context"
	"errors"
	"fmt"

	"doorwatch/common/logger"
	"doorwatch/common/ws"
	"doorwatch/timers"
)

var (
	ErrConnectTimeout = errors.New("transport did not open before connect timeout")
	ErrHealthCheck    = errors.New("transport failed health check")
	ErrNoTransports   = errors.New("no transports configured")
)

// Handler receives transport callbacks. Transports may call it from any
// goroutine; the manager re-posts every call onto its executor.
type Handler struct {
	// Cursor is the highest event id seen when the transport was opened.
	Cursor int64

	OnOpen func()
	// OnFrame hands over one raw JSON frame for decoding.
	OnFrame func(raw []byte)
	// OnMessage hands over an already decoded message.
	OnMessage func(msg ws.Message)
	// OnClose reports that the transport failed or ended.
	OnClose func(err error)
}

// Transport is one way of receiving the live feed.
type Transport interface {
	Kind() TransportKind
	// Open starts connecting and returns without waiting for the connection.
	// Progress is reported through h.
	Open(ctx context.Context, h Handler) error
	// Alive reports whether the transport still looks usable.
	Alive() bool
	Close() error
}

// Factory builds a fresh transport for one connection attempt.
type Factory func() Transport

// Stats counts manager activity.
type Stats struct {
	Opens     int
	Failures  int
	Frames    int
	Malformed int
	Stale     int
}

// Manager owns the active transport and the connection state machine. All
// methods must be called on the registry's executor.
type Manager struct {
	cfg    Config
	reg    *timers.Registry
	ladder []Factory
	log    logger.Interface

	state   State
	kind    TransportKind
	attempt int
	rung    int
	gen     uint64
	active  Transport
	cancel  context.CancelFunc
	closed  bool

	connectTimer timers.Handle
	healthTimer  timers.Handle
	backoffTimer timers.Handle

	cursor    int64
	stats     Stats
	onMessage func(ws.Message)
	onCursor  func(int64)
	observers []func(Status)
}

// NewManager creates a manager that tries the ladder in order.
func NewManager(cfg Config, reg *timers.Registry, ladder []Factory, log logger.Interface) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		ladder: ladder,
		log:    logger.OrNop(log),
	}
}

// OnMessage sets the sink for decoded messages.
func (m *Manager) OnMessage(fn func(ws.Message)) { m.onMessage = fn }

// OnCursor is called whenever the event cursor advances.
func (m *Manager) OnCursor(fn func(int64)) { m.onCursor = fn }

// Subscribe registers a status observer and immediately reports the current status.
func (m *Manager) Subscribe(fn func(Status)) {
	m.observers = append(m.observers, fn)
	fn(m.Status())
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	st := Status{State: m.state, Transport: m.kind, Attempt: m.attempt}
	if m.state == Degraded {
		st.RetryIn = m.cfg.Backoff(m.attempt - 1)
	}
	st.Exhausted = m.state == Disconnected && m.attempt >= m.cfg.MaxAttempts
	return st
}

// Stats returns activity counters.
func (m *Manager) Stats() Stats { return m.stats }

// Cursor returns the highest event id seen.
func (m *Manager) Cursor() int64 { return m.cursor }

// SetCursor restores a persisted cursor. It never moves the cursor backwards.
func (m *Manager) SetCursor(c int64) {
	if c > m.cursor {
		m.cursor = c
	}
}

// Connect opens the primary transport. It is a no-op while a connection is
// being established or is up.
func (m *Manager) Connect() {
	if m.closed {
		return
	}
	if m.state == Connecting || m.state == Connected {
		return
	}
	if len(m.ladder) == 0 {
		m.log.Error("Cannot connect live feed", "error", ErrNoTransports)
		return
	}
	m.openRung(0)
}

// Disconnect closes the active transport and stops all timers.
func (m *Manager) Disconnect() {
	m.stopTimers()
	m.closeActive()
	m.setState(Disconnected, None)
}

// Resume reconnects after the terminal Disconnected state, e.g. when the
// machine wakes up or the dashboard becomes visible again.
func (m *Manager) Resume() {
	if m.closed || m.state != Disconnected {
		return
	}
	m.log.Info("Resuming live feed")
	m.attempt = 0
	m.Connect()
}

// Reconnect tears down and reconnects from the primary transport.
func (m *Manager) Reconnect() {
	if m.closed {
		return
	}
	m.attempt = 0
	m.Disconnect()
	m.Connect()
}

// Close disconnects permanently and cancels every pending timer.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.Disconnect()
	m.closed = true
	m.reg.Close()
}

func (m *Manager) openRung(rung int) {
	m.stopTimers()
	m.closeActive()

	m.gen++
	gen := m.gen
	t := m.ladder[rung]()
	m.rung = rung
	m.active = t
	m.setState(Connecting, t.Kind())
	m.log.Info("Opening live feed transport", "transport", t.Kind().String(), "attempt", m.attempt)

	m.connectTimer = m.reg.After(m.cfg.ConnectTimeout, func() { m.connectTimedOut(gen) })

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if err := t.Open(ctx, m.handlerFor(gen)); err != nil {
		m.failed(gen, err)
	}
}

func (m *Manager) handlerFor(gen uint64) Handler {
	exec := m.reg.Executor()
	return Handler{
		Cursor: m.cursor,
		OnOpen: func() {
			exec.Post(func() { m.opened(gen) })
		},
		OnFrame: func(raw []byte) {
			frame := append([]byte(nil), raw...)
			exec.Post(func() { m.frame(gen, frame) })
		},
		OnMessage: func(msg ws.Message) {
			exec.Post(func() { m.message(gen, msg) })
		},
		OnClose: func(err error) {
			exec.Post(func() { m.failed(gen, err) })
		},
	}
}

func (m *Manager) current(gen uint64) bool {
	return !m.closed && gen == m.gen && m.active != nil
}

func (m *Manager) opened(gen uint64) {
	if !m.current(gen) || m.state != Connecting {
		return
	}
	m.reg.Cancel(m.connectTimer)
	m.connectTimer = 0
	m.attempt = 0
	m.stats.Opens++
	m.setState(Connected, m.kind)
	m.log.Info("Live feed connected", "transport", m.kind.String())

	m.healthTimer = m.reg.Every(m.cfg.HealthInterval, func() { m.healthCheck(gen) })
}

func (m *Manager) healthCheck(gen uint64) {
	if !m.current(gen) || m.state != Connected {
		return
	}
	if m.active.Alive() {
		return
	}
	m.log.Warn("Live feed reconnecting", "transport", m.kind.String(), "error", ErrHealthCheck)
	m.Disconnect()
	m.Connect()
}

func (m *Manager) connectTimedOut(gen uint64) {
	if !m.current(gen) || m.state != Connecting {
		return
	}
	m.connectTimer = 0
	m.failed(gen, fmt.Errorf("%s: %w", m.kind, ErrConnectTimeout))
}

func (m *Manager) frame(gen uint64, raw []byte) {
	if !m.current(gen) {
		m.stats.Stale++
		return
	}
	msg, err := ws.Decode(raw)
	if err != nil {
		m.stats.Malformed++
		m.log.WarnRateLimited("feed_malformed", m.cfg.HealthInterval, "Dropping malformed feed frame",
			"transport", m.kind.String(), "error", err)
		return
	}
	m.deliver(msg)
}

func (m *Manager) message(gen uint64, msg ws.Message) {
	if !m.current(gen) {
		m.stats.Stale++
		return
	}
	m.deliver(msg)
}

func (m *Manager) deliver(msg ws.Message) {
	m.stats.Frames++
	if msg.IsEvent() && msg.Event != nil {
		if seq := msg.Event.Seq(); seq > m.cursor {
			m.cursor = seq
			if m.onCursor != nil {
				m.onCursor(seq)
			}
		}
	}
	m.log.TraceTag("feed", "Feed frame", "type", msg.Type, "transport", m.kind.String())
	if m.onMessage != nil {
		m.onMessage(msg)
	}
}

func (m *Manager) failed(gen uint64, err error) {
	if !m.current(gen) {
		return
	}
	m.stats.Failures++
	wasConnecting := m.state == Connecting
	failedKind := m.kind
	m.stopTimers()
	m.closeActive()

	if wasConnecting && m.rung+1 < len(m.ladder) {
		m.log.Warn("Live feed transport failed to open, escalating",
			"transport", failedKind.String(), "error", err)
		m.openRung(m.rung + 1)
		return
	}

	m.log.Warn("Live feed transport lost", "transport", failedKind.String(), "error", err)
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	if m.attempt >= m.cfg.MaxAttempts {
		m.log.Error("Live feed giving up after repeated failures", "attempts", m.attempt)
		m.setState(Disconnected, None)
		return
	}
	delay := m.cfg.Backoff(m.attempt)
	m.attempt++
	m.setState(Degraded, None)
	m.log.Info("Live feed reconnect scheduled", "delay", delay.String(), "attempt", m.attempt)
	m.backoffTimer = m.reg.After(delay, func() {
		m.backoffTimer = 0
		if m.closed || m.state != Degraded {
			return
		}
		m.openRung(0)
	})
}

func (m *Manager) stopTimers() {
	for _, h := range []*timers.Handle{&m.connectTimer, &m.healthTimer, &m.backoffTimer} {
		if *h != 0 {
			m.reg.Cancel(*h)
			*h = 0
		}
	}
}

// closeActive closes the transport and invalidates its callbacks.
func (m *Manager) closeActive() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.active != nil {
		if err := m.active.Close(); err != nil {
			m.log.Debug("Error closing transport", "error", err)
		}
		m.active = nil
	}
}

func (m *Manager) setState(s State, kind TransportKind) {
	if s == m.state && kind == m.kind {
		return
	}
	m.state = s
	m.kind = kind
	st := m.Status()
	for _, fn := range m.observers {
		fn(st)
	}
}
