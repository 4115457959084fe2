package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"doorwatch/common/logger"
	"doorwatch/common/ws"
	"doorwatch/layout"
	"doorwatch/timers"
)

// Target is the device state the reconciler mutates.
type Target interface {
	LastSeen(id string) (time.Time, bool)
	ApplyEventPatch(id string, p layout.Patch) error
}

// Outcome is what happened to one input.
type Outcome int

const (
	Applied Outcome = iota
	Stale
	Duplicate
	Unknown
	Ignored
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	case Unknown:
		return "unknown"
	case Ignored:
		return "ignored"
	default:
		return "invalid"
	}
}

// Config tunes the reconciler.
type Config struct {
	// TransientOpen is how long an access-granted event shows a door open.
	TransientOpen time.Duration
	// DedupeWindow is how many recent event ids are remembered.
	DedupeWindow int
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{TransientOpen: 5 * time.Second, DedupeWindow: 1024}
}

// Stats counts outcomes.
type Stats struct {
	Applied   int
	Stale     int
	Duplicate int
	Unknown   int
	Ignored   int
	Invalid   int
}

// Reconciler applies feed events to a Target. Not safe for concurrent use.
type Reconciler struct {
	cfg    Config
	reg    *timers.Registry
	target Target
	log    logger.Interface
	seen   *idWindow
	stats  Stats
}

// New creates a reconciler. Revert timers are scheduled on reg.
func New(cfg Config, reg *timers.Registry, target Target, log logger.Interface) *Reconciler {
	def := DefaultConfig()
	if cfg.TransientOpen <= 0 {
		cfg.TransientOpen = def.TransientOpen
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	return &Reconciler{
		cfg:    cfg,
		reg:    reg,
		target: target,
		log:    logger.OrNop(log),
		seen:   newIDWindow(cfg.DedupeWindow),
	}
}

// Stats returns outcome counters.
func (r *Reconciler) Stats() Stats { return r.stats }

// HandleMessage processes one feed frame. Failures are contained to the frame.
func (r *Reconciler) HandleMessage(msg ws.Message) Outcome {
	if !msg.IsEvent() {
		return Ignored
	}
	out, err := r.safeApply(msg.Event)
	if err != nil {
		r.log.WarnRateLimited("reconcile_invalid", time.Minute, "Dropping event", "error", err)
	}
	return out
}

func (r *Reconciler) safeApply(ev *ws.Event) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.stats.Invalid++
			out, err = Invalid, fmt.Errorf("%w: panic: %v", ErrInvalidEvent, p)
		}
	}()

	in, ignored, err := fromEvent(ev)
	if err != nil {
		r.stats.Invalid++
		return Invalid, err
	}
	if ignored {
		r.stats.Ignored++
		return Ignored, nil
	}
	return r.Apply(in)
}

// Apply reconciles one input: duplicates and unknown devices are dropped,
// events older than the device's last confirmation are stale (access granted
// excepted), everything else becomes a patch.
func (r *Reconciler) Apply(in Input) (Outcome, error) {
	if in.DeviceID == "" {
		r.stats.Invalid++
		return Invalid, fmt.Errorf("%w: missing device id", ErrInvalidEvent)
	}
	if in.EventID != "" && r.seen.Contains(in.EventID) {
		r.stats.Duplicate++
		return Duplicate, nil
	}

	lastSeen, ok := r.target.LastSeen(in.DeviceID)
	if !ok {
		r.stats.Unknown++
		r.log.Debug("Event for unknown device dropped", "device", in.DeviceID, "kind", string(in.Kind))
		return Unknown, nil
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = r.reg.Now()
	}
	if in.EventID != "" {
		r.seen.Add(in.EventID)
	}

	if in.Kind != KindAccessGranted && ts.Before(lastSeen) {
		r.stats.Stale++
		r.log.Debug("Stale event discarded", "device", in.DeviceID, "kind", string(in.Kind),
			"event_time", ts, "last_seen", lastSeen)
		return Stale, nil
	}

	patch := layout.Patch{SeenAt: ts}
	switch in.Kind {
	case KindOffline:
		patch.Online = layout.Bool(false)
	case KindOnline:
		patch.Online = layout.Bool(true)
	case KindDoorOpened:
		patch.Open = layout.Bool(true)
	case KindDoorClosed:
		patch.Open = layout.Bool(false)
	case KindLock:
		patch.Locked = layout.Bool(true)
	case KindUnlock:
		patch.Locked = layout.Bool(false)
	case KindAccessGranted:
		patch.TransientOpen = layout.Bool(true)
	default:
		r.stats.Invalid++
		return Invalid, fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, in.Kind)
	}

	if err := r.target.ApplyEventPatch(in.DeviceID, patch); err != nil {
		if errors.Is(err, layout.ErrUnknownDevice) {
			r.stats.Unknown++
			return Unknown, nil
		}
		r.stats.Invalid++
		return Invalid, err
	}
	if in.Kind == KindAccessGranted {
		r.scheduleRevert(in.DeviceID)
	}

	r.stats.Applied++
	r.log.TraceTag("reconcile", "Event applied", "device", in.DeviceID, "kind", string(in.Kind))
	return Applied, nil
}

// scheduleRevert ends the transient open after the fixed duration. A new
// access-granted event for the same device restarts the timer.
func (r *Reconciler) scheduleRevert(id string) {
	r.reg.AfterKey(revertKey(id), r.cfg.TransientOpen, func() {
		if err := r.target.ApplyEventPatch(id, layout.Patch{TransientOpen: layout.Bool(false)}); err != nil {
			r.log.Debug("Transient revert skipped", "device", id, "error", err)
		}
	})
}

// TransientPending reports whether a revert is scheduled for id.
func (r *Reconciler) TransientPending(id string) bool {
	return r.reg.KeyActive(revertKey(id))
}

// Close cancels pending reverts.
func (r *Reconciler) Close() { r.reg.Close() }

func revertKey(id string) string { return "transient:" + strings.TrimSpace(id) }

// idWindow remembers the last n ids in insertion order.
type idWindow struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newIDWindow(n int) *idWindow {
	return &idWindow{ring: make([]string, n), set: make(map[string]struct{}, n)}
}

func (w *idWindow) Contains(id string) bool {
	_, ok := w.set[id]
	return ok
}

func (w *idWindow) Add(id string) {
	if w.Contains(id) {
		return
	}
	if old := w.ring[w.next]; old != "" {
		delete(w.set, old)
	}
	w.ring[w.next] = id
	w.set[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
}
