package layout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"doorwatch/common/logger"
	"doorwatch/geometry"
	"doorwatch/timers"
)

var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrDragInProgress = errors.New("another device is being dragged")
	ErrNoDrag         = errors.New("no drag in progress")
	ErrPersistFailed  = errors.New("failed to persist positions")
)

// Persister writes positions to the backend. It may block; the store never
// calls it on the event loop.
type Persister interface {
	SavePositions(ctx context.Context, positions []Position) error
}

// ChangeKind classifies store notifications.
type ChangeKind int

const (
	ChangeStatus ChangeKind = iota
	ChangeFlags
	ChangePosition
	ChangeAdded
	ChangeRemoved
	// ChangeRedraw asks for a repaint without a state change, e.g. when a
	// highlight expires.
	ChangeRedraw
	ChangePersisted
	ChangePersistFailed
)

// Change is published to observers after every mutation.
type Change struct {
	Kind ChangeKind
	ID   string
	// IDs lists the devices covered by a persist result.
	IDs []string
	Err error
}

// Options configures a Store.
type Options struct {
	HighlightFor time.Duration
	World        geometry.Size
	// Spawn runs blocking persistence work. Defaults to a new goroutine.
	Spawn func(work func())
	// PersistTimeout bounds each save.
	PersistTimeout time.Duration
}

type dragState struct {
	id  string
	pos r2.Vec
}

// Store is the single source of truth for device state during a session.
// It is not safe for concurrent use: call it from the event loop only.
type Store struct {
	opts    Options
	reg     *timers.Registry
	persist Persister
	log     logger.Interface

	devices   map[string]*Device
	dirty     map[string]bool
	drag      *dragState
	saves     int
	observers []func(Change)
}

// NewStore creates an empty store.
func NewStore(reg *timers.Registry, persist Persister, log logger.Interface, opts Options) *Store {
	if opts.HighlightFor <= 0 {
		opts.HighlightFor = 2 * time.Second
	}
	if opts.World.Empty() {
		opts.World = DefaultWorld
	}
	if opts.Spawn == nil {
		opts.Spawn = func(work func()) { go work() }
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 15 * time.Second
	}
	return &Store{
		opts:    opts,
		reg:     reg,
		persist: persist,
		log:     logger.OrNop(log),
		devices: make(map[string]*Device),
		dirty:   make(map[string]bool),
	}
}

// Subscribe registers an observer.
func (s *Store) Subscribe(fn func(Change)) { s.observers = append(s.observers, fn) }

func (s *Store) notify(c Change) {
	for _, fn := range s.observers {
		fn(c)
	}
}

// SetWorld sets the world size used for default placement.
func (s *Store) SetWorld(world geometry.Size) {
	if !world.Empty() {
		s.opts.World = world
	}
}

// Len returns the number of devices.
func (s *Store) Len() int { return len(s.devices) }

// Device returns a copy of the device.
func (s *Store) Device(id string) (Device, bool) {
	d, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// LastSeen returns the device's last transport confirmation.
func (s *Store) LastSeen(id string) (time.Time, bool) {
	d, ok := s.devices[id]
	if !ok {
		return time.Time{}, false
	}
	return d.LastSeenAt, true
}

// ApplyEventPatch merges p into the device, recomputes its visual status and
// flashes a highlight when the status changed.
func (s *Store) ApplyEventPatch(id string, p Patch) error {
	d, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if p.Empty() {
		return nil
	}

	before := d.VisualStatus()
	if p.Online != nil {
		d.Online = *p.Online
	}
	if p.Open != nil {
		d.Open = FlagOf(*p.Open)
	}
	if p.Locked != nil {
		d.Locked = FlagOf(*p.Locked)
	}
	if p.TransientOpen != nil {
		d.transientOpen = *p.TransientOpen
	}
	if p.SeenAt.After(d.LastSeenAt) {
		d.LastSeenAt = p.SeenAt
	}

	after := d.VisualStatus()
	if after == before {
		s.notify(Change{Kind: ChangeFlags, ID: id})
		return nil
	}

	d.Highlight = Highlight{Color: StatusColor(after), ExpiresAt: s.reg.Now().Add(s.opts.HighlightFor)}
	s.reg.AfterKey("highlight:"+id, s.opts.HighlightFor, func() {
		s.notify(Change{Kind: ChangeRedraw, ID: id})
	})
	s.log.Debug("Device status changed", "device", id, "from", before.String(), "to", after.String())
	s.notify(Change{Kind: ChangeStatus, ID: id})
	return nil
}

// Sync applies a full device-list refresh: devices missing from records are
// removed, new ones added, metadata updated. Flags of an existing device are
// only taken from a record that is at least as recent as the device's last
// event.
func (s *Store) Sync(records []Record) (added, removed int) {
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.ID == "" || seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true

		d, exists := s.devices[rec.ID]
		if !exists {
			d = &Device{ID: rec.ID}
			s.devices[rec.ID] = d
			if rec.Position != nil {
				d.Position = *rec.Position
			} else {
				d.Position = Placement(rec.ID, s.opts.World)
			}
			added++
		}
		d.Name = rec.Name
		d.Location = rec.Location
		d.NetworkAddress = rec.NetworkAddress

		fresh := !exists || (!rec.LastSeen.IsZero() && !rec.LastSeen.Before(d.LastSeenAt))
		if fresh {
			d.Online = rec.Online
			d.Open = FlagFrom(rec.Open)
			d.Locked = FlagFrom(rec.Locked)
			if rec.LastSeen.After(d.LastSeenAt) {
				d.LastSeenAt = rec.LastSeen
			}
		}
		if !exists {
			s.notify(Change{Kind: ChangeAdded, ID: rec.ID})
		}
	}

	for id := range s.devices {
		if seen[id] {
			continue
		}
		delete(s.devices, id)
		delete(s.dirty, id)
		s.reg.CancelKey("highlight:" + id)
		if s.drag != nil && s.drag.id == id {
			s.drag = nil
		}
		removed++
		s.notify(Change{Kind: ChangeRemoved, ID: id})
	}
	if added > 0 || removed > 0 {
		s.log.Info("Device list synchronized", "added", added, "removed", removed, "total", len(s.devices))
	}
	return added, removed
}

// LoadPositions merges backend positions into the store. A device keeps,
// in order of preference: its persisted position, the position carried by
// its device record, or its deterministic placement. Locally dirty positions
// are never overwritten.
func (s *Store) LoadPositions(persisted []Position) int {
	applied := 0
	for _, p := range persisted {
		d, ok := s.devices[p.ID]
		if !ok || s.dirty[p.ID] {
			continue
		}
		d.Position = p.Vec()
		applied++
	}
	if applied > 0 {
		s.notify(Change{Kind: ChangePosition})
	}
	return applied
}

// RestoreDirty re-applies unsaved local edits, e.g. from the local cache.
func (s *Store) RestoreDirty(positions []Position) int {
	n := 0
	for _, p := range positions {
		d, ok := s.devices[p.ID]
		if !ok {
			continue
		}
		d.Position = p.Vec()
		s.dirty[p.ID] = true
		n++
	}
	if n > 0 {
		s.notify(Change{Kind: ChangePosition})
	}
	return n
}

// Positions returns every device position sorted by id.
func (s *Store) Positions() []Position {
	out := make([]Position, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, Position{ID: d.ID, X: d.Position.X, Y: d.Position.Y})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dirty returns positions edited locally but not yet persisted.
func (s *Store) Dirty() []Position {
	out := make([]Position, 0, len(s.dirty))
	for id := range s.dirty {
		if d, ok := s.devices[id]; ok {
			out = append(out, Position{ID: id, X: d.Position.X, Y: d.Position.Y})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Devices returns views of all devices sorted by id. The dragged device is
// reported at its live drag position.
func (s *Store) Devices(now time.Time) []View {
	out := make([]View, 0, len(s.devices))
	for _, d := range s.devices {
		v := View{
			ID:       d.ID,
			Name:     d.Name,
			Location: d.Location,
			Status:   d.VisualStatus(),
			Online:   d.Online,
			Open:     d.Open,
			Locked:   d.Locked,
			Position: d.Position,
			Dirty:    s.dirty[d.ID],
		}
		if s.drag != nil && s.drag.id == d.ID {
			v.Position = s.drag.pos
			v.Dragging = true
		}
		if d.Highlight.Active(now) {
			h := d.Highlight
			v.Highlight = &h
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Targets returns hit-test targets, using the drag position for the dragged device.
func (s *Store) Targets() []geometry.Target {
	out := make([]geometry.Target, 0, len(s.devices))
	for _, d := range s.devices {
		pos := d.Position
		if s.drag != nil && s.drag.id == d.ID {
			pos = s.drag.pos
		}
		out = append(out, geometry.Target{ID: d.ID, Pos: pos})
	}
	return out
}

// Saves returns the number of persist calls issued.
func (s *Store) Saves() int { return s.saves }
