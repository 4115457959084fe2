// Package layout holds the floor-plan state of every device: flags, derived
// visual status, position and drag state.
package layout

import (
	"image/color"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
)

// Status is the derived visual state of a device.
type Status int

const (
	StatusOffline Status = iota
	StatusClosed
	StatusOpen
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusClosed:
		return "closed"
	case StatusOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Flag is a boolean sensor reading that may be unknown.
type Flag int8

const (
	FlagUnknown Flag = iota
	FlagFalse
	FlagTrue
)

// FlagOf converts a bool to a known Flag.
func FlagOf(b bool) Flag {
	if b {
		return FlagTrue
	}
	return FlagFalse
}

// FlagFrom converts an optional bool.
func FlagFrom(b *bool) Flag {
	if b == nil {
		return FlagUnknown
	}
	return FlagOf(*b)
}

func (f Flag) String() string {
	switch f {
	case FlagTrue:
		return "true"
	case FlagFalse:
		return "false"
	default:
		return "unknown"
	}
}

// Status palette.
var (
	ColorOffline = color.RGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff}
	ColorClosed  = color.RGBA{R: 0x2e, G: 0x9d, B: 0x4f, A: 0xff}
	ColorOpen    = color.RGBA{R: 0xf2, G: 0xc0, B: 0x1e, A: 0xff}
)

// StatusColor is the glyph color for s.
func StatusColor(s Status) color.RGBA {
	switch s {
	case StatusOpen:
		return ColorOpen
	case StatusClosed:
		return ColorClosed
	default:
		return ColorOffline
	}
}

// Highlight flashes a status change until ExpiresAt.
type Highlight struct {
	Color     color.RGBA
	ExpiresAt time.Time
}

// Active reports whether the highlight is still showing at now.
func (h Highlight) Active(now time.Time) bool {
	return !h.ExpiresAt.IsZero() && h.ExpiresAt.After(now)
}

// Device is one door controller on the floor plan.
type Device struct {
	ID             string
	Name           string
	Location       string
	NetworkAddress string

	Online     bool
	Open       Flag
	Locked     Flag
	LastSeenAt time.Time

	Position  r2.Vec
	Highlight Highlight

	transientOpen bool
}

// VisualStatus derives the displayed status. An offline device is always
// offline; otherwise a transient open wins over the door sensor, and an
// unknown sensor reading shows as closed.
func (d *Device) VisualStatus() Status {
	if !d.Online {
		return StatusOffline
	}
	if d.transientOpen || d.Open == FlagTrue {
		return StatusOpen
	}
	return StatusClosed
}

// TransientOpen reports whether an access-granted window is active.
func (d *Device) TransientOpen() bool { return d.transientOpen }

// Patch is a set of flag changes produced by one event.
type Patch struct {
	Online        *bool
	Open          *bool
	Locked        *bool
	TransientOpen *bool
	// SeenAt advances LastSeenAt when it is newer.
	SeenAt time.Time
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Online == nil && p.Open == nil && p.Locked == nil && p.TransientOpen == nil && p.SeenAt.IsZero()
}

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }

// Record is a device as returned by a full device-list refresh.
type Record struct {
	ID             string
	Name           string
	Location       string
	NetworkAddress string
	Online         bool
	Open           *bool
	Locked         *bool
	LastSeen       time.Time
	// Position is set when the list carries coordinates for the device.
	Position *r2.Vec
}

// Position is a device position as persisted by the backend.
type Position struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Vec returns the position as a vector.
func (p Position) Vec() r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }

// View is a read-only snapshot of a device for rendering.
type View struct {
	ID        string
	Name      string
	Location  string
	Status    Status
	Online    bool
	Open      Flag
	Locked    Flag
	Position  r2.Vec
	Dragging  bool
	Dirty     bool
	Highlight *Highlight
}
