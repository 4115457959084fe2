package dashboard

import (
	"context"
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"

	"doorwatch/common/logger"
	"doorwatch/geometry"
	"doorwatch/layout"
)

// wheelStep is the zoom factor for one notch (100 units) of wheel delta.
const wheelStep = 1.1

// Input translates pointer gestures into viewport changes and device drags.
// A press on a device glyph drags it; a press on empty canvas pans. Two
// touch points pinch-zoom. All methods run on the event loop.
type Input struct {
	tr        *geometry.Transform
	store     *layout.Store
	hitRadius float64
	ctx       func() context.Context
	log       logger.Interface
	onChange  func()

	panning bool
	last    r2.Vec
	touches map[int]r2.Vec
	pinch   geometry.Pinch
}

// NewInput creates a controller over tr and store. ctx supplies the context
// used for position saves.
func NewInput(tr *geometry.Transform, store *layout.Store, hitRadius float64, ctx func() context.Context, log logger.Interface) *Input {
	if ctx == nil {
		ctx = context.Background
	}
	return &Input{
		tr:        tr,
		store:     store,
		hitRadius: hitRadius,
		ctx:       ctx,
		log:       logger.OrNop(log),
		touches:   make(map[int]r2.Vec),
	}
}

// OnViewChange registers a callback for viewport changes.
func (in *Input) OnViewChange(fn func()) { in.onChange = fn }

// PointerDown starts a drag when p hits a device, otherwise a pan.
func (in *Input) PointerDown(p r2.Vec) {
	world := in.tr.ScreenToWorld(p)
	if id, ok := geometry.HitTest(world, in.store.Targets(), in.hitRadius); ok {
		err := in.store.BeginDrag(id)
		if err == nil {
			in.log.Debug("Drag started", "device", id)
			return
		}
		if !errors.Is(err, layout.ErrDragInProgress) {
			in.log.Debug("Drag not started", "device", id, "error", err)
		}
		return
	}
	in.panning = true
	in.last = p
}

// PointerMove follows the active drag or pan.
func (in *Input) PointerMove(p r2.Vec) {
	if _, dragging := in.store.Dragging(); dragging {
		_ = in.store.UpdateDrag(in.tr.ScreenToWorld(p))
		return
	}
	if in.panning {
		d := r2.Sub(p, in.last)
		in.last = p
		in.tr.PanBy(d.X, d.Y)
		in.viewChanged()
	}
}

// PointerUp ends the gesture; a drag is committed and persisted.
func (in *Input) PointerUp(p r2.Vec) {
	in.panning = false
	if _, dragging := in.store.Dragging(); !dragging {
		return
	}
	_ = in.store.UpdateDrag(in.tr.ScreenToWorld(p))
	if pos, err := in.store.EndDrag(in.ctx()); err != nil {
		in.log.Warn("Drag could not be committed", "error", err)
	} else {
		in.log.Debug("Drag committed", "device", pos.ID, "x", pos.X, "y", pos.Y)
	}
}

// Cancel abandons any gesture without committing.
func (in *Input) Cancel() {
	in.panning = false
	in.pinch.End()
	in.store.CancelDrag()
}

// Wheel zooms about p. Negative delta zooms in, one notch per 100 units.
func (in *Input) Wheel(p r2.Vec, deltaY float64) {
	if deltaY == 0 || math.IsNaN(deltaY) {
		return
	}
	in.tr.ZoomBy(p, math.Pow(wheelStep, -deltaY/100))
	in.viewChanged()
}

// ResetView restores the identity viewport.
func (in *Input) ResetView() {
	in.tr.Reset()
	in.viewChanged()
}

// TouchStart registers a touch point. The first touch behaves as a pointer
// press; a second one switches to pinch unless a device is being dragged.
func (in *Input) TouchStart(id int, p r2.Vec) {
	in.touches[id] = p
	switch len(in.touches) {
	case 1:
		in.PointerDown(p)
	case 2:
		if _, dragging := in.store.Dragging(); dragging {
			return
		}
		in.panning = false
		a, b := in.pair()
		in.pinch.Begin(*in.tr, a, b)
	}
}

// TouchMove updates a touch point.
func (in *Input) TouchMove(id int, p r2.Vec) {
	if _, ok := in.touches[id]; !ok {
		return
	}
	in.touches[id] = p
	if in.pinch.Active() && len(in.touches) >= 2 {
		a, b := in.pair()
		in.pinch.Update(in.tr, a, b)
		in.viewChanged()
		return
	}
	if len(in.touches) == 1 {
		in.PointerMove(p)
	}
}

// TouchEnd removes a touch point.
func (in *Input) TouchEnd(id int) {
	p, ok := in.touches[id]
	if !ok {
		return
	}
	delete(in.touches, id)
	if in.pinch.Active() {
		if len(in.touches) < 2 {
			in.pinch.End()
		}
		// Lifting one finger of a pinch does not start a pan.
		return
	}
	if len(in.touches) == 0 {
		in.PointerUp(p)
	}
}

// pair returns the two lowest-numbered touch points.
func (in *Input) pair() (r2.Vec, r2.Vec) {
	ids := make([]int, 0, len(in.touches))
	for id := range in.touches {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return in.touches[ids[0]], in.touches[ids[1]]
}

func (in *Input) viewChanged() {
	if in.onChange != nil {
		in.onChange()
	}
}
