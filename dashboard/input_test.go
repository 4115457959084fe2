package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"doorwatch/geometry"
	"doorwatch/layout"
	"doorwatch/timers"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type recordingRemote struct {
	mu    sync.Mutex
	calls [][]layout.Position
	err   error
}

func (r *recordingRemote) SavePositions(_ context.Context, ps []layout.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]layout.Position(nil), ps...))
	return r.err
}

type inputFixture struct {
	tr     *geometry.Transform
	store  *layout.Store
	remote *recordingRemote
	in     *Input
	views  int
}

func newInputFixture(t *testing.T) *inputFixture {
	t.Helper()
	clock := timers.NewFakeClock(t0)
	remote := &recordingRemote{}
	store := layout.NewStore(timers.NewRegistry(clock, timers.Inline{}), remote, nil, layout.Options{
		Spawn: func(work func()) { work() },
	})
	store.Sync([]layout.Record{
		{ID: "D1", Online: true, Position: &r2.Vec{X: 100, Y: 100}},
		{ID: "D2", Online: true, Position: &r2.Vec{X: 400, Y: 300}},
	})
	tr := geometry.NewTransform(geometry.Fit{Scale: 1})
	f := &inputFixture{tr: &tr, store: store, remote: remote}
	f.in = NewInput(f.tr, store, 14, nil, nil)
	f.in.OnViewChange(func() { f.views++ })
	return f
}

func TestDragDeviceCommitsOnce(t *testing.T) {
	t.Parallel()
	f := newInputFixture(t)

	f.in.PointerDown(r2.Vec{X: 105, Y: 98})
	id, dragging := f.store.Dragging()
	require.True(t, dragging)
	assert.Equal(t, "D1", id)

	f.in.PointerMove(r2.Vec{X: 150, Y: 150})
	f.in.PointerMove(r2.Vec{X: 200, Y: 210})
	f.in.PointerUp(r2.Vec{X: 210, Y: 220})

	_, dragging = f.store.Dragging()
	assert.False(t, dragging)
	d, _ := f.store.Device("D1")
	assert.Equal(t, r2.Vec{X: 210, Y: 220}, d.Position)
	require.Len(t, f.remote.calls, 1)
	assert.Equal(t, []layout.Position{{ID: "D1", X: 210, Y: 220}}, f.remote.calls[0])
	assert.Empty(t, f.store.Dirty())
	assert.Zero(t, f.views)
}

func TestDragUsesWorldCoordinates(t *testing.T) {
	t.Parallel()
	f := newInputFixture(t)
	f.tr.ZoomAt(r2.Vec{}, 2)
	f.tr.PanBy(50, 0)

	// D1 at world (100,100) is drawn at screen (250,200).
	f.in.PointerDown(r2.Vec{X: 250, Y: 200})
	f.in.PointerUp(r2.Vec{X: 450, Y: 400})

	d, _ := f.store.Device("D1")
	assert.InDelta(t, 200, d.Position.X, 1e-9)
	assert.InDelta(t, 200, d.Position.Y, 1e-9)
}

func TestFailedSaveKeepsPositionDirty(t *testing.T) {
	t.Parallel()
	f := newInputFixture(t)
	f.remote.err = errors.New("backend down")

	var failures []layout.Change
	f.store.Subscribe(func(c layout.Change) {
		if c.Kind == layout.ChangePersistFailed {
			failures = append(failures, c)
		}
	})

	f.in.PointerDown(r2.Vec{X: 400, Y: 300})
	f.in.PointerUp(r2.Vec{X: 420, Y: 310})

	d, _ := f.store.Device("D2")
	assert.Equal(t, r2.Vec{X: 420, Y: 310}, d.Position)
	assert.Equal(t, []layout.Position{{ID: "D2", X: 420, Y: 310}}, f.store.Dirty())
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, layout.ErrPersistFailed)
}

func TestPanOnEmptyCanvas(t *testing.T) {
	t.Parallel()
	f := newInputFixture(t)

	f.in.PointerDown(r2.Vec{X: 700, Y: 600})
	_, dragging := f.store.Dragging()
	assert.False(t, dragging)

	f.in.PointerMove(r2.Vec{X: 710, Y: 590})
	f.in.PointerMove(r2.Vec{X: 730, Y: 600})
	f.in.PointerUp(r2.Vec{X: 730, Y: 600})

	assert.Equal(t, geometry.Viewport{Zoom: 1, PanX: 30, PanY: 0}, f.tr.View)
	assert.Equal(t, 2, f.views)
	assert.Empty(t, f.remote.calls)
}

func TestCancelDragRestoresPosition(t *testing.T) {
	t.Parallel()
	f := newInputFixture(t)

	f.in.PointerDown(r2.Vec{X: 100, Y: 100})
	f.in.PointerMove(r2.Vec{X: 300, Y: 300})
	f.in.Cancel()
	f.in.PointerUp(r2.Vec{X: 300, Y: 300})

	d, _ := f.store.Device("D1")
	assert.Equal(t, r2.Vec{X: 100, Y: 100}, d.Position)
	assert.Empty(t, f.remote.calls)
}

func TestWheelZoomKeepsPointFixed(t *testing.T) {
	t.Parallel()
	f := newInputFixture(t)
	p := r2.Vec{X: 320, Y: 240}
	before := f.tr.ScreenToWorld(p)

	f.in.Wheel(p, -100)
	assert.InDelta(t, wheelStep, f.tr.View.Zoom, 1e-12)
	after := f.tr.ScreenToWorld(p)
	assert.InDelta(t, before.X, after.X, 1e-9)
	assert.InDelta(t, before.Y, after.Y, 1e-9)

	for i := 0; i < 100; i++ {
		f.in.Wheel(p, -100)
	}
	assert.Equal(t, geometry.MaxZoom, f.tr.View.Zoom)

	f.in.Wheel(p, 0)
	f.in.ResetView()
	assert.Equal(t, geometry.DefaultViewport(), f.tr.View)
}

func TestPinchZoomsAboutMidpoint(t *testing.T) {
	t.Parallel()
	f := newInputFixture(t)

	f.in.TouchStart(1, r2.Vec{X: 600, Y: 500})
	f.in.TouchStart(2, r2.Vec{X: 700, Y: 500})
	mid := r2.Vec{X: 650, Y: 500}
	before := f.tr.ScreenToWorld(mid)

	f.in.TouchMove(1, r2.Vec{X: 550, Y: 500})
	f.in.TouchMove(2, r2.Vec{X: 750, Y: 500})
	assert.InDelta(t, 2, f.tr.View.Zoom, 1e-12)
	after := f.tr.ScreenToWorld(mid)
	assert.InDelta(t, before.X, after.X, 1e-9)
	assert.InDelta(t, before.Y, after.Y, 1e-9)

	f.in.TouchEnd(2)
	f.in.TouchMove(1, r2.Vec{X: 500, Y: 500})
	f.in.TouchEnd(1)
	assert.InDelta(t, 2, f.tr.View.Zoom, 1e-12)
	assert.Empty(t, f.remote.calls)
}

func TestSingleTouchDragsDevice(t *testing.T) {
	t.Parallel()
	f := newInputFixture(t)

	f.in.TouchStart(7, r2.Vec{X: 400, Y: 300})
	// A second finger during a drag is ignored.
	f.in.TouchStart(8, r2.Vec{X: 10, Y: 10})
	f.in.TouchEnd(8)
	f.in.TouchMove(7, r2.Vec{X: 410, Y: 330})
	f.in.TouchEnd(7)

	d, _ := f.store.Device("D2")
	assert.Equal(t, r2.Vec{X: 410, Y: 330}, d.Position)
	require.Len(t, f.remote.calls, 1)
}
