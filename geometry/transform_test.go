package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
)

const eps = 1e-9

func assertVecNear(t *testing.T, want, got r2.Vec) {
	t.Helper()
	scale := math.Max(1, math.Max(math.Abs(want.X), math.Abs(want.Y)))
	assert.InDelta(t, want.X, got.X, eps*scale, "X")
	assert.InDelta(t, want.Y, got.Y, eps*scale, "Y")
}

func TestFitImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		canvas Size
		image  Size
		want   Fit
	}{
		{name: "wide canvas letterboxes horizontally", canvas: Size{800, 400}, image: Size{400, 400}, want: Fit{Scale: 1, Offset: r2.Vec{X: 200}}},
		{name: "tall canvas letterboxes vertically", canvas: Size{400, 800}, image: Size{800, 800}, want: Fit{Scale: 0.5, Offset: r2.Vec{Y: 200}}},
		{name: "no image is identity", canvas: Size{640, 480}, want: Fit{Scale: 1}},
		{name: "empty canvas is identity", image: Size{100, 100}, want: Fit{Scale: 1}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := FitImage(tc.canvas, tc.image)
			assert.InDelta(t, tc.want.Scale, got.Scale, eps)
			assertVecNear(t, tc.want.Offset, got.Offset)
		})
	}
}

func TestRoundTripIdentity(t *testing.T) {
	t.Parallel()

	fits := []Fit{
		{Scale: 1},
		FitImage(Size{1280, 720}, Size{2000, 1500}),
		FitImage(Size{300, 900}, Size{64, 48}),
	}
	zooms := []float64{0.1, 0.37, 1, 2.5, 5}
	pans := []r2.Vec{{}, {X: -350.25, Y: 812}, {X: 1e4, Y: -1e4}}
	points := []r2.Vec{{}, {X: 120, Y: 80}, {X: -33.3, Y: 7777.7}, {X: 1999, Y: 1499}}

	for _, fit := range fits {
		for _, z := range zooms {
			for _, pan := range pans {
				tr := Transform{View: Viewport{Zoom: z, PanX: pan.X, PanY: pan.Y}, Fit: fit}
				for _, p := range points {
					assertVecNear(t, p, tr.ScreenToWorld(tr.WorldToScreen(p)))
				}
			}
		}
	}
}

func TestWorldToScreenOrder(t *testing.T) {
	t.Parallel()

	tr := Transform{View: Viewport{Zoom: 2, PanX: 10, PanY: -5}, Fit: Fit{Scale: 0.5, Offset: r2.Vec{X: 100, Y: 0}}}
	// (40*0.5+100)*2+10 = 250, (20*0.5+0)*2-5 = 15
	assertVecNear(t, r2.Vec{X: 250, Y: 15}, tr.WorldToScreen(r2.Vec{X: 40, Y: 20}))
}

func TestZoomAtKeepsPointFixed(t *testing.T) {
	t.Parallel()

	tr := NewTransform(FitImage(Size{1000, 800}, Size{500, 500}))
	tr.PanBy(37, -12)
	cursor := r2.Vec{X: 420, Y: 315}
	before := tr.ScreenToWorld(cursor)

	for _, z := range []float64{1.7, 4.2, 0.3} {
		tr.ZoomAt(cursor, z)
		assert.InDelta(t, z, tr.View.Zoom, eps)
		assertVecNear(t, before, tr.ScreenToWorld(cursor))
		assertVecNear(t, cursor, tr.WorldToScreen(before))
	}
}

func TestZoomClamping(t *testing.T) {
	t.Parallel()

	tr := NewTransform(Fit{Scale: 1})
	tr.ZoomAt(r2.Vec{X: 50, Y: 50}, 100)
	assert.Equal(t, MaxZoom, tr.View.Zoom)

	tr.ZoomBy(r2.Vec{X: 50, Y: 50}, 1e-6)
	assert.Equal(t, MinZoom, tr.View.Zoom)

	tr.ZoomBy(r2.Vec{}, -1)
	assert.Equal(t, MinZoom, tr.View.Zoom, "non-positive factor ignored")

	assert.Equal(t, 1.0, ClampZoom(math.NaN()))

	tr.Reset()
	assert.Equal(t, DefaultViewport(), tr.View)
}

func TestZeroValueTransformIsIdentity(t *testing.T) {
	t.Parallel()

	var tr Transform
	p := r2.Vec{X: 120, Y: -35}
	assertVecNear(t, p, tr.ScreenToWorld(p))
	assertVecNear(t, p, tr.WorldToScreen(p))
	assert.Equal(t, 1.0, tr.PixelsPerUnit())

	tr.ZoomAt(r2.Vec{X: 10, Y: 10}, 2)
	assert.Equal(t, 2.0, tr.View.Zoom)
	assertVecNear(t, r2.Vec{X: 10, Y: 10}, tr.WorldToScreen(r2.Vec{X: 10, Y: 10}))
	assert.False(t, math.IsNaN(tr.View.PanX) || math.IsInf(tr.View.PanX, 0))
}

func TestHitTest(t *testing.T) {
	t.Parallel()

	targets := []Target{
		{ID: "D1", Pos: r2.Vec{X: 100, Y: 100}},
		{ID: "D2", Pos: r2.Vec{X: 112, Y: 100}},
		{ID: "D3", Pos: r2.Vec{X: 300, Y: 300}},
	}

	id, ok := HitTest(r2.Vec{X: 104, Y: 100}, targets, 15)
	require.True(t, ok)
	assert.Equal(t, "D1", id)

	id, ok = HitTest(r2.Vec{X: 109, Y: 100}, targets, 15)
	require.True(t, ok)
	assert.Equal(t, "D2", id)

	id, ok = HitTest(r2.Vec{X: 106, Y: 100}, []Target{targets[1], targets[0]}, 15)
	require.True(t, ok)
	assert.Equal(t, "D1", id, "equidistant tie resolves by id")

	_, ok = HitTest(r2.Vec{X: 200, Y: 200}, targets, 15)
	assert.False(t, ok)

	_, ok = HitTest(r2.Vec{X: 100, Y: 100}, targets, 0)
	assert.False(t, ok)
}

func TestPinch(t *testing.T) {
	t.Parallel()

	tr := NewTransform(Fit{Scale: 1})
	var p Pinch

	a, b := r2.Vec{X: 100, Y: 200}, r2.Vec{X: 200, Y: 200}
	mid := r2.Vec{X: 150, Y: 200}
	anchor := tr.ScreenToWorld(mid)

	p.Begin(tr, a, b)
	require.True(t, p.Active())

	// Spread to double distance around the same midpoint.
	p.Update(&tr, r2.Vec{X: 50, Y: 200}, r2.Vec{X: 250, Y: 200})
	assert.InDelta(t, 2.0, tr.View.Zoom, eps)
	assertVecNear(t, anchor, tr.ScreenToWorld(mid))

	// Move both fingers right by 30 keeping the spread.
	p.Update(&tr, r2.Vec{X: 80, Y: 200}, r2.Vec{X: 280, Y: 200})
	assert.InDelta(t, 2.0, tr.View.Zoom, eps)
	assertVecNear(t, anchor, tr.ScreenToWorld(r2.Vec{X: 180, Y: 200}))

	p.End()
	before := tr.View
	p.Update(&tr, a, b)
	assert.Equal(t, before, tr.View)
}
