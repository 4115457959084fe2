// Package geometry converts between screen pixels and floor-plan world
// coordinates under an aspect-fit background and a pan/zoom viewport.
//
// World coordinates are pixels of the background image. The forward transform
// is screen = (world*fit.Scale + fit.Offset)*zoom + pan.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Zoom limits.
const (
	MinZoom = 0.1
	MaxZoom = 5.0
)

// Size is a width/height pair in pixels.
type Size struct {
	W, H float64
}

// Empty reports whether either dimension is non-positive.
func (s Size) Empty() bool { return s.W <= 0 || s.H <= 0 }

// Fit is the aspect-fit placement of the world rectangle inside the canvas.
type Fit struct {
	Scale  float64
	Offset r2.Vec
}

// FitImage centers image inside canvas at the largest scale that keeps the
// whole image visible. Without an image the world maps 1:1 onto the canvas.
func FitImage(canvas, image Size) Fit {
	if canvas.Empty() || image.Empty() {
		return Fit{Scale: 1}
	}
	scale := math.Min(canvas.W/image.W, canvas.H/image.H)
	return Fit{
		Scale: scale,
		Offset: r2.Vec{
			X: (canvas.W - image.W*scale) / 2,
			Y: (canvas.H - image.H*scale) / 2,
		},
	}
}

// Viewport is the user-controlled pan and zoom.
type Viewport struct {
	Zoom float64
	PanX float64
	PanY float64
}

// DefaultViewport returns the identity viewport.
func DefaultViewport() Viewport { return Viewport{Zoom: 1} }

func (v Viewport) pan() r2.Vec { return r2.Vec{X: v.PanX, Y: v.PanY} }

// zoom is the effective zoom; an unset zoom counts as 1.
func (v Viewport) zoom() float64 {
	if v.Zoom <= 0 || math.IsNaN(v.Zoom) || math.IsInf(v.Zoom, 0) {
		return 1
	}
	return v.Zoom
}

// scale is the effective fit scale; an unset scale counts as 1.
func (f Fit) scale() float64 {
	if f.Scale <= 0 || math.IsNaN(f.Scale) || math.IsInf(f.Scale, 0) {
		return 1
	}
	return f.Scale
}

// Transform combines a viewport with the fit of the current background.
type Transform struct {
	View Viewport
	Fit  Fit
}

// NewTransform returns an identity-view transform for the given fit.
func NewTransform(fit Fit) Transform {
	if fit.Scale <= 0 {
		fit.Scale = 1
	}
	return Transform{View: DefaultViewport(), Fit: fit}
}

// WorldToScreen applies fit, then zoom, then pan.
func (t Transform) WorldToScreen(w r2.Vec) r2.Vec {
	base := r2.Add(r2.Scale(t.Fit.scale(), w), t.Fit.Offset)
	return r2.Add(r2.Scale(t.View.zoom(), base), t.View.pan())
}

// ScreenToWorld undoes pan and zoom, then the fit.
func (t Transform) ScreenToWorld(s r2.Vec) r2.Vec {
	base := t.screenToBase(s)
	return r2.Scale(1/t.Fit.scale(), r2.Sub(base, t.Fit.Offset))
}

// PixelsPerUnit is the on-screen size of one world unit.
func (t Transform) PixelsPerUnit() float64 { return t.Fit.scale() * t.View.zoom() }

// ZoomAt sets the zoom while keeping the point under screen fixed:
// pan' = screen - base*newZoom, where base is the unzoomed canvas point.
func (t *Transform) ZoomAt(screen r2.Vec, newZoom float64) {
	base := t.screenToBase(screen)
	z := ClampZoom(newZoom)
	pan := r2.Sub(screen, r2.Scale(z, base))
	t.View = Viewport{Zoom: z, PanX: pan.X, PanY: pan.Y}
}

// ZoomBy multiplies the zoom by factor about screen (mouse wheel).
func (t *Transform) ZoomBy(screen r2.Vec, factor float64) {
	if factor <= 0 || math.IsNaN(factor) {
		return
	}
	t.ZoomAt(screen, t.View.zoom()*factor)
}

// PanBy translates the view by a screen-space delta.
func (t *Transform) PanBy(dx, dy float64) {
	t.View.PanX += dx
	t.View.PanY += dy
}

// Reset restores the identity viewport.
func (t *Transform) Reset() { t.View = DefaultViewport() }

func (t Transform) screenToBase(s r2.Vec) r2.Vec {
	return r2.Scale(1/t.View.zoom(), r2.Sub(s, t.View.pan()))
}

// ClampZoom limits z to [MinZoom, MaxZoom].
func ClampZoom(z float64) float64 {
	if math.IsNaN(z) {
		return 1
	}
	return math.Max(MinZoom, math.Min(MaxZoom, z))
}
