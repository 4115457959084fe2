package geometry

import (
	"gonum.org/v1/gonum/spatial/r2"
)

// Target is a hit-testable point in world coordinates.
type Target struct {
	ID  string
	Pos r2.Vec
}

// HitTest returns the target nearest to p within radius world units. Ties go
// to the lexically smaller id so the result does not depend on input order.
func HitTest(p r2.Vec, targets []Target, radius float64) (string, bool) {
	if radius <= 0 {
		return "", false
	}
	best := ""
	bestDist := radius * radius
	found := false
	for _, tg := range targets {
		d := r2.Norm2(r2.Sub(tg.Pos, p))
		if d > bestDist {
			continue
		}
		if !found || d < bestDist || tg.ID < best {
			best, bestDist, found = tg.ID, d, true
		}
	}
	return best, found
}

// Pinch tracks a two-finger zoom gesture.
type Pinch struct {
	active    bool
	startDist float64
	startZoom float64
	lastMid   r2.Vec
}

// Begin starts a pinch from the two touch points.
func (p *Pinch) Begin(t Transform, a, b r2.Vec) {
	p.startDist = r2.Norm(r2.Sub(a, b))
	p.startZoom = t.View.zoom()
	p.lastMid = midpoint(a, b)
	p.active = p.startDist > 0
}

// Update zooms about the pinch midpoint in proportion to the finger spread and
// pans by the midpoint's movement since the last update.
func (p *Pinch) Update(t *Transform, a, b r2.Vec) {
	if !p.active {
		return
	}
	mid := midpoint(a, b)
	delta := r2.Sub(mid, p.lastMid)
	t.PanBy(delta.X, delta.Y)

	dist := r2.Norm(r2.Sub(a, b))
	if dist > 0 {
		t.ZoomAt(mid, p.startZoom*dist/p.startDist)
	}
	p.lastMid = mid
}

// End finishes the gesture.
func (p *Pinch) End() { p.active = false }

// Active reports whether a pinch is in progress.
func (p *Pinch) Active() bool { return p.active }

func midpoint(a, b r2.Vec) r2.Vec { return r2.Scale(0.5, r2.Add(a, b)) }
