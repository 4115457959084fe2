package layout

import (
	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/spatial/r2"

	"doorwatch/geometry"
)

// DefaultWorld is the world size used for placement before a background
// image is known.
var DefaultWorld = geometry.Size{W: 1000, H: 700}

const placementMargin = 0.08

// Placement returns a deterministic position for a device that has none.
// The id hash picks a point inside the world with a margin on every side, so
// the same device lands on the same spot in every session.
func Placement(id string, world geometry.Size) r2.Vec {
	if world.Empty() {
		world = DefaultWorld
	}
	h := xxhash.Sum64String(id)
	fx := float64(h&0xffff) / 0xffff
	fy := float64((h>>16)&0xffff) / 0xffff

	mx, my := world.W*placementMargin, world.H*placementMargin
	return r2.Vec{
		X: mx + fx*(world.W-2*mx),
		Y: my + fy*(world.H-2*my),
	}
}
