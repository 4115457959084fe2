// Package render draws the floor plan into an in-memory RGBA image.
package render

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/spatial/r2"

	"doorwatch/geometry"
	"doorwatch/layout"
)

// ErrNoSurface is returned when the canvas has no drawable area.
var ErrNoSurface = errors.New("render surface has zero size")

var (
	colorCanvas   = color.RGBA{R: 0xf4, G: 0xf5, B: 0xf7, A: 0xff}
	colorOutline  = color.RGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff}
	colorDragging = color.RGBA{R: 0x1e, G: 0x6f, B: 0xd9, A: 0xff}
	colorLabel    = color.RGBA{R: 0x11, G: 0x11, B: 0x11, A: 0xff}
	colorLock     = color.RGBA{R: 0x22, G: 0x22, B: 0x22, A: 0xff}
)

// Options configures glyph geometry.
type Options struct {
	// GlyphRadius is the device glyph radius in world units.
	GlyphRadius float64
	// MinGlyphPixels keeps glyphs visible when zoomed far out.
	MinGlyphPixels float64
	RingPixels     float64
	Labels         bool
}

// DefaultOptions returns the standard glyph settings.
func DefaultOptions() Options {
	return Options{GlyphRadius: 14, MinGlyphPixels: 4, RingPixels: 4, Labels: true}
}

// Frame is everything one render needs.
type Frame struct {
	Width, Height int
	Transform     geometry.Transform
	Background    image.Image
	Devices       []layout.View
	Now           time.Time
	Badge         string
}

// Renderer draws frames. It holds no per-frame state.
type Renderer struct {
	opts Options
}

// New creates a renderer.
func New(opts Options) *Renderer {
	def := DefaultOptions()
	if opts.GlyphRadius <= 0 {
		opts.GlyphRadius = def.GlyphRadius
	}
	if opts.MinGlyphPixels <= 0 {
		opts.MinGlyphPixels = def.MinGlyphPixels
	}
	if opts.RingPixels <= 0 {
		opts.RingPixels = def.RingPixels
	}
	return &Renderer{opts: opts}
}

// HitRadius is the world-unit radius matching the drawn glyph.
func (r *Renderer) HitRadius() float64 { return r.opts.GlyphRadius }

// Render draws f. Equal frames produce identical pixels.
func (r *Renderer) Render(f Frame) (*image.RGBA, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, ErrNoSurface
	}
	dst := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: colorCanvas}, image.Point{}, draw.Src)

	if f.Background != nil {
		r.drawBackground(dst, f)
	}

	radius := math.Max(r.opts.GlyphRadius*f.Transform.PixelsPerUnit(), r.opts.MinGlyphPixels)
	for _, v := range f.Devices {
		if v.Dragging {
			continue
		}
		r.drawDevice(dst, f, v, radius)
	}
	// The dragged device goes on top.
	for _, v := range f.Devices {
		if v.Dragging {
			r.drawDevice(dst, f, v, radius)
		}
	}

	if f.Badge != "" {
		drawText(dst, f.Badge, image.Pt(8, 16), badgeColor(f.Badge))
	}
	return dst, nil
}

func (r *Renderer) drawBackground(dst *image.RGBA, f Frame) {
	size := ImageSize(f.Background)
	tl := f.Transform.WorldToScreen(r2.Vec{})
	br := f.Transform.WorldToScreen(r2.Vec{X: size.W, Y: size.H})
	rect := image.Rect(int(math.Round(tl.X)), int(math.Round(tl.Y)), int(math.Round(br.X)), int(math.Round(br.Y)))
	if rect.Empty() || !rect.Overlaps(dst.Bounds()) {
		return
	}
	xdraw.ApproxBiLinear.Scale(dst, rect, f.Background, f.Background.Bounds(), xdraw.Over, nil)
}

func (r *Renderer) drawDevice(dst *image.RGBA, f Frame, v layout.View, radius float64) {
	c := f.Transform.WorldToScreen(v.Position)
	bounds := dst.Bounds()
	reach := radius + r.opts.RingPixels + 2
	if c.X+reach < float64(bounds.Min.X) || c.X-reach > float64(bounds.Max.X) ||
		c.Y+reach < float64(bounds.Min.Y) || c.Y-reach > float64(bounds.Max.Y) {
		return
	}

	if v.Highlight != nil && v.Highlight.Active(f.Now) {
		fillRing(dst, c, radius+1, radius+1+r.opts.RingPixels, v.Highlight.Color)
	}
	fillDisc(dst, c, radius, layout.StatusColor(v.Status))

	outline := colorOutline
	width := 1.5
	if v.Dragging {
		outline = colorDragging
		width = 2.5
	}
	fillRing(dst, c, radius-width, radius, outline)

	if v.Locked == layout.FlagTrue {
		fillDisc(dst, c, math.Max(radius/4, 1.5), colorLock)
	}

	if r.opts.Labels && v.Name != "" {
		w := font.MeasureString(basicfont.Face7x13, v.Name).Ceil()
		pt := image.Pt(int(math.Round(c.X))-w/2, int(math.Round(c.Y+radius))+14)
		drawText(dst, v.Name, pt, colorLabel)
	}
}

func fillDisc(dst *image.RGBA, c r2.Vec, radius float64, col color.RGBA) {
	fillRing(dst, c, -1, radius, col)
}

// fillRing sets pixels whose centers lie in (inner, outer] from c.
func fillRing(dst *image.RGBA, c r2.Vec, inner, outer float64, col color.RGBA) {
	if outer <= 0 {
		return
	}
	b := dst.Bounds()
	minX := max(int(math.Floor(c.X-outer)), b.Min.X)
	maxX := min(int(math.Ceil(c.X+outer)), b.Max.X-1)
	minY := max(int(math.Floor(c.Y-outer)), b.Min.Y)
	maxY := min(int(math.Ceil(c.Y+outer)), b.Max.Y-1)

	outer2 := outer * outer
	inner2 := -1.0
	if inner > 0 {
		inner2 = inner * inner
	}
	for y := minY; y <= maxY; y++ {
		dy := float64(y) + 0.5 - c.Y
		for x := minX; x <= maxX; x++ {
			dx := float64(x) + 0.5 - c.X
			d2 := dx*dx + dy*dy
			if d2 <= outer2 && d2 > inner2 {
				dst.SetRGBA(x, y, col)
			}
		}
	}
}

func drawText(dst *image.RGBA, s string, baseline image.Point, col color.RGBA) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(baseline.X, baseline.Y),
	}
	d.DrawString(s)
}

func badgeColor(badge string) color.RGBA {
	switch badge {
	case "Live":
		return layout.ColorClosed
	case "Offline":
		return colorOutline
	default:
		return layout.ColorOpen
	}
}
