package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"doorwatch/geometry"
	"doorwatch/layout"
)

var now = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func identityFrame(devices ...layout.View) Frame {
	return Frame{
		Width:     200,
		Height:    100,
		Transform: geometry.NewTransform(geometry.Fit{Scale: 1}),
		Devices:   devices,
		Now:       now,
	}
}

func rgbaAt(img *image.RGBA, x, y int) color.RGBA {
	return img.RGBAAt(x, y)
}

func TestRenderZeroSurface(t *testing.T) {
	t.Parallel()
	r := New(DefaultOptions())

	_, err := r.Render(Frame{Width: 0, Height: 10})
	assert.ErrorIs(t, err, ErrNoSurface)
	_, err = r.Render(Frame{Width: 10, Height: -1})
	assert.ErrorIs(t, err, ErrNoSurface)
}

func TestRenderStatusColors(t *testing.T) {
	t.Parallel()
	r := New(Options{GlyphRadius: 10})

	img, err := r.Render(identityFrame(
		layout.View{ID: "a", Status: layout.StatusOpen, Position: r2.Vec{X: 30, Y: 50}},
		layout.View{ID: "b", Status: layout.StatusClosed, Position: r2.Vec{X: 100, Y: 50}},
		layout.View{ID: "c", Status: layout.StatusOffline, Position: r2.Vec{X: 170, Y: 50}},
	))
	require.NoError(t, err)

	assert.Equal(t, layout.ColorOpen, rgbaAt(img, 30, 50))
	assert.Equal(t, layout.ColorClosed, rgbaAt(img, 100, 50))
	assert.Equal(t, layout.ColorOffline, rgbaAt(img, 170, 50))
	assert.Equal(t, colorCanvas, rgbaAt(img, 65, 10))
}

func TestRenderIsIdempotent(t *testing.T) {
	t.Parallel()
	r := New(DefaultOptions())
	f := identityFrame(
		layout.View{ID: "a", Name: "Lobby", Status: layout.StatusOpen, Locked: layout.FlagTrue, Position: r2.Vec{X: 60, Y: 40}},
	)
	f.Badge = "Live"

	first, err := r.Render(f)
	require.NoError(t, err)
	second, err := r.Render(f)
	require.NoError(t, err)
	assert.Equal(t, first.Pix, second.Pix)
}

func TestRenderHighlightRing(t *testing.T) {
	t.Parallel()
	r := New(Options{GlyphRadius: 10, RingPixels: 4})
	ring := color.RGBA{R: 0xff, G: 0xd7, A: 0xff}

	v := layout.View{
		ID:        "a",
		Status:    layout.StatusClosed,
		Position:  r2.Vec{X: 100, Y: 50},
		Highlight: &layout.Highlight{Color: ring, ExpiresAt: now.Add(time.Second)},
	}
	img, err := r.Render(identityFrame(v))
	require.NoError(t, err)
	assert.Equal(t, ring, rgbaAt(img, 100+12, 50))

	// Expired highlights are not drawn.
	v.Highlight.ExpiresAt = now
	img, err = r.Render(identityFrame(v))
	require.NoError(t, err)
	assert.Equal(t, colorCanvas, rgbaAt(img, 100+12, 50))
}

func TestRenderFollowsTransform(t *testing.T) {
	t.Parallel()
	r := New(Options{GlyphRadius: 5})
	f := identityFrame(layout.View{ID: "a", Status: layout.StatusOpen, Position: r2.Vec{X: 20, Y: 20}})
	f.Transform.ZoomAt(r2.Vec{}, 2)
	f.Transform.PanBy(10, 0)

	img, err := r.Render(f)
	require.NoError(t, err)
	assert.Equal(t, layout.ColorOpen, rgbaAt(img, 50, 40))
	assert.Equal(t, colorCanvas, rgbaAt(img, 20, 20))
}

func TestRenderScalesBackground(t *testing.T) {
	t.Parallel()
	bg := image.NewRGBA(image.Rect(0, 0, 10, 5))
	blue := color.RGBA{B: 0xff, A: 0xff}
	for y := 0; y < 5; y++ {
		for x := 0; x < 10; x++ {
			bg.SetRGBA(x, y, blue)
		}
	}
	canvas := geometry.Size{W: 200, H: 200}
	f := Frame{
		Width:      200,
		Height:     200,
		Background: bg,
		Transform:  geometry.NewTransform(geometry.FitImage(canvas, ImageSize(bg))),
	}

	img, err := New(DefaultOptions()).Render(f)
	require.NoError(t, err)
	// 10x5 fits as 200x100 centered vertically.
	assert.Equal(t, blue, rgbaAt(img, 100, 100))
	assert.Equal(t, colorCanvas, rgbaAt(img, 100, 10))
}

func TestDataURLRoundTrip(t *testing.T) {
	t.Parallel()
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	src.SetRGBA(1, 1, color.RGBA{R: 0xff, A: 0xff})

	s, err := EncodeDataURL(src)
	require.NoError(t, err)
	assert.True(t, IsDataURL(s))

	img, err := DecodeDataURL(s)
	require.NoError(t, err)
	assert.Equal(t, geometry.Size{W: 3, H: 2}, ImageSize(img))

	_, err = DecodeDataURL("https://example.com/plan.png")
	assert.ErrorIs(t, err, ErrNotDataURL)
	_, err = DecodeDataURL("data:image/png;base64")
	assert.Error(t, err)
}

func TestEncodePNG(t *testing.T) {
	t.Parallel()
	img, err := New(DefaultOptions()).Render(identityFrame())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, img))
	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())

	_, _, err = DecodeImage([]byte("not an image"))
	assert.Error(t, err)
}
