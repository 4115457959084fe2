package render

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/url"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"doorwatch/geometry"
)

// ErrNotDataURL is returned by DecodeDataURL for anything but a data: URL.
var ErrNotDataURL = errors.New("not a data URL")

// DecodeImage decodes PNG, JPEG, GIF, BMP, TIFF or WebP bytes.
func DecodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode background image: %w", err)
	}
	return img, format, nil
}

// IsDataURL reports whether s is an inline data: URL.
func IsDataURL(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "data:")
}

// DecodeDataURL decodes an image carried in a data: URL, base64 or
// percent-encoded.
func DecodeDataURL(s string) (image.Image, error) {
	s = strings.TrimSpace(s)
	if !IsDataURL(s) {
		return nil, ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("data URL without payload")
	}

	var raw []byte
	if strings.HasSuffix(meta, ";base64") {
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			if b, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
				return nil, fmt.Errorf("data URL base64: %w", err)
			}
		}
		raw = b
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("data URL payload: %w", err)
		}
		raw = []byte(unescaped)
	}

	img, _, err := DecodeImage(raw)
	return img, err
}

// EncodeDataURL encodes img as a PNG data URL.
func EncodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

// ImageSize returns the world size defined by a background image.
func ImageSize(img image.Image) geometry.Size {
	if img == nil {
		return geometry.Size{}
	}
	b := img.Bounds()
	return geometry.Size{W: float64(b.Dx()), H: float64(b.Dy())}
}
