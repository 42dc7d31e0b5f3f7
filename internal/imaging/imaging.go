// Package imaging decodes submitted photos and produces the downscaled copy used
// for detection and the full resolution face crops used for liveness scoring.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrEmptyCrop is returned when a face box does not overlap the image.
var ErrEmptyCrop = errors.New("face box does not overlap the image")

// Decode decodes JPEG, PNG, GIF, BMP or WebP data.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("image has no pixels")
	}
	return img, nil
}

// Ratio relates a downscaled image to its source, per axis.
type Ratio struct {
	Src image.Point
	Dst image.Point
}

// Downscale shrinks img by an integer divisor. The result is rounded down to
// whole pixels, so the returned ratio, not the divisor, maps its coordinates
// back to img.
func Downscale(img image.Image, divisor int) (image.Image, Ratio) {
	size := img.Bounds().Size()
	if divisor <= 1 {
		return img, Ratio{Src: size, Dst: size}
	}
	small := image.Pt(max(1, size.X/divisor), max(1, size.Y/divisor))
	return Resize(img, small.X, small.Y), Ratio{Src: size, Dst: small}
}

// Resize scales an image to the given dimensions.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// Box is a face box as [x1, y1, x2, y2] in pixels.
type Box [4]float64

// BoxFromSlice converts the wire format bbox. Malformed boxes return false.
func BoxFromSlice(v []float64) (Box, bool) {
	if len(v) != 4 {
		return Box{}, false
	}
	return Box{v[0], v[1], v[2], v[3]}, true
}

// Scale maps a box found in the downscaled image of r back to the source.
// Multiplying before dividing keeps whole-pixel edges exact.
func (b Box) Scale(r Ratio) Box {
	if r.Dst.X <= 0 || r.Dst.Y <= 0 {
		return b
	}
	sx, dx := float64(r.Src.X), float64(r.Dst.X)
	sy, dy := float64(r.Src.Y), float64(r.Dst.Y)
	return Box{b[0] * sx / dx, b[1] * sy / dy, b[2] * sx / dx, b[3] * sy / dy}
}

// Rect returns the integer rectangle covering the box, offset by origin.
func (b Box) Rect(origin image.Point) image.Rectangle {
	return image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3])).Add(origin).Canon()
}

// Crop copies the region of img covered by box (in pixels relative to the image
// origin), clamped to the image bounds.
func Crop(img image.Image, box Box) (*image.RGBA, error) {
	bounds := img.Bounds()
	r := box.Rect(bounds.Min).Intersect(bounds)
	if r.Empty() {
		return nil, ErrEmptyCrop
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// EncodeJPEG encodes img as JPEG for transport to the detection service.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
