package liveness

import (
	"errors"
	"image"

	"github.com/kozaktomas/face-attendance/internal/imaging"
)

// DefaultInputSize is the square input edge the anti-spoofing models were trained on.
const DefaultInputSize = 160

// Layout is the memory order of a Tensor.
type Layout int

const (
	// CHW stores the three color planes one after another.
	CHW Layout = iota
	// HWC interleaves the channels per pixel.
	HWC
)

// Tensor is a normalized RGB face crop.
type Tensor struct {
	Size   int
	Layout Layout
	Data   []float32
}

// Preprocess resizes a face crop to size×size and normalizes every channel to
// [-1, 1] with mean 0.5 and std 0.5.
func Preprocess(img image.Image, size int, layout Layout) (Tensor, error) {
	if img == nil {
		return Tensor{}, errors.New("nil face crop")
	}
	if size <= 0 {
		size = DefaultInputSize
	}
	b := img.Bounds()
	if b.Dx() < 2 || b.Dy() < 2 {
		return Tensor{}, errors.New("face crop is too small")
	}

	resized := imaging.Resize(img, size, size)
	data := make([]float32, 3*size*size)
	plane := size * size
	for y := range size {
		for x := range size {
			c := resized.RGBAAt(x, y)
			r := normalize(c.R)
			g := normalize(c.G)
			bl := normalize(c.B)
			p := y*size + x
			if layout == HWC {
				data[3*p], data[3*p+1], data[3*p+2] = r, g, bl
			} else {
				data[p], data[plane+p], data[2*plane+p] = r, g, bl
			}
		}
	}
	return Tensor{Size: size, Layout: layout, Data: data}, nil
}

func normalize(v uint8) float32 {
	return (float32(v)/255 - 0.5) / 0.5
}
