// Package preprocess turns stored images into normalized classifier input.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"io/fs"

	"github.com/disintegration/imaging"
)

const (
	InputWidth  = 224
	InputHeight = 224
	Channels    = 3
)

var (
	// ErrImageNotFound is returned when the stored image path does not exist.
	ErrImageNotFound = errors.New("image not found")
	// ErrImageDecode is returned when the stored file cannot be decoded.
	ErrImageDecode = errors.New("image decode failed")
)

// ImageNet channel statistics, RGB order.
var (
	Mean = [Channels]float32{0.485, 0.456, 0.406}
	Std  = [Channels]float32{0.229, 0.224, 0.225}
)

// Tensor is a dense float32 array in NCHW order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Preprocessor resizes and normalizes images for the classifier.
type Preprocessor struct {
	filter imaging.ResampleFilter
}

// New returns a preprocessor using bilinear resampling.
func New() *Preprocessor {
	return &Preprocessor{filter: imaging.Linear}
}

// FromPath loads the image at path and converts it to a [1,3,224,224] tensor.
func (p *Preprocessor) FromPath(path string) (*Tensor, error) {
	img, err := imaging.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrImageDecode, path, err)
	}
	return p.FromImage(img), nil
}

// FromImage converts img to RGB, resizes it to 224x224, scales to [0,1] and
// applies per-channel mean/std normalization.
func (p *Preprocessor) FromImage(img image.Image) *Tensor {
	resized := imaging.Resize(img, InputWidth, InputHeight, p.filter)

	plane := InputWidth * InputHeight
	data := make([]float32, Channels*plane)
	for y := 0; y < InputHeight; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < InputWidth; x++ {
			px := row[x*4 : x*4+3]
			idx := y*InputWidth + x
			for c := 0; c < Channels; c++ {
				data[c*plane+idx] = (float32(px[c])/255.0 - Mean[c]) / Std[c]
			}
		}
	}

	return &Tensor{
		Shape: []int64{1, Channels, InputHeight, InputWidth},
		Data:  data,
	}
}

// Len returns the number of elements described by the tensor shape.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}
