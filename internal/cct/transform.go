package cct

import (
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// DefaultImageSize is the side length fed to the network.
const DefaultImageSize = 224

// ImageNet channel statistics.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Transform resizes an image to Size x Size and converts it into a
// normalised CHW float32 buffer.
type Transform struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

// NewTransform returns a Transform using ImageNet normalisation.
func NewTransform(size int) *Transform {
	return &Transform{Size: size, Mean: ImageNetMean, Std: ImageNetStd}
}

// Len returns the number of floats Apply produces.
func (t *Transform) Len() int {
	return 3 * t.Size * t.Size
}

// Apply resizes img and writes its normalised CHW pixels into dst, which must
// hold Len() values.
func (t *Transform) Apply(img image.Image, dst []float32) {
	size := uint(t.Size) //nolint:gosec // Size is validated by config.
	resized := resize.Resize(size, size, img, resize.Bilinear)

	b := resized.Bounds()
	plane := t.Size * t.Size
	for y := 0; y < t.Size; y++ {
		for x := 0; x < t.Size; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*t.Size + x
			dst[i] = (float32(r)/65535 - t.Mean[0]) / t.Std[0]
			dst[plane+i] = (float32(g)/65535 - t.Mean[1]) / t.Std[1]
			dst[2*plane+i] = (float32(bl)/65535 - t.Mean[2]) / t.Std[2]
		}
	}
}

// Decode reads an image from r and applies the transform.
func (t *Transform) Decode(r io.Reader) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "cct: decode image")
	}
	out := make([]float32, t.Len())
	t.Apply(img, out)
	return out, nil
}

// LoadImage decodes the image file at path.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path) //nolint:gosec // Path is built from the dataset root.
	if err != nil {
		return nil, errors.Wrap(err, "cct: open image")
	}
	defer func() {
		_ = f.Close()
	}()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cct: decode %s", path)
	}
	return img, nil
}
