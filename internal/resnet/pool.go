package resnet

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// GlobalAvgPool averages each channel of a [N, C, H, W] input into [N, C].
type GlobalAvgPool[B tensor.Backend] struct{}

// NewGlobalAvgPool creates a global average pooling layer.
func NewGlobalAvgPool[B tensor.Backend]() *GlobalAvgPool[B] {
	return &GlobalAvgPool[B]{}
}

// Forward reduces the spatial dimensions.
func (p *GlobalAvgPool[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(x.Shape()) != 4 {
		panic("resnet: global average pooling expects [N, C, H, W] input")
	}
	return x.MeanDim(3, false).MeanDim(2, false)
}

// Parameters returns nil.
func (p *GlobalAvgPool[B]) Parameters() []*nn.Parameter[B] {
	return nil
}

// paddedMaxPool is a max pooling layer with symmetric zero padding. Zero
// padding matches -inf padding only for non-negative inputs, so it is placed
// after a ReLU.
type paddedMaxPool[B tensor.Backend] struct {
	pool    *nn.MaxPool2D[B]
	padding int
	backend B
}

func newPaddedMaxPool[B tensor.Backend](kernel, stride, padding int, backend B) *paddedMaxPool[B] {
	return &paddedMaxPool[B]{
		pool:    nn.NewMaxPool2D(kernel, stride, backend),
		padding: padding,
		backend: backend,
	}
}

func (p *paddedMaxPool[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if p.padding > 0 {
		x = zeroPad2D(x, p.padding, p.backend)
	}
	return p.pool.Forward(x)
}

// zeroPad2D pads the last two dimensions of a [N, C, H, W] tensor with pad
// zeros on each side.
func zeroPad2D[B tensor.Backend](x *tensor.Tensor[float32, B], pad int, backend B) *tensor.Tensor[float32, B] {
	s := x.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]

	rows := tensor.Zeros[float32](tensor.Shape{n, c, pad, w}, backend)
	x = tensor.Cat([]*tensor.Tensor[float32, B]{rows, x, rows}, 2)

	cols := tensor.Zeros[float32](tensor.Shape{n, c, h + 2*pad, pad}, backend)
	return tensor.Cat([]*tensor.Tensor[float32, B]{cols, x, cols}, 3)
}
