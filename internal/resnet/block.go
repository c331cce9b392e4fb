package resnet

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Block is one residual unit of a ResNet stage.
type Block[B tensor.Backend] interface {
	Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]
	Parameters() []*nn.Parameter[B]
	StateDict() map[string]*tensor.RawTensor
	SetTraining(training bool)
}

// downsample projects the shortcut with a strided 1x1 convolution and a
// batch norm. State names are "0.weight" and "1.<bn>".
type downsample[B tensor.Backend] struct {
	conv *nn.Conv2D[B]
	bn   *BatchNorm2D[B]
}

func newDownsample[B tensor.Backend](in, out, stride int, backend B) *downsample[B] {
	return &downsample[B]{
		conv: nn.NewConv2D(in, out, 1, 1, stride, 0, false, backend),
		bn:   NewBatchNorm2D(out, backend),
	}
}

func (d *downsample[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return d.bn.Forward(d.conv.Forward(x))
}

func (d *downsample[B]) parameters() []*nn.Parameter[B] {
	return append(d.conv.Parameters(), d.bn.Parameters()...)
}

func (d *downsample[B]) stateDict(dst map[string]*tensor.RawTensor, prefix string) {
	merge(dst, prefix+"0.", convState(d.conv))
	merge(dst, prefix+"1.", d.bn.StateDict())
}

// BasicBlock is two 3x3 convolutions with an identity or projected shortcut.
type BasicBlock[B tensor.Backend] struct {
	conv1, conv2 *nn.Conv2D[B]
	bn1, bn2     *BatchNorm2D[B]
	down         *downsample[B]
}

// NewBasicBlock creates a BasicBlock; the first convolution carries stride.
func NewBasicBlock[B tensor.Backend](inplanes, planes, stride int, backend B) *BasicBlock[B] {
	b := &BasicBlock[B]{
		conv1: nn.NewConv2D(inplanes, planes, 3, 3, stride, 1, false, backend),
		bn1:   NewBatchNorm2D(planes, backend),
		conv2: nn.NewConv2D(planes, planes, 3, 3, 1, 1, false, backend),
		bn2:   NewBatchNorm2D(planes, backend),
	}
	if stride != 1 || inplanes != planes {
		b.down = newDownsample(inplanes, planes, stride, backend)
	}
	return b
}

// Forward computes relu(bn2(conv2(relu(bn1(conv1(x))))) + shortcut(x)).
func (b *BasicBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := nn.ReLUFunc(b.bn1.Forward(b.conv1.Forward(x)))
	out = b.bn2.Forward(b.conv2.Forward(out))

	identity := x
	if b.down != nil {
		identity = b.down.Forward(x)
	}
	return nn.ReLUFunc(out.Add(identity))
}

// Parameters returns convolution weights and batch norm affine parameters.
func (b *BasicBlock[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 9)
	params = append(params, b.conv1.Parameters()...)
	params = append(params, b.bn1.Parameters()...)
	params = append(params, b.conv2.Parameters()...)
	params = append(params, b.bn2.Parameters()...)
	if b.down != nil {
		params = append(params, b.down.parameters()...)
	}
	return params
}

// StateDict returns the block's tensors under torchvision names.
func (b *BasicBlock[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	merge(sd, "conv1.", convState(b.conv1))
	merge(sd, "bn1.", b.bn1.StateDict())
	merge(sd, "conv2.", convState(b.conv2))
	merge(sd, "bn2.", b.bn2.StateDict())
	if b.down != nil {
		b.down.stateDict(sd, "downsample.")
	}
	return sd
}

// SetTraining sets the mode of every batch norm.
func (b *BasicBlock[B]) SetTraining(training bool) {
	b.bn1.SetTraining(training)
	b.bn2.SetTraining(training)
	if b.down != nil {
		b.down.bn.SetTraining(training)
	}
}

// Bottleneck is a 1x1 reduce, 3x3, 1x1 expand block with expansion 4. The
// stride sits on the 3x3 convolution.
type Bottleneck[B tensor.Backend] struct {
	conv1, conv2, conv3 *nn.Conv2D[B]
	bn1, bn2, bn3       *BatchNorm2D[B]
	down                *downsample[B]
}

// NewBottleneck creates a Bottleneck producing planes*4 channels.
func NewBottleneck[B tensor.Backend](inplanes, planes, stride int, backend B) *Bottleneck[B] {
	out := planes * Bottle.Expansion()
	b := &Bottleneck[B]{
		conv1: nn.NewConv2D(inplanes, planes, 1, 1, 1, 0, false, backend),
		bn1:   NewBatchNorm2D(planes, backend),
		conv2: nn.NewConv2D(planes, planes, 3, 3, stride, 1, false, backend),
		bn2:   NewBatchNorm2D(planes, backend),
		conv3: nn.NewConv2D(planes, out, 1, 1, 1, 0, false, backend),
		bn3:   NewBatchNorm2D(out, backend),
	}
	if stride != 1 || inplanes != out {
		b.down = newDownsample(inplanes, out, stride, backend)
	}
	return b
}

// Forward applies the three convolutions and adds the shortcut.
func (b *Bottleneck[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := nn.ReLUFunc(b.bn1.Forward(b.conv1.Forward(x)))
	out = nn.ReLUFunc(b.bn2.Forward(b.conv2.Forward(out)))
	out = b.bn3.Forward(b.conv3.Forward(out))

	identity := x
	if b.down != nil {
		identity = b.down.Forward(x)
	}
	return nn.ReLUFunc(out.Add(identity))
}

// Parameters returns convolution weights and batch norm affine parameters.
func (b *Bottleneck[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 12)
	params = append(params, b.conv1.Parameters()...)
	params = append(params, b.bn1.Parameters()...)
	params = append(params, b.conv2.Parameters()...)
	params = append(params, b.bn2.Parameters()...)
	params = append(params, b.conv3.Parameters()...)
	params = append(params, b.bn3.Parameters()...)
	if b.down != nil {
		params = append(params, b.down.parameters()...)
	}
	return params
}

// StateDict returns the block's tensors under torchvision names.
func (b *Bottleneck[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	merge(sd, "conv1.", convState(b.conv1))
	merge(sd, "bn1.", b.bn1.StateDict())
	merge(sd, "conv2.", convState(b.conv2))
	merge(sd, "bn2.", b.bn2.StateDict())
	merge(sd, "conv3.", convState(b.conv3))
	merge(sd, "bn3.", b.bn3.StateDict())
	if b.down != nil {
		b.down.stateDict(sd, "downsample.")
	}
	return sd
}

// SetTraining sets the mode of every batch norm.
func (b *Bottleneck[B]) SetTraining(training bool) {
	b.bn1.SetTraining(training)
	b.bn2.SetTraining(training)
	b.bn3.SetTraining(training)
	if b.down != nil {
		b.down.bn.SetTraining(training)
	}
}

// convState names a convolution's tensors. Convolutions in a ResNet have no
// bias, but one is exported when present.
func convState[B tensor.Backend](c *nn.Conv2D[B]) map[string]*tensor.RawTensor {
	params := c.Parameters()
	sd := map[string]*tensor.RawTensor{"weight": params[0].Tensor().Raw()}
	if len(params) > 1 {
		sd["bias"] = params[1].Tensor().Raw()
	}
	return sd
}

func merge(dst map[string]*tensor.RawTensor, prefix string, src map[string]*tensor.RawTensor) {
	for name, raw := range src {
		dst[prefix+name] = raw
	}
}

func layerPrefix(stage, index int) string {
	return fmt.Sprintf("layer%d.%d.", stage+1, index)
}
