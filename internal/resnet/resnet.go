// Package resnet builds ResNet feature extractors on Born modules.
//
// Parameter and buffer names follow the torchvision layout
// (conv1.weight, layer1.0.bn1.running_mean, layer2.0.downsample.0.weight, ...)
// so that converted ImageNet checkpoints load without renaming.
package resnet

import (
	"sort"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/camtrap/internal/reconcile"
)

// ErrUnsupportedDepth is returned for depths missing from the table.
var ErrUnsupportedDepth = errors.New("resnet: unsupported depth")

// BlockKind selects the residual block type.
type BlockKind int

// Block kinds.
const (
	Basic BlockKind = iota
	Bottle
)

// Expansion is the ratio of a block's output channels to its planes.
func (k BlockKind) Expansion() int {
	if k == Bottle {
		return 4
	}
	return 1
}

func (k BlockKind) String() string {
	if k == Bottle {
		return "bottleneck"
	}
	return "basic"
}

// Spec is the block type and per-stage block counts of one depth.
type Spec struct {
	Kind   BlockKind
	Layers [4]int
}

var specs = map[int]Spec{
	18:  {Kind: Basic, Layers: [4]int{2, 2, 2, 2}},
	50:  {Kind: Bottle, Layers: [4]int{3, 4, 6, 3}},
	152: {Kind: Bottle, Layers: [4]int{3, 8, 36, 3}},
}

// LookupSpec returns the architecture for depth.
func LookupSpec(depth int) (Spec, error) {
	s, ok := specs[depth]
	if !ok {
		return Spec{}, errors.Wrapf(ErrUnsupportedDepth, "%d (supported: %v)", depth, Depths())
	}
	return s, nil
}

// Depths returns the supported depths in ascending order.
func Depths() []int {
	out := make([]int, 0, len(specs))
	for d := range specs {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// FeatureDim returns the width of the pooled feature vector for depth.
func FeatureDim(depth int) (int, error) {
	s, err := LookupSpec(depth)
	if err != nil {
		return 0, err
	}
	return 512 * s.Kind.Expansion(), nil
}

// Feature is a ResNet without its classification head. It maps
// [N, 3, H, W] images to [N, FeatureDim] pooled features.
type Feature[B tensor.Backend] struct {
	depth  int
	spec   Spec
	conv1  *nn.Conv2D[B]
	bn1    *BatchNorm2D[B]
	pool   *paddedMaxPool[B]
	stages [4][]Block[B]
	avg    *GlobalAvgPool[B]
}

// NewFeature builds the extractor for depth with freshly initialised weights.
func NewFeature[B tensor.Backend](depth int, backend B) (*Feature[B], error) {
	spec, err := LookupSpec(depth)
	if err != nil {
		return nil, err
	}

	f := &Feature[B]{
		depth: depth,
		spec:  spec,
		conv1: nn.NewConv2D(3, 64, 7, 7, 2, 3, false, backend),
		bn1:   NewBatchNorm2D(64, backend),
		pool:  newPaddedMaxPool(3, 2, 1, backend),
		avg:   NewGlobalAvgPool[B](),
	}

	inplanes := 64
	for stage, planes := range [4]int{64, 128, 256, 512} {
		stride := 2
		if stage == 0 {
			stride = 1
		}
		blocks := make([]Block[B], 0, spec.Layers[stage])
		for i := 0; i < spec.Layers[stage]; i++ {
			s := 1
			if i == 0 {
				s = stride
			}
			if spec.Kind == Bottle {
				blocks = append(blocks, NewBottleneck(inplanes, planes, s, backend))
			} else {
				blocks = append(blocks, NewBasicBlock(inplanes, planes, s, backend))
			}
			inplanes = planes * spec.Kind.Expansion()
		}
		f.stages[stage] = blocks
	}

	return f, nil
}

// Depth returns the configured depth.
func (f *Feature[B]) Depth() int { return f.depth }

// Spec returns the architecture.
func (f *Feature[B]) Spec() Spec { return f.spec }

// OutDim returns the feature width.
func (f *Feature[B]) OutDim() int { return 512 * f.spec.Kind.Expansion() }

// Forward returns pooled features of shape [N, OutDim].
func (f *Feature[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := nn.ReLUFunc(f.bn1.Forward(f.conv1.Forward(x)))
	out = f.pool.Forward(out)
	for _, blocks := range f.stages {
		for _, b := range blocks {
			out = b.Forward(out)
		}
	}
	return f.avg.Forward(out)
}

// Parameters returns the trainable parameters in definition order.
func (f *Feature[B]) Parameters() []*nn.Parameter[B] {
	params := append(f.conv1.Parameters(), f.bn1.Parameters()...)
	for _, blocks := range f.stages {
		for _, b := range blocks {
			params = append(params, b.Parameters()...)
		}
	}
	return params
}

// StateDict returns parameters and batch norm buffers under torchvision
// names. The tensors are live: writing into them updates the module.
func (f *Feature[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	merge(sd, "conv1.", convState(f.conv1))
	merge(sd, "bn1.", f.bn1.StateDict())
	for stage, blocks := range f.stages {
		for i, b := range blocks {
			merge(sd, layerPrefix(stage, i), b.StateDict())
		}
	}
	return sd
}

// LoadStateDict copies every entry of the module's state dict from
// stateDict. Missing names and shape mismatches are errors; extra names are
// ignored.
func (f *Feature[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return reconcile.Strict(stateDict, f.StateDict())
}

// SetTraining switches every batch norm between training and eval mode.
func (f *Feature[B]) SetTraining(training bool) {
	f.bn1.SetTraining(training)
	for _, blocks := range f.stages {
		for _, b := range blocks {
			b.SetTraining(training)
		}
	}
}
