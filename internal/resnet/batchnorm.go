package resnet

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/camtrap/internal/reconcile"
)

// Batch normalisation defaults.
const (
	bnEpsilon  = 1e-5
	bnMomentum = 0.1
)

// BatchNorm2D normalises a [N, C, H, W] input per channel.
//
// Formula: Y = gamma * (X - mean) / sqrt(var + eps) + beta
//
// In training mode mean and var are the biased statistics of the batch over
// (N, H, W), and the running estimates are updated with
// running = (1 - momentum) * running + momentum * batch, using the unbiased
// variance. In eval mode the running estimates are used instead.
//
// The running estimates are buffers: they appear in the state dict but not in
// Parameters.
type BatchNorm2D[B tensor.Backend] struct {
	Gamma       *nn.Parameter[B] // scale [C]
	Beta        *nn.Parameter[B] // shift [C]
	RunningMean *tensor.RawTensor
	RunningVar  *tensor.RawTensor
	Epsilon     float32
	Momentum    float32

	channels int
	training bool
	backend  B
}

// NewBatchNorm2D creates a BatchNorm2D with gamma=1, beta=0, running mean 0
// and running variance 1, in training mode.
func NewBatchNorm2D[B tensor.Backend](channels int, backend B) *BatchNorm2D[B] {
	if channels <= 0 {
		panic("resnet: batchnorm channels must be positive")
	}

	rv := tensor.Ones[float32](tensor.Shape{channels}, backend).Raw()
	rm := tensor.Zeros[float32](tensor.Shape{channels}, backend).Raw()

	return &BatchNorm2D[B]{
		Gamma:       nn.NewParameter("weight", tensor.Ones[float32](tensor.Shape{channels}, backend)),
		Beta:        nn.NewParameter("bias", tensor.Zeros[float32](tensor.Shape{channels}, backend)),
		RunningMean: rm,
		RunningVar:  rv,
		Epsilon:     bnEpsilon,
		Momentum:    bnMomentum,
		channels:    channels,
		training:    true,
		backend:     backend,
	}
}

// Forward applies batch normalisation.
func (bn *BatchNorm2D[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != bn.channels {
		panic("resnet: batchnorm expects [N, C, H, W] input with matching channels")
	}

	var centered, invStd *tensor.Tensor[float32, B]
	if bn.training {
		mean := x.MeanDim(3, true).MeanDim(2, true).MeanDim(0, true) // [1, C, 1, 1]
		centered = x.Sub(mean)
		variance := centered.Mul(centered).MeanDim(3, true).MeanDim(2, true).MeanDim(0, true)
		invStd = variance.AddScalar(bn.Epsilon).Rsqrt()

		bn.updateRunning(mean.Data(), variance.Data(), shape[0]*shape[2]*shape[3])
	} else {
		mean := tensor.New[float32, B](bn.RunningMean, bn.backend).Reshape(1, bn.channels, 1, 1)
		variance := tensor.New[float32, B](bn.RunningVar, bn.backend).Reshape(1, bn.channels, 1, 1)
		centered = x.Sub(mean)
		invStd = variance.AddScalar(bn.Epsilon).Rsqrt()
	}

	gamma := bn.Gamma.Tensor().Reshape(1, bn.channels, 1, 1)
	beta := bn.Beta.Tensor().Reshape(1, bn.channels, 1, 1)
	return centered.Mul(invStd).Mul(gamma).Add(beta)
}

// updateRunning folds batch statistics into the running estimates. count is
// the number of values per channel.
func (bn *BatchNorm2D[B]) updateRunning(mean, variance []float32, count int) {
	unbias := float32(1)
	if count > 1 {
		unbias = float32(count) / float32(count-1)
	}
	m := bn.Momentum
	rm := bn.RunningMean.AsFloat32()
	rv := bn.RunningVar.AsFloat32()
	for c := 0; c < bn.channels; c++ {
		rm[c] = (1-m)*rm[c] + m*mean[c]
		rv[c] = (1-m)*rv[c] + m*variance[c]*unbias
	}
}

// Parameters returns gamma and beta.
func (bn *BatchNorm2D[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{bn.Gamma, bn.Beta}
}

// StateDict returns weight, bias, running_mean and running_var.
func (bn *BatchNorm2D[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight":       bn.Gamma.Tensor().Raw(),
		"bias":         bn.Beta.Tensor().Raw(),
		"running_mean": bn.RunningMean,
		"running_var":  bn.RunningVar,
	}
}

// LoadStateDict copies all four entries; any missing entry is an error.
func (bn *BatchNorm2D[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return reconcile.Strict(stateDict, bn.StateDict())
}

// SetTraining switches between batch and running statistics.
func (bn *BatchNorm2D[B]) SetTraining(training bool) {
	bn.training = training
}

// Training reports the current mode.
func (bn *BatchNorm2D[B]) Training() bool {
	return bn.training
}
