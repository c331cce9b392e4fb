// Package distill implements the soft/hard knowledge-distillation criterion.
//
// The loss blends a temperature-softened KL divergence against a teacher's
// logits with the ordinary cross-entropy against hard labels:
//
//	loss = alpha * T^2 * KL(softmax(teacher/T) || softmax(student/T))
//	     + (1 - alpha) * CE(student, labels)
//
// The KL term is averaged over every element of the [N, C] logits, so it is
// divided by N*C. Teacher logits are treated as constants: gradients flow only
// into the student outputs.
package distill

import (
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Default mixing weight and temperature.
const (
	DefaultAlpha       = 0.5
	DefaultTemperature = 4.0
)

// Config holds the fixed loss scalars.
type Config struct {
	Alpha       float32
	Temperature float32
}

// DefaultConfig returns alpha 0.5 and temperature 4.
func DefaultConfig() Config {
	return Config{Alpha: DefaultAlpha, Temperature: DefaultTemperature}
}

// Validate checks that alpha is in [0, 1] and the temperature is positive.
func (c Config) Validate() error {
	if c.Alpha < 0 || c.Alpha > 1 {
		return errors.Errorf("distill: alpha %v outside [0, 1]", c.Alpha)
	}
	if !(c.Temperature > 0) {
		return errors.Errorf("distill: temperature must be positive, got %v", c.Temperature)
	}
	return nil
}

// Loss is the distillation criterion bound to a backend.
type Loss[B tensor.Backend] struct {
	alpha       float32
	temperature float32
	ce          *nn.CrossEntropyLoss[B]
	backend     B
}

// New creates the criterion and logs its scalars once.
func New[B tensor.Backend](cfg Config, backend B, logger *zap.Logger) (*Loss[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("distillation criterion",
		zap.Float32("alpha", cfg.Alpha),
		zap.Float32("temperature", cfg.Temperature),
	)
	return &Loss[B]{
		alpha:       cfg.Alpha,
		temperature: cfg.Temperature,
		ce:          nn.NewCrossEntropyLoss(backend),
		backend:     backend,
	}, nil
}

// Alpha returns the soft-term weight.
func (l *Loss[B]) Alpha() float32 { return l.alpha }

// Temperature returns the softening temperature.
func (l *Loss[B]) Temperature() float32 { return l.temperature }

// Hard returns the mean cross-entropy of outputs against labels, shape [1].
func (l *Loss[B]) Hard(outputs *tensor.Tensor[float32, B], labels *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	return l.ce.Forward(outputs, labels).Reshape(1)
}

// Soft returns T^2 * KL(softmax(teacher/T) || softmax(outputs/T)) averaged
// over all N*C elements, shape [1]. outputs and teacher must both be [N, C].
func (l *Loss[B]) Soft(outputs, teacher *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := outputs.Shape()
	if len(shape) != 2 || !shape.Equal(teacher.Shape()) {
		panic("distill: outputs and teacher logits must share shape [batch, classes]")
	}
	n, c := shape[0], shape[1]
	t := l.temperature

	q, qLogQ := Softmax(teacher.Data(), n, c, t)
	qT, err := tensor.FromSlice(q, tensor.Shape{n, c}, l.backend)
	if err != nil {
		panic(err)
	}

	// log_softmax(outputs/T) with the row maxima subtracted as constants.
	scaled := outputs.DivScalar(t)
	maxT, err := tensor.FromSlice(rowMax(scaled.Data(), n, c), tensor.Shape{n, 1}, l.backend)
	if err != nil {
		panic(err)
	}
	shifted := scaled.Sub(maxT)
	lse := shifted.Exp().MeanDim(-1, true).MulScalar(float32(c)).Log()
	logP := shifted.Sub(lse)

	// mean_{i,j} q*logp
	cross := qT.Mul(logP).MeanDim(-1, true).MeanDim(0, true).Reshape(1)

	// KL = (sum q log q - sum q log p) / (N*C)
	kl := cross.MulScalar(-1).AddScalar(float32(qLogQ / float64(n*c)))
	return kl.MulScalar(t * t)
}

// Forward returns alpha*Soft + (1-alpha)*Hard. With alpha 0 it is exactly
// Hard and teacher is ignored; with alpha 1 it is exactly Soft.
func (l *Loss[B]) Forward(
	outputs *tensor.Tensor[float32, B],
	labels *tensor.Tensor[int32, B],
	teacher *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	switch l.alpha {
	case 0:
		return l.Hard(outputs, labels)
	case 1:
		return l.Soft(outputs, teacher)
	}
	soft := l.Soft(outputs, teacher).MulScalar(l.alpha)
	hard := l.Hard(outputs, labels).MulScalar(1 - l.alpha)
	return soft.Add(hard)
}

// Softmax computes row-wise softmax(logits/T) of an [n, c] buffer and the
// total sum of q*log(q), with 0*log(0) taken as 0.
func Softmax(logits []float32, n, c int, temperature float32) (q []float32, qLogQ float64) {
	q = make([]float32, n*c)
	for i := 0; i < n; i++ {
		row := logits[i*c : (i+1)*c]
		maxV := math.Inf(-1)
		for _, v := range row {
			maxV = math.Max(maxV, float64(v/temperature))
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v/temperature) - maxV)
			q[i*c+j] = float32(e)
			sum += e
		}
		for j := range row {
			p := float64(q[i*c+j]) / sum
			q[i*c+j] = float32(p)
			if p > 0 {
				qLogQ += p * math.Log(p)
			}
		}
	}
	return q, qLogQ
}

// KL returns T^2 * KL(softmax(teacher/T) || softmax(student/T)) averaged
// over the n*c elements, computed in float64 on the host.
func KL(student, teacher []float32, n, c int, temperature float32) float64 {
	q, _ := Softmax(teacher, n, c, temperature)
	p, _ := Softmax(student, n, c, temperature)
	var total float64
	for i := range q {
		qi := float64(q[i])
		if qi > 0 {
			total += qi * (math.Log(qi) - math.Log(float64(p[i])))
		}
	}
	t := float64(temperature)
	return t * t * total / float64(n*c)
}

func rowMax(data []float32, n, c int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		m := data[i*c]
		for _, v := range data[i*c+1 : (i+1)*c] {
			if v > m {
				m = v
			}
		}
		out[i] = m
	}
	return out
}
