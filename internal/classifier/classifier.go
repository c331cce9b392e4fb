// Package classifier implements the semi-supervised ResNet classifier: a
// ResNet feature extractor followed by a linear head, with hard and
// distillation criteria and partial weight loading.
package classifier

import (
	"context"
	"os"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/born-ml/camtrap/internal/checkpoint"
	"github.com/born-ml/camtrap/internal/distill"
	"github.com/born-ml/camtrap/internal/reconcile"
	"github.com/born-ml/camtrap/internal/resnet"
)

// Name is the registry and export name of the model.
const Name = "PlainSemiResNetClassifier"

// Weight initialisation keywords.
const (
	WeightsImageNet = "ImageNet"
	WeightsNone     = "none"
)

// Name prefixes of the two sub-modules in the state dict.
const (
	featurePrefix    = "feature."
	classifierPrefix = "classifier."
)

// ErrWeightsNotFound is returned when WeightsInit is neither a keyword, a URL
// nor an existing file.
var ErrWeightsNotFound = errors.New("classifier: initial weights not found")

// imageNetURLs holds torchvision ImageNet weights converted to SafeTensors.
var imageNetURLs = map[int]string{
	18:  "https://huggingface.co/timm/resnet18.tv_in1k/resolve/main/model.safetensors",
	50:  "https://huggingface.co/timm/resnet50.tv_in1k/resolve/main/model.safetensors",
	152: "https://huggingface.co/timm/resnet152.tv_in1k/resolve/main/model.safetensors",
}

// ImageNetURL returns the pretrained checkpoint location for depth.
func ImageNetURL(depth int) (string, error) {
	url, ok := imageNetURLs[depth]
	if !ok {
		return "", errors.Wrapf(resnet.ErrUnsupportedDepth, "no ImageNet weights for depth %d", depth)
	}
	return url, nil
}

// Config describes a classifier.
type Config struct {
	NumClasses int
	Depth      int
	// WeightsInit is "ImageNet", "none", a local path or an http(s) URL.
	WeightsInit string
	// InitFeatureOnly loads WeightsInit into the feature extractor only.
	InitFeatureOnly bool
	// FeaturePrefix is stripped from checkpoint names in feature-only loads.
	FeaturePrefix string
	Distill       distill.Config
}

// DefaultConfig returns a ResNet-18 initialised from ImageNet features.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses:      numClasses,
		Depth:           18,
		WeightsInit:     WeightsImageNet,
		InitFeatureOnly: true,
		FeaturePrefix:   reconcile.DefaultFeaturePrefix,
		Distill:         distill.DefaultConfig(),
	}
}

// Classifier is feature + linear head.
type Classifier[B tensor.Backend] struct {
	cfg     Config
	feature *resnet.Feature[B]
	head    *nn.Linear[B]
	hard    *nn.CrossEntropyLoss[B]
	soft    *distill.Loss[B]
	fetcher checkpoint.Fetcher
	logger  *zap.Logger
	backend B
}

// New builds the network and applies the weight initialisation. fetcher is
// only needed when WeightsInit resolves to a URL.
func New[B tensor.Backend](ctx context.Context, cfg Config, backend B, fetcher checkpoint.Fetcher, logger *zap.Logger) (*Classifier[B], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NumClasses <= 0 {
		return nil, errors.Errorf("classifier: number of classes must be positive, got %d", cfg.NumClasses)
	}
	if cfg.FeaturePrefix == "" {
		cfg.FeaturePrefix = reconcile.DefaultFeaturePrefix
	}

	location, err := resolveInit(cfg)
	if err != nil {
		return nil, err
	}

	feature, err := resnet.NewFeature(cfg.Depth, backend)
	if err != nil {
		return nil, err
	}
	soft, err := distill.New(cfg.Distill, backend, logger)
	if err != nil {
		return nil, err
	}

	c := &Classifier[B]{
		cfg:     cfg,
		feature: feature,
		head:    nn.NewLinear(feature.OutDim(), cfg.NumClasses, backend),
		hard:    nn.NewCrossEntropyLoss(backend),
		soft:    soft,
		fetcher: fetcher,
		logger:  logger,
		backend: backend,
	}

	if location != "" {
		if _, err := c.Load(ctx, location, cfg.InitFeatureOnly); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// resolveInit maps WeightsInit to a checkpoint location, or "" for random
// initialisation.
func resolveInit(cfg Config) (string, error) {
	switch w := cfg.WeightsInit; {
	case w == WeightsNone || w == "":
		return "", nil
	case w == WeightsImageNet:
		return ImageNetURL(cfg.Depth)
	case checkpoint.IsURL(w):
		return w, nil
	default:
		if _, err := os.Stat(w); err != nil {
			return "", errors.Wrapf(ErrWeightsNotFound, "%s", w)
		}
		return w, nil
	}
}

// Load reads the checkpoint at location (a path or URL) and copies every
// matching tensor into the model. With featOnly the configured feature
// prefix is stripped and only the feature extractor is targeted; otherwise
// the full state dict is. Names present on one side only are logged and
// returned in the report.
func (c *Classifier[B]) Load(ctx context.Context, location string, featOnly bool) (reconcile.Report, error) {
	path := location
	if checkpoint.IsURL(location) {
		if c.fetcher == nil {
			return reconcile.Report{}, errors.Errorf("classifier: no fetcher configured for %s", location)
		}
		var err error
		if path, err = c.fetcher.Fetch(ctx, location); err != nil {
			return reconcile.Report{}, err
		}
	}

	ck, err := checkpoint.Read(path)
	if err != nil {
		return reconcile.Report{}, err
	}

	var rep reconcile.Report
	if featOnly {
		rep, err = reconcile.Reconcile(ck.Params, c.feature.StateDict(), c.cfg.FeaturePrefix)
	} else {
		rep, err = reconcile.Reconcile(ck.Params, c.StateDict(), "")
	}
	if err != nil {
		return reconcile.Report{}, errors.Wrapf(err, "classifier: load %s", location)
	}

	c.logger.Info("weights loaded",
		zap.String("location", location),
		zap.Bool("feature_only", featOnly),
		zap.Int("applied", len(rep.Applied)),
		zap.Strings("missing", rep.Missing),
		zap.Strings("unused", rep.Unused),
	)
	return rep, nil
}

// Config returns the configuration the classifier was built with.
func (c *Classifier[B]) Config() Config { return c.cfg }

// Feature returns the feature extractor.
func (c *Classifier[B]) Feature() *resnet.Feature[B] { return c.feature }

// Head returns the linear classification layer.
func (c *Classifier[B]) Head() *nn.Linear[B] { return c.head }

// FeatureDim returns the width of the pooled features.
func (c *Classifier[B]) FeatureDim() int { return c.feature.OutDim() }

// NumClasses returns the number of output logits.
func (c *Classifier[B]) NumClasses() int { return c.cfg.NumClasses }

// Forward returns logits of shape [N, NumClasses].
func (c *Classifier[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return c.head.Forward(c.feature.Forward(x))
}

// Parameters returns feature parameters followed by the head's.
func (c *Classifier[B]) Parameters() []*nn.Parameter[B] {
	return append(c.feature.Parameters(), c.head.Parameters()...)
}

// StateDict returns feature.* and classifier.* entries. The tensors are live.
func (c *Classifier[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for name, raw := range c.feature.StateDict() {
		sd[featurePrefix+name] = raw
	}
	for name, raw := range c.head.StateDict() {
		sd[classifierPrefix+name] = raw
	}
	return sd
}

// LoadStateDict is the strict load: every entry of StateDict must be present
// with the same shape.
func (c *Classifier[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return reconcile.Strict(stateDict, c.StateDict())
}

// Train switches batch norm layers between training and eval mode.
func (c *Classifier[B]) Train(training bool) {
	c.feature.SetTraining(training)
}

// HardLoss is the mean cross-entropy against labels.
func (c *Classifier[B]) HardLoss(outputs *tensor.Tensor[float32, B], labels *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	return c.hard.Forward(outputs, labels)
}

// SoftLoss is the distillation criterion against teacher logits.
func (c *Classifier[B]) SoftLoss(outputs *tensor.Tensor[float32, B], labels *tensor.Tensor[int32, B], teacher *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return c.soft.Forward(outputs, labels, teacher)
}

// Prediction is the result for one image.
type Prediction struct {
	Label         int32
	Confidence    float32
	Probabilities []float32
}

// Predict runs a forward pass and returns the arg-max label and softmax
// probabilities of every row.
func (c *Classifier[B]) Predict(x *tensor.Tensor[float32, B]) []Prediction {
	logits := c.Forward(x)
	n, k := logits.Shape()[0], logits.Shape()[1]
	probs, _ := distill.Softmax(logits.Data(), n, k, 1)

	out := make([]Prediction, n)
	for i := range out {
		row := probs[i*k : (i+1)*k]
		best := 0
		for j, p := range row {
			if p > row[best] {
				best = j
			}
		}
		out[i] = Prediction{
			Label:         int32(best), //nolint:gosec // Class counts fit in int32.
			Confidence:    row[best],
			Probabilities: append([]float32(nil), row...),
		}
	}
	return out
}

// Export writes the full state dict in Born's native format.
func (c *Classifier[B]) Export(path string, metadata map[string]string) error {
	return errors.Wrap(nn.Save[B](c, path, Name, metadata), "classifier: export")
}
