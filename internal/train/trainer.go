// Package train runs the epoch loop of a classifier: optimisation with an
// autodiff tape, validation, best-snapshot tracking and metric recording.
package train

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/born-ml/camtrap/internal/cct"
	"github.com/born-ml/camtrap/internal/checkpoint"
	"github.com/born-ml/camtrap/internal/classifier"
	"github.com/born-ml/camtrap/internal/store"
)

// Optimizer names.
const (
	OptimizerSGD  = "sgd"
	OptimizerAdam = "adam"
)

// Config controls Fit.
type Config struct {
	Name      string // run name in the store
	Dataset   string
	Epochs    int
	BatchSize int
	Optimizer string
	LR        float32
	Momentum  float32 // SGD only
	Seed      int64
	// ClassNames are stored in the snapshot metadata for serving.
	ClassNames map[int32]string
	// SnapshotPath receives the best weights; empty skips writing.
	SnapshotPath string
}

// Validate checks the numeric settings.
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("train: epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("train: batch size must be positive, got %d", c.BatchSize)
	}
	if !(c.LR > 0) {
		return errors.Errorf("train: learning rate must be positive, got %v", c.LR)
	}
	switch c.Optimizer {
	case OptimizerSGD, OptimizerAdam:
		return nil
	default:
		return errors.Errorf("train: unknown optimizer %q", c.Optimizer)
	}
}

// EpochResult holds the metrics of one epoch.
type EpochResult struct {
	Epoch     int
	TrainLoss float64
	TrainAcc  float64
	ValAcc    float64
	Best      bool
	Duration  time.Duration
}

// Result summarises a Fit call.
type Result struct {
	RunID     string
	Epochs    []EpochResult
	BestEpoch int
	BestScore float64
}

// Option configures a Trainer.
type Option[B tensor.Backend] func(*Trainer[B])

// WithTeacher trains against the logits of teacher with the distillation
// loss. The teacher always runs in eval mode without gradient recording.
func WithTeacher[B tensor.Backend](teacher *classifier.Classifier[*autodiff.Backend[B]]) Option[B] {
	return func(t *Trainer[B]) { t.teacher = teacher }
}

// WithStore records the run and every epoch in s.
func WithStore[B tensor.Backend](s *store.Store) Option[B] {
	return func(t *Trainer[B]) { t.store = s }
}

// WithLogger sets the logger.
func WithLogger[B tensor.Backend](logger *zap.Logger) Option[B] {
	return func(t *Trainer[B]) { t.logger = logger }
}

// Trainer owns the optimiser and the best-weights snapshot of one model.
type Trainer[B tensor.Backend] struct {
	cfg     Config
	backend *autodiff.Backend[B]
	model   *classifier.Classifier[*autodiff.Backend[B]]
	teacher *classifier.Classifier[*autodiff.Backend[B]]
	opt     optim.Optimizer
	store   *store.Store
	logger  *zap.Logger
	rng     *rand.Rand
	best    Best
}

// New builds a trainer for model, which must live on backend.
func New[B tensor.Backend](
	cfg Config,
	backend *autodiff.Backend[B],
	model *classifier.Classifier[*autodiff.Backend[B]],
	opts ...Option[B],
) (*Trainer[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Trainer[B]{
		cfg:     cfg,
		backend: backend,
		model:   model,
		logger:  zap.NewNop(),
		rng:     rand.New(rand.NewSource(cfg.Seed)), //nolint:gosec // Shuffling only.
	}
	for _, opt := range opts {
		opt(t)
	}

	switch cfg.Optimizer {
	case OptimizerAdam:
		t.opt = optim.NewAdam(model.Parameters(), optim.AdamConfig{
			LR:    cfg.LR,
			Betas: [2]float32{0.9, 0.999},
			Eps:   1e-8,
		}, backend)
	default:
		t.opt = optim.NewSGD(model.Parameters(), optim.SGDConfig{
			LR:       cfg.LR,
			Momentum: cfg.Momentum,
		}, backend)
	}
	return t, nil
}

// Best returns the snapshot tracker.
func (t *Trainer[B]) Best() *Best { return &t.best }

// Fit trains for cfg.Epochs epochs, promoting the weights of every epoch
// with a strictly better validation accuracy, and finally saves the best
// snapshot. Cancellation is checked between batches.
func (t *Trainer[B]) Fit(ctx context.Context, train, val Source[*autodiff.Backend[B]]) (*Result, error) {
	if train.Len() == 0 {
		return nil, errors.New("train: empty training set")
	}
	if val.Len() == 0 {
		return nil, errors.New("train: empty validation set")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runID, err := t.startRun(ctx)
	if err != nil {
		return nil, err
	}
	logger := t.logger.With(zap.String("run_id", runID))
	logger.Info("training started",
		zap.Int("train_samples", train.Len()),
		zap.Int("val_samples", val.Len()),
		zap.Int("epochs", t.cfg.Epochs),
		zap.String("optimizer", t.cfg.Optimizer),
		zap.Bool("distill", t.teacher != nil),
	)

	if t.teacher != nil {
		t.teacher.Train(false)
	}

	res := &Result{RunID: runID, BestEpoch: -1}
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()

		loss, acc, err := t.trainEpoch(ctx, train)
		if err != nil {
			return nil, err
		}
		valAcc, err := t.Evaluate(ctx, val)
		if err != nil {
			return nil, err
		}

		er := EpochResult{
			Epoch:     epoch,
			TrainLoss: loss,
			TrainAcc:  acc,
			ValAcc:    valAcc,
			Best:      t.best.Improves(valAcc),
			Duration:  time.Since(start),
		}
		if er.Best {
			if err := t.best.Promote(t.model.StateDict(), valAcc, epoch); err != nil {
				return nil, err
			}
		}
		if err := t.record(ctx, runID, er); err != nil {
			return nil, err
		}
		res.Epochs = append(res.Epochs, er)

		logger.Info("epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("train_loss", er.TrainLoss),
			zap.Float64("train_acc", er.TrainAcc),
			zap.Float64("val_acc", er.ValAcc),
			zap.Bool("best", er.Best),
			zap.Duration("duration", er.Duration),
		)
	}

	res.BestEpoch = t.best.Epoch()
	res.BestScore = t.best.Score()

	if t.cfg.SnapshotPath != "" {
		meta := checkpoint.ClassMetadata(t.cfg.ClassNames)
		meta["run_id"] = runID
		meta["model"] = classifier.Name
		meta["dataset"] = t.cfg.Dataset
		meta["classes"] = strconv.Itoa(t.model.NumClasses())
		meta["depth"] = strconv.Itoa(t.model.Config().Depth)
		if err := t.best.Save(t.cfg.SnapshotPath, meta); err != nil {
			return nil, err
		}
		logger.Info("snapshot saved",
			zap.String("path", t.cfg.SnapshotPath),
			zap.Int("epoch", res.BestEpoch),
			zap.Float64("val_acc", res.BestScore),
		)
	}
	return res, nil
}

func (t *Trainer[B]) startRun(ctx context.Context) (string, error) {
	if t.store == nil {
		return uuid.NewString(), nil
	}
	run, err := t.store.CreateRun(ctx, t.cfg.Name, t.cfg.Dataset, classifier.Name)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func (t *Trainer[B]) record(ctx context.Context, runID string, er EpochResult) error {
	if t.store == nil {
		return nil
	}
	return t.store.RecordEpoch(ctx, store.Epoch{
		RunID:     runID,
		Epoch:     er.Epoch,
		TrainLoss: er.TrainLoss,
		TrainAcc:  er.TrainAcc,
		ValAcc:    er.ValAcc,
		Best:      er.Best,
	})
}

// trainEpoch runs one pass over train and returns the mean batch loss and
// the sample accuracy.
func (t *Trainer[B]) trainEpoch(ctx context.Context, train Source[*autodiff.Backend[B]]) (loss, acc float64, err error) {
	t.model.Train(true)
	tape := t.backend.Tape()
	tape.StartRecording()
	defer tape.StopRecording()

	batches := cct.Batches(train.Len(), t.cfg.BatchSize, true, t.rng)
	var totalLoss float64
	var correct, seen int
	for _, positions := range batches {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		batch, err := train.Load(positions)
		if err != nil {
			return 0, 0, err
		}

		t.opt.ZeroGrad()
		logits := t.model.Forward(batch.Images)
		l := t.loss(logits, batch)
		totalLoss += float64(l.Data()[0])

		seed, err := tensor.NewRaw(l.Shape(), tensor.Float32, t.backend.Device())
		if err != nil {
			return 0, 0, errors.Wrap(err, "train: allocate loss gradient")
		}
		for i := range seed.AsFloat32() {
			seed.AsFloat32()[i] = 1
		}
		grads := tape.Backward(seed, t.backend)
		t.opt.Step(grads)

		correct += countCorrect(logits, batch)
		seen += batch.Size
		tape.Clear()
	}
	return totalLoss / float64(len(batches)), float64(correct) / float64(seen), nil
}

func (t *Trainer[B]) loss(logits *tensor.Tensor[float32, *autodiff.Backend[B]], batch *cct.Batch[*autodiff.Backend[B]]) *tensor.Tensor[float32, *autodiff.Backend[B]] {
	if t.teacher == nil {
		return t.model.HardLoss(logits, batch.Labels)
	}

	tape := t.backend.Tape()
	tape.StopRecording()
	teacherLogits := t.teacher.Forward(batch.Images)
	tape.StartRecording()

	return t.model.SoftLoss(logits, batch.Labels, teacherLogits)
}

// Evaluate returns the accuracy of the model on src in eval mode, without
// recording gradients.
func (t *Trainer[B]) Evaluate(ctx context.Context, src Source[*autodiff.Backend[B]]) (float64, error) {
	t.model.Train(false)
	defer t.model.Train(true)

	tape := t.backend.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	defer func() {
		if wasRecording {
			tape.StartRecording()
		}
	}()

	var correct, seen int
	for _, positions := range cct.Batches(src.Len(), t.cfg.BatchSize, false, nil) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := src.Load(positions)
		if err != nil {
			return 0, err
		}
		correct += countCorrect(t.model.Forward(batch.Images), batch)
		seen += batch.Size
	}
	if seen == 0 {
		return 0, nil
	}
	return float64(correct) / float64(seen), nil
}

func countCorrect[B tensor.Backend](logits *tensor.Tensor[float32, B], batch *cct.Batch[B]) int {
	return int(nn.Accuracy(logits, batch.Labels)*float32(batch.Size) + 0.5)
}
