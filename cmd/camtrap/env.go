package main

import (
	"context"
	"flag"
	"strconv"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/born-ml/camtrap/internal/cct"
	"github.com/born-ml/camtrap/internal/checkpoint"
	"github.com/born-ml/camtrap/internal/classifier"
	"github.com/born-ml/camtrap/internal/config"
	"github.com/born-ml/camtrap/internal/logging"
	"github.com/born-ml/camtrap/internal/registry"
)

// commonFlags are accepted by every command except version. Set flags
// override the configuration file.
type commonFlags struct {
	configPath *string
	dataRoot   *string
	dataset    *string
	device     *string
	logLevel   *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", "", "YAML configuration file (defaults apply when empty)"),
		dataRoot:   fs.String("data", "", "dataset root directory"),
		dataset:    fs.String("dataset", "", "dataset variant, e.g. CCT_CIS_S1"),
		device:     fs.String("device", "", "compute device: cpu or webgpu"),
		logLevel:   fs.String("log-level", "", "log level: debug, info, warn, error"),
	}
}

type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func (f *commonFlags) load() (*env, error) {
	cfg := config.Default()
	if *f.configPath != "" {
		var err error
		if cfg, err = config.Load(*f.configPath); err != nil {
			return nil, err
		}
	}

	if *f.dataRoot != "" {
		cfg.Data.Root = *f.dataRoot
	}
	if *f.dataset != "" {
		cfg.Data.Dataset = *f.dataset
	}
	if *f.device != "" {
		cfg.Train.Device = *f.device
	}
	if *f.logLevel != "" {
		cfg.Log.Level = *f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) close() {
	_ = e.logger.Sync()
}

// openSplit opens split of the configured dataset. A nil classIndices falls
// back to the configuration, then to the annotation file's category table.
// The partition only applies to the training split.
func (e *env) openSplit(split string, classIndices map[int]int32) (*cct.Dataset, error) {
	if classIndices == nil && len(e.cfg.Data.ClassIndices) > 0 {
		classIndices = e.cfg.Data.ClassIndices
	}

	opts := cct.Options{
		Root:         e.cfg.Data.Root,
		Split:        split,
		ClassIndices: classIndices,
		Excluded:     e.cfg.Data.Excluded,
		Transform:    cct.NewTransform(e.cfg.Data.ImageSize),
		Logger:       e.logger,
	}
	if p := e.cfg.Data.Partition; p != nil && split == cct.SplitTrain {
		opts.Partition = &cct.PartitionSpec{Fraction: p.Fraction, Seed: p.Seed}
	}
	return registry.OpenDataset(e.cfg.Data.Dataset, opts)
}

func (e *env) hub() *checkpoint.Hub {
	return checkpoint.NewHub(e.cfg.Model.CacheDir, e.logger)
}

// localPath downloads location through the hub cache when it is a URL.
func (e *env) localPath(ctx context.Context, location string) (string, error) {
	if !checkpoint.IsURL(location) {
		return location, nil
	}
	return e.hub().Fetch(ctx, location)
}

// loadSnapshot rebuilds a trained classifier from a snapshot. The class count
// comes from the head's shape and the depth from the metadata when present.
func loadSnapshot[B tensor.Backend](ctx context.Context, e *env, location string, backend B) (*classifier.Classifier[B], map[string]string, error) {
	path, err := e.localPath(ctx, location)
	if err != nil {
		return nil, nil, err
	}
	ck, err := checkpoint.Read(path)
	if err != nil {
		return nil, nil, err
	}
	bias, ok := ck.Params["classifier.bias"]
	if !ok {
		return nil, nil, errors.Errorf("%s is not a classifier snapshot (no classifier.bias)", location)
	}

	cc := e.cfg.ClassifierConfig(bias.Shape()[0])
	cc.NumClasses = bias.Shape()[0]
	if depth, err := strconv.Atoi(ck.Metadata["depth"]); err == nil {
		cc.Depth = depth
	}
	cc.WeightsInit = path
	cc.InitFeatureOnly = false

	model, err := registry.NewModel(ctx, e.cfg.Model.Name, cc, backend, nil, e.logger)
	if err != nil {
		return nil, nil, err
	}
	return model, ck.Metadata, nil
}
