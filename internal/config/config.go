// Package config loads the camtrap YAML configuration.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/camtrap/internal/cct"
	"github.com/born-ml/camtrap/internal/classifier"
	"github.com/born-ml/camtrap/internal/distill"
	"github.com/born-ml/camtrap/internal/reconcile"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config holds application configuration.
type Config struct {
	Data    Data    `yaml:"data"`
	Model   Model   `yaml:"model"`
	Distill Distill `yaml:"distill"`
	Train   Train   `yaml:"train"`
	Store   Store   `yaml:"store"`
	Server  Server  `yaml:"server"`
	Log     Log     `yaml:"log"`
}

// Data selects the dataset.
type Data struct {
	Root      string `yaml:"root"`
	Dataset   string `yaml:"dataset"`
	ImageSize int    `yaml:"image_size"`
	Excluded  []int  `yaml:"excluded"`
	// ClassIndices maps category ids to labels; empty derives it from the
	// annotation file's category table.
	ClassIndices map[int]int32 `yaml:"class_indices"`
	Partition    *Partition    `yaml:"partition"`
}

// Partition keeps a seeded fraction of the training split.
type Partition struct {
	Fraction float64 `yaml:"fraction"`
	Seed     int64   `yaml:"seed"`
}

// Model describes the classifier.
type Model struct {
	Name            string `yaml:"name"`
	Depth           int    `yaml:"depth"`
	NumClasses      int    `yaml:"num_classes"`
	WeightsInit     string `yaml:"weights_init"`
	InitFeatureOnly bool   `yaml:"init_feature_only"`
	FeaturePrefix   string `yaml:"feature_prefix"`
	CacheDir        string `yaml:"cache_dir"`
}

// Distill configures the optional teacher.
type Distill struct {
	// Teacher is a snapshot of a trained classifier; empty trains on hard labels only.
	Teacher     string  `yaml:"teacher"`
	Alpha       float32 `yaml:"alpha"`
	Temperature float32 `yaml:"temperature"`
}

// Train configures the optimisation loop.
type Train struct {
	Epochs    int     `yaml:"epochs"`
	BatchSize int     `yaml:"batch_size"`
	Optimizer string  `yaml:"optimizer"`
	LR        float32 `yaml:"lr"`
	Momentum  float32 `yaml:"momentum"`
	Seed      int64   `yaml:"seed"`
	Snapshot  string  `yaml:"snapshot"`
	Device    string  `yaml:"device"`
}

// Store selects the metrics database.
type Store struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // SQLite path or PostgreSQL URL
}

// Server configures the inference server.
type Server struct {
	Addr           string `yaml:"addr"`
	Weights        string `yaml:"weights"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// Log configures zap.
type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Data: Data{
			Root:      "./data",
			Dataset:   "CCT_CIS_S1",
			ImageSize: cct.DefaultImageSize,
			Excluded:  append([]int(nil), cct.DefaultExcluded...),
		},
		Model: Model{
			Name:            classifier.Name,
			Depth:           18,
			WeightsInit:     classifier.WeightsImageNet,
			InitFeatureOnly: true,
			FeaturePrefix:   reconcile.DefaultFeaturePrefix,
			CacheDir:        "./cache",
		},
		Distill: Distill{
			Alpha:       distill.DefaultAlpha,
			Temperature: distill.DefaultTemperature,
		},
		Train: Train{
			Epochs:    30,
			BatchSize: 64,
			Optimizer: "sgd",
			LR:        0.01,
			Momentum:  0.9,
			Snapshot:  "./runs/best.safetensors",
			Device:    "cpu",
		},
		Store: Store{
			Driver: "sqlite",
			DSN:    "./runs/metrics.db",
		},
		Server: Server{
			Addr:           ":8080",
			Weights:        "./runs/best.safetensors",
			MaxUploadBytes: 10 << 20,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path on top of Default and validates the result. Environment
// variables in the store DSN are expanded.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path) //nolint:gosec // Config path is user-provided.
	if err != nil {
		return nil, errors.Wrap(err, "config: open")
	}
	defer func() {
		_ = f.Close()
	}()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "config: decode %s", path)
	}
	cfg.Store.DSN = os.ExpandEnv(cfg.Store.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := cct.LookupVariant(c.Data.Dataset); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if c.Data.ImageSize < 32 {
		return errors.Wrapf(ErrInvalid, "data.image_size %d is smaller than 32", c.Data.ImageSize)
	}
	if p := c.Data.Partition; p != nil && (p.Fraction <= 0 || p.Fraction > 1) {
		return errors.Wrapf(ErrInvalid, "data.partition.fraction %v outside (0, 1]", p.Fraction)
	}
	if err := cct.ValidateClassIndices(c.Data.ClassIndices); err != nil {
		return errors.Wrapf(ErrInvalid, "data.class_indices: %v", err)
	}
	if c.Model.NumClasses < 0 {
		return errors.Wrapf(ErrInvalid, "model.num_classes %d is negative", c.Model.NumClasses)
	}
	if k := numLabels(c.Data.ClassIndices); c.Model.NumClasses > 0 && c.Model.NumClasses < k {
		return errors.Wrapf(ErrInvalid, "model.num_classes %d is smaller than the %d labels of data.class_indices", c.Model.NumClasses, k)
	}
	if err := (distill.Config{Alpha: c.Distill.Alpha, Temperature: c.Distill.Temperature}).Validate(); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if c.Train.Epochs <= 0 {
		return errors.Wrapf(ErrInvalid, "train.epochs must be positive, got %d", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return errors.Wrapf(ErrInvalid, "train.batch_size must be positive, got %d", c.Train.BatchSize)
	}
	switch c.Train.Optimizer {
	case "sgd", "adam":
	default:
		return errors.Wrapf(ErrInvalid, "train.optimizer %q (want sgd or adam)", c.Train.Optimizer)
	}
	if !(c.Train.LR > 0) {
		return errors.Wrapf(ErrInvalid, "train.lr must be positive, got %v", c.Train.LR)
	}
	switch c.Train.Device {
	case "cpu", "webgpu":
	default:
		return errors.Wrapf(ErrInvalid, "train.device %q (want cpu or webgpu)", c.Train.Device)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.Wrapf(ErrInvalid, "server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return errors.Wrapf(ErrInvalid, "store.driver %q (want sqlite or postgres)", c.Store.Driver)
	}
	return nil
}

func numLabels(m map[int]int32) int {
	seen := make(map[int32]struct{}, len(m))
	for _, label := range m {
		seen[label] = struct{}{}
	}
	return len(seen)
}

// ClassifierConfig builds the classifier configuration for numClasses
// outputs; Model.NumClasses takes precedence when set.
func (c *Config) ClassifierConfig(numClasses int) classifier.Config {
	if c.Model.NumClasses > 0 {
		numClasses = c.Model.NumClasses
	}
	return classifier.Config{
		NumClasses:      numClasses,
		Depth:           c.Model.Depth,
		WeightsInit:     c.Model.WeightsInit,
		InitFeatureOnly: c.Model.InitFeatureOnly,
		FeaturePrefix:   c.Model.FeaturePrefix,
		Distill: distill.Config{
			Alpha:       c.Distill.Alpha,
			Temperature: c.Distill.Temperature,
		},
	}
}
