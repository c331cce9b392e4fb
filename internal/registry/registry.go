// Package registry maps configuration names to dataset and model
// constructors. The tables are plain package variables; nothing registers
// itself at import time.
package registry

import (
	"context"
	"sort"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/born-ml/camtrap/internal/cct"
	"github.com/born-ml/camtrap/internal/checkpoint"
	"github.com/born-ml/camtrap/internal/classifier"
)

var (
	// ErrUnknownDataset is returned for names missing from Datasets.
	ErrUnknownDataset = errors.New("registry: unknown dataset")
	// ErrUnknownModel is returned for names not handled by NewModel.
	ErrUnknownModel = errors.New("registry: unknown model")
)

// NewDataset opens a dataset; the variant field of opts is set by the entry.
type NewDataset func(opts cct.Options) (*cct.Dataset, error)

func cctVariant(name string) NewDataset {
	return func(opts cct.Options) (*cct.Dataset, error) {
		opts.Variant = name
		return cct.Open(opts)
	}
}

// Datasets is the dataset table.
var Datasets = map[string]NewDataset{
	"CCT_CIS_S1":  cctVariant("CCT_CIS_S1"),
	"CCT_CIS_S2":  cctVariant("CCT_CIS_S2"),
	"CCT_CIS_ALL": cctVariant("CCT_CIS_ALL"),
	"CCT_TRANS":   cctVariant("CCT_TRANS"),
}

// OpenDataset looks up name in Datasets and opens it.
func OpenDataset(name string, opts cct.Options) (*cct.Dataset, error) {
	factory, ok := Datasets[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDataset, "%q (known: %v)", name, DatasetNames())
	}
	return factory(opts)
}

// DatasetNames returns the registered dataset names in sorted order.
func DatasetNames() []string {
	names := make([]string, 0, len(Datasets))
	for name := range Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelNames lists the names NewModel accepts.
func ModelNames() []string {
	return []string{classifier.Name}
}

// NewModel builds the named model on backend. Model constructors are generic
// over the backend, so the table is a switch rather than a map.
func NewModel[B tensor.Backend](
	ctx context.Context,
	name string,
	cfg classifier.Config,
	backend B,
	fetcher checkpoint.Fetcher,
	logger *zap.Logger,
) (*classifier.Classifier[B], error) {
	switch name {
	case classifier.Name:
		return classifier.New(ctx, cfg, backend, fetcher, logger)
	default:
		return nil, errors.Wrapf(ErrUnknownModel, "%q (known: %v)", name, ModelNames())
	}
}
