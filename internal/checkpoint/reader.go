package checkpoint

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/loader"
	"github.com/pkg/errors"

	"github.com/born-ml/camtrap/internal/reconcile"
)

// PyTorch batch norm counter; it has no counterpart in Born modules.
const batchesTrackedSuffix = ".num_batches_tracked"

// Checkpoint is a parameter set read from disk together with its metadata.
type Checkpoint struct {
	Params   reconcile.ParameterSet
	Metadata map[string]string
}

// Read loads every tensor of the SafeTensors file at path into host memory.
// BatchNorm num_batches_tracked counters are skipped.
func Read(path string) (*Checkpoint, error) {
	model, err := loader.OpenModel(path)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint: open %s", path)
	}
	defer func() {
		_ = model.Close()
	}()

	host := cpu.New()
	params := make(reconcile.ParameterSet)
	for _, name := range model.TensorNames() {
		if strings.HasSuffix(name, batchesTrackedSuffix) {
			continue
		}
		raw, err := model.LoadTensor(name, host)
		if err != nil {
			return nil, errors.Wrapf(err, "checkpoint: load %s", name)
		}
		params[name] = raw
	}

	meta := make(map[string]string)
	for k, v := range model.Metadata() {
		meta[k] = fmt.Sprint(v)
	}
	return &Checkpoint{Params: params, Metadata: meta}, nil
}
