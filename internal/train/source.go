package train

import (
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/camtrap/internal/cct"
)

// Source yields mini-batches by sample position.
type Source[B tensor.Backend] interface {
	Len() int
	Load(positions []int) (*cct.Batch[B], error)
}

type datasetSource[B tensor.Backend] struct {
	ds      *cct.Dataset
	backend B
}

// FromDataset reads images of ds from disk on every Load.
func FromDataset[B tensor.Backend](ds *cct.Dataset, backend B) Source[B] {
	return &datasetSource[B]{ds: ds, backend: backend}
}

func (s *datasetSource[B]) Len() int { return s.ds.Len() }

func (s *datasetSource[B]) Load(positions []int) (*cct.Batch[B], error) {
	return cct.LoadBatch(s.ds, positions, s.backend)
}
