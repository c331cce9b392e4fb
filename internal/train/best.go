package train

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/born-ml/camtrap/internal/checkpoint"
	"github.com/born-ml/camtrap/internal/reconcile"
)

// ErrNoSnapshot is returned by Save before anything was promoted.
var ErrNoSnapshot = errors.New("train: no snapshot promoted")

// Best holds a deep copy of the best parameters seen so far. The zero value
// is empty.
type Best struct {
	params reconcile.ParameterSet
	score  float64
	epoch  int
}

// Empty reports whether nothing was promoted yet.
func (b *Best) Empty() bool { return b.params == nil }

// Score returns the promoted score.
func (b *Best) Score() float64 { return b.score }

// Epoch returns the epoch of the promoted parameters.
func (b *Best) Epoch() int { return b.epoch }

// Params returns the held snapshot. Callers must not modify it.
func (b *Best) Params() reconcile.ParameterSet { return b.params }

// Improves reports whether score is strictly better than the snapshot.
func (b *Best) Improves(score float64) bool {
	return b.Empty() || score > b.score
}

// Promote replaces the snapshot with a copy of set. Later changes to the
// tensors in set do not affect the snapshot.
func (b *Best) Promote(set reconcile.ParameterSet, score float64, epoch int) error {
	params, err := set.Clone()
	if err != nil {
		return errors.Wrap(err, "train: promote snapshot")
	}
	b.params = params
	b.score = score
	b.epoch = epoch
	return nil
}

// Save writes the snapshot as SafeTensors. epoch and score are added to
// metadata.
func (b *Best) Save(path string, metadata map[string]string) error {
	if b.Empty() {
		return ErrNoSnapshot
	}

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["epoch"] = strconv.Itoa(b.epoch)
	meta["score"] = strconv.FormatFloat(b.score, 'f', 6, 64)

	return checkpoint.Write(path, b.params, meta)
}
