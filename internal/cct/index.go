package cct

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// DefaultExcluded are the category ids dropped from every CCT split:
// 30 marks empty frames and 33 the nuisance category that the
// benchmark does not classify.
var DefaultExcluded = []int{30, 33}

// ErrUnknownCategory is returned when a retained record's category id has
// no entry in the class index map. It signals a configuration bug, not bad input.
var ErrUnknownCategory = errors.New("cct: category id not in class index map")

// Sample is one entry of an Index.
type Sample struct {
	ImageID string
	Label   int32
}

// Index is the ordered (image id, label) sequence built from an annotation
// document. It is not modified after construction.
type Index struct {
	samples []Sample
}

// NewIndex wraps samples in an Index. The slice is copied.
func NewIndex(samples []Sample) *Index {
	return &Index{samples: append([]Sample(nil), samples...)}
}

// Len returns the number of samples.
func (ix *Index) Len() int {
	return len(ix.samples)
}

// At returns the i-th sample.
func (ix *Index) At(i int) Sample {
	return ix.samples[i]
}

// Samples returns a copy of all samples in order.
func (ix *Index) Samples() []Sample {
	return append([]Sample(nil), ix.samples...)
}

// Stats summarises a Build call.
type Stats struct {
	Total              int
	Kept               int
	Excluded           int
	ExcludedByCategory map[int]int
}

// Build filters records by the exclusion set and maps the remaining
// category ids through classIndices, keeping the original order.
//
// A record whose category is excluded is dropped unconditionally; any
// other record must have its category in classIndices, otherwise Build
// fails with ErrUnknownCategory.
func Build(records []Record, classIndices map[int]int32, excluded []int) (*Index, Stats, error) {
	skip := make(map[int]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	stats := Stats{Total: len(records), ExcludedByCategory: make(map[int]int)}
	samples := make([]Sample, 0, len(records))
	for i, rec := range records {
		if _, ok := skip[rec.CategoryID]; ok {
			stats.Excluded++
			stats.ExcludedByCategory[rec.CategoryID]++
			continue
		}
		label, ok := classIndices[rec.CategoryID]
		if !ok {
			return nil, stats, errors.Wrapf(ErrUnknownCategory,
				"record %d (image %q) has category %d", i, rec.ImageID, rec.CategoryID)
		}
		samples = append(samples, Sample{ImageID: rec.ImageID, Label: label})
	}
	stats.Kept = len(samples)

	return &Index{samples: samples}, stats, nil
}

// Partition deterministically selects round(fraction*Len()) samples using
// seed. The selected part and the rest are disjoint, cover the index, and
// each keeps the original order.
func (ix *Index) Partition(fraction float64, seed int64) (selected, rest *Index, err error) {
	if fraction < 0 || fraction > 1 || math.IsNaN(fraction) {
		return nil, nil, errors.Errorf("cct: partition fraction %v outside [0, 1]", fraction)
	}

	n := len(ix.samples)
	k := int(math.Round(fraction * float64(n)))

	//nolint:gosec // Reproducible shuffling, not security-sensitive.
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	picked := perm[:k]
	sort.Ints(picked)

	inPicked := make([]bool, n)
	sel := make([]Sample, 0, k)
	for _, i := range picked {
		inPicked[i] = true
		sel = append(sel, ix.samples[i])
	}
	rem := make([]Sample, 0, n-k)
	for i, s := range ix.samples {
		if !inPicked[i] {
			rem = append(rem, s)
		}
	}

	return &Index{samples: sel}, &Index{samples: rem}, nil
}

// LabelCounts returns the number of samples per label.
func (ix *Index) LabelCounts() map[int32]int {
	counts := make(map[int32]int)
	for _, s := range ix.samples {
		counts[s.Label]++
	}
	return counts
}
