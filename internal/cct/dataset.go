package cct

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PartitionSpec selects a deterministic subset of a split.
type PartitionSpec struct {
	Fraction float64
	Seed     int64
}

// Options configures Open.
type Options struct {
	Root    string
	Variant string
	Split   string

	// ClassIndices maps category ids to dense labels. When nil it is derived
	// from the document's category table with ClassIndicesFromCategories.
	ClassIndices map[int]int32
	// Excluded defaults to DefaultExcluded when nil.
	Excluded []int

	Partition *PartitionSpec
	Transform *Transform
	Logger    *zap.Logger
}

// Dataset is an opened CCT split.
type Dataset struct {
	Root    string
	Variant Variant
	Split   string

	index        *Index
	rest         *Index
	stats        Stats
	categories   []Category
	classIndices map[int]int32
	transform    *Transform
}

// Open resolves the variant and split, loads the annotation file and applies
// the optional partition. Configuration errors are reported before any file
// is touched.
func Open(opts Options) (*Dataset, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	variant, err := LookupVariant(opts.Variant)
	if err != nil {
		return nil, err
	}
	path, err := variant.AnnotationPath(opts.Root, opts.Split)
	if err != nil {
		return nil, err
	}
	if p := opts.Partition; p != nil && (p.Fraction < 0 || p.Fraction > 1) {
		return nil, errors.Errorf("cct: partition fraction %v outside [0, 1]", p.Fraction)
	}
	if opts.ClassIndices != nil {
		if err := ValidateClassIndices(opts.ClassIndices); err != nil {
			return nil, err
		}
	}

	excluded := opts.Excluded
	if excluded == nil {
		excluded = DefaultExcluded
	}

	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}

	classIndices := opts.ClassIndices
	if classIndices == nil {
		classIndices = ClassIndicesFromCategories(doc.Categories, excluded)
	}

	ix, stats, err := Build(doc.Annotations, classIndices, excluded)
	if err != nil {
		return nil, errors.Wrapf(err, "cct: load %s", path)
	}

	ds := &Dataset{
		Root:         opts.Root,
		Variant:      variant,
		Split:        opts.Split,
		index:        ix,
		stats:        stats,
		categories:   doc.Categories,
		classIndices: classIndices,
		transform:    opts.Transform,
	}
	if ds.transform == nil {
		ds.transform = NewTransform(DefaultImageSize)
	}

	if p := opts.Partition; p != nil {
		selected, rest, err := ix.Partition(p.Fraction, p.Seed)
		if err != nil {
			return nil, err
		}
		ds.index, ds.rest = selected, rest
	}

	logger.Info("dataset loaded",
		zap.String("variant", variant.Name),
		zap.String("split", opts.Split),
		zap.String("path", path),
		zap.Int("records", stats.Total),
		zap.Int("kept", stats.Kept),
		zap.Int("excluded", stats.Excluded),
		zap.Int("samples", ds.index.Len()),
	)

	return ds, nil
}

// Index returns the samples of the dataset (the selected part when partitioned).
func (d *Dataset) Index() *Index {
	return d.index
}

// Rest returns the samples left out by the partition, or nil.
func (d *Dataset) Rest() *Index {
	return d.rest
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return d.index.Len()
}

// Stats returns the filtering statistics of the full split.
func (d *Dataset) Stats() Stats {
	return d.stats
}

// NumClasses returns the number of distinct labels in the class map.
func (d *Dataset) NumClasses() int {
	seen := make(map[int32]struct{}, len(d.classIndices))
	for _, label := range d.classIndices {
		seen[label] = struct{}{}
	}
	return len(seen)
}

// ClassNames maps each label to the name of its category. Labels whose
// category is missing from the document's table are left out.
func (d *Dataset) ClassNames() map[int32]string {
	byID := make(map[int]string, len(d.categories))
	for _, c := range d.categories {
		byID[c.ID] = c.Name
	}
	names := make(map[int32]string, len(d.classIndices))
	for id, label := range d.classIndices {
		if name, ok := byID[id]; ok {
			names[label] = name
		}
	}
	return names
}

// ImagePath returns the file path of s.
func (d *Dataset) ImagePath(s Sample) string {
	return ImagePath(d.Root, s.ImageID)
}

// ClassIndicesFromCategories assigns dense labels to the non-excluded
// categories in ascending id order.
func ClassIndicesFromCategories(categories []Category, excluded []int) map[int]int32 {
	skip := make(map[int]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}
	ids := make([]int, 0, len(categories))
	for _, c := range categories {
		if _, ok := skip[c.ID]; !ok {
			ids = append(ids, c.ID)
		}
	}
	sort.Ints(ids)

	out := make(map[int]int32, len(ids))
	for _, id := range ids {
		if _, dup := out[id]; !dup {
			out[id] = int32(len(out)) //nolint:gosec // Category tables are small.
		}
	}
	return out
}

// ErrSparseLabels is returned for a class map whose labels are not exactly
// 0..K-1.
var ErrSparseLabels = errors.New("cct: class labels must be dense and zero-based")

// ValidateClassIndices checks that the labels of m cover 0..K-1 with no gaps,
// where K is the number of distinct labels. Several categories may share a
// label.
func ValidateClassIndices(m map[int]int32) error {
	seen := make(map[int32]struct{}, len(m))
	for id, label := range m {
		if label < 0 {
			return errors.Wrapf(ErrSparseLabels, "category %d has negative label %d", id, label)
		}
		seen[label] = struct{}{}
	}
	for label := int32(0); int(label) < len(seen); label++ {
		if _, ok := seen[label]; !ok {
			return errors.Wrapf(ErrSparseLabels, "label %d is unused among %d classes", label, len(seen))
		}
	}
	return nil
}

// ClassIndices returns the category id to label map in use. Open a second
// split with it to keep labels aligned.
func (d *Dataset) ClassIndices() map[int]int32 {
	out := make(map[int]int32, len(d.classIndices))
	for id, label := range d.classIndices {
		out[id] = label
	}
	return out
}
