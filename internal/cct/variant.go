package cct

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Split names accepted by every variant.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// Directory layout under the data root.
const (
	annotationDir = "CCT_15/eccv_18_annotation_files"
	imageDir      = "CCT_15/eccv_18_all_images_256"
)

var (
	// ErrNoTrainingSplit is returned when a training split is requested for a
	// variant that ships without one.
	ErrNoTrainingSplit = errors.New("cct: variant has no training split")

	// ErrUnknownVariant is returned for a variant name missing from the table.
	ErrUnknownVariant = errors.New("cct: unknown variant")

	// ErrUnknownSplit is returned for a split other than train, val or test.
	ErrUnknownSplit = errors.New("cct: unknown split")
)

// Variant describes one named CCT configuration.
type Variant struct {
	Name string
	// Template is the annotation file name; %s is replaced by the split.
	Template string
	// HasTrain reports whether a training annotation file exists.
	HasTrain bool
}

var variants = map[string]Variant{
	"CCT_CIS_S1":  {Name: "CCT_CIS_S1", Template: "cis_%s_annotations_season_1.json", HasTrain: true},
	"CCT_CIS_S2":  {Name: "CCT_CIS_S2", Template: "cis_%s_annotations_season_2.json", HasTrain: true},
	"CCT_CIS_ALL": {Name: "CCT_CIS_ALL", Template: "cis_%s_annotations.json", HasTrain: true},
	"CCT_TRANS":   {Name: "CCT_TRANS", Template: "trans_%s_annotations.json", HasTrain: false},
}

// LookupVariant returns the variant registered under name.
func LookupVariant(name string) (Variant, error) {
	v, ok := variants[name]
	if !ok {
		return Variant{}, errors.Wrapf(ErrUnknownVariant, "%q", name)
	}
	return v, nil
}

// Variants returns the registered variant names in sorted order.
func Variants() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AnnotationFile returns the annotation file name for split. It performs no I/O.
func (v Variant) AnnotationFile(split string) (string, error) {
	switch split {
	case SplitTrain:
		if !v.HasTrain {
			return "", errors.Wrapf(ErrNoTrainingSplit, "%s does not have training data", v.Name)
		}
	case SplitVal, SplitTest:
	default:
		return "", errors.Wrapf(ErrUnknownSplit, "%q (want train, val or test)", split)
	}
	return fmt.Sprintf(v.Template, split), nil
}

// AnnotationPath returns the annotation file path for split under root.
func (v Variant) AnnotationPath(root, split string) (string, error) {
	name, err := v.AnnotationFile(split)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(annotationDir), name), nil
}

// ImagePath returns the path of the image with the given id under root.
func ImagePath(root, imageID string) string {
	return filepath.Join(root, filepath.FromSlash(imageDir), imageID+".jpg")
}
