// Package reconcile loads a named parameter set into another, tolerating
// names present on only one side.
//
// It is used to restore a pretrained backbone into a module whose parameter
// names differ by a prefix (a feature extractor saved as part of a
// classifier) or whose head does not match.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// DefaultFeaturePrefix is the name prefix of the feature extractor inside a
// saved classifier.
const DefaultFeaturePrefix = "feature."

// ParameterSet maps dot-delimited parameter names to tensors.
type ParameterSet map[string]*tensor.RawTensor

// Report describes the outcome of Reconcile. All lists are sorted.
type Report struct {
	// Applied are names copied from source into target.
	Applied []string
	// Missing are target names with no source entry; they keep their values.
	Missing []string
	// Unused are source names with no target entry.
	Unused []string
}

// MismatchError is returned when a shared name has a different shape or dtype.
type MismatchError struct {
	Name        string
	SourceShape tensor.Shape
	TargetShape tensor.Shape
	SourceDType tensor.DataType
	TargetDType tensor.DataType
}

func (e *MismatchError) Error() string {
	if e.SourceDType != e.TargetDType {
		return fmt.Sprintf("reconcile: %s: dtype %s does not match %s", e.Name, e.SourceDType, e.TargetDType)
	}
	return fmt.Sprintf("reconcile: %s: shape %v does not match %v", e.Name, e.SourceShape, e.TargetShape)
}

// Keys returns the names of s in sorted order.
func (s ParameterSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of s. The copies share no storage with s.
func (s ParameterSet) Clone() (ParameterSet, error) {
	out := make(ParameterSet, len(s))
	for name, raw := range s {
		c, err := tensor.NewRaw(raw.Shape().Clone(), raw.DType(), raw.Device())
		if err != nil {
			return nil, errors.Wrapf(err, "reconcile: clone %s", name)
		}
		copy(c.Data(), raw.Data())
		out[name] = c
	}
	return out, nil
}

// StripPrefix returns a view of s where names starting with prefix are
// rewritten without it. Names without the prefix are kept unchanged. When
// both "<prefix>x" and "x" are present, the stripped entry wins.
func StripPrefix(s ParameterSet, prefix string) ParameterSet {
	if prefix == "" {
		return s
	}
	out := make(ParameterSet, len(s))
	for name, raw := range s {
		if !strings.HasPrefix(name, prefix) {
			if _, taken := out[name]; !taken {
				out[name] = raw
			}
		}
	}
	for name, raw := range s {
		if strings.HasPrefix(name, prefix) {
			out[strings.TrimPrefix(name, prefix)] = raw
		}
	}
	return out
}

// Reconcile copies every source tensor whose (prefix-stripped) name exists in
// target into the target tensor, in place. Names present on only one side are
// reported, not rejected.
//
// Shapes and dtypes of shared names are checked before anything is copied; a
// mismatch returns a *MismatchError and leaves target untouched.
func Reconcile(source, target ParameterSet, stripPrefix string) (Report, error) {
	src := StripPrefix(source, stripPrefix)

	var rep Report
	for _, name := range target.Keys() {
		s, ok := src[name]
		if !ok {
			rep.Missing = append(rep.Missing, name)
			continue
		}
		t := target[name]
		if s.DType() != t.DType() || !s.Shape().Equal(t.Shape()) {
			return Report{}, &MismatchError{
				Name:        name,
				SourceShape: s.Shape(),
				TargetShape: t.Shape(),
				SourceDType: s.DType(),
				TargetDType: t.DType(),
			}
		}
		rep.Applied = append(rep.Applied, name)
	}
	for _, name := range src.Keys() {
		if _, ok := target[name]; !ok {
			rep.Unused = append(rep.Unused, name)
		}
	}

	for _, name := range rep.Applied {
		copy(target[name].Data(), src[name].Data())
	}
	return rep, nil
}

// Strict copies source into target like Reconcile but fails, without
// copying, when a target name has no source entry. Extra source names are
// ignored.
func Strict(source, target ParameterSet) error {
	var missing []string
	for _, name := range target.Keys() {
		if _, ok := source[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("reconcile: missing %d entries in state dict: %s",
			len(missing), strings.Join(missing, ", "))
	}
	_, err := Reconcile(source, target, "")
	return err
}
