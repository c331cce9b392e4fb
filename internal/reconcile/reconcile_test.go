package reconcile

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(t *testing.T, shape tensor.Shape, fill float32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	for i := range r.AsFloat32() {
		r.AsFloat32()[i] = fill
	}
	return r
}

func TestReconcile_FeaturePrefix(t *testing.T) {
	source := ParameterSet{
		"feature.conv1.weight": raw(t, tensor.Shape{2, 2}, 1),
		"feature.bn1.bias":     raw(t, tensor.Shape{2}, 2),
		"classifier.weight":    raw(t, tensor.Shape{3, 2}, 3),
	}
	target := ParameterSet{
		"conv1.weight": raw(t, tensor.Shape{2, 2}, 0),
		"bn1.bias":     raw(t, tensor.Shape{2}, 0),
		"fc.weight":    raw(t, tensor.Shape{4}, 9),
	}

	rep, err := Reconcile(source, target, DefaultFeaturePrefix)
	require.NoError(t, err)

	assert.Equal(t, []string{"bn1.bias", "conv1.weight"}, rep.Applied)
	assert.Equal(t, []string{"fc.weight"}, rep.Missing)
	assert.Equal(t, []string{"classifier.weight"}, rep.Unused)

	assert.Equal(t, []float32{1, 1, 1, 1}, target["conv1.weight"].AsFloat32())
	assert.Equal(t, []float32{2, 2}, target["bn1.bias"].AsFloat32())
	assert.Equal(t, []float32{9, 9, 9, 9}, target["fc.weight"].AsFloat32())
}

func TestReconcile_FullMode(t *testing.T) {
	source := ParameterSet{
		"feature.conv1.weight": raw(t, tensor.Shape{1}, 5),
		"classifier.weight":    raw(t, tensor.Shape{1}, 6),
	}
	target := ParameterSet{
		"feature.conv1.weight": raw(t, tensor.Shape{1}, 0),
		"classifier.weight":    raw(t, tensor.Shape{1}, 0),
		"classifier.bias":      raw(t, tensor.Shape{1}, 0),
	}

	rep, err := Reconcile(source, target, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"classifier.weight", "feature.conv1.weight"}, rep.Applied)
	assert.Equal(t, []string{"classifier.bias"}, rep.Missing)
	assert.Empty(t, rep.Unused)
	assert.Equal(t, float32(6), target["classifier.weight"].AsFloat32()[0])
}

func TestReconcile_ShapeMismatchLeavesTargetUntouched(t *testing.T) {
	source := ParameterSet{
		"a": raw(t, tensor.Shape{2}, 1),
		"b": raw(t, tensor.Shape{3}, 1),
	}
	target := ParameterSet{
		"a": raw(t, tensor.Shape{2}, 0),
		"b": raw(t, tensor.Shape{4}, 0),
	}

	_, err := Reconcile(source, target, "")
	require.Error(t, err)

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "b", mismatch.Name)
	assert.Equal(t, []float32{0, 0}, target["a"].AsFloat32())
}

func TestStripPrefix_StrippedWins(t *testing.T) {
	stripped := raw(t, tensor.Shape{1}, 1)
	plain := raw(t, tensor.Shape{1}, 2)

	got := StripPrefix(ParameterSet{"feature.x": stripped, "x": plain, "feature": plain}, "feature.")
	assert.Len(t, got, 2)
	assert.Same(t, stripped, got["x"])
	assert.Same(t, plain, got["feature"])
}

func TestStripPrefix_OnlyLeading(t *testing.T) {
	got := StripPrefix(ParameterSet{"layer1.feature.w": raw(t, tensor.Shape{1}, 0)}, "feature.")
	assert.Equal(t, []string{"layer1.feature.w"}, got.Keys())
}

func TestReconcile_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	for trial := 0; trial < 50; trial++ {
		source, target := ParameterSet{}, ParameterSet{}
		for i, n := range names {
			if rng.Intn(2) == 0 {
				source["feature."+n] = raw(t, tensor.Shape{1}, float32(i+1))
			}
			if rng.Intn(2) == 0 {
				target[n] = raw(t, tensor.Shape{1}, -1)
			}
		}

		rep, err := Reconcile(source, target, "feature.")
		require.NoError(t, err)

		assert.Equal(t, len(target), len(rep.Applied)+len(rep.Missing))
		for _, n := range rep.Applied {
			assert.Equal(t, source["feature."+n].AsFloat32(), target[n].AsFloat32())
		}

		symDiff := map[string]bool{}
		for _, n := range names {
			_, inS := source["feature."+n]
			_, inT := target[n]
			if inS != inT {
				symDiff[n] = true
			}
		}
		got := map[string]bool{}
		for _, n := range append(append([]string{}, rep.Missing...), rep.Unused...) {
			assert.False(t, got[n], "%s reported twice", n)
			got[n] = true
		}
		assert.Equal(t, symDiff, got)
		assert.True(t, sort.StringsAreSorted(rep.Missing))
		assert.True(t, sort.StringsAreSorted(rep.Unused))
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := ParameterSet{"w": raw(t, tensor.Shape{2}, 1)}

	snap, err := orig.Clone()
	require.NoError(t, err)

	orig["w"].AsFloat32()[0] = 7
	assert.Equal(t, []float32{1, 1}, snap["w"].AsFloat32())
	assert.Equal(t, tensor.Shape{2}, snap["w"].Shape())
}
