package resnet

import (
	"strings"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupSpec(t *testing.T) {
	tests := []struct {
		depth  int
		kind   BlockKind
		layers [4]int
		dim    int
	}{
		{18, Basic, [4]int{2, 2, 2, 2}, 512},
		{50, Bottle, [4]int{3, 4, 6, 3}, 2048},
		{152, Bottle, [4]int{3, 8, 36, 3}, 2048},
	}
	for _, tt := range tests {
		spec, err := LookupSpec(tt.depth)
		require.NoError(t, err)
		assert.Equal(t, tt.kind, spec.Kind)
		assert.Equal(t, tt.layers, spec.Layers)

		dim, err := FeatureDim(tt.depth)
		require.NoError(t, err)
		assert.Equal(t, tt.dim, dim)
	}
}

func TestNewFeature_UnsupportedDepth(t *testing.T) {
	_, err := NewFeature(34, cpu.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedDepth))
}

func TestFeature_StateDictNames18(t *testing.T) {
	f, err := NewFeature(18, cpu.New())
	require.NoError(t, err)

	sd := f.StateDict()
	assert.Len(t, sd, 100)
	assert.Len(t, f.Parameters(), 60)

	for _, name := range []string{
		"conv1.weight",
		"bn1.running_var",
		"layer1.0.conv1.weight",
		"layer1.1.bn2.running_mean",
		"layer2.0.downsample.0.weight",
		"layer4.1.bn2.bias",
	} {
		assert.Contains(t, sd, name)
	}
	assert.NotContains(t, sd, "layer1.0.downsample.0.weight")
	assert.NotContains(t, sd, "fc.weight")

	assert.Equal(t, tensor.Shape{64, 3, 7, 7}, sd["conv1.weight"].Shape())
	assert.Equal(t, tensor.Shape{128, 64, 1, 1}, sd["layer2.0.downsample.0.weight"].Shape())
}

func TestFeature_StateDictNames50(t *testing.T) {
	f, err := NewFeature(50, cpu.New())
	require.NoError(t, err)

	sd := f.StateDict()
	assert.Len(t, sd, 265)
	assert.Contains(t, sd, "layer1.0.downsample.1.running_var")
	assert.Contains(t, sd, "layer3.5.conv3.weight")
	assert.Equal(t, tensor.Shape{2048, 512, 1, 1}, sd["layer4.2.conv3.weight"].Shape())
}

func TestFeature_Forward(t *testing.T) {
	b := cpu.New()
	f, err := NewFeature(18, b)
	require.NoError(t, err)
	f.SetTraining(false)

	x := tensor.Randn[float32](tensor.Shape{2, 3, 32, 32}, b)
	out := f.Forward(x)
	assert.Equal(t, tensor.Shape{2, 512}, out.Shape())

	for _, v := range out.Data() {
		assert.GreaterOrEqual(t, v, float32(0), "pooled ReLU output must be non-negative")
	}
}

func TestFeature_LoadStateDictRoundTrip(t *testing.T) {
	b := cpu.New()
	src, err := NewFeature(18, b)
	require.NoError(t, err)
	dst, err := NewFeature(18, b)
	require.NoError(t, err)

	src.StateDict()["layer3.1.bn1.running_mean"].AsFloat32()[0] = 42
	require.NoError(t, dst.LoadStateDict(src.StateDict()))

	assert.Equal(t, src.StateDict()["conv1.weight"].AsFloat32(), dst.StateDict()["conv1.weight"].AsFloat32())
	assert.Equal(t, float32(42), dst.StateDict()["layer3.1.bn1.running_mean"].AsFloat32()[0])
}

func TestFeature_LoadStateDictMissing(t *testing.T) {
	b := cpu.New()
	f, err := NewFeature(18, b)
	require.NoError(t, err)

	sd := f.StateDict()
	delete(sd, "bn1.weight")
	err = f.LoadStateDict(sd)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bn1.weight"))
}

func TestFeature_IsModule(t *testing.T) {
	var _ nn.Module[*cpu.Backend] = (*Feature[*cpu.Backend])(nil)
	var _ nn.Module[*cpu.Backend] = (*BatchNorm2D[*cpu.Backend])(nil)
}

func TestBatchNorm2D_Training(t *testing.T) {
	b := cpu.New()
	bn := NewBatchNorm2D(2, b)

	// Channel 0 holds 1..4, channel 1 holds 10 everywhere.
	x, err := tensor.FromSlice([]float32{
		1, 2, 3, 4,
		10, 10, 10, 10,
	}, tensor.Shape{1, 2, 2, 2}, b)
	require.NoError(t, err)

	out := bn.Forward(x).Data()

	// mean 2.5, biased var 1.25
	assert.InDelta(t, (1-2.5)/1.118034, float64(out[0]), 1e-3)
	assert.InDelta(t, (4-2.5)/1.118034, float64(out[3]), 1e-3)
	for _, v := range out[4:] {
		assert.InDelta(t, 0, float64(v), 1e-3)
	}

	rm := bn.RunningMean.AsFloat32()
	rv := bn.RunningVar.AsFloat32()
	assert.InDelta(t, 0.25, float64(rm[0]), 1e-5)
	assert.InDelta(t, 1.0, float64(rm[1]), 1e-5)
	// 0.9 * 1 + 0.1 * (1.25 * 4/3)
	assert.InDelta(t, 0.9+0.1*1.25*4.0/3.0, float64(rv[0]), 1e-5)
	assert.InDelta(t, 0.9, float64(rv[1]), 1e-5)
}

func TestBatchNorm2D_Eval(t *testing.T) {
	b := cpu.New()
	bn := NewBatchNorm2D(1, b)
	bn.RunningMean.AsFloat32()[0] = 2
	bn.RunningVar.AsFloat32()[0] = 4
	bn.SetTraining(false)
	assert.False(t, bn.Training())

	x, err := tensor.FromSlice([]float32{2, 4, 6, 0}, tensor.Shape{1, 1, 2, 2}, b)
	require.NoError(t, err)

	out := bn.Forward(x).Data()
	assert.InDeltaSlice(t, []float32{0, 1, 2, -1}, out, 1e-3)
	// Running statistics are untouched in eval mode.
	assert.Equal(t, float32(2), bn.RunningMean.AsFloat32()[0])
}

func TestZeroPad2D(t *testing.T) {
	b := cpu.New()
	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2}, b)
	require.NoError(t, err)

	out := zeroPad2D(x, 1, b)
	assert.Equal(t, tensor.Shape{1, 1, 4, 4}, out.Shape())
	assert.Equal(t, []float32{
		0, 0, 0, 0,
		0, 1, 2, 0,
		0, 3, 4, 0,
		0, 0, 0, 0,
	}, out.Data())
}
