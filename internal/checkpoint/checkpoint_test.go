package checkpoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/camtrap/internal/reconcile"
)

func sampleSet(t *testing.T) reconcile.ParameterSet {
	t.Helper()
	w, err := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(w.AsFloat32(), []float32{1, 2, 3, 4, 5, 6})

	b, err := tensor.NewRaw(tensor.Shape{2}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(b.AsFloat32(), []float32{-1, 0.5})

	return reconcile.ParameterSet{"classifier.weight": w, "classifier.bias": b}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "best.safetensors")
	set := sampleSet(t)

	require.NoError(t, Write(path, set, map[string]string{"epoch": "3"}))

	ck, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"classifier.bias", "classifier.weight"}, ck.Params.Keys())
	assert.Equal(t, tensor.Shape{2, 3}, ck.Params["classifier.weight"].Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, ck.Params["classifier.weight"].AsFloat32())
	assert.Equal(t, []float32{-1, 0.5}, ck.Params["classifier.bias"].AsFloat32())
	assert.Equal(t, "3", ck.Metadata["epoch"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestRead_Missing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "none.safetensors"))
	require.Error(t, err)
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("https://huggingface.co/x/model.safetensors"))
	assert.True(t, IsURL("http://localhost/x"))
	assert.False(t, IsURL("/data/http/model.safetensors"))
	assert.False(t, IsURL("ImageNet"))
}

func TestHub_FetchCaches(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src.safetensors")
	require.NoError(t, Write(src, sampleSet(t), nil))
	body, err := os.ReadFile(src)
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	hub := NewHub(t.TempDir(), nil)
	url := srv.URL + "/resnet18/model.safetensors"

	p1, err := hub.Fetch(context.Background(), url)
	require.NoError(t, err)
	p2, err := hub.Fetch(context.Background(), url)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, ".safetensors", filepath.Ext(p1))

	ck, err := Read(p1)
	require.NoError(t, err)
	assert.Len(t, ck.Params, 2)
}

func TestHub_FetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	hub := NewHub(t.TempDir(), nil)
	_, err := hub.Fetch(context.Background(), srv.URL+"/missing.safetensors")
	require.Error(t, err)

	_, statErr := os.Stat(hub.CachePath(srv.URL + "/missing.safetensors"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestClassMetadata(t *testing.T) {
	names := map[int32]string{0: "bobcat", 1: "opossum", 12: "empty"}
	meta := ClassMetadata(names)
	assert.Equal(t, "opossum", meta["class.1"])

	meta["run_id"] = "abc"
	meta["class.x"] = "ignored"
	assert.Equal(t, names, ClassNames(meta))
}
