package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/camtrap/internal/cct"
	"github.com/born-ml/camtrap/internal/classifier"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T) *Server[*cpu.Backend] {
	t.Helper()
	cfg := classifier.DefaultConfig(3)
	cfg.WeightsInit = classifier.WeightsNone
	backend := cpu.New()
	model, err := classifier.New(context.Background(), cfg, backend, nil, nil)
	require.NoError(t, err)
	return New(model, cct.NewTransform(32), map[int32]string{0: "bobcat", 1: "opossum"}, backend, nil)
}

func pngBody(t *testing.T, field string) (*bytes.Buffer, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 90, A: 255})
		}
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile(field, "frame.png")
	require.NoError(t, err)
	require.NoError(t, png.Encode(part, img))
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(t).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestInfo(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(t).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info InfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, classifier.Name, info.Model)
	assert.Equal(t, 32, info.ImageSize)
	assert.Equal(t, []string{"bobcat", "opossum", "2"}, info.Classes)
}

func TestPredictImage(t *testing.T) {
	body, contentType := pngBody(t, "image")
	req := httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	newServer(t).Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Predictions, 3)
	assert.Contains(t, resp.Predictions, "bobcat")
	assert.Contains(t, resp.Predictions, "2")
	assert.Equal(t, resp.Confidence, resp.Predictions[resp.Class])

	var sum float32
	for _, p := range resp.Predictions {
		sum += p
	}
	assert.InDelta(t, 1, float64(sum), 1e-4)
}

func TestPredictImage_BadRequests(t *testing.T) {
	srv := newServer(t).Router()

	body, contentType := pngBody(t, "file")
	req := httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	garbage := &bytes.Buffer{}
	w := multipart.NewWriter(garbage)
	part, err := w.CreateFormFile("image", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("not an image"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req = httptest.NewRequest(http.MethodPost, "/predict/image", garbage)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictImage_BodyLimit(t *testing.T) {
	srv := newServer(t)
	srv.SetMaxUploadBytes(128)
	router := srv.Router()

	// Declared length over the limit.
	body, contentType := pngBody(t, "image")
	require.Greater(t, body.Len(), 128)
	req := httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// Unknown length, cut off while reading.
	body, contentType = pngBody(t, "image")
	req = httptest.NewRequest(http.MethodPost, "/predict/image", io.NopCloser(body))
	req.ContentLength = -1
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// Under the limit.
	srv.SetMaxUploadBytes(DefaultMaxUploadBytes)
	body, contentType = pngBody(t, "image")
	req = httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
