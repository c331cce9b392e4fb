// Package serve exposes a trained classifier over HTTP.
package serve

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/born-ml/born/tensor"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/born-ml/camtrap/internal/cct"
	"github.com/born-ml/camtrap/internal/classifier"
)

// DefaultMaxUploadBytes is the largest request body /predict/image accepts.
const DefaultMaxUploadBytes = 10 << 20

// PredictionResponse is the body of a successful prediction.
type PredictionResponse struct {
	Class       string             `json:"class"`
	Label       int32              `json:"label"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
}

// InfoResponse describes the served model.
type InfoResponse struct {
	Model     string   `json:"model"`
	Depth     int      `json:"depth"`
	ImageSize int      `json:"image_size"`
	Classes   []string `json:"classes"`
}

// Server runs predictions on a classifier in eval mode. Forward passes are
// serialised.
type Server[B tensor.Backend] struct {
	mu        sync.Mutex
	model     *classifier.Classifier[B]
	transform *cct.Transform
	classes   map[int32]string
	backend   B
	logger    *zap.Logger
	maxUpload int64
}

// New wraps model. classes maps labels to display names; labels without an
// entry are shown by number.
func New[B tensor.Backend](model *classifier.Classifier[B], transform *cct.Transform, classes map[int32]string, backend B, logger *zap.Logger) *Server[B] {
	if logger == nil {
		logger = zap.NewNop()
	}
	model.Train(false)
	return &Server[B]{
		model:     model,
		transform: transform,
		classes:   classes,
		backend:   backend,
		logger:    logger,
		maxUpload: DefaultMaxUploadBytes,
	}
}

// SetMaxUploadBytes changes the request body limit of /predict/image.
func (s *Server[B]) SetMaxUploadBytes(n int64) {
	s.maxUpload = n
}

// Router returns the gin engine with all routes registered.
func (s *Server[B]) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)
	r.MaxMultipartMemory = s.maxUpload

	r.GET("/health", s.Health)
	r.GET("/info", s.Info)
	r.POST("/predict/image", s.PredictImage)
	return r
}

func (s *Server[B]) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Info("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)),
	)
}

// Health reports liveness.
func (s *Server[B]) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Info describes the model and its classes in label order.
func (s *Server[B]) Info(c *gin.Context) {
	names := make([]string, s.model.NumClasses())
	for i := range names {
		names[i] = s.className(int32(i)) //nolint:gosec // Class counts fit in int32.
	}
	c.JSON(http.StatusOK, InfoResponse{
		Model:     classifier.Name,
		Depth:     s.model.Config().Depth,
		ImageSize: s.transform.Size,
		Classes:   names,
	})
}

// PredictImage classifies the multipart file in field "image". Bodies over
// the upload limit are rejected with 413.
func (s *Server[B]) PredictImage(c *gin.Context) {
	if c.Request.ContentLength > s.maxUpload {
		s.tooLarge(c)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)

	header, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.tooLarge(c)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image file provided, use 'image' as the form field name"})
		return
	}
	file, err := header.Open()
	if err != nil {
		s.logger.Error("open upload", zap.String("filename", header.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read upload"})
		return
	}
	defer func() {
		_ = file.Close()
	}()

	pixels, err := s.transform.Decode(file)
	if err != nil {
		s.logger.Warn("undecodable upload", zap.String("filename", header.Filename), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image format, supported: JPEG, PNG"})
		return
	}

	pred, err := s.predict(pixels)
	if err != nil {
		s.logger.Error("prediction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
		return
	}

	resp := PredictionResponse{
		Class:       s.className(pred.Label),
		Label:       pred.Label,
		Confidence:  pred.Confidence,
		Predictions: make(map[string]float32, len(pred.Probabilities)),
	}
	for i, p := range pred.Probabilities {
		resp.Predictions[s.className(int32(i))] = p //nolint:gosec // Class counts fit in int32.
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server[B]) tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": "image too large, limit is " + strconv.FormatInt(s.maxUpload, 10) + " bytes",
	})
}

func (s *Server[B]) predict(pixels []float32) (classifier.Prediction, error) {
	batch, err := cct.NewBatch(pixels, []int32{0}, s.transform.Size, s.backend)
	if err != nil {
		return classifier.Prediction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Predict(batch.Images)[0], nil
}

func (s *Server[B]) className(label int32) string {
	if name, ok := s.classes[label]; ok {
		return name
	}
	return strconv.Itoa(int(label))
}
