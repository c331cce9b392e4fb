package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Fetcher returns a local path holding the content of a remote checkpoint.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// IsURL reports whether location is an http or https URL.
func IsURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// Hub downloads checkpoints into Dir, keyed by URL. A cached file is reused
// without contacting the server. Failed downloads are not retried.
type Hub struct {
	Dir    string
	Client *http.Client
	Logger *zap.Logger
}

// NewHub returns a Hub caching into dir.
func NewHub(dir string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		Dir:    dir,
		Client: &http.Client{Timeout: 30 * time.Minute},
		Logger: logger,
	}
}

// CachePath returns where url is cached. The SafeTensors extension is kept
// so the Born loader recognises the format.
func (h *Hub) CachePath(url string) string {
	sum := sha256.Sum256([]byte(url))
	key := hex.EncodeToString(sum[:8])

	base := path.Base(strings.SplitN(url, "?", 2)[0])
	ext := path.Ext(base)
	if ext == "" {
		ext = ".safetensors"
	}
	return filepath.Join(h.Dir, key+ext)
}

// Fetch returns the cached file for url, downloading it first if needed.
func (h *Hub) Fetch(ctx context.Context, url string) (string, error) {
	dst := h.CachePath(url)
	if _, err := os.Stat(dst); err == nil {
		h.Logger.Debug("checkpoint cache hit", zap.String("url", url), zap.String("path", dst))
		return dst, nil
	}

	if err := os.MkdirAll(h.Dir, 0o750); err != nil {
		return "", errors.Wrap(err, "checkpoint: create cache directory")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "checkpoint: build request")
	}
	start := time.Now()
	resp, err := h.Client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "checkpoint: download %s", url)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("checkpoint: download %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(h.Dir, "download-*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "checkpoint: create temp file")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return "", errors.Wrapf(err, "checkpoint: download %s", url)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "checkpoint: close download")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", errors.Wrap(err, "checkpoint: store download")
	}

	h.Logger.Info("checkpoint downloaded",
		zap.String("url", url),
		zap.String("path", dst),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return dst, nil
}
