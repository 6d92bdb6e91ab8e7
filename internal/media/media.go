// Package media stores uploaded product images and serves them back by URL.
package media

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/config"
)

// Store persists image bytes and resolves them by public URL.
type Store interface {
	// Save writes data for productID and returns its public URL.
	Save(ctx context.Context, productID, filename, contentType string, data []byte) (string, error)
	// Load returns the bytes previously saved under url.
	Load(ctx context.Context, url string) ([]byte, error)
}

// New builds the backend selected by cfg.
func New(cfg config.MediaConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.Dir, cfg.BaseURL)
	case "ftp":
		return NewFTP(FTPOptions{
			Addr:     cfg.FTP.Addr,
			User:     cfg.FTP.User,
			Password: cfg.FTP.Password,
			Dir:      cfg.FTP.Dir,
			BaseURL:  cfg.FTP.BaseURL,
			Timeout:  secs(cfg.FTP.TimeoutSecs),
		}), nil
	default:
		return nil, eris.Errorf("media: unknown backend %q", cfg.Backend)
	}
}

var extByType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// objectName builds a collision-free name that keeps a usable extension.
func objectName(filename, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if e, ok := extByType[contentType]; ok && ext == "" {
		ext = e
	}
	return uuid.New().String() + ext
}

// Local writes images under a directory and serves them at BaseURL.
type Local struct {
	dir     string
	baseURL string
}

// NewLocal creates a Local store rooted at dir.
func NewLocal(dir, baseURL string) (*Local, error) {
	if dir == "" {
		return nil, eris.New("media: local dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "media: create dir %s", dir)
	}
	return &Local{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Save implements Store.
func (l *Local) Save(_ context.Context, productID, filename, contentType string, data []byte) (string, error) {
	if !validSegment(productID) {
		return "", eris.Errorf("media: invalid product id %q", productID)
	}
	name := objectName(filename, contentType)
	dir := filepath.Join(l.dir, productID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "media: create dir %s", dir)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", eris.Wrapf(err, "media: write %s", name)
	}
	zap.L().Debug("media: saved image",
		zap.String("product_id", productID),
		zap.String("name", name),
		zap.Int("bytes", len(data)),
	)
	return l.baseURL + "/" + productID + "/" + name, nil
}

// Load implements Store.
func (l *Local) Load(_ context.Context, url string) ([]byte, error) {
	rel, ok := strings.CutPrefix(url, l.baseURL+"/")
	if !ok {
		return nil, eris.Errorf("media: %s is not a local media url", url)
	}
	clean := path.Clean("/" + rel)
	if clean != "/"+rel {
		return nil, eris.Errorf("media: invalid path %q", rel)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, eris.Wrapf(err, "media: read %s", rel)
	}
	return data, nil
}

// Handler serves stored files. Mount it under BaseURL with the prefix
// stripped.
func (l *Local) Handler() http.Handler {
	return http.FileServer(http.Dir(l.dir))
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// Memory keeps images in process. It backs tests and the memory store driver.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{files: map[string][]byte{}}
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, productID, filename, contentType string, data []byte) (string, error) {
	url := "/media/" + productID + "/" + objectName(filename, contentType)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[url] = bytes.Clone(data)
	return url, nil
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[url]
	if !ok {
		return nil, eris.Errorf("media: %s not found", url)
	}
	return bytes.Clone(data), nil
}
