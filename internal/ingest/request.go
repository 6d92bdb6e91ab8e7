package ingest

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/model"
)

const (
	defaultMaxImages     = 10
	defaultMaxImageBytes = 10 << 20
)

var defaultAllowedTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// Upload is one uploaded photo.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Request is a parsed ingestion upload.
type Request struct {
	Images     []Upload
	Hints      model.Hints
	Manual     bool
	ProductID  string
	Confidence *float64
}

// Limits bounds what an upload may contain.
type Limits struct {
	MaxImages     int
	MaxImageBytes int64
	AllowedTypes  []string
}

// LimitsFromConfig fills unset values with the defaults.
func LimitsFromConfig(cfg config.IngestConfig) Limits {
	l := Limits{MaxImages: cfg.MaxImages, MaxImageBytes: cfg.MaxImageBytes, AllowedTypes: cfg.AllowedTypes}
	if l.MaxImages <= 0 {
		l.MaxImages = defaultMaxImages
	}
	if l.MaxImageBytes <= 0 {
		l.MaxImageBytes = defaultMaxImageBytes
	}
	if len(l.AllowedTypes) == 0 {
		l.AllowedTypes = defaultAllowedTypes
	}
	return l
}

// ParseRequest reads a multipart ingestion upload. Bad input is reported as
// a validation error.
func ParseRequest(r *http.Request, lim Limits) (*Request, error) {
	maxBody := int64(lim.MaxImages)*lim.MaxImageBytes + 1<<20
	r.Body = http.MaxBytesReader(nil, r.Body, maxBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, apperr.Validation("upload exceeds %d bytes", maxBody)
		}
		return nil, apperr.Validation("invalid multipart upload: %v", err)
	}

	form := r.MultipartForm
	req := &Request{
		Hints: model.Hints{
			Name:     field(form, "name"),
			Model:    field(form, "model"),
			Brand:    field(form, "brand"),
			Category: field(form, "category"),
		},
		ProductID: field(form, "productId"),
	}

	if v := field(form, "manual"); v != "" {
		manual, err := strconv.ParseBool(v)
		if err != nil {
			return nil, apperr.Validation("manual must be a boolean")
		}
		req.Manual = manual
	}
	if v := field(form, "confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || c < 0 || c > 100 {
			return nil, apperr.Validation("confidence must be a number between 0 and 100")
		}
		req.Confidence = &c
	}

	files := form.File["images"]
	if len(files) > lim.MaxImages {
		return nil, apperr.Validation("at most %d images may be uploaded", lim.MaxImages)
	}
	for _, fh := range files {
		up, err := readUpload(fh, lim)
		if err != nil {
			return nil, err
		}
		req.Images = append(req.Images, *up)
	}

	// Only an override of an existing product may come without photos.
	if len(req.Images) == 0 && !(req.Manual && req.ProductID != "") {
		return nil, apperr.Validation("at least one image is required")
	}
	return req, nil
}

func readUpload(fh *multipart.FileHeader, lim Limits) (*Upload, error) {
	if fh.Size > lim.MaxImageBytes {
		return nil, apperr.Validation("image %s exceeds %d bytes", fh.Filename, lim.MaxImageBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, apperr.Validation("cannot read image %s", fh.Filename)
	}
	defer f.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(f, lim.MaxImageBytes+1))
	if err != nil {
		return nil, apperr.Validation("cannot read image %s", fh.Filename)
	}
	if int64(len(data)) > lim.MaxImageBytes {
		return nil, apperr.Validation("image %s exceeds %d bytes", fh.Filename, lim.MaxImageBytes)
	}
	if len(data) == 0 {
		return nil, apperr.Validation("image %s is empty", fh.Filename)
	}

	ct := mediaType(fh.Header.Get("Content-Type"))
	if !slices.Contains(lim.AllowedTypes, ct) {
		ct = mediaType(http.DetectContentType(data))
	}
	if !slices.Contains(lim.AllowedTypes, ct) {
		return nil, apperr.Validation("image %s has unsupported type %s", fh.Filename, ct)
	}
	return &Upload{Filename: fh.Filename, ContentType: ct, Data: data}, nil
}

func mediaType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

func field(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}
