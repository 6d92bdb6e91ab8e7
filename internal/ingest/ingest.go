// Package ingest accepts product photo uploads and runs stage 1 inline,
// streaming its progress to the uploader.
package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/media"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/pipeline"
	"github.com/sells-group/listing-pipeline/internal/provider"
	"github.com/sells-group/listing-pipeline/internal/store"
)

// OverrideResult is the response to a manual identification.
type OverrideResult struct {
	Success   bool     `json:"success"`
	ProductID string   `json:"productId"`
	ImageURLs []string `json:"imageUrls"`
}

// Service runs ingestion.
type Service struct {
	store store.Store
	media media.Store
	orch  *pipeline.Orchestrator
}

// New creates a Service.
func New(st store.Store, m media.Store, orch *pipeline.Orchestrator) *Service {
	return &Service{store: st, media: m, orch: orch}
}

// Stream creates a product from req, identifies it, and reports each step
// to out. It ends with a complete event, a manual input object, or an
// error event. The work is detached from ctx's cancellation so a client
// that disconnects still leaves stage 1 settled.
func (s *Service) Stream(ctx context.Context, req *Request, out Emitter) {
	ctx = context.WithoutCancel(ctx)
	emit := func(v any) {
		if err := out.Emit(v); err != nil {
			zap.L().Debug("ingest: client stopped reading", zap.Error(err))
		}
	}

	emit(statusEvent(fmt.Sprintf("Uploading %d image(s)", len(req.Images))))
	p, urls, err := s.createProduct(ctx, req)
	if err != nil {
		emit(errorEvent(apperr.Message(err)))
		return
	}
	log := zap.L().With(zap.String("product_id", p.ID))
	emit(progressEvent(20))

	machine := s.orch.Machine()
	if err := machine.Start(ctx, p.ID, model.StageIdentification); err != nil {
		log.Error("ingest: start identification", zap.Error(err))
		emit(errorEvent(apperr.Message(err)))
		return
	}

	emit(statusEvent("Analyzing images"))
	emit(progressEvent(40))
	facts, err := s.orch.Identify(ctx, p.ID, imageData(req.Images), req.Hints)
	if err != nil {
		_ = s.orch.FailStage(ctx, p.ID, model.StageIdentification, err)
		emit(errorEvent(apperr.Message(err)))
		return
	}
	emit(progressEvent(80))
	emit(analysisEvent(facts))

	if !s.orch.Passes(facts.Confidence) {
		if err := s.orch.HoldForManualInput(ctx, *facts); err != nil {
			_ = s.orch.FailStage(ctx, p.ID, model.StageIdentification, err)
			emit(errorEvent(apperr.Message(err)))
			return
		}
		emit(ManualInput{
			Type:                EventManualInput,
			RequiresManualInput: true,
			Success:             false,
			ProductID:           p.ID,
			ImageURLs:           urls,
			Confidence:          facts.Confidence,
			Threshold:           s.orch.Threshold(),
			Message:             fmt.Sprintf("Identification confidence %.0f%% is below %.0f%%. Please confirm the product details.", facts.Confidence, s.orch.Threshold()),
			Analysis:            facts,
		})
		return
	}

	if err := s.orch.AcceptAnalysis(ctx, *facts); err != nil {
		_ = s.orch.FailStage(ctx, p.ID, model.StageIdentification, err)
		emit(errorEvent(apperr.Message(err)))
		return
	}
	emit(progressEvent(100))
	emit(completeEvent(p.ID, urls))
	log.Info("ingest: product identified", zap.Float64("confidence", facts.Confidence))
}

// Override records a human identification. With a product ID the paused
// product's stage 1 is taken straight back to running; otherwise a new
// product is created. Stage 1 completes whatever the confidence.
func (s *Service) Override(ctx context.Context, req *Request) (*OverrideResult, error) {
	if req.Hints.Empty() {
		return nil, apperr.Validation("a manual identification needs at least one of name, model, brand, or category")
	}

	var (
		productID string
		urls      []string
		err       error
	)
	if req.ProductID != "" {
		productID = req.ProductID
		urls, err = s.takeover(ctx, req)
	} else {
		var p *model.Product
		p, urls, err = s.createProduct(ctx, req)
		if p == nil {
			return nil, err
		}
		productID = p.ID
		err = s.orch.Machine().Start(ctx, productID, model.StageIdentification)
	}
	if err != nil {
		return nil, err
	}

	confidence := 100.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	facts := model.AnalysisFacts{
		ProductID:  productID,
		Name:       req.Hints.Name,
		Model:      req.Hints.Model,
		Brand:      req.Hints.Brand,
		Category:   req.Hints.Category,
		Confidence: confidence,
		Source:     model.AnalysisSourceManual,
	}
	if err := s.orch.AcceptAnalysis(ctx, facts); err != nil {
		return nil, s.orch.FailStage(ctx, productID, model.StageIdentification, err)
	}

	zap.L().Info("ingest: manual identification accepted", zap.String("product_id", productID))
	return &OverrideResult{Success: true, ProductID: productID, ImageURLs: urls}, nil
}

// takeover restarts the paused stage 1 of an existing product for a manual
// identification and attaches any new photos.
func (s *Service) takeover(ctx context.Context, req *Request) ([]string, error) {
	p, err := s.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, apperr.Store(err, "load product %s", req.ProductID)
	}
	if p == nil {
		return nil, apperr.NotFound("product %s not found", req.ProductID)
	}
	if err := s.orch.Machine().Takeover(ctx, p.ID, model.StageIdentification); err != nil {
		return nil, err
	}
	urls, err := s.attachImages(ctx, p.ID, req.Images)
	if err != nil {
		return nil, s.orch.FailStage(ctx, p.ID, model.StageIdentification, err)
	}
	return urls, nil
}

// attachImages stores extra photos on an existing product and returns every
// image URL it now has.
func (s *Service) attachImages(ctx context.Context, productID string, uploads []Upload) ([]string, error) {
	if len(uploads) > 0 {
		images, err := s.saveImages(ctx, productID, uploads, false)
		if err != nil {
			return nil, err
		}
		if err := s.store.AddImages(ctx, productID, images); err != nil {
			return nil, apperr.Store(err, "add images to product %s", productID)
		}
	}

	stored, err := s.store.ListImages(ctx, productID)
	if err != nil {
		return nil, apperr.Store(err, "load images for product %s", productID)
	}
	urls := make([]string, 0, len(stored))
	for _, img := range stored {
		urls = append(urls, img.URL)
	}
	return urls, nil
}

// createProduct saves the photos and creates the product with its four
// phase rows. The first photo is primary.
func (s *Service) createProduct(ctx context.Context, req *Request) (*model.Product, []string, error) {
	if len(req.Images) == 0 {
		return nil, nil, apperr.Validation("at least one image is required")
	}
	p := &model.Product{
		ID:       uuid.New().String(),
		Name:     req.Hints.Name,
		Model:    req.Hints.Model,
		Brand:    req.Hints.Brand,
		Category: req.Hints.Category,
		Status:   model.ProductStatusUploaded,
	}
	images, err := s.saveImages(ctx, p.ID, req.Images, true)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.CreateProduct(ctx, p, images); err != nil {
		return nil, nil, apperr.Store(err, "create product")
	}

	urls := make([]string, 0, len(images))
	for _, img := range images {
		urls = append(urls, img.URL)
	}
	zap.L().Info("ingest: product created", zap.String("product_id", p.ID), zap.Int("images", len(images)))
	return p, urls, nil
}

func (s *Service) saveImages(ctx context.Context, productID string, uploads []Upload, firstPrimary bool) ([]model.Image, error) {
	images := make([]model.Image, 0, len(uploads))
	for i, up := range uploads {
		url, err := s.media.Save(ctx, productID, up.Filename, up.ContentType, up.Data)
		if err != nil {
			return nil, apperr.Store(err, "save image %s", up.Filename)
		}
		images = append(images, model.Image{
			ProductID:   productID,
			URL:         url,
			Filename:    up.Filename,
			ContentType: up.ContentType,
			SizeBytes:   int64(len(up.Data)),
			IsPrimary:   firstPrimary && i == 0,
		})
	}
	return images, nil
}

func imageData(uploads []Upload) []provider.ImageData {
	out := make([]provider.ImageData, 0, len(uploads))
	for _, up := range uploads {
		out = append(out, provider.ImageData{MediaType: up.ContentType, Data: up.Data})
	}
	return out
}
