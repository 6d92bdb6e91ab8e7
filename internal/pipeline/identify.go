package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/provider"
)

// ActionManualInput is logged when identification is held for a human.
const ActionManualInput = "manual_input"

// identify re-runs stage 1 from the stored images, as happens after a retry
// or resume.
func (o *Orchestrator) identify(ctx context.Context, productID string) error {
	p, err := o.store.GetProduct(ctx, productID)
	if err != nil {
		return apperr.Store(err, "load product %s", productID)
	}
	if p == nil {
		return apperr.NotFound("product %s not found", productID)
	}
	images, err := o.store.ListImages(ctx, productID)
	if err != nil {
		return apperr.Store(err, "load images for product %s", productID)
	}
	if len(images) == 0 {
		return apperr.MissingUpstreamData("stage 1 requires images for product %s", productID)
	}

	data, err := o.LoadImages(ctx, images)
	if err != nil {
		return err
	}
	o.progress(ctx, productID, model.StageIdentification, 20)

	facts, err := o.Identify(ctx, productID, data, model.Hints{
		Name:     p.Name,
		Model:    p.Model,
		Brand:    p.Brand,
		Category: p.Category,
	})
	if err != nil {
		return err
	}
	o.progress(ctx, productID, model.StageIdentification, 80)

	if !o.Passes(facts.Confidence) {
		return o.HoldForManualInput(ctx, *facts)
	}
	return o.AcceptAnalysis(ctx, *facts)
}

// LoadImages reads image bytes back from media storage.
func (o *Orchestrator) LoadImages(ctx context.Context, images []model.Image) ([]provider.ImageData, error) {
	out := make([]provider.ImageData, 0, len(images))
	for _, img := range images {
		data, err := o.media.Load(ctx, img.URL)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load image %s", img.URL)
		}
		out = append(out, provider.ImageData{MediaType: img.ContentType, Data: data})
	}
	return out, nil
}

// Identify asks the identifier for a guess. It does not touch stage state.
func (o *Orchestrator) Identify(ctx context.Context, productID string, images []provider.ImageData, hints model.Hints) (*model.AnalysisFacts, error) {
	facts, err := o.identifier.Identify(ctx, images, hints)
	if err != nil {
		return nil, err
	}
	facts.ProductID = productID
	if facts.Source == "" {
		facts.Source = model.AnalysisSourceAI
	}
	if facts.IdentifiedAt.IsZero() {
		facts.IdentifiedAt = o.clock()
	}
	return facts, nil
}

// AcceptAnalysis stores facts as the stage 1 output, copies the identified
// fields onto the product, and completes stage 1.
func (o *Orchestrator) AcceptAnalysis(ctx context.Context, facts model.AnalysisFacts) error {
	if err := o.stillRunning(ctx, facts.ProductID, model.StageIdentification); err != nil {
		return err
	}
	if facts.IdentifiedAt.IsZero() {
		facts.IdentifiedAt = o.clock()
	}
	if err := o.store.UpsertAnalysis(ctx, facts); err != nil {
		return apperr.Store(err, "save analysis for product %s", facts.ProductID)
	}
	if details := analysisDetails(facts); !details.Empty() {
		if err := o.store.UpdateProductDetails(ctx, facts.ProductID, details); err != nil {
			return apperr.Store(err, "update product %s", facts.ProductID)
		}
	}
	return o.machine.Complete(ctx, facts.ProductID, model.StageIdentification)
}

// HoldForManualInput records the low confidence score and pauses stage 1
// until a human supplies the identification.
func (o *Orchestrator) HoldForManualInput(ctx context.Context, facts model.AnalysisFacts) error {
	if err := o.stillRunning(ctx, facts.ProductID, model.StageIdentification); err != nil {
		return err
	}
	if err := o.store.UpdateProductDetails(ctx, facts.ProductID, model.ProductDetails{
		AIConfidence: ptr(facts.Confidence),
	}); err != nil {
		return apperr.Store(err, "update product %s", facts.ProductID)
	}
	if err := o.machine.Pause(ctx, facts.ProductID); err != nil {
		return err
	}

	msg := fmt.Sprintf("confidence %.0f is below %.0f; manual input required", facts.Confidence, o.Threshold())
	if err := o.store.AppendLog(ctx, model.PipelineLog{
		ProductID: facts.ProductID,
		Stage:     model.StageIdentification,
		Level:     model.LogLevelWarn,
		Message:   msg,
		Action:    ActionManualInput,
		Details:   map[string]any{"confidence": facts.Confidence, "threshold": o.Threshold()},
		CreatedAt: o.clock(),
	}); err != nil {
		zap.L().Warn("pipeline: append log failed", zap.String("product_id", facts.ProductID), zap.Error(err))
	}
	zap.L().Info("pipeline: identification held for manual input",
		zap.String("product_id", facts.ProductID),
		zap.Float64("confidence", facts.Confidence),
	)
	return nil
}

// analysisDetails maps identified fields onto a product update. Blank
// fields are skipped. Manual identifications leave the AI score alone.
func analysisDetails(f model.AnalysisFacts) model.ProductDetails {
	var d model.ProductDetails
	set := func(dst **string, v string) {
		if v != "" {
			*dst = ptr(v)
		}
	}
	set(&d.Name, f.Name)
	set(&d.Model, f.Model)
	set(&d.Brand, f.Brand)
	set(&d.Category, f.Category)
	set(&d.Year, f.Year)
	if len(f.KeyFeatures) > 0 {
		d.KeyFeatures = ptr(f.KeyFeatures)
	}
	if f.Source != model.AnalysisSourceManual {
		d.AIConfidence = ptr(f.Confidence)
	}
	return d
}
