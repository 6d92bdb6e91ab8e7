// Package pipeline runs the four enrichment stages of a product. Each stage
// is started and finished through the phase state machine; the orchestrator
// owns only the work in between.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/media"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/phase"
	"github.com/sells-group/listing-pipeline/internal/provider"
	"github.com/sells-group/listing-pipeline/internal/publish"
	"github.com/sells-group/listing-pipeline/internal/store"
)

// DefaultConfidenceThreshold is used when the configured threshold is zero.
const DefaultConfidenceThreshold = 80

const defaultRefreshTimeout = 2 * time.Minute

// Publisher publishes a stored product listing to a platform.
type Publisher interface {
	PublishProduct(ctx context.Context, platform, productID string, l *model.ListingFacts) (*publish.Result, error)
}

// Orchestrator executes stages against the providers.
type Orchestrator struct {
	cfg        config.PipelineConfig
	store      store.Store
	machine    *phase.Machine
	identifier provider.Identifier
	researcher provider.Researcher
	copywriter provider.Copywriter
	media      media.Store
	publisher  Publisher
	now        func() time.Time
}

// New creates an Orchestrator and registers the market refresh as the
// machine's post-completion hook. publisher may be nil when auto-publish
// is off.
func New(
	cfg config.PipelineConfig,
	st store.Store,
	machine *phase.Machine,
	identifier provider.Identifier,
	researcher provider.Researcher,
	copywriter provider.Copywriter,
	images media.Store,
	publisher Publisher,
) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		store:      st,
		machine:    machine,
		identifier: identifier,
		researcher: researcher,
		copywriter: copywriter,
		media:      images,
		publisher:  publisher,
		now:        time.Now,
	}
	machine.SetPostCompletion(o.RefreshMarket)
	return o
}

// Machine returns the state machine the orchestrator drives.
func (o *Orchestrator) Machine() *phase.Machine {
	return o.machine
}

// Threshold is the minimum identification confidence accepted without a
// human in the loop.
func (o *Orchestrator) Threshold() float64 {
	if o.cfg.ConfidenceThreshold <= 0 {
		return DefaultConfidenceThreshold
	}
	return o.cfg.ConfidenceThreshold
}

// Passes reports whether confidence clears the threshold.
func (o *Orchestrator) Passes(confidence float64) bool {
	return confidence >= o.Threshold()
}

// RunStage starts stage, does its work, and completes it. Any failure after
// the start is recorded on the stage through Fail; the error is returned for
// logging only.
func (o *Orchestrator) RunStage(ctx context.Context, productID string, stage model.Stage) error {
	log := zap.L().With(zap.String("product_id", productID), zap.Int("stage", int(stage)))

	if err := o.machine.Start(ctx, productID, stage); err != nil {
		log.Warn("pipeline: stage not started", zap.Error(err))
		return err
	}
	log.Info("pipeline: stage started", zap.String("name", stage.String()))

	start := time.Now()
	var err error
	switch stage {
	case model.StageIdentification:
		err = o.identify(ctx, productID)
	case model.StageMarketResearch:
		err = o.research(ctx, productID)
	case model.StageSEO:
		err = o.writeSEO(ctx, productID)
	case model.StageListing:
		err = o.buildListing(ctx, productID)
	}
	if err != nil {
		return o.FailStage(ctx, productID, stage, err)
	}

	log.Info("pipeline: stage finished", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return nil
}

// FailStage records err on a running stage. A refused transition means the
// stage was paused or cancelled while the work was in flight; the result is
// dropped and the stage left as the caller set it.
func (o *Orchestrator) FailStage(ctx context.Context, productID string, stage model.Stage, err error) error {
	log := zap.L().With(zap.String("product_id", productID), zap.Int("stage", int(stage)))

	if apperr.Is(err, apperr.KindInvalidTransition) {
		log.Info("pipeline: stage result discarded", zap.Error(err))
		return err
	}

	log.Error("pipeline: stage failed", zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
	if ferr := o.machine.Fail(context.WithoutCancel(ctx), productID, stage, apperr.Message(err)); ferr != nil {
		log.Warn("pipeline: could not record failure", zap.Error(ferr))
	}
	return err
}

// progress records stage progress. Failures only mean the stage is no
// longer running, which Complete reports on its own.
func (o *Orchestrator) progress(ctx context.Context, productID string, stage model.Stage, pct int) {
	if err := o.machine.Progress(ctx, productID, stage, pct); err != nil {
		zap.L().Debug("pipeline: progress not recorded",
			zap.String("product_id", productID),
			zap.Int("stage", int(stage)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) clock() time.Time {
	return o.now().UTC()
}

func ptr[T any](v T) *T {
	return &v
}
