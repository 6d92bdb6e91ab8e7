package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/provider"
)

// stillRunning refuses to persist a result for a stage that was paused or
// cancelled while its provider call was in flight.
func (o *Orchestrator) stillRunning(ctx context.Context, productID string, stage model.Stage) error {
	ph, err := o.store.GetPhase(ctx, productID, stage)
	if err != nil {
		return apperr.Store(err, "load stage %d of product %s", stage, productID)
	}
	if ph == nil {
		return apperr.NotFound("product %s not found", productID)
	}
	if ph.Status != model.PhaseStatusRunning {
		return apperr.InvalidTransition("stage %d of product %s is %s; result discarded", stage, productID, ph.Status)
	}
	return nil
}

func (o *Orchestrator) analysis(ctx context.Context, productID string, stage model.Stage) (*model.AnalysisFacts, error) {
	a, err := o.store.GetAnalysis(ctx, productID)
	if err != nil {
		return nil, apperr.Store(err, "load analysis for product %s", productID)
	}
	if a == nil {
		return nil, apperr.MissingUpstreamData("stage %d requires identification results for product %s", stage, productID)
	}
	return a, nil
}

// research runs stage 2.
func (o *Orchestrator) research(ctx context.Context, productID string) error {
	a, err := o.analysis(ctx, productID, model.StageMarketResearch)
	if err != nil {
		return err
	}
	o.progress(ctx, productID, model.StageMarketResearch, 10)

	market, err := o.researcher.Research(ctx, *a)
	if err != nil {
		return err
	}
	market.ProductID = productID
	if market.ResearchedAt.IsZero() {
		market.ResearchedAt = o.clock()
	}
	o.progress(ctx, productID, model.StageMarketResearch, 90)

	if err := o.stillRunning(ctx, productID, model.StageMarketResearch); err != nil {
		return err
	}
	if err := o.store.UpsertMarket(ctx, *market); err != nil {
		return apperr.Store(err, "save market research for product %s", productID)
	}
	return o.machine.Complete(ctx, productID, model.StageMarketResearch)
}

// writeSEO runs stage 3. Market research is used when present.
func (o *Orchestrator) writeSEO(ctx context.Context, productID string) error {
	a, err := o.analysis(ctx, productID, model.StageSEO)
	if err != nil {
		return err
	}
	market, err := o.store.GetMarket(ctx, productID)
	if err != nil {
		return apperr.Store(err, "load market research for product %s", productID)
	}
	o.progress(ctx, productID, model.StageSEO, 10)

	seo, err := o.copywriter.WriteSEO(ctx, provider.SEOInput{Analysis: *a, Market: market})
	if err != nil {
		return err
	}
	seo.ProductID = productID
	if seo.GeneratedAt.IsZero() {
		seo.GeneratedAt = o.clock()
	}
	o.progress(ctx, productID, model.StageSEO, 90)

	if err := o.stillRunning(ctx, productID, model.StageSEO); err != nil {
		return err
	}
	if err := o.store.UpsertSEO(ctx, *seo); err != nil {
		return apperr.Store(err, "save seo for product %s", productID)
	}
	return o.machine.Complete(ctx, productID, model.StageSEO)
}

// buildListing runs stage 4: assemble the listing from the product, its SEO
// copy and its market data, then publish it when auto-publish is set.
func (o *Orchestrator) buildListing(ctx context.Context, productID string) error {
	seo, err := o.store.GetSEO(ctx, productID)
	if err != nil {
		return apperr.Store(err, "load seo for product %s", productID)
	}
	if seo == nil {
		return apperr.MissingUpstreamData("stage 4 requires seo content for product %s", productID)
	}
	p, err := o.store.GetProduct(ctx, productID)
	if err != nil {
		return apperr.Store(err, "load product %s", productID)
	}
	if p == nil {
		return apperr.NotFound("product %s not found", productID)
	}
	market, err := o.store.GetMarket(ctx, productID)
	if err != nil {
		return apperr.Store(err, "load market research for product %s", productID)
	}
	analysis, err := o.store.GetAnalysis(ctx, productID)
	if err != nil {
		return apperr.Store(err, "load analysis for product %s", productID)
	}
	images, err := o.store.ListImages(ctx, productID)
	if err != nil {
		return apperr.Store(err, "load images for product %s", productID)
	}

	listing := BuildListing(p, analysis, market, seo, images)
	listing.BuiltAt = o.clock()
	if err := o.stillRunning(ctx, productID, model.StageListing); err != nil {
		return err
	}
	if err := o.store.UpsertListing(ctx, listing); err != nil {
		return apperr.Store(err, "save listing for product %s", productID)
	}
	o.progress(ctx, productID, model.StageListing, 60)

	if platform := o.cfg.AutoPublishPlatform; platform != "" && o.publisher != nil {
		if err := o.stillRunning(ctx, productID, model.StageListing); err != nil {
			return err
		}
		if _, err := o.publisher.PublishProduct(ctx, platform, productID, &listing); err != nil {
			return err
		}
	}
	return o.machine.Complete(ctx, productID, model.StageListing)
}

// BuildListing assembles a draft listing. Product fields win over market
// fields, and the price is the first positive of competitive, eBay, Amazon
// and MSRP.
func BuildListing(p *model.Product, a *model.AnalysisFacts, m *model.MarketFacts, seo *model.SEOFacts, images []model.Image) model.ListingFacts {
	l := model.ListingFacts{
		ProductID:    p.ID,
		Title:        seo.Title,
		Description:  seo.Description,
		BulletPoints: seo.BulletPoints,
		Brand:        p.Brand,
		Model:        p.Model,
		Category:     p.Category,
		Currency:     "USD",
		Status:       model.ListingStatusDraft,
	}
	if l.Title == "" {
		l.Title = p.Name
	}
	if l.Description == "" {
		l.Description = seo.MetaDescription
	}
	if a != nil {
		l.Condition = a.Condition
	}
	if m != nil {
		if l.Brand == "" {
			l.Brand = m.Brand
		}
		if l.Category == "" {
			l.Category = m.Category
		}
		if m.Currency != "" {
			l.Currency = m.Currency
		}
	}
	l.Price = listingPrice(p, m)
	for _, img := range images {
		l.ImageURLs = append(l.ImageURLs, img.URL)
	}
	return l
}

func listingPrice(p *model.Product, m *model.MarketFacts) float64 {
	pick := func(product *float64, market float64) float64 {
		if product != nil && *product > 0 {
			return *product
		}
		return market
	}
	var mk model.MarketFacts
	if m != nil {
		mk = *m
	}
	for _, v := range []float64{
		pick(p.CompetitivePrice, mk.CompetitivePrice),
		pick(p.EbayPrice, mk.EbayPrice),
		pick(p.AmazonPrice, mk.AmazonPrice),
		pick(p.MSRP, mk.MSRP),
	} {
		if v > 0 {
			return v
		}
	}
	return 0
}

// RefreshMarket re-runs market research after the last stage completes so
// the stored prices are current. It runs detached from the caller with its
// own timeout, and failures are only logged.
func (o *Orchestrator) RefreshMarket(ctx context.Context, productID string) {
	timeout := defaultRefreshTimeout
	if o.cfg.RefreshTimeoutSecs > 0 {
		timeout = time.Duration(o.cfg.RefreshTimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	log := zap.L().With(zap.String("product_id", productID))

	a, err := o.store.GetAnalysis(ctx, productID)
	if err != nil || a == nil {
		log.Warn("pipeline: market refresh skipped, no analysis", zap.Error(err))
		return
	}
	market, err := o.researcher.Research(ctx, *a)
	if err != nil {
		log.Warn("pipeline: market refresh failed", zap.Error(err))
		return
	}

	now := o.clock()
	market.ProductID = productID
	market.RefreshedAt = &now
	if prev, err := o.store.GetMarket(ctx, productID); err == nil && prev != nil {
		market.ResearchedAt = prev.ResearchedAt
	}
	if market.ResearchedAt.IsZero() {
		market.ResearchedAt = now
	}
	if err := o.store.UpsertMarket(ctx, *market); err != nil {
		log.Warn("pipeline: market refresh not saved", zap.Error(err))
		return
	}
	log.Info("pipeline: market refreshed")
}
