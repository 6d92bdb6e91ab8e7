// Package reconcile merges a product's row with its stage outputs into the
// single view served to readers.
package reconcile

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/model"
)

// Fallback values for unknown descriptive fields.
const (
	Unknown         = "Unknown"
	DefaultCategory = "General"
	DefaultCurrency = "USD"
)

// Reader is the subset of store.Store the aggregator reads from.
type Reader interface {
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListImages(ctx context.Context, productID string) ([]model.Image, error)
	GetAnalysis(ctx context.Context, productID string) (*model.AnalysisFacts, error)
	GetMarket(ctx context.Context, productID string) (*model.MarketFacts, error)
	GetSEO(ctx context.Context, productID string) (*model.SEOFacts, error)
	GetListing(ctx context.Context, productID string) (*model.ListingFacts, error)
}

// Pricing is the resolved price set.
type Pricing struct {
	AmazonPrice      float64 `json:"amazonPrice"`
	EbayPrice        float64 `json:"ebayPrice"`
	MSRP             float64 `json:"msrp"`
	CompetitivePrice float64 `json:"competitivePrice"`
	Currency         string  `json:"currency"`
}

// SEOView is the stored SEO copy, or copy derived from brand and model when
// stage 3 has not produced any.
type SEOView struct {
	Title           string   `json:"title"`
	MetaDescription string   `json:"metaDescription"`
	Keywords        []string `json:"keywords"`
	Slug            string   `json:"slug"`
	Description     string   `json:"description,omitempty"`
	BulletPoints    []string `json:"bulletPoints,omitempty"`
	Synthesized     bool     `json:"synthesized"`
}

// StageEvidence reports whether a stage's output is visible.
type StageEvidence struct {
	Stage    model.Stage `json:"stage"`
	Name     string      `json:"name"`
	Complete bool        `json:"complete"`
}

// Summary reports pipeline completion as seen from the stored data.
type Summary struct {
	Stages               []StageEvidence `json:"stages"`
	CompletedStages      int             `json:"completedStages"`
	CompletionPercentage int             `json:"completionPercentage"`
	HasImages            bool            `json:"hasImages"`
	ImageCount           int             `json:"imageCount"`
}

// MergedView is a product with every fallback applied. It is computed per
// request.
type MergedView struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Model           string              `json:"model"`
	Brand           string              `json:"brand"`
	Category        string              `json:"category"`
	Year            string              `json:"year"`
	Dimensions      string              `json:"dimensions"`
	KeyFeatures     []string            `json:"keyFeatures"`
	Pricing         Pricing             `json:"pricing"`
	Status          model.ProductStatus `json:"status"`
	CurrentStage    model.Stage         `json:"currentStage"`
	AIConfidence    *float64            `json:"aiConfidence,omitempty"`
	PipelineRunning bool                `json:"pipelineRunning"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	SEO             SEOView             `json:"seo"`
	Images          []model.Image       `json:"images"`

	Analysis model.Lookup[model.AnalysisFacts] `json:"analysis"`
	Market   model.Lookup[model.MarketFacts]   `json:"market"`
	Listing  model.Lookup[model.ListingFacts]  `json:"listing"`

	Summary Summary `json:"summary"`
	// Missing names the optional inputs that could not be read.
	Missing []string `json:"missing,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Aggregator builds MergedViews.
type Aggregator struct {
	reader Reader
	rules  Rules
}

// New creates an Aggregator.
func New(r Reader, rules Rules) *Aggregator {
	if rules.specPattern == nil {
		rules.compile()
	}
	return &Aggregator{reader: r, rules: rules}
}

// inputs holds the rows read for one product.
type inputs struct {
	product  *model.Product
	images   []model.Image
	analysis *model.AnalysisFacts
	market   *model.MarketFacts
	seo      *model.SEOFacts
	listing  *model.ListingFacts

	mu      sync.Mutex
	missing []string
}

func (in *inputs) markMissing(name string) {
	in.mu.Lock()
	in.missing = append(in.missing, name)
	in.mu.Unlock()
}

// Merge reads every record of a product concurrently and merges them. A
// missing product is NotFound. Optional reads that fail are logged and
// named in Missing.
func (a *Aggregator) Merge(ctx context.Context, id string) (*MergedView, error) {
	in, err := a.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.merge(in), nil
}

func (a *Aggregator) fetch(ctx context.Context, id string) (*inputs, error) {
	in := &inputs{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p, err := a.reader.GetProduct(gctx, id)
		if err != nil {
			return apperr.Store(err, "load product %s", id)
		}
		if p == nil {
			return apperr.NotFound("product %s not found", id)
		}
		in.product = p
		return nil
	})
	optional(gctx, g, in, id, "images", a.reader.ListImages, &in.images)
	optional(gctx, g, in, id, "analysis", a.reader.GetAnalysis, &in.analysis)
	optional(gctx, g, in, id, "market", a.reader.GetMarket, &in.market)
	optional(gctx, g, in, id, "seo", a.reader.GetSEO, &in.seo)
	optional(gctx, g, in, id, "listing", a.reader.GetListing, &in.listing)

	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.Sort(in.missing)
	return in, nil
}

// optional runs one read whose failure degrades the view instead of
// failing it.
func optional[T any](ctx context.Context, g *errgroup.Group, in *inputs, id, name string, read func(context.Context, string) (T, error), dst *T) {
	g.Go(func() error {
		v, err := read(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				zap.L().Warn("reconcile: optional read failed",
					zap.String("product_id", id),
					zap.String("input", name),
					zap.Error(err),
				)
			}
			in.markMissing(name)
			return nil
		}
		*dst = v
		return nil
	})
}

func (a *Aggregator) merge(in *inputs) *MergedView {
	p := in.product
	m := in.market
	if m == nil {
		m = &model.MarketFacts{}
	}

	v := &MergedView{
		ID:              p.ID,
		Name:            p.Name,
		Model:           p.Model,
		Brand:           firstKnown(Unknown, p.Brand, m.Brand),
		Category:        firstKnown(DefaultCategory, p.Category, m.Category),
		Year:            firstKnown(Unknown, p.Year, m.Year),
		Dimensions:      firstKnown(Unknown, p.Dimensions, m.Dimensions),
		Status:          p.Status,
		CurrentStage:    p.CurrentStage,
		AIConfidence:    p.AIConfidence,
		PipelineRunning: p.PipelineRunning,
		ErrorMessage:    p.ErrorMessage,
		Pricing: Pricing{
			AmazonPrice:      firstPrice(p.AmazonPrice, m.AmazonPrice),
			EbayPrice:        firstPrice(p.EbayPrice, m.EbayPrice),
			MSRP:             firstPrice(p.MSRP, m.MSRP),
			CompetitivePrice: firstPrice(p.CompetitivePrice, m.CompetitivePrice),
			Currency:         firstKnown(DefaultCurrency, m.Currency),
		},
		Images:    in.images,
		Analysis:  lookup(in, "analysis", in.analysis),
		Market:    lookup(in, "market", in.market),
		Listing:   lookup(in, "listing", in.listing),
		Missing:   in.missing,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if v.Images == nil {
		v.Images = []model.Image{}
	}
	if v.Name == "" && in.analysis != nil {
		v.Name = in.analysis.Name
	}
	if v.Model == "" && in.analysis != nil {
		v.Model = in.analysis.Model
	}

	v.KeyFeatures = KeyFeatures(p.KeyFeatures, v.Brand, v.Model, v.Category, a.rules)
	if in.seo != nil {
		v.SEO = SEOView{
			Title:           in.seo.Title,
			MetaDescription: in.seo.MetaDescription,
			Keywords:        in.seo.Keywords,
			Slug:            in.seo.Slug,
			Description:     in.seo.Description,
			BulletPoints:    in.seo.BulletPoints,
		}
	} else {
		v.SEO = SynthesizeSEO(v.Name, v.Brand, v.Model, v.Category)
	}
	v.Summary = Summarize(p, len(in.images), in.market != nil, in.seo != nil)
	return v
}

// lookup tags an optional input, keeping a failed read apart from a row
// that does not exist yet.
func lookup[T any](in *inputs, name string, v *T) model.Lookup[T] {
	if slices.Contains(in.missing, name) {
		return model.Unavailable[T](name)
	}
	return model.Found(v)
}

// Summarize derives stage completion from the stored evidence: stage 1 when
// the product has left uploaded, stage 2 when market data exists, stage 3
// when the product has reached stage 3, and stage 4 when SEO copy exists.
func Summarize(p *model.Product, images int, hasMarket, hasSEO bool) Summary {
	done := map[model.Stage]bool{
		model.StageIdentification: p.Status != model.ProductStatusUploaded,
		model.StageMarketResearch: hasMarket,
		model.StageSEO:            p.CurrentStage >= model.StageSEO,
		model.StageListing:        hasSEO,
	}
	s := Summary{HasImages: images > 0, ImageCount: images}
	for _, st := range model.Stages {
		s.Stages = append(s.Stages, StageEvidence{Stage: st, Name: st.String(), Complete: done[st]})
		if done[st] {
			s.CompletedStages++
		}
	}
	s.CompletionPercentage = 25 * s.CompletedStages
	return s
}

// known reports whether v carries information. Blank strings and the
// literal "Unknown" do not.
func known(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, Unknown)
}

func firstKnown(fallback string, vals ...string) string {
	for _, v := range vals {
		if known(v) {
			return strings.TrimSpace(v)
		}
	}
	return fallback
}

func firstPrice(product *float64, market float64) float64 {
	if product != nil && *product > 0 {
		return *product
	}
	if market > 0 {
		return market
	}
	return 0
}
