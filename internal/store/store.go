// Package store persists products, phases, logs and stage outputs.
package store

import (
	"context"
	"time"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// ProductFilter specifies criteria for listing products.
type ProductFilter struct {
	Status model.ProductStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

// Store is the record store adapter used by the pipeline. Getters return
// (nil, nil) when the record does not exist. Updates against a missing
// product return an apperr NotFound.
type Store interface {
	// Products
	CreateProduct(ctx context.Context, p *model.Product, images []model.Image) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	UpdateProductState(ctx context.Context, id string, state model.ProductState) error
	UpdateProductDetails(ctx context.Context, id string, details model.ProductDetails) error
	ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error)

	// Images
	AddImages(ctx context.Context, productID string, images []model.Image) error
	ListImages(ctx context.Context, productID string) ([]model.Image, error)

	// Phases
	GetPhase(ctx context.Context, productID string, stage model.Stage) (*model.PipelinePhase, error)
	ListPhases(ctx context.Context, productID string) ([]model.PipelinePhase, error)
	// StartPhase moves a phase from pending to running when it may start and
	// no other phase of the product is running. It reports whether the row
	// changed.
	StartPhase(ctx context.Context, productID string, stage model.Stage, now time.Time) (bool, error)
	// UpdatePhase applies u when the phase's status is one of u.From. It
	// reports whether the row changed.
	UpdatePhase(ctx context.Context, productID string, stage model.Stage, u model.PhaseUpdate) (bool, error)
	// ListSchedulable returns pending, startable phases of processing
	// products that have no running phase.
	ListSchedulable(ctx context.Context, limit int) ([]model.PhaseRef, error)

	// Logs
	AppendLog(ctx context.Context, entry model.PipelineLog) error
	ListLogs(ctx context.Context, productID string, limit int) ([]model.PipelineLog, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Stage outputs
	UpsertAnalysis(ctx context.Context, facts model.AnalysisFacts) error
	GetAnalysis(ctx context.Context, productID string) (*model.AnalysisFacts, error)
	UpsertMarket(ctx context.Context, facts model.MarketFacts) error
	GetMarket(ctx context.Context, productID string) (*model.MarketFacts, error)
	UpsertSEO(ctx context.Context, facts model.SEOFacts) error
	GetSEO(ctx context.Context, productID string) (*model.SEOFacts, error)
	UpsertListing(ctx context.Context, facts model.ListingFacts) error
	GetListing(ctx context.Context, productID string) (*model.ListingFacts, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Stage output tables, one row per product.
const (
	tableAnalysis = "product_analysis"
	tableMarket   = "product_market"
	tableSEO      = "product_seo"
	tableListing  = "product_listing"
)

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}
