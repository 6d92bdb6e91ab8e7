// Package publish pushes finished listings to external platforms.
package publish

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/model"
)

// Result describes the outcome of a publish request.
type Result struct {
	Success     bool   `json:"success"`
	Implemented bool   `json:"implemented"`
	Platform    string `json:"platform"`
	ExternalID  string `json:"externalId,omitempty"`
	Permalink   string `json:"permalink,omitempty"`
	Created     bool   `json:"created,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Publisher publishes one listing to one platform.
type Publisher interface {
	Publish(ctx context.Context, l model.ListingFacts) (*Result, error)
}

// ListingStore reads and records listings for publish requests that name a
// product.
type ListingStore interface {
	GetListing(ctx context.Context, productID string) (*model.ListingFacts, error)
	UpsertListing(ctx context.Context, facts model.ListingFacts) error
}

// Service routes publish requests to the registered platform publishers.
type Service struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
	listings   ListingStore
	now        func() time.Time
}

// NewService creates a Service. listings may be nil when publish requests
// never reference stored products.
func NewService(listings ListingStore) *Service {
	return &Service{
		publishers: map[string]Publisher{},
		listings:   listings,
		now:        time.Now,
	}
}

// Register adds or replaces the publisher for platform.
func (s *Service) Register(platform string, p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers[normalize(platform)] = p
}

// Platforms lists the registered platform names.
func (s *Service) Platforms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.publishers))
	for name := range s.publishers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Publish sends l to platform. Platforms without a registered publisher get
// a success-shaped "not implemented" result rather than an error.
func (s *Service) Publish(ctx context.Context, platform string, l model.ListingFacts) (*Result, error) {
	name := normalize(platform)
	if name == "" {
		return nil, apperr.Validation("platform is required")
	}
	s.mu.RLock()
	p, ok := s.publishers[name]
	s.mu.RUnlock()
	if !ok {
		zap.L().Info("publish: platform not implemented", zap.String("platform", name))
		return &Result{
			Success:     true,
			Implemented: false,
			Platform:    name,
			Message:     "publishing to " + name + " is not implemented",
		}, nil
	}
	if strings.TrimSpace(l.Title) == "" {
		return nil, apperr.Validation("listing title is required")
	}

	res, err := p.Publish(ctx, l)
	if err != nil {
		zap.L().Error("publish: failed",
			zap.String("platform", name),
			zap.String("product_id", l.ProductID),
			zap.Error(err),
		)
		return nil, apperr.Provider(name, err)
	}
	res.Success = true
	res.Implemented = true
	res.Platform = name
	zap.L().Info("publish: published",
		zap.String("platform", name),
		zap.String("product_id", l.ProductID),
		zap.String("external_id", res.ExternalID),
	)
	return res, nil
}

// PublishProduct publishes the listing for productID. When l is nil the
// stored listing is used. On success the stored listing is marked published
// with the platform's identifiers.
func (s *Service) PublishProduct(ctx context.Context, platform, productID string, l *model.ListingFacts) (*Result, error) {
	if s.listings == nil {
		return nil, apperr.Validation("publishing stored products is not configured")
	}
	stored, err := s.listings.GetListing(ctx, productID)
	if err != nil {
		return nil, apperr.Store(err, "publish: load listing %s", productID)
	}
	if l == nil {
		if stored == nil {
			return nil, apperr.MissingUpstreamData("product %s has no listing yet", productID)
		}
		l = stored
	}
	listing := *l
	listing.ProductID = productID

	res, err := s.Publish(ctx, platform, listing)
	if err != nil || !res.Implemented {
		return res, err
	}

	now := s.now().UTC()
	listing.Status = model.ListingStatusPublished
	listing.Platform = res.Platform
	listing.ExternalID = res.ExternalID
	listing.Permalink = res.Permalink
	listing.PublishedAt = &now
	if listing.BuiltAt.IsZero() {
		listing.BuiltAt = now
	}
	if err := s.listings.UpsertListing(ctx, listing); err != nil {
		return nil, apperr.Store(err, "publish: record listing %s", productID)
	}
	return res, nil
}

func normalize(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}
