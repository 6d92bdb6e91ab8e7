package model

import "time"

// AnalysisSource records who produced the stage 1 identification.
type AnalysisSource string

const (
	AnalysisSourceAI     AnalysisSource = "ai"
	AnalysisSourceManual AnalysisSource = "manual"
)

// AnalysisFacts is the stage 1 output: the identification guess.
type AnalysisFacts struct {
	ProductID    string         `json:"productId"`
	Name         string         `json:"name"`
	Model        string         `json:"model"`
	Brand        string         `json:"brand"`
	Category     string         `json:"category"`
	Year         string         `json:"year,omitempty"`
	Condition    string         `json:"condition,omitempty"`
	Description  string         `json:"description,omitempty"`
	KeyFeatures  []string       `json:"keyFeatures,omitempty"`
	Confidence   float64        `json:"confidence"`
	Source       AnalysisSource `json:"source"`
	IdentifiedAt time.Time      `json:"identifiedAt"`
}

// Competitor is one comparable offer found during market research.
type Competitor struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	URL   string  `json:"url,omitempty"`
}

// MarketFacts is the stage 2 output: pricing, specs, and competition.
type MarketFacts struct {
	ProductID        string            `json:"productId"`
	AmazonPrice      float64           `json:"amazonPrice"`
	EbayPrice        float64           `json:"ebayPrice"`
	MSRP             float64           `json:"msrp"`
	CompetitivePrice float64           `json:"competitivePrice"`
	Currency         string            `json:"currency,omitempty"`
	Brand            string            `json:"brand,omitempty"`
	Category         string            `json:"category,omitempty"`
	Year             string            `json:"year,omitempty"`
	Dimensions       string            `json:"dimensions,omitempty"`
	Specifications   map[string]string `json:"specifications,omitempty"`
	Competitors      []Competitor      `json:"competitors,omitempty"`
	Sources          []string          `json:"sources,omitempty"`
	ResearchedAt     time.Time         `json:"researchedAt"`
	RefreshedAt      *time.Time        `json:"refreshedAt,omitempty"`
}

// SEOFacts is the stage 3 output: search-optimized copy.
type SEOFacts struct {
	ProductID       string    `json:"productId"`
	Title           string    `json:"title"`
	MetaDescription string    `json:"metaDescription"`
	Keywords        []string  `json:"keywords"`
	Slug            string    `json:"slug"`
	Description     string    `json:"description,omitempty"`
	BulletPoints    []string  `json:"bulletPoints,omitempty"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// ListingStatus is the publication state of a listing.
type ListingStatus string

const (
	ListingStatusDraft     ListingStatus = "draft"
	ListingStatusPublished ListingStatus = "published"
)

// ListingFacts is the stage 4 output: a normalized listing payload and,
// once published, where it lives.
type ListingFacts struct {
	ProductID    string        `json:"productId"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Price        float64       `json:"price"`
	Currency     string        `json:"currency"`
	Condition    string        `json:"condition,omitempty"`
	Category     string        `json:"category,omitempty"`
	Brand        string        `json:"brand,omitempty"`
	Model        string        `json:"model,omitempty"`
	ImageURLs    []string      `json:"imageUrls,omitempty"`
	BulletPoints []string      `json:"bulletPoints,omitempty"`
	Status       ListingStatus `json:"status"`
	Platform     string        `json:"platform,omitempty"`
	ExternalID   string        `json:"externalId,omitempty"`
	Permalink    string        `json:"permalink,omitempty"`
	PublishedAt  *time.Time    `json:"publishedAt,omitempty"`
	BuiltAt      time.Time     `json:"builtAt"`
}
