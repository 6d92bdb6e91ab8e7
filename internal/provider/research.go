package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/pkg/anthropic"
	"github.com/sells-group/listing-pipeline/pkg/perplexity"
)

const researchPrompt = `Research current market pricing for the %s.
Report the typical new price on Amazon, recent sold prices on eBay, the
manufacturer's MSRP, and a competitive resale price. Also list the main
technical specifications, the release year, the physical dimensions, and up
to five competing products with prices. Cite your sources.`

const extractSystem = `You convert market research notes into structured data.
Reply with a single JSON object and nothing else, using these keys:
"amazonPrice", "ebayPrice", "msrp", "competitivePrice" (numbers in USD, 0 when unknown),
"currency", "brand", "category", "year", "dimensions",
"specifications" (object of name to value strings),
"competitors" (array of {"name", "price", "url"}).`

// MarketResearcher searches with Perplexity and structures the findings
// with a Claude Haiku extraction pass.
type MarketResearcher struct {
	search      perplexity.Client
	ai          anthropic.Client
	model       string
	maxTokens   int64
	searchGuard Guard
	aiGuard     Guard
	now         func() time.Time
}

// NewMarketResearcher creates a Researcher.
func NewMarketResearcher(search perplexity.Client, ai anthropic.Client, model string, maxTokens int64, searchGuard, aiGuard Guard) *MarketResearcher {
	return &MarketResearcher{
		search:      search,
		ai:          ai,
		model:       model,
		maxTokens:   maxTokens,
		searchGuard: searchGuard,
		aiGuard:     aiGuard,
		now:         time.Now,
	}
}

type researchReply struct {
	AmazonPrice      float64            `json:"amazonPrice"`
	EbayPrice        float64            `json:"ebayPrice"`
	MSRP             float64            `json:"msrp"`
	CompetitivePrice float64            `json:"competitivePrice"`
	Currency         string             `json:"currency"`
	Brand            string             `json:"brand"`
	Category         string             `json:"category"`
	Year             string             `json:"year"`
	Dimensions       string             `json:"dimensions"`
	Specifications   map[string]string  `json:"specifications"`
	Competitors      []model.Competitor `json:"competitors"`
}

// Research gathers market facts for the identified product.
func (r *MarketResearcher) Research(ctx context.Context, analysis model.AnalysisFacts) (*model.MarketFacts, error) {
	subject := describe(analysis)
	if subject == "" {
		return nil, eris.New("research: product has no name, brand, or model")
	}

	found, err := do(ctx, "perplexity", r.searchGuard, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		return r.search.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Messages:      []perplexity.Message{{Role: "user", Content: fmt.Sprintf(researchPrompt, subject)}},
			SearchRecency: perplexity.RecencyYear,
		})
	})
	if err != nil {
		return nil, err
	}
	notes := found.Content()
	if strings.TrimSpace(notes) == "" {
		return nil, eris.New("research: empty search response")
	}

	req := anthropic.MessageRequest{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		System:    extractSystem,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Product: %s\n\nResearch notes:\n%s", subject, notes),
		}},
	}
	reply, err := do(ctx, "anthropic", r.aiGuard, func(ctx context.Context) (researchReply, error) {
		var out researchReply
		err := askJSON(ctx, r.ai, req, "research", &out)
		return out, err
	})
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(strings.TrimSpace(reply.Currency))
	if currency == "" {
		currency = "USD"
	}
	return &model.MarketFacts{
		ProductID:        analysis.ProductID,
		AmazonPrice:      nonNegative(reply.AmazonPrice),
		EbayPrice:        nonNegative(reply.EbayPrice),
		MSRP:             nonNegative(reply.MSRP),
		CompetitivePrice: nonNegative(reply.CompetitivePrice),
		Currency:         currency,
		Brand:            strings.TrimSpace(reply.Brand),
		Category:         strings.TrimSpace(reply.Category),
		Year:             strings.TrimSpace(reply.Year),
		Dimensions:       strings.TrimSpace(reply.Dimensions),
		Specifications:   reply.Specifications,
		Competitors:      reply.Competitors,
		Sources:          found.Sources(),
		ResearchedAt:     r.now().UTC(),
	}, nil
}

// describe names the product for search prompts.
func describe(a model.AnalysisFacts) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{a.Brand, a.Model} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		if s := strings.TrimSpace(a.Name); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) > 0 && strings.TrimSpace(a.Category) != "" {
		parts = append(parts, "("+strings.TrimSpace(a.Category)+")")
	}
	return strings.Join(parts, " ")
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
