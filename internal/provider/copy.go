package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/pkg/anthropic"
)

const seoSystem = `You write search-optimized product listings for a resale marketplace.
Reply with a single JSON object and nothing else, using these keys:
"title" (at most 80 characters), "metaDescription" (at most 160 characters),
"keywords" (array of 5-10 search phrases), "slug" (lowercase, hyphenated),
"description" (2-3 paragraphs), "bulletPoints" (array of 3-6 short selling points).`

const (
	maxTitleLen = 80
	maxMetaLen  = 160
)

// ClaudeCopywriter writes SEO copy with a Claude Sonnet model.
type ClaudeCopywriter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	guard     Guard
	now       func() time.Time
}

// NewClaudeCopywriter creates a Copywriter.
func NewClaudeCopywriter(client anthropic.Client, model string, maxTokens int64, guard Guard) *ClaudeCopywriter {
	return &ClaudeCopywriter{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		guard:     guard,
		now:       time.Now,
	}
}

type seoReply struct {
	Title           string   `json:"title"`
	MetaDescription string   `json:"metaDescription"`
	Keywords        []string `json:"keywords"`
	Slug            string   `json:"slug"`
	Description     string   `json:"description"`
	BulletPoints    []string `json:"bulletPoints"`
}

// WriteSEO produces listing copy from the identified facts and, when
// available, market research.
func (c *ClaudeCopywriter) WriteSEO(ctx context.Context, in SEOInput) (*model.SEOFacts, error) {
	facts, err := seoFacts(in)
	if err != nil {
		return nil, err
	}
	req := anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    seoSystem,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: "Write the listing copy for this product:\n" + facts,
		}},
	}

	reply, err := do(ctx, "anthropic", c.guard, func(ctx context.Context) (seoReply, error) {
		var out seoReply
		err := askJSON(ctx, c.client, req, "seo", &out)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reply.Title) == "" {
		return nil, eris.New("seo: model returned no title")
	}

	slug := Slugify(reply.Slug)
	if slug == "" {
		slug = Slugify(reply.Title)
	}
	return &model.SEOFacts{
		ProductID:       in.Analysis.ProductID,
		Title:           truncate(strings.TrimSpace(reply.Title), maxTitleLen),
		MetaDescription: truncate(strings.TrimSpace(reply.MetaDescription), maxMetaLen),
		Keywords:        trimAll(reply.Keywords),
		Slug:            slug,
		Description:     strings.TrimSpace(reply.Description),
		BulletPoints:    trimAll(reply.BulletPoints),
		GeneratedAt:     c.now().UTC(),
	}, nil
}

// seoFacts renders the input as indented JSON for the prompt.
func seoFacts(in SEOInput) (string, error) {
	payload := map[string]any{
		"name":        in.Analysis.Name,
		"brand":       in.Analysis.Brand,
		"model":       in.Analysis.Model,
		"category":    in.Analysis.Category,
		"year":        in.Analysis.Year,
		"condition":   in.Analysis.Condition,
		"description": in.Analysis.Description,
		"keyFeatures": in.Analysis.KeyFeatures,
	}
	if m := in.Market; m != nil {
		payload["specifications"] = m.Specifications
		payload["dimensions"] = m.Dimensions
		if m.CompetitivePrice > 0 {
			payload["price"] = fmt.Sprintf("%.2f %s", m.CompetitivePrice, m.Currency)
		}
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "seo: marshal facts")
	}
	return string(b), nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and joins its alphanumeric runs with hyphens.
func Slugify(s string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
