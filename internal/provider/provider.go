// Package provider implements the enrichment capabilities the pipeline calls
// out to: identifying a product from photos, researching its market, and
// writing SEO copy.
package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/resilience"
	"github.com/sells-group/listing-pipeline/pkg/anthropic"
)

// ImageData is one photo handed to the identifier.
type ImageData struct {
	MediaType string
	Data      []byte
}

// Identifier turns product photos into an identification guess.
type Identifier interface {
	Identify(ctx context.Context, images []ImageData, hints model.Hints) (*model.AnalysisFacts, error)
}

// Researcher finds pricing, specifications, and competitors for an
// identified product.
type Researcher interface {
	Research(ctx context.Context, analysis model.AnalysisFacts) (*model.MarketFacts, error)
}

// SEOInput is what the copywriter works from. Market is optional.
type SEOInput struct {
	Analysis model.AnalysisFacts
	Market   *model.MarketFacts
}

// Copywriter writes search-optimized listing copy.
type Copywriter interface {
	WriteSEO(ctx context.Context, in SEOInput) (*model.SEOFacts, error)
}

// Guard bundles the retry policy and circuit breaker applied to one
// provider's calls.
type Guard struct {
	Retry   resilience.RetryConfig
	Breaker *resilience.Breaker
}

// do runs fn under the guard. Failures come back as *apperr.ProviderError
// carrying the provider's own message.
func do[T any](ctx context.Context, name string, g Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	retry := g.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(name, "call")
	}
	v, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (T, error) {
		return resilience.CallVal(ctx, g.Breaker, fn)
	})
	if err != nil {
		var zero T
		return zero, apperr.Provider(name, err)
	}
	return v, nil
}

// askJSON sends one message and decodes the JSON object in the reply into out.
func askJSON(ctx context.Context, client anthropic.Client, req anthropic.MessageRequest, purpose string, out any) error {
	resp, err := client.CreateMessage(ctx, req)
	if err != nil {
		return err
	}
	resp.Usage.LogCost(req.Model, purpose)
	if resp.Truncated() {
		return eris.Errorf("%s: model response truncated at %d tokens", purpose, req.MaxTokens)
	}

	text := cleanJSON(resp.Text())
	if text == "" {
		return eris.Errorf("%s: empty model response", purpose)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return eris.Wrapf(err, "%s: parse model response", purpose)
	}
	return nil
}

// cleanJSON extracts a JSON object from text that may contain markdown code
// fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func trimAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
