package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/pkg/anthropic"
)

const identifySystem = `You identify consumer products from photographs for resale listings.
Reply with a single JSON object and nothing else, using these keys:
"name", "model", "brand", "category", "year", "condition", "description",
"keyFeatures" (array of short technical specifications),
"confidence" (0-100, how certain you are of brand and model).
Use an empty string for anything you cannot determine.`

// VisionIdentifier identifies products with a Claude vision model.
type VisionIdentifier struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	guard     Guard
	now       func() time.Time
}

// NewVisionIdentifier creates an Identifier backed by client.
func NewVisionIdentifier(client anthropic.Client, model string, maxTokens int64, guard Guard) *VisionIdentifier {
	return &VisionIdentifier{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		guard:     guard,
		now:       time.Now,
	}
}

type identifyReply struct {
	Name        string   `json:"name"`
	Model       string   `json:"model"`
	Brand       string   `json:"brand"`
	Category    string   `json:"category"`
	Year        string   `json:"year"`
	Condition   string   `json:"condition"`
	Description string   `json:"description"`
	KeyFeatures []string `json:"keyFeatures"`
	Confidence  float64  `json:"confidence"`
}

// Identify sends the photos, plus any user hints, and returns the guess.
func (v *VisionIdentifier) Identify(ctx context.Context, images []ImageData, hints model.Hints) (*model.AnalysisFacts, error) {
	if len(images) == 0 {
		return nil, eris.New("identify: no images")
	}

	atts := make([]anthropic.Image, 0, len(images))
	for _, img := range images {
		atts = append(atts, anthropic.Image{MediaType: img.MediaType, Data: img.Data})
	}
	req := anthropic.MessageRequest{
		Model:     v.model,
		MaxTokens: v.maxTokens,
		System:    identifySystem,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: identifyPrompt(len(images), hints),
			Images:  atts,
		}},
	}

	reply, err := do(ctx, "anthropic", v.guard, func(ctx context.Context) (identifyReply, error) {
		var r identifyReply
		err := askJSON(ctx, v.client, req, "identify", &r)
		return r, err
	})
	if err != nil {
		return nil, err
	}

	return &model.AnalysisFacts{
		Name:         strings.TrimSpace(reply.Name),
		Model:        strings.TrimSpace(reply.Model),
		Brand:        strings.TrimSpace(reply.Brand),
		Category:     strings.TrimSpace(reply.Category),
		Year:         strings.TrimSpace(reply.Year),
		Condition:    strings.TrimSpace(reply.Condition),
		Description:  strings.TrimSpace(reply.Description),
		KeyFeatures:  trimAll(reply.KeyFeatures),
		Confidence:   clamp(reply.Confidence, 0, 100),
		Source:       model.AnalysisSourceAI,
		IdentifiedAt: v.now().UTC(),
	}, nil
}

func identifyPrompt(n int, hints model.Hints) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Identify the product shown in these %d photo(s).", n)
	if !hints.Empty() {
		b.WriteString("\nThe seller supplied these hints, which may be incomplete:")
		for _, kv := range [][2]string{
			{"name", hints.Name}, {"model", hints.Model},
			{"brand", hints.Brand}, {"category", hints.Category},
		} {
			if s := strings.TrimSpace(kv[1]); s != "" {
				fmt.Fprintf(&b, "\n- %s: %s", kv[0], s)
			}
		}
	}
	return b.String()
}
