package reconcile

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/listing-pipeline/internal/provider"
)

// titleCase upper-cases word starts and leaves the rest, so model codes like
// "WH-1000XM4" stay intact. A Caser holds state and is not shared.
func titleCase(s string) string {
	return cases.Title(language.English, cases.NoLower).String(s)
}

// KeyFeatures filters stored features and falls back to generated ones. An
// entry survives when it is not a placeholder and is either technically
// specific or descriptive enough. With nothing left, features are built from
// the templates, or the guidance string is returned alone when brand or
// model is unknown.
func KeyFeatures(stored []string, brand, modelName, category string, r Rules) []string {
	if r.specPattern == nil {
		r.compile()
	}

	seen := make(map[string]bool, len(stored))
	var out []string
	for _, f := range stored {
		f = strings.TrimSpace(f)
		key := strings.ToLower(f)
		if f == "" || seen[key] || r.denied(f) {
			continue
		}
		if r.specific(f) || r.descriptive(f) {
			seen[key] = true
			out = append(out, f)
		}
	}
	if len(out) > 0 {
		return out
	}

	if !known(brand) || !known(modelName) {
		return []string{r.Guidance}
	}
	if !known(category) {
		category = DefaultCategory
	}
	repl := strings.NewReplacer(
		"{brand}", titleCase(strings.TrimSpace(brand)),
		"{model}", strings.TrimSpace(modelName),
		"{category}", strings.ToLower(strings.TrimSpace(category)),
	)
	out = make([]string, 0, len(r.Templates))
	for _, t := range r.Templates {
		out = append(out, repl.Replace(t))
	}
	return out
}

// SynthesizeSEO derives listing copy from the identification when stage 3
// has not produced any.
func SynthesizeSEO(name, brand, modelName, category string) SEOView {
	var parts []string
	if known(brand) {
		parts = append(parts, titleCase(strings.TrimSpace(brand)))
	}
	if known(modelName) {
		parts = append(parts, strings.TrimSpace(modelName))
	}
	title := strings.Join(parts, " ")
	if title == "" && known(name) {
		title = titleCase(strings.TrimSpace(name))
	}
	if title == "" {
		title = "Untitled Product"
	}
	if !known(category) {
		category = DefaultCategory
	}
	cat := strings.ToLower(strings.TrimSpace(category))

	meta := fmt.Sprintf("Shop the %s. Pre-owned %s, photographed and inspected before listing.", title, cat)
	if known(brand) {
		meta = fmt.Sprintf("Shop the %s from %s. Pre-owned %s, photographed and inspected before listing.",
			title, titleCase(strings.TrimSpace(brand)), cat)
	}

	var keywords []string
	seen := map[string]bool{}
	add := func(k string) {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		keywords = append(keywords, k)
	}
	if known(brand) {
		add(brand)
	}
	if known(modelName) {
		add(modelName)
	}
	if len(parts) == 2 {
		add(title)
	}
	add(cat)
	if keywords == nil {
		keywords = []string{}
	}

	return SEOView{
		Title:           title,
		MetaDescription: meta,
		Keywords:        keywords,
		Slug:            provider.Slugify(title),
		Synthesized:     true,
	}
}
