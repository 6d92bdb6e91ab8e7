package reconcile

import (
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rules control which stored key features are shown and what replaces them
// when none survive.
type Rules struct {
	// Denylist holds template phrases that mark a feature as a placeholder.
	// Phrases match case-insensitively and only as whole words.
	Denylist []string `yaml:"denylist"`
	// SpecUnits are measurement units; a number followed by one makes a
	// feature technically specific.
	SpecUnits []string `yaml:"spec_units"`
	// SpecKeywords are terms that make a feature specific on their own.
	SpecKeywords []string `yaml:"spec_keywords"`
	MinWords     int      `yaml:"min_words"`
	MinLength    int      `yaml:"min_length"`
	// Templates build fallback features. {brand}, {model} and {category}
	// are substituted.
	Templates []string `yaml:"templates"`
	// Guidance is the single entry shown when brand or model is unknown.
	Guidance string `yaml:"guidance"`

	specPattern *regexp.Regexp
	denyPattern *regexp.Regexp
}

// DefaultRules are used when no rules file is configured.
func DefaultRules() Rules {
	r := Rules{
		Denylist: []string{
			"product features not detected by ai",
			"features not detected",
			"no features available",
			"feature 1",
			"feature 2",
			"feature 3",
			"key feature",
			"high quality product",
			"great product",
			"n/a",
			"tbd",
		},
		SpecUnits: []string{
			"mah", "mp", "gb", "tb", "mb", "mm", "cm", "m", "in", "inch", "inches", `"`,
			"hz", "khz", "mhz", "ghz", "w", "kw", "v", "a", "db", "fps", "k", "p",
			"hours", "hour", "hrs", "hr", "h", "min", "lbs", "lb", "kg", "g", "oz",
			"x", "%", "ft", "mph", "rpm", "l", "ml",
		},
		SpecKeywords: []string{
			"bluetooth", "wi-fi", "wifi", "usb", "usb-c", "hdmi", "nfc", "4k", "8k", "hdr",
			"oled", "amoled", "lcd", "led", "gps", "lte", "5g", "noise cancell", "waterproof",
			"ip67", "ip68", "stainless", "aluminum", "titanium", "leather", "lithium",
		},
		MinWords:  4,
		MinLength: 25,
		Templates: []string{
			"Authentic {brand} {model}",
			"Built to {brand} quality standards",
			"Well suited for everyday {category} use",
			"Inspected and photographed before listing",
		},
		Guidance: "Key features could not be identified. Add the brand and model to generate them.",
	}
	r.compile()
	return r
}

// LoadRules reads rules from a YAML file. Unset values keep their
// defaults, and denylist entries are added to the default denylist. An
// empty path returns DefaultRules.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, eris.Wrapf(err, "reconcile: read rules %s", path)
	}

	// The YAML has a top-level "key_features" key.
	var wrapper struct {
		KeyFeatures Rules `yaml:"key_features"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Rules{}, eris.Wrap(err, "reconcile: parse rules")
	}

	r := wrapper.KeyFeatures
	def := DefaultRules()
	r.Denylist = append(slices.Clone(def.Denylist), r.Denylist...)
	if len(r.SpecUnits) == 0 {
		r.SpecUnits = def.SpecUnits
	}
	if len(r.SpecKeywords) == 0 {
		r.SpecKeywords = def.SpecKeywords
	}
	if r.MinWords <= 0 {
		r.MinWords = def.MinWords
	}
	if r.MinLength <= 0 {
		r.MinLength = def.MinLength
	}
	if len(r.Templates) == 0 {
		r.Templates = def.Templates
	}
	if r.Guidance == "" {
		r.Guidance = def.Guidance
	}
	r.compile()
	return r, nil
}

func (r *Rules) compile() {
	r.Denylist = normalizePhrases(r.Denylist)
	if len(r.Denylist) > 0 {
		alts := make([]string, 0, len(r.Denylist))
		for _, d := range r.Denylist {
			alts = append(alts, regexp.QuoteMeta(d))
		}
		// Whole phrase: no letter or digit on either side.
		r.denyPattern = regexp.MustCompile(`(?:^|[^\pL\pN])(?:` + strings.Join(alts, "|") + `)(?:[^\pL\pN]|$)`)
	} else {
		r.denyPattern = nil
	}

	units := make([]string, 0, len(r.SpecUnits))
	for _, u := range r.SpecUnits {
		units = append(units, regexp.QuoteMeta(strings.ToLower(u)))
	}
	// A number, optional space, then a unit that is not followed by a letter.
	r.specPattern = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?\s?(?:` + strings.Join(units, "|") + `)(?:[^a-z]|$)`)
}

func (r Rules) denied(feature string) bool {
	if r.denyPattern == nil {
		return false
	}
	return r.denyPattern.MatchString(strings.Join(strings.Fields(strings.ToLower(feature)), " "))
}

// normalizePhrases lower-cases and trims phrases, dropping blanks and
// repeats while keeping order.
func normalizePhrases(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.Join(strings.Fields(strings.ToLower(p)), " ")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (r Rules) specific(feature string) bool {
	if r.specPattern != nil && r.specPattern.MatchString(feature) {
		return true
	}
	f := strings.ToLower(feature)
	for _, k := range r.SpecKeywords {
		if strings.Contains(f, k) {
			return true
		}
	}
	return false
}

func (r Rules) descriptive(feature string) bool {
	return len(strings.Fields(feature)) >= r.MinWords && len(strings.TrimSpace(feature)) >= r.MinLength
}
