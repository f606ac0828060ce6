// Package probe defines the core types shared by the presence probing
// subsystems: site descriptors, indicator catalogs, per-site rules, probe
// artifacts and verdicts.
package probe

import (
	"fmt"
	"strings"
)

// CheckType selects how a site's presence is detected.
type CheckType string

// Supported detection modes.
const (
	CheckTitleHeuristic  CheckType = "TITLE_HEURISTIC"
	CheckElementPresence CheckType = "ELEMENT_PRESENCE"
)

// Verdict is the per-site determination.
type Verdict string

// Verdict values.
const (
	VerdictFound        Verdict = "FOUND"
	VerdictNotFound     Verdict = "NOT_FOUND"
	VerdictInconclusive Verdict = "INCONCLUSIVE"
)

// ElementState records the outcome of a bounded wait for a site's element.
type ElementState string

// Element states captured by the content prober.
const (
	ElementNotChecked ElementState = ""
	ElementPresent    ElementState = "PRESENT"
	ElementDisabled   ElementState = "DISABLED"
	ElementAbsent     ElementState = "ABSENT"
)

// Placeholder marks where the username is substituted in a URL pattern.
const Placeholder = "{}"

// Site describes one probing target.
type Site struct {
	Name               string    `json:"name" yaml:"name"`
	URLPattern         string    `json:"urlPattern" yaml:"urlPattern"`
	CheckType          CheckType `json:"type" yaml:"type"`
	ElementSelector    string    `json:"elementSelector,omitempty" yaml:"elementSelector,omitempty"`
	NotFoundIndicators []string  `json:"notFoundIndicators,omitempty" yaml:"notFoundIndicators,omitempty"`
	Enabled            bool      `json:"enabled" yaml:"enabled"`
	Notes              string    `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Validate checks the descriptor invariants the engine relies on.
func (s Site) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("site name must be set")
	}
	if n := strings.Count(s.URLPattern, Placeholder); n != 1 {
		return fmt.Errorf("site %q: url pattern must contain %s exactly once, found %d", s.Name, Placeholder, n)
	}
	switch s.CheckType {
	case CheckTitleHeuristic:
	case CheckElementPresence:
		if strings.TrimSpace(s.ElementSelector) == "" {
			return fmt.Errorf("site %q: element selector required for %s", s.Name, s.CheckType)
		}
	default:
		return fmt.Errorf("site %q: unsupported check type %q", s.Name, s.CheckType)
	}
	return nil
}

// BuildURL substitutes the username into the pattern exactly once, preserving case.
func BuildURL(pattern, username string) string {
	return strings.Replace(pattern, Placeholder, username, 1)
}

// Rules holds the declarative per-site overrides applied by the evaluator.
type Rules struct {
	// RequireUsernameInBody rejects the site unless the body text mentions the username.
	RequireUsernameInBody bool `json:"requireUsernameInBody,omitempty" yaml:"requireUsernameInBody,omitempty" mapstructure:"require_username_in_body"`
	// RequireElement must match the markup before indicator phrases are trusted.
	RequireElement string `json:"requireElement,omitempty" yaml:"requireElement,omitempty" mapstructure:"require_element"`
	// IndicatorScope restricts the indicator rule to the text of matching elements.
	IndicatorScope string `json:"indicatorScope,omitempty" yaml:"indicatorScope,omitempty" mapstructure:"indicator_scope"`
	// DefaultVerdictWhenInconclusive replaces an inconclusive verdict when set.
	DefaultVerdictWhenInconclusive Verdict `json:"defaultVerdictWhenInconclusive,omitempty" yaml:"defaultVerdictWhenInconclusive,omitempty" mapstructure:"default_verdict_when_inconclusive"`
}

// RuleTable maps site names to their overrides. Sites without an entry get zero Rules.
type RuleTable map[string]Rules

// For returns the rules registered for the site.
func (t RuleTable) For(site string) Rules {
	if t == nil {
		return Rules{}
	}
	return t[site]
}

// IndicatorCatalog is an immutable ordered set of normalized not-found phrases.
type IndicatorCatalog struct {
	phrases []string
}

// NewIndicatorCatalog lowercases, trims and de-duplicates the phrases, keeping first-seen order.
func NewIndicatorCatalog(phrases []string) IndicatorCatalog {
	return IndicatorCatalog{phrases: NormalizePhrases(phrases)}
}

// Phrases returns a copy of the catalog contents.
func (c IndicatorCatalog) Phrases() []string {
	return append([]string(nil), c.phrases...)
}

// Len reports the number of phrases.
func (c IndicatorCatalog) Len() int {
	return len(c.phrases)
}

// Merge returns the catalog phrases followed by any extra site phrases not already present.
func (c IndicatorCatalog) Merge(extra []string) []string {
	if len(extra) == 0 {
		return c.phrases
	}
	return NormalizePhrases(append(append([]string(nil), c.phrases...), extra...))
}

// NormalizePhrases lowercases and trims phrases, dropping blanks and duplicates.
func NormalizePhrases(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Task pairs a username with one site. It is owned by the worker executing it.
type Task struct {
	ID       string
	Username string
	Site     Site
	URL      string
}

// Artifacts are captured once per content probe and consumed by the evaluator.
type Artifacts struct {
	RequestedURL string
	FinalURL     string
	Title        string
	BodyText     string
	Markup       string
	Element      ElementState
}

// StatusOutcome is the result of a fast-path probe.
type StatusOutcome struct {
	StatusCode int
	Method     string
	Verdict    Verdict
	Err        error
}

// Decision is the evaluator output along with the rule that produced it.
type Decision struct {
	Verdict Verdict
	Rule    string
}

// DefaultUserAgent is a realistic desktop browser user agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
