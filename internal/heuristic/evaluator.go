// Package heuristic converts captured page artifacts into a presence verdict.
package heuristic

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/handleprobe/internal/probe"
)

// Names of the rules that can decide a verdict. They appear in logs and metrics.
const (
	RuleStatus          = "status_code"
	RuleRedirect        = "redirect"
	RuleBodyMention     = "require_username_in_body"
	RuleIndicator       = "indicator"
	RuleElement         = "element_presence"
	RuleElementAbsent   = "element_absent"
	RuleUsername        = "username_presence"
	RuleNone            = "none"
	RuleInconclusiveSet = "inconclusive_override"
)

// Evaluator applies the layered presence rules. It holds only immutable
// snapshots, so a single instance is safe for concurrent use.
type Evaluator struct {
	indicators probe.IndicatorCatalog
	rules      probe.RuleTable
	matchers   matcherCache
}

// NewEvaluator builds an Evaluator over the global indicators and per-site rules.
func NewEvaluator(indicators probe.IndicatorCatalog, rules probe.RuleTable) *Evaluator {
	return &Evaluator{
		indicators: indicators,
		rules:      rules,
	}
}

// Evaluate returns the first definitive rule outcome in precedence order.
func (e *Evaluator) Evaluate(site probe.Site, username string, a probe.Artifacts) probe.Decision {
	lowerUser := strings.ToLower(username)
	if redirectedAway(a, lowerUser) {
		return probe.Decision{Verdict: probe.VerdictNotFound, Rule: RuleRedirect}
	}

	rules := e.rules.For(site.Name)
	if rules.RequireUsernameInBody && !strings.Contains(strings.ToLower(a.BodyText), lowerUser) {
		return probe.Decision{Verdict: probe.VerdictNotFound, Rule: RuleBodyMention}
	}

	doc := newLazyDoc(a.Markup)
	trustIndicators := rules.RequireElement == "" || doc.has(rules.RequireElement)
	if trustIndicators && e.indicatorHit(site, rules, a, doc) {
		return probe.Decision{Verdict: probe.VerdictNotFound, Rule: RuleIndicator}
	}

	if site.ElementSelector != "" && a.Element == probe.ElementPresent {
		return probe.Decision{Verdict: probe.VerdictFound, Rule: RuleElement}
	}

	if e.usernamePresent(username, a) {
		return probe.Decision{Verdict: probe.VerdictFound, Rule: RuleUsername}
	}

	if site.CheckType == probe.CheckElementPresence &&
		(a.Element == probe.ElementAbsent || a.Element == probe.ElementDisabled) {
		return probe.Decision{Verdict: probe.VerdictNotFound, Rule: RuleElementAbsent}
	}
	return probe.Decision{Verdict: probe.VerdictInconclusive, Rule: RuleNone}
}

// ApplyDefault replaces an inconclusive decision with the site's configured default.
func ApplyDefault(d probe.Decision, rules probe.Rules) probe.Decision {
	if d.Verdict != probe.VerdictInconclusive || rules.DefaultVerdictWhenInconclusive == "" {
		return d
	}
	return probe.Decision{Verdict: rules.DefaultVerdictWhenInconclusive, Rule: RuleInconclusiveSet}
}

func redirectedAway(a probe.Artifacts, lowerUser string) bool {
	if a.FinalURL == "" {
		return false
	}
	final := strings.ToLower(unescapeURL(a.FinalURL))
	return final != strings.ToLower(a.RequestedURL) && !strings.Contains(final, lowerUser)
}

// unescapeURL undoes the percent-encoding browsers apply to the resolved URL.
func unescapeURL(raw string) string {
	u, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return u
}

func (e *Evaluator) indicatorHit(site probe.Site, rules probe.Rules, a probe.Artifacts, doc *lazyDoc) bool {
	phrases := e.indicators.Merge(site.NotFoundIndicators)
	if len(phrases) == 0 {
		return false
	}
	texts := []string{strings.ToLower(a.Title)}
	if rules.IndicatorScope != "" {
		texts = append(texts, strings.ToLower(doc.text(rules.IndicatorScope)))
	} else {
		texts = append(texts, strings.ToLower(a.BodyText), strings.ToLower(a.Markup))
	}
	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, phrase := range phrases {
			if strings.Contains(text, phrase) {
				return true
			}
		}
	}
	return false
}

// usernamePresent requires a boundary match in the title and in the body,
// falling back to the raw markup when the body has none.
func (e *Evaluator) usernamePresent(username string, a probe.Artifacts) bool {
	re, err := e.matchers.get(username)
	if err != nil {
		return false
	}
	if !matchPattern(re, a.Title) {
		return false
	}
	return matchPattern(re, a.BodyText) || matchPattern(re, a.Markup)
}

// lazyDoc parses the markup at most once, and only when a rule needs it.
type lazyDoc struct {
	markup string
	doc    *goquery.Document
	parsed bool
}

func newLazyDoc(markup string) *lazyDoc {
	return &lazyDoc{markup: markup}
}

func (d *lazyDoc) get() *goquery.Document {
	if d.parsed {
		return d.doc
	}
	d.parsed = true
	if strings.TrimSpace(d.markup) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.markup))
	if err != nil {
		return nil
	}
	d.doc = doc
	return doc
}

func (d *lazyDoc) has(selector string) bool {
	doc := d.get()
	if doc == nil {
		return false
	}
	return doc.Find(selector).Length() > 0
}

func (d *lazyDoc) text(selector string) string {
	doc := d.get()
	if doc == nil {
		return ""
	}
	parts := doc.Find(selector).Map(func(_ int, s *goquery.Selection) string {
		return strings.TrimSpace(s.Text())
	})
	return strings.Join(parts, " ")
}
