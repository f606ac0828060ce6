// Package catalog loads the site and indicator catalogs from YAML or JSON
// files and turns them into the immutable snapshots the engine consumes.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/handleprobe/internal/probe"
)

// legacyPlaceholder is the printf-style marker older catalogs used.
const legacyPlaceholder = "%s"

// Entry is one site in a catalog file. Per-site rules sit next to the
// descriptor so both are loaded together.
type Entry struct {
	probe.Site `yaml:",inline"`
	Rules      *probe.Rules `yaml:"rules,omitempty"`
}

// SitesFile is the on-disk layout of a site catalog.
type SitesFile struct {
	Sites []Entry `yaml:"sites"`
}

// IndicatorsFile is the on-disk layout of the global not-found phrases.
type IndicatorsFile struct {
	Indicators []string `yaml:"indicators"`
}

// Snapshot is a validated, filtered catalog ready for an engine.
type Snapshot struct {
	Sites      []probe.Site
	Indicators probe.IndicatorCatalog
	Rules      probe.RuleTable
	// Skipped counts disabled or blank-pattern entries that were filtered out.
	Skipped int
}

// Load reads both catalog files. indicatorsPath may be empty.
func Load(sitesPath, indicatorsPath string, logger *zap.Logger) (Snapshot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sitesData, err := os.ReadFile(sitesPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read site catalog: %w", err)
	}
	var indicatorsData []byte
	if indicatorsPath != "" {
		indicatorsData, err = os.ReadFile(indicatorsPath)
		if err != nil {
			return Snapshot{}, fmt.Errorf("read indicator catalog: %w", err)
		}
	}

	snap, err := Parse(sitesData, indicatorsData)
	if err != nil {
		return Snapshot{}, err
	}
	logger.Info("catalog loaded",
		zap.String("sites_file", sitesPath),
		zap.Int("sites", len(snap.Sites)),
		zap.Int("skipped", snap.Skipped),
		zap.Int("indicators", snap.Indicators.Len()),
		zap.Int("rules", len(snap.Rules)),
	)
	return snap, nil
}

// Parse decodes catalog documents. JSON input is accepted since it is valid YAML.
func Parse(sitesData, indicatorsData []byte) (Snapshot, error) {
	var sf SitesFile
	if err := yaml.Unmarshal(sitesData, &sf); err != nil {
		return Snapshot{}, fmt.Errorf("decode site catalog: %w", err)
	}

	var phrases []string
	if len(indicatorsData) > 0 {
		var inf IndicatorsFile
		if err := yaml.Unmarshal(indicatorsData, &inf); err != nil {
			return Snapshot{}, fmt.Errorf("decode indicator catalog: %w", err)
		}
		phrases = inf.Indicators
	}

	snap := Snapshot{
		Indicators: probe.NewIndicatorCatalog(phrases),
		Rules:      probe.RuleTable{},
	}
	seen := make(map[string]struct{}, len(sf.Sites))
	var errs []error
	for i, entry := range sf.Sites {
		site, keep := normalizeSite(entry.Site)
		if !keep {
			snap.Skipped++
			continue
		}
		if err := validate(site, entry.Rules); err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		if _, dup := seen[site.Name]; dup {
			errs = append(errs, fmt.Errorf("entry %d: duplicate site name %q", i, site.Name))
			continue
		}
		seen[site.Name] = struct{}{}
		snap.Sites = append(snap.Sites, site)
		if entry.Rules != nil {
			snap.Rules[site.Name] = *entry.Rules
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Snapshot{}, fmt.Errorf("invalid site catalog: %w", err)
	}
	return snap, nil
}

// normalizeSite trims fields, rewrites legacy placeholders and reports
// whether the entry should reach the engine at all.
func normalizeSite(site probe.Site) (probe.Site, bool) {
	site.Name = strings.TrimSpace(site.Name)
	site.URLPattern = strings.TrimSpace(site.URLPattern)
	site.ElementSelector = strings.TrimSpace(site.ElementSelector)
	if !site.Enabled || site.URLPattern == "" {
		return site, false
	}
	if !strings.Contains(site.URLPattern, probe.Placeholder) {
		site.URLPattern = strings.Replace(site.URLPattern, legacyPlaceholder, probe.Placeholder, 1)
	}
	if site.CheckType == "" {
		site.CheckType = probe.CheckTitleHeuristic
		if site.ElementSelector != "" {
			site.CheckType = probe.CheckElementPresence
		}
	}
	site.CheckType = probe.CheckType(strings.ToUpper(string(site.CheckType)))
	site.NotFoundIndicators = probe.NormalizePhrases(site.NotFoundIndicators)
	return site, true
}

func validate(site probe.Site, rules *probe.Rules) error {
	if err := site.Validate(); err != nil {
		return err
	}
	selectors := []string{site.ElementSelector}
	if rules != nil {
		selectors = append(selectors, rules.RequireElement, rules.IndicatorScope)
		switch rules.DefaultVerdictWhenInconclusive {
		case "", probe.VerdictFound, probe.VerdictNotFound:
		default:
			return fmt.Errorf("site %q: unsupported inconclusive default %q", site.Name, rules.DefaultVerdictWhenInconclusive)
		}
	}
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		if _, err := cascadia.Compile(sel); err != nil {
			return fmt.Errorf("site %q: invalid selector %q: %w", site.Name, sel, err)
		}
	}
	return nil
}
