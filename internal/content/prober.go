// Package content drives a rendering session through one profile page and
// captures the artifacts the heuristic evaluator needs.
package content

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/handleprobe/internal/metrics"
	"github.com/JakeFAU/handleprobe/internal/probe"
)

// Config controls content probing.
type Config struct {
	// ElementWait bounds the wait for a site's element selector.
	ElementWait time.Duration
	// HostQPS paces renders per host. Zero disables pacing.
	HostQPS float64
}

// Prober implements probe.ContentProber.
type Prober struct {
	cfg      Config
	limiters sync.Map
	logger   *zap.Logger
}

// New builds a Prober.
func New(cfg Config, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{cfg: cfg, logger: logger}
}

// ProbeContent navigates the session to rawURL, waits for the site's element
// when one is configured, and captures the rendered page. Every failure is
// reported as probe.ErrRendering.
func (p *Prober) ProbeContent(ctx context.Context, session probe.Session, site probe.Site, rawURL string) (probe.Artifacts, error) {
	if err := p.waitHostBudget(ctx, rawURL); err != nil {
		return probe.Artifacts{}, fmt.Errorf("%w: %s: render rate limit: %w", probe.ErrRendering, site.Name, err)
	}

	if err := session.Navigate(ctx, rawURL); err != nil {
		return probe.Artifacts{}, fmt.Errorf("%w: %s: %w", probe.ErrRendering, site.Name, err)
	}

	element := probe.ElementNotChecked
	if selector := strings.TrimSpace(site.ElementSelector); selector != "" {
		state, err := session.WaitElement(ctx, selector, p.cfg.ElementWait)
		if err != nil {
			return probe.Artifacts{}, fmt.Errorf("%w: %s: %w", probe.ErrRendering, site.Name, err)
		}
		element = state
		p.logger.Debug("element wait finished",
			zap.String("site", site.Name),
			zap.String("selector", selector),
			zap.String("state", string(state)),
		)
	}

	art, err := session.Capture(ctx)
	if err != nil {
		return probe.Artifacts{}, fmt.Errorf("%w: %s: %w", probe.ErrRendering, site.Name, err)
	}
	art.RequestedURL = rawURL
	if art.FinalURL == "" {
		art.FinalURL = rawURL
	}
	art.Element = element
	return art, nil
}

func (p *Prober) waitHostBudget(ctx context.Context, rawURL string) error {
	if p.cfg.HostQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := p.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(p.cfg.HostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(rawURL, waited)
	}
	return nil
}
