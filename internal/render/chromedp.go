package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/handleprobe/internal/probe"
)

// Chromedp is a Backend driving a single headless Chrome through chromedp.
// The browser starts on first use; every session gets its own browser context.
type Chromedp struct {
	cfg    BrowserConfig
	logger *zap.Logger

	mu              sync.Mutex
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	closed          bool
}

// NewChromedp creates a lazily started chromedp backend.
func NewChromedp(cfg BrowserConfig, logger *zap.Logger) *Chromedp {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chromedp{cfg: cfg, logger: logger}
}

func (c *Chromedp) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(c.cfg.WindowWidth, c.cfg.WindowHeight),
	)
	if c.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.cfg.UserAgent))
	}
	if c.cfg.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if c.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	if c.cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(c.cfg.ProxyURL))
	}
	return opts
}

func (c *Chromedp) browser() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("chromedp backend closed")
	}
	if c.browserCtx != nil {
		return c.browserCtx, nil
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), c.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	c.browserCtx = browserCtx
	c.browserCancel = browserCancel
	c.allocatorCancel = allocatorCancel
	c.logger.Info("headless chrome started", zap.Bool("headless", c.cfg.Headless))
	return browserCtx, nil
}

// NewSession opens a new tab inside a fresh browser context.
func (c *Chromedp) NewSession(ctx context.Context, cfg probe.SessionConfig) (probe.Session, error) {
	browserCtx, err := c.browser()
	if err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	stop := forwardCancel(ctx, cancelTab)
	err = chromedp.Run(tabCtx,
		network.Enable(),
		emulation.SetUserAgentOverride(cfg.UserAgent),
		chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)),
	)
	stop()
	if err != nil {
		cancelTab()
		return nil, fmt.Errorf("open tab: %w", err)
	}

	return &chromedpSession{
		id:     uuid.NewString(),
		ctx:    tabCtx,
		cancel: cancelTab,
		cfg:    cfg,
	}, nil
}

// Close tears down the chromedp allocator and browser contexts.
func (c *Chromedp) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocatorCancel != nil {
		c.allocatorCancel()
	}
	return nil
}

type chromedpSession struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    probe.SessionConfig

	closeOnce sync.Once
	closeErr  error
}

func (s *chromedpSession) ID() string { return s.id }

// run executes actions against the tab, bounded by timeout and by the
// caller's context.
func (s *chromedpSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (s *chromedpSession) Navigate(ctx context.Context, rawURL string) error {
	err := s.run(ctx, s.cfg.PageLoad,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

func (s *chromedpSession) WaitElement(ctx context.Context, selector string, timeout time.Duration) (probe.ElementState, error) {
	if timeout <= 0 {
		timeout = s.cfg.ElementWait
	}
	start := time.Now()
	err := s.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
	if err != nil {
		if ctx.Err() == nil && time.Since(start) >= timeout {
			return probe.ElementAbsent, nil
		}
		return probe.ElementNotChecked, fmt.Errorf("wait for %q: %w", selector, err)
	}

	quoted, err := json.Marshal(selector)
	if err != nil {
		return probe.ElementNotChecked, fmt.Errorf("quote selector: %w", err)
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return !!el && (el.disabled === true || el.getAttribute("aria-disabled") === "true");
	})()`, quoted)

	var disabled bool
	if err := s.run(ctx, s.cfg.PageLoad, chromedp.Evaluate(script, &disabled)); err != nil {
		return probe.ElementNotChecked, fmt.Errorf("inspect %q: %w", selector, err)
	}
	if disabled {
		return probe.ElementDisabled, nil
	}
	return probe.ElementPresent, nil
}

func (s *chromedpSession) Capture(ctx context.Context) (probe.Artifacts, error) {
	var art probe.Artifacts
	err := s.run(ctx, s.cfg.PageLoad,
		chromedp.Location(&art.FinalURL),
		chromedp.Title(&art.Title),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &art.BodyText),
		chromedp.OuterHTML("html", &art.Markup, chromedp.ByQuery),
	)
	if err != nil {
		return probe.Artifacts{}, fmt.Errorf("capture page: %w", err)
	}
	return art, nil
}

// Close disposes the tab and its browser context exactly once.
func (s *chromedpSession) Close() error {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("close tab: %w", err)
		}
		s.cancel()
	})
	return s.closeErr
}
