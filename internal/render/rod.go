package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/handleprobe/internal/probe"
)

// Rod is a Backend built on go-rod. Each session is an incognito browser
// context holding a single page.
type Rod struct {
	cfg    BrowserConfig
	logger *zap.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	closed   bool
}

// NewRod creates a lazily launched rod backend.
func NewRod(cfg BrowserConfig, logger *zap.Logger) *Rod {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rod{cfg: cfg, logger: logger}
}

func (r *Rod) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("rod backend closed")
	}
	if r.browser != nil {
		return r.browser, nil
	}

	l := launcher.New().
		Headless(r.cfg.Headless).
		NoSandbox(r.cfg.NoSandbox)
	if r.cfg.ExecPath != "" {
		l = l.Bin(r.cfg.ExecPath)
	}
	if r.cfg.ProxyURL != "" {
		l = l.Proxy(r.cfg.ProxyURL)
	}
	if r.cfg.DisableImages {
		l.Set(flags.Flag("blink-settings"), "imagesEnabled=false")
	}
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Set(flags.Flag("disable-gpu"))
	l.Delete(flags.Flag("enable-automation"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	r.launcher = l
	r.browser = browser
	r.logger.Info("rod browser launched", zap.String("control_url", controlURL))
	return browser, nil
}

// NewSession opens an incognito context with one configured page.
func (r *Rod) NewSession(ctx context.Context, cfg probe.SessionConfig) (probe.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	browser, err := r.connect()
	if err != nil {
		return nil, err
	}
	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("create incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}

	s := &rodSession{
		id:        uuid.NewString(),
		incognito: incognito,
		page:      page,
		cfg:       cfg,
	}
	if err := r.preparePage(page, cfg); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (r *Rod) preparePage(page *rod.Page, cfg probe.SessionConfig) error {
	if r.cfg.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			r.logger.Warn("stealth injection failed, proceeding without stealth", zap.Error(err))
		}
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.ViewportWidth,
		Height:            cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
		return fmt.Errorf("set user-agent: %w", err)
	}
	return nil
}

// Close shuts the browser down and kills the launched process.
func (r *Rod) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.browser != nil {
		if closeErr := r.browser.Close(); closeErr != nil {
			err = fmt.Errorf("close browser: %w", closeErr)
		}
	}
	if r.launcher != nil {
		r.launcher.Kill()
	}
	return err
}

type rodSession struct {
	id        string
	incognito *rod.Browser
	page      *rod.Page
	cfg       probe.SessionConfig

	closeOnce sync.Once
	closeErr  error
}

func (s *rodSession) ID() string { return s.id }

func (s *rodSession) Navigate(ctx context.Context, rawURL string) error {
	p := s.page.Context(ctx).Timeout(s.cfg.PageLoad)
	if err := p.Navigate(rawURL); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", rawURL, err)
	}
	return nil
}

func (s *rodSession) WaitElement(ctx context.Context, selector string, timeout time.Duration) (probe.ElementState, error) {
	if timeout <= 0 {
		timeout = s.cfg.ElementWait
	}
	el, err := s.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return probe.ElementAbsent, nil
		}
		return probe.ElementNotChecked, fmt.Errorf("wait for %q: %w", selector, err)
	}
	disabled, err := el.Context(ctx).Disabled()
	if err != nil {
		return probe.ElementNotChecked, fmt.Errorf("inspect %q: %w", selector, err)
	}
	if disabled {
		return probe.ElementDisabled, nil
	}
	return probe.ElementPresent, nil
}

func (s *rodSession) Capture(ctx context.Context) (probe.Artifacts, error) {
	p := s.page.Context(ctx).Timeout(s.cfg.PageLoad)
	info, err := p.Info()
	if err != nil {
		return probe.Artifacts{}, fmt.Errorf("page info: %w", err)
	}
	res, err := p.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return probe.Artifacts{}, fmt.Errorf("read body text: %w", err)
	}
	html, err := p.HTML()
	if err != nil {
		return probe.Artifacts{}, fmt.Errorf("read markup: %w", err)
	}
	return probe.Artifacts{
		FinalURL: info.URL,
		Title:    info.Title,
		BodyText: res.Value.Str(),
		Markup:   html,
	}, nil
}

// Close closes the page and disposes the incognito context exactly once.
func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		pageErr := s.page.Close()
		ctxErr := s.incognito.Close()
		if err := errors.Join(pageErr, ctxErr); err != nil {
			s.closeErr = fmt.Errorf("close rod session: %w", err)
		}
	})
	return s.closeErr
}
