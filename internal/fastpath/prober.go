// Package fastpath implements the cheap status-only probe that runs before
// any page is rendered.
package fastpath

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/JakeFAU/handleprobe/internal/metrics"
	"github.com/JakeFAU/handleprobe/internal/probe"
)

const defaultTimeout = 8 * time.Second

// Config controls the fast-path collector.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// ProxyURL routes probes through an http(s) or socks5 proxy when set.
	ProxyURL string
}

// Prober implements probe.StatusProber using a Colly collector.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type attemptResult struct {
	status int
	err    error
}

// New builds a Prober.
func New(cfg Config, logger *zap.Logger) (*Prober, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = probe.DefaultUserAgent
	}

	transport, err := newHTTPTransport(cfg)
	if err != nil {
		return nil, err
	}

	c := colly.NewCollector(colly.Async(false), colly.UserAgent(cfg.UserAgent))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Prober{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}, nil
}

// ProbeStatus issues a HEAD request and falls back to a single GET when the
// HEAD fails at the network level. Only 404 and 410 are treated as definitive.
func (p *Prober) ProbeStatus(ctx context.Context, rawURL string) probe.StatusOutcome {
	method := http.MethodHead
	res := p.attempt(ctx, method, rawURL)
	if res.err != nil && ctx.Err() == nil {
		p.logger.Debug("HEAD probe failed, retrying with GET", zap.String("url", rawURL), zap.Error(res.err))
		method = http.MethodGet
		res = p.attempt(ctx, method, rawURL)
	}

	if res.err != nil {
		metrics.ObserveFastPath(rawURL, "error")
		return probe.StatusOutcome{
			Method:  method,
			Verdict: probe.VerdictInconclusive,
			Err:     fmt.Errorf("%w: %s %s: %w", probe.ErrNetwork, method, rawURL, res.err),
		}
	}

	out := probe.StatusOutcome{
		StatusCode: res.status,
		Method:     method,
		Verdict:    Classify(res.status),
	}
	metrics.ObserveFastPath(rawURL, string(out.Verdict))
	return out
}

// Classify maps a status code to a fast-path verdict.
func Classify(status int) probe.Verdict {
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return probe.VerdictNotFound
	default:
		return probe.VerdictInconclusive
	}
}

func (p *Prober) attempt(ctx context.Context, method, rawURL string) attemptResult {
	collector := p.baseCollector.Clone()
	collector.Context = ctx

	done := make(chan attemptResult, 1)
	go func() {
		var res attemptResult
		configureHooks(collector, &res)

		var visitErr error
		if method == http.MethodHead {
			visitErr = collector.Head(rawURL)
		} else {
			visitErr = collector.Visit(rawURL)
		}
		if visitErr != nil && res.err == nil {
			res.err = visitErr
		}
		if res.err == nil && res.status == 0 {
			res.err = errors.New("colly produced no response")
		}
		done <- res
	}()

	select {
	case <-ctx.Done():
		return attemptResult{err: fmt.Errorf("fast path canceled: %w", ctx.Err())}
	case res := <-done:
		return res
	}
}

func configureHooks(hooks collectorHooks, res *attemptResult) {
	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		res.err = err
	})
}

func newHTTPTransport(cfg Config) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if cfg.ProxyURL == "" {
		return transport, nil
	}

	u, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		socks, err := proxy.FromURL(u, dialer)
		if err != nil {
			return nil, fmt.Errorf("create proxy dialer: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := socks.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return socks.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return transport, nil
}
