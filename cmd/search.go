package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/handleprobe/internal/api"
	"github.com/JakeFAU/handleprobe/internal/catalog"
	"github.com/JakeFAU/handleprobe/internal/config"
	"github.com/JakeFAU/handleprobe/internal/content"
	"github.com/JakeFAU/handleprobe/internal/engine"
	"github.com/JakeFAU/handleprobe/internal/fastpath"
	"github.com/JakeFAU/handleprobe/internal/heuristic"
	"github.com/JakeFAU/handleprobe/internal/logging"
	"github.com/JakeFAU/handleprobe/internal/probe"
	"github.com/JakeFAU/handleprobe/internal/render"
	"github.com/JakeFAU/handleprobe/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

// Searcher is the slice of the engine the search command drives.
type Searcher interface {
	SearchUsername(ctx context.Context, username string) ([]string, error)
	Ready() error
	Close(ctx context.Context) error
}

// newSearcher is the engine factory. It's a variable so tests can inject a fake.
var newSearcher = buildEngine

type searchOptions struct {
	json        bool
	metricsAddr string
	concurrency int
	backend     string
}

// Match is one found account.
type Match struct {
	Site string `json:"site"`
	URL  string `json:"url"`
}

type searchReport struct {
	Username string  `json:"username"`
	Found    []Match `json:"found"`
	Error    string  `json:"error,omitempty"`
}

func newSearchCmd() *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search USERNAME",
		Short: "Search every enabled site for USERNAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, opts, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "print results as JSON")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address while searching")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "override engine.concurrency")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "override render.backend (chromedp, rod, noop)")
	return cmd
}

func runSearch(cmd *cobra.Command, opts *searchOptions, username string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg := rt.cfg
	if opts.concurrency > 0 {
		cfg.Engine.Concurrency = opts.concurrency
	}
	if opts.backend != "" {
		cfg.Render.Backend = opts.backend
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	snap, err := catalog.Load(cfg.Catalog.SitesFile, cfg.Catalog.IndicatorsFile, rt.logger)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	shutdownTracing, err := telemetry.InitTracerProvider(cmd.Context(), logging.Service, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownGrace)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			rt.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	searcher, err := newSearcher(cfg, snap, rt.logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opsDone := make(chan struct{})
	opsCtx, stopOps := context.WithCancel(ctx)
	if cfg.Metrics.Addr != "" {
		go func() {
			defer close(opsDone)
			if err := api.NewServer(searcher, rt.logger).ListenAndServe(opsCtx, cfg.Metrics.Addr); err != nil {
				rt.logger.Warn("ops listener failed", zap.Error(err))
			}
		}()
	} else {
		close(opsDone)
	}

	urls, searchErr := searcher.SearchUsername(ctx, username)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := searcher.Close(closeCtx); err != nil {
		rt.logger.Warn("engine close failed", zap.Error(err))
	}
	stopOps()
	<-opsDone

	if errors.Is(searchErr, probe.ErrInvalidInput) {
		return searchErr
	}

	report := searchReport{Username: username, Found: matchSites(snap.Sites, username, urls)}
	if searchErr != nil {
		report.Error = searchErr.Error()
	}
	if opts.json {
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		printText(cmd.OutOrStdout(), report)
	}
	if searchErr != nil {
		return fmt.Errorf("search %q: %w", username, searchErr)
	}
	return nil
}

// matchSites pairs found URLs with the site that produced them, sorted by site name.
func matchSites(sites []probe.Site, username string, urls []string) []Match {
	byURL := make(map[string]string, len(sites))
	trimmed := strings.TrimSpace(username)
	for _, s := range sites {
		byURL[probe.BuildURL(s.URLPattern, trimmed)] = s.Name
	}
	matches := make([]Match, 0, len(urls))
	for _, u := range urls {
		matches = append(matches, Match{Site: byURL[u], URL: u})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Site != matches[j].Site {
			return matches[i].Site < matches[j].Site
		}
		return matches[i].URL < matches[j].URL
	})
	return matches
}

func printJSON(w io.Writer, report searchReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return nil
}

func printText(w io.Writer, report searchReport) {
	bullet := color.New(color.FgGreen, color.Bold)
	site := color.New(color.FgCyan)
	for _, m := range report.Found {
		bullet.Fprint(w, "[+] ")
		site.Fprintf(w, "%s", m.Site)
		fmt.Fprintf(w, ": %s\n", m.URL)
	}
	summary := color.New(color.FgYellow)
	if len(report.Found) == 0 {
		summary.Fprintf(w, "No accounts found for %q\n", report.Username)
		return
	}
	summary.Fprintf(w, "%d account(s) found for %q\n", len(report.Found), report.Username)
}

// buildEngine wires the production collaborators around the catalog snapshot.
func buildEngine(cfg config.Config, snap catalog.Snapshot, logger *zap.Logger) (Searcher, error) {
	status, err := fastpath.New(fastpath.Config{
		UserAgent: cfg.FastPath.UserAgent,
		Timeout:   cfg.FastPath.Timeout,
		ProxyURL:  cfg.FastPath.ProxyURL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init fast path: %w", err)
	}

	backend, err := render.NewBackend(cfg.Render.Backend, cfg.BrowserConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("init renderer: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Concurrency:   cfg.Engine.Concurrency,
		TaskTimeout:   cfg.Engine.TaskTimeout,
		SearchTimeout: cfg.Engine.SearchTimeout,
		Session:       cfg.SessionConfig(),
	}, engine.Dependencies{
		Sites:     snap.Sites,
		Rules:     snap.Rules,
		Status:    status,
		Sessions:  render.NewManager(backend, logger),
		Content:   content.New(content.Config{ElementWait: cfg.Render.ElementWait, HostQPS: cfg.Render.HostQPS}, logger),
		Evaluator: heuristic.NewEvaluator(snap.Indicators, snap.Rules),
	}, logger)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return eng, nil
}
