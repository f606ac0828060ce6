// Package config loads and validates handleprobe configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/handleprobe/internal/probe"
	"github.com/JakeFAU/handleprobe/internal/render"
	"github.com/JakeFAU/handleprobe/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. HANDLEPROBE_ENGINE_CONCURRENCY.
const EnvPrefix = "HANDLEPROBE"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	FastPath FastPathConfig `mapstructure:"fastpath"`
	Render   RenderConfig   `mapstructure:"render"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// EngineConfig governs the orchestrator pool and deadlines.
type EngineConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
}

// FastPathConfig configures the status probe.
type FastPathConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	ProxyURL  string        `mapstructure:"proxy_url"`
}

// RenderConfig configures the headless browser backend and sessions.
type RenderConfig struct {
	Backend        string        `mapstructure:"backend"`
	ExecPath       string        `mapstructure:"exec_path"`
	Headless       bool          `mapstructure:"headless"`
	NoSandbox      bool          `mapstructure:"no_sandbox"`
	DisableImages  bool          `mapstructure:"disable_images"`
	Stealth        bool          `mapstructure:"stealth"`
	ProxyURL       string        `mapstructure:"proxy_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	PageLoad       time.Duration `mapstructure:"page_load_timeout"`
	ElementWait    time.Duration `mapstructure:"element_wait_timeout"`
	HostQPS        float64       `mapstructure:"host_qps"`
}

// CatalogConfig points at the catalog files.
type CatalogConfig struct {
	SitesFile      string `mapstructure:"sites_file"`
	IndicatorsFile string `mapstructure:"indicators_file"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig controls the optional ops listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig controls OpenTelemetry spans for searches.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.concurrency", 4)
	v.SetDefault("engine.task_timeout", "30s")
	v.SetDefault("engine.search_timeout", "0s")
	v.SetDefault("fastpath.timeout", "8s")
	v.SetDefault("fastpath.user_agent", probe.DefaultUserAgent)
	v.SetDefault("fastpath.proxy_url", "")
	v.SetDefault("render.backend", render.BackendChromedp)
	v.SetDefault("render.exec_path", "")
	v.SetDefault("render.headless", true)
	v.SetDefault("render.no_sandbox", false)
	v.SetDefault("render.disable_images", true)
	v.SetDefault("render.stealth", false)
	v.SetDefault("render.proxy_url", "")
	v.SetDefault("render.user_agent", probe.DefaultUserAgent)
	v.SetDefault("render.viewport_width", render.DefaultViewportWidth)
	v.SetDefault("render.viewport_height", render.DefaultViewportHeight)
	v.SetDefault("render.page_load_timeout", "15s")
	v.SetDefault("render.element_wait_timeout", "10s")
	v.SetDefault("render.host_qps", 0)
	v.SetDefault("catalog.sites_file", "configs/sites.yaml")
	v.SetDefault("catalog.indicators_file", "configs/indicators.yaml")
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", telemetry.ExporterNone)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be > 0")
	}
	if c.Engine.TaskTimeout <= 0 {
		return fmt.Errorf("engine.task_timeout must be > 0")
	}
	if c.Engine.SearchTimeout < 0 {
		return fmt.Errorf("engine.search_timeout must be >= 0")
	}
	if c.FastPath.Timeout <= 0 {
		return fmt.Errorf("fastpath.timeout must be > 0")
	}
	switch strings.ToLower(c.Render.Backend) {
	case render.BackendChromedp, render.BackendRod, render.BackendNoop:
	default:
		return fmt.Errorf("render.backend must be one of chromedp, rod, noop")
	}
	if c.Render.ViewportWidth <= 0 || c.Render.ViewportHeight <= 0 {
		return fmt.Errorf("render viewport must be positive")
	}
	if c.Render.PageLoad <= 0 {
		return fmt.Errorf("render.page_load_timeout must be > 0")
	}
	if c.Render.ElementWait <= 0 {
		return fmt.Errorf("render.element_wait_timeout must be > 0")
	}
	if c.Render.HostQPS < 0 {
		return fmt.Errorf("render.host_qps must be >= 0")
	}
	if strings.TrimSpace(c.Catalog.SitesFile) == "" {
		return fmt.Errorf("catalog.sites_file must be set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Tracing.Enabled && strings.EqualFold(c.Tracing.Exporter, telemetry.ExporterGCP) && c.Tracing.ProjectID == "" {
		return fmt.Errorf("tracing.project_id is required for the gcp exporter")
	}
	return nil
}

// SessionConfig converts the render section into per-session settings.
func (c Config) SessionConfig() probe.SessionConfig {
	return probe.SessionConfig{
		ViewportWidth:  c.Render.ViewportWidth,
		ViewportHeight: c.Render.ViewportHeight,
		UserAgent:      c.Render.UserAgent,
		DisableImages:  c.Render.DisableImages,
		PageLoad:       c.Render.PageLoad,
		ElementWait:    c.Render.ElementWait,
	}
}

// BrowserConfig converts the render section into backend settings.
func (c Config) BrowserConfig() render.BrowserConfig {
	return render.BrowserConfig{
		ExecPath:      c.Render.ExecPath,
		Headless:      c.Render.Headless,
		NoSandbox:     c.Render.NoSandbox,
		ProxyURL:      c.Render.ProxyURL,
		DisableImages: c.Render.DisableImages,
		UserAgent:     c.Render.UserAgent,
		WindowWidth:   c.Render.ViewportWidth,
		WindowHeight:  c.Render.ViewportHeight,
		Stealth:       c.Render.Stealth,
	}
}

// TelemetryConfig converts the tracing section into tracer provider settings.
func (c Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:     c.Tracing.Enabled,
		Exporter:    c.Tracing.Exporter,
		ProjectID:   c.Tracing.ProjectID,
		SampleRatio: c.Tracing.SampleRatio,
	}
}
