package render

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Backend names accepted by NewBackend.
const (
	BackendChromedp = "chromedp"
	BackendRod      = "rod"
	BackendNoop     = "noop"
)

// BrowserConfig holds the process-level browser settings shared by backends.
type BrowserConfig struct {
	ExecPath      string
	Headless      bool
	NoSandbox     bool
	ProxyURL      string
	DisableImages bool
	UserAgent     string
	WindowWidth   int
	WindowHeight  int
	// Stealth injects go-rod/stealth evasions. Only the rod backend honors it.
	Stealth bool
}

// NewBackend selects a backend by name. An empty name means chromedp.
func NewBackend(name string, cfg BrowserConfig, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = DefaultViewportWidth
	}
	if cfg.WindowHeight <= 0 {
		cfg.WindowHeight = DefaultViewportHeight
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendChromedp:
		return NewChromedp(cfg, logger), nil
	case BackendRod:
		return NewRod(cfg, logger), nil
	case BackendNoop:
		return NewNoop(), nil
	default:
		return nil, fmt.Errorf("unknown render backend %q", name)
	}
}

// forwardCancel cancels the child when parent finishes. The returned func
// stops forwarding.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
