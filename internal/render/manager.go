// Package render owns the lifecycle of isolated headless-browser sessions.
//
// A Manager hands out one fresh session per task and guarantees each session
// is destroyed exactly once, whichever way the task ends. Browsers are
// provided by a Backend: chromedp (default), go-rod, or a noop stub.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/handleprobe/internal/metrics"
	"github.com/JakeFAU/handleprobe/internal/probe"
)

// ErrRendererDisabled indicates rendering has been disabled via configuration.
var ErrRendererDisabled = errors.New("renderer disabled")

// Default session settings.
const (
	DefaultViewportWidth  = 1366
	DefaultViewportHeight = 768
	DefaultPageLoad       = 15 * time.Second
	DefaultElementWait    = 10 * time.Second
)

// Backend creates browser sessions. Implementations must make Session.Close
// safe to call more than once.
type Backend interface {
	NewSession(ctx context.Context, cfg probe.SessionConfig) (probe.Session, error)
	Close() error
}

// Manager implements probe.SessionManager on top of a Backend.
type Manager struct {
	backend Backend
	logger  *zap.Logger

	mu     sync.Mutex
	live   map[string]probe.Session
	closed bool
}

// NewManager wraps the backend. A nil backend falls back to Noop.
func NewManager(backend Backend, logger *zap.Logger) *Manager {
	if backend == nil {
		backend = NewNoop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend: backend,
		logger:  logger,
		live:    make(map[string]probe.Session),
	}
}

// DefaultSessionConfig returns the headless defaults used when fields are unset.
func DefaultSessionConfig() probe.SessionConfig {
	return probe.SessionConfig{
		ViewportWidth:  DefaultViewportWidth,
		ViewportHeight: DefaultViewportHeight,
		UserAgent:      probe.DefaultUserAgent,
		DisableImages:  true,
		PageLoad:       DefaultPageLoad,
		ElementWait:    DefaultElementWait,
	}
}

func withDefaults(cfg probe.SessionConfig) probe.SessionConfig {
	def := DefaultSessionConfig()
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = def.ViewportWidth
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = def.ViewportHeight
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.PageLoad <= 0 {
		cfg.PageLoad = def.PageLoad
	}
	if cfg.ElementWait <= 0 {
		cfg.ElementWait = def.ElementWait
	}
	return cfg
}

// Acquire creates a fresh isolated session. Failures wrap probe.ErrResource.
func (m *Manager) Acquire(ctx context.Context, cfg probe.SessionConfig) (probe.Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: session manager closed", probe.ErrResource)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: acquire session: %w", probe.ErrResource, err)
	}

	session, err := m.backend.NewSession(ctx, withDefaults(cfg))
	if err != nil {
		metrics.SessionFailed("acquire_failed")
		return nil, fmt.Errorf("%w: create session: %w", probe.ErrResource, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeSession(session)
		return nil, fmt.Errorf("%w: session manager closed", probe.ErrResource)
	}
	m.live[session.ID()] = session
	m.mu.Unlock()

	metrics.SessionAcquired()
	m.logger.Debug("render session acquired", zap.String("session_id", session.ID()))
	return session, nil
}

// Release destroys the session. It is idempotent and never fails; close
// errors are logged.
func (m *Manager) Release(session probe.Session) {
	if session == nil {
		return
	}
	m.mu.Lock()
	_, ok := m.live[session.ID()]
	delete(m.live, session.ID())
	m.mu.Unlock()
	if !ok {
		return
	}
	m.closeSession(session)
	metrics.SessionReleased()
	m.logger.Debug("render session released", zap.String("session_id", session.ID()))
}

func (m *Manager) closeSession(session probe.Session) {
	if err := session.Close(); err != nil {
		metrics.SessionFailed("close_failed")
		m.logger.Warn("render session close failed",
			zap.String("session_id", session.ID()),
			zap.Error(err),
		)
	}
}

// Live reports how many sessions are currently held.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Close force-releases every live session and shuts the backend down.
// Later Acquire calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	remaining := make([]probe.Session, 0, len(m.live))
	for _, s := range m.live {
		remaining = append(remaining, s)
	}
	m.mu.Unlock()

	for _, s := range remaining {
		m.Release(s)
	}
	if err := m.backend.Close(); err != nil {
		return fmt.Errorf("close render backend: %w", err)
	}
	return nil
}

// WithSession acquires a session, runs fn, and releases the session on every
// exit path, panics included.
func WithSession(
	ctx context.Context,
	sessions probe.SessionManager,
	cfg probe.SessionConfig,
	fn func(probe.Session) error,
) error {
	session, err := sessions.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer sessions.Release(session)
	return fn(session)
}
