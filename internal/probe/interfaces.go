package probe

import (
	"context"
	"time"
)

// StatusProber performs the cheap status-only check.
type StatusProber interface {
	ProbeStatus(ctx context.Context, rawURL string) StatusOutcome
}

// Session is an isolated rendering resource owned by a single task.
type Session interface {
	ID() string
	Navigate(ctx context.Context, rawURL string) error
	WaitElement(ctx context.Context, selector string, timeout time.Duration) (ElementState, error)
	Capture(ctx context.Context) (Artifacts, error)
	Close() error
}

// SessionConfig fixes the rendering environment of a session.
type SessionConfig struct {
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	DisableImages  bool
	PageLoad       time.Duration
	ElementWait    time.Duration
}

// SessionManager creates and destroys rendering sessions.
type SessionManager interface {
	Acquire(ctx context.Context, cfg SessionConfig) (Session, error)
	Release(session Session)
}

// ContentProber drives one session to capture artifacts for one site.
type ContentProber interface {
	ProbeContent(ctx context.Context, session Session, site Site, rawURL string) (Artifacts, error)
}

// Evaluator turns artifacts into a decision. Implementations must be pure.
type Evaluator interface {
	Evaluate(site Site, username string, artifacts Artifacts) Decision
}
