package render

import (
	"context"

	"github.com/JakeFAU/handleprobe/internal/probe"
)

// Noop is a Backend that refuses to render. It lets the engine run fast-path
// only when no browser is installed.
type Noop struct{}

// NewNoop creates a new Noop backend.
func NewNoop() *Noop {
	return &Noop{}
}

// NewSession always fails with ErrRendererDisabled.
func (Noop) NewSession(context.Context, probe.SessionConfig) (probe.Session, error) {
	return nil, ErrRendererDisabled
}

// Close is a no-op.
func (Noop) Close() error {
	return nil
}
