package probe

import "errors"

// Error taxonomy for the probing engine. Callers match with errors.Is.
var (
	// ErrInvalidInput rejects a search before any request is issued.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNetwork marks fast-path connect or timeout failures.
	ErrNetwork = errors.New("network error")
	// ErrRendering marks navigation or capture failures during content probing.
	ErrRendering = errors.New("rendering error")
	// ErrResource marks rendering session acquire or release failures.
	ErrResource = errors.New("resource error")
	// ErrEngineUnavailable is returned for calls made after teardown.
	ErrEngineUnavailable = errors.New("engine unavailable")
)
