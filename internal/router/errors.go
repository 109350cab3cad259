package router

import "fmt"

// ConfigurationError covers every invalid-config failure path: bad weights,
// fallback models outside the available set, a missing passthrough model, or
// a candidate set emptied by hard-requirement filtering. It is never retried.
type ConfigurationError struct {
	RouterID string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("router %s: %v", e.RouterID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ExhaustedError means every dispatch attempt failed. It wraps the last
// provider error so callers can tell "every candidate model failed" apart
// from a misconfiguration.
type ExhaustedError struct {
	RouterID string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("router %s: all %d dispatch attempts failed: %v", e.RouterID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
