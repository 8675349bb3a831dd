package core

import (
	"errors"
	"fmt"
)

// ProbeFailure classifies why a usage probe gave up.
type ProbeFailure string

const (
	ProbeInvalidURL      ProbeFailure = "invalid_url"
	ProbeInvalidResponse ProbeFailure = "invalid_response"
	ProbeUnauthorized    ProbeFailure = "unauthorized"
	ProbeNoData          ProbeFailure = "no_data"
	ProbeHTTPError       ProbeFailure = "http_error"
)

// ProbeError is returned when a provider's whole candidate search failed.
// Failures of a single candidate endpoint are recovered internally by trying
// the next candidate and never surface as ProbeError, with one exception:
// an unauthorized response aborts the search immediately, since it means the
// token is bad rather than the endpoint shape.
type ProbeError struct {
	Provider ProviderKind
	Failure  ProbeFailure
	Code     int
	Message  string
}

func (e *ProbeError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, e.Failure, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Failure, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Failure)
}

// IsUnauthorized reports whether err carries a probe auth failure anywhere
// in its chain. The orchestrator uses this to flip a provider into the
// persistent "needs re-authentication" state.
func IsUnauthorized(err error) bool {
	var pe *ProbeError
	return errors.As(err, &pe) && pe.Failure == ProbeUnauthorized
}
