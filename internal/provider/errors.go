package provider

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed provider fetch.
type ErrorCode string

const (
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeAuth              ErrorCode = "AUTH"
	CodeUpstream5xx       ErrorCode = "UPSTREAM_5XX"
	CodeMalformed         ErrorCode = "MALFORMED"
	CodeUnsupportedSymbol ErrorCode = "UNSUPPORTED_SYMBOL"
	CodeUpstreamDown      ErrorCode = "UPSTREAM_DOWN"
)

// FetchError is a classified provider failure.
type FetchError struct {
	ProviderID string
	Code       ErrorCode
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.ProviderID, e.Code, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.ProviderID, e.Code)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps an upstream failure with its classification.
func NewFetchError(providerID string, code ErrorCode, err error) *FetchError {
	return &FetchError{ProviderID: providerID, Code: code, Err: err}
}

// CodeOf extracts the error code from a fetch error chain. Unclassified
// errors report UPSTREAM_DOWN.
func CodeOf(err error) ErrorCode {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUpstreamDown
}

// IsTransient reports whether a fetch failure is worth retrying on a later
// cycle. Auth and unsupported-symbol failures are not.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeAuth, CodeUnsupportedSymbol, CodeMalformed:
		return false
	default:
		return true
	}
}
