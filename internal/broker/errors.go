package broker

import (
	"errors"
	"fmt"
)

// RejectReason classifies a broker rejection.
type RejectReason string

const (
	RejectInsufficientBuyingPower RejectReason = "INSUFFICIENT_BUYING_POWER"
	RejectMarketClosed            RejectReason = "MARKET_CLOSED"
	RejectSymbolNotTradable       RejectReason = "SYMBOL_NOT_TRADABLE"
	RejectRateLimited             RejectReason = "RATE_LIMITED"
	RejectUpstream5xx             RejectReason = "UPSTREAM_5XX"
	RejectAuth                    RejectReason = "AUTH"
	RejectOther                   RejectReason = "OTHER"
)

// RejectionError is a classified broker rejection.
type RejectionError struct {
	Broker string
	Reason RejectReason
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s rejected: %s: %v", e.Broker, e.Reason, e.Err)
	}
	return fmt.Sprintf("broker %s rejected: %s", e.Broker, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// NewRejection wraps a broker failure with its classification.
func NewRejection(brokerName string, reason RejectReason, err error) *RejectionError {
	return &RejectionError{Broker: brokerName, Reason: reason, Err: err}
}

// ReasonOf extracts the rejection reason from an error chain, defaulting
// to OTHER.
func ReasonOf(err error) RejectReason {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return RejectOther
}

// IsRecoverable reports whether a rejection is worth queueing for a later
// retry. Account and symbol problems are not; transient capacity and
// availability problems are.
func IsRecoverable(err error) bool {
	switch ReasonOf(err) {
	case RejectInsufficientBuyingPower, RejectMarketClosed, RejectRateLimited, RejectUpstream5xx:
		return true
	default:
		return false
	}
}
