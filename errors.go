package gateway

import (
	"errors"
	"fmt"
)

// PaymentError is the structured error shape surfaced in JSON error bodies.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeConfigMissing       = "config_missing"
	ErrCodeValidationFailed    = "validation_failed"
	ErrCodePaymentRequired     = "payment_required"
	ErrCodeNotFound            = "not_found"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message}
}

// Rail and configuration errors
var (
	// ErrRailUnavailable means the requested payment rail has no
	// configuration and cannot create sessions. Surfaced as 503.
	ErrRailUnavailable = errors.New("gateway: payment rail not configured")

	ErrMissingBaseURL   = errors.New("gateway: base URL is required")
	ErrInvalidMasterKey = errors.New("gateway: wallet master key must be hex")
)
