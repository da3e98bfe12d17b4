package subrav

import "fmt"

// ErrorCode is the closed set of protocol error kinds. Every code maps to
// exactly one HTTP status at the transport boundary (see http package).
type ErrorCode string

const (
	// Authentication
	ErrCodeMissingAuth ErrorCode = "missing_auth"
	ErrCodeInvalidAuth ErrorCode = "invalid_auth"

	// Channel state
	ErrCodeChannelNotFound    ErrorCode = "channel_not_found"
	ErrCodeSubChannelNotFound ErrorCode = "subchannel_not_found"
	ErrCodeChannelClosed      ErrorCode = "channel_closed"
	ErrCodeEpochMismatch      ErrorCode = "epoch_mismatch"
	ErrCodeKeyNotResolved     ErrorCode = "key_not_resolved"

	// Voucher protocol
	ErrCodePaymentRequired  ErrorCode = "payment_required"
	ErrCodeRAVConflict      ErrorCode = "rav_conflict"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeUnknownRAV       ErrorCode = "unknown_rav"
	ErrCodeBadProgression   ErrorCode = "bad_progression"

	// Billing
	ErrCodeRateUnavailable   ErrorCode = "rate_unavailable"
	ErrCodeMaxAmountExceeded ErrorCode = "max_amount_exceeded"
	ErrCodeUnknownRule       ErrorCode = "unknown_billing_rule"

	// Settlement
	ErrCodeInsufficientFunds ErrorCode = "insufficient_funds"
	ErrCodeClaimFailed       ErrorCode = "claim_failed"

	// Everything else
	ErrCodeInternal ErrorCode = "internal_error"
)

// ProtocolError is a structured, expected failure. Pipeline steps attach it
// to request state instead of returning it up the call stack, so the wire
// encoder can always produce a stable (code, message) payload.
type ProtocolError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewProtocolError creates a ProtocolError with a formatted message.
func NewProtocolError(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a named detail field and returns the error for chaining.
func (e *ProtocolError) WithDetail(key string, value any) *ProtocolError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}
