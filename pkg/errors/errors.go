package apperrors

import "errors"

// Standardized errors across the trading desk. The taxonomy follows four
// buckets: user errors surface inline in the modal, transient errors are
// retried per policy, fatal errors are shown with a remediation hint, and
// policy errors are refused and audited with severity HIGH.
var (
	// User errors
	ErrValidation        = errors.New("validation failed")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrSymbolUnknown     = errors.New("symbol not in allow-list")
	ErrMissingLimitPrice = errors.New("limit price required")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// Transient errors
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrQuoteUnavailable = errors.New("quote unavailable")
	ErrProviderDown     = errors.New("provider unavailable")
	ErrThrottled        = errors.New("store throttled")
	ErrTimeout          = errors.New("operation timed out")

	// Fatal external errors
	ErrMarketClosed      = errors.New("market closed")
	ErrSymbolNotTradable = errors.New("symbol not tradable")
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// Policy errors
	ErrPolicyViolation    = errors.New("policy violation")
	ErrLiveTradingRefused = errors.New("live trading endpoints are refused")
	ErrUserSuspended      = errors.New("user suspended")
	ErrChannelDenied      = errors.New("channel not approved for trading")

	// Store errors
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conditional check failed")
	ErrDuplicateOp = errors.New("duplicate op id")
)

// IsTransient reports whether err should be retried per the backoff policy.
// Conditional-check conflicts are never retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrQuoteUnavailable) ||
		errors.Is(err, ErrProviderDown) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrTimeout)
}

// IsUserError reports whether err is actionable by the user and must be
// surfaced inline rather than audited as an error.
func IsUserError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrSymbolUnknown) ||
		errors.Is(err, ErrMissingLimitPrice) ||
		errors.Is(err, ErrInsufficientFunds)
}

// IsPolicyError reports whether err must be refused and audited with
// severity HIGH.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrLiveTradingRefused) ||
		errors.Is(err, ErrUserSuspended) ||
		errors.Is(err, ErrChannelDenied)
}
