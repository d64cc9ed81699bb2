package apperrors

import "errors"

// Standardized Venue Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrTimeout               = errors.New("request timed out")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrCircuitOpen           = errors.New("circuit breaker open")
)

// Engine Errors
var (
	ErrValidation        = errors.New("validation error")
	ErrShortNotSupported = errors.New("spot does not support short positions")
	ErrBadSecret         = errors.New("webhook secret mismatch")
	ErrSlippageExceeded  = errors.New("slippage exceeded")
	ErrPoolFull          = errors.New("execution pool full")
	ErrLockContended     = errors.New("lock contended")
	ErrEnginePaused      = errors.New("risk engine paused")
	ErrExposureExceeded  = errors.New("max total exposure exceeded")
	ErrSymbolCapReached  = errors.New("max open positions per symbol reached")
	ErrDailyLossReached  = errors.New("max realized daily loss reached")
	ErrPrecisionMissing  = errors.New("precision rules missing for symbol")
	ErrNotFound          = errors.New("not found")
	ErrGroupNotActive    = errors.New("position group not active")

	ErrExchangeNotConfigured = errors.New("exchange not configured")
	ErrCredentialInvalid     = errors.New("exchange credential invalid")
)

// IsTransient reports whether a venue error is worth an immediate retry.
// Only transport-class failures qualify; unclassified errors are treated
// as non-transient and surface to the caller.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrNetwork),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrSystemOverload),
		errors.Is(err, ErrExchangeMaintenance):
		return true
	}
	return false
}

// IsPermanent reports whether a venue error is terminal for the order leg.
func IsPermanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrInvalidOrderParameter),
		errors.Is(err, ErrAuthenticationFailed):
		return true
	}
	return false
}
