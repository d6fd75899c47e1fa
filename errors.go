package guard

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/giantswarm/bff-guard/security"
)

// Error codes returned in the "error" field of rejection responses
const (
	ErrorCodeRateLimited       = "rate_limited"
	ErrorCodeGuardrailBlocked  = "guardrail_blocked"
	ErrorCodeConnectionLimited = "connection_limited"
	ErrorCodeMissingDeviceID   = "missing_device_id"
	ErrorCodeWalletMismatch    = "wallet_mismatch"
)

// Websocket close codes used when a connection is refused after upgrade
const (
	// WSCloseMissingDevice closes a socket opened without a device id
	WSCloseMissingDevice = 4400

	// WSCloseTryAgainLater closes a socket refused by a rate limit or connection cap
	WSCloseTryAgainLater = 1013
)

// Error is a rejection produced by the guard. Every Check and Admit method
// returns either nil or an *Error.
type Error struct {
	Code       string        // Machine readable code (e.g., "rate_limited")
	Detail     string        // Human-readable detail, safe to return to clients
	Status     int           // HTTP status code
	CloseCode  int           // Websocket close code, 0 for plain HTTP rejections
	Scope      string        // Rate-limit scope or guardrail reason that triggered the rejection
	RetryAfter time.Duration // Hint for the Retry-After header, 0 when not applicable
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// AsError unwraps err into a guard *Error.
func AsError(err error) (*Error, bool) {
	var guardErr *Error
	if errors.As(err, &guardErr) {
		return guardErr, true
	}
	return nil, false
}

// Common rejections
var (
	// ErrRateLimited is returned when a scope's window is exhausted
	ErrRateLimited = func(scope string, window time.Duration) *Error {
		return &Error{
			Code:       ErrorCodeRateLimited,
			Detail:     "rate limit exceeded",
			Status:     http.StatusTooManyRequests,
			Scope:      scope,
			RetryAfter: window,
		}
	}

	// ErrConnectionRateLimited is returned when a websocket connect-rate scope is exhausted
	ErrConnectionRateLimited = func(scope string, window time.Duration) *Error {
		return &Error{
			Code:       ErrorCodeRateLimited,
			Detail:     "too many connection attempts",
			Status:     http.StatusTooManyRequests,
			CloseCode:  WSCloseTryAgainLater,
			Scope:      scope,
			RetryAfter: window,
		}
	}

	// ErrConnectionLimited is returned when an active connection cap is reached
	ErrConnectionLimited = func(kind string) *Error {
		return &Error{
			Code:      ErrorCodeConnectionLimited,
			Detail:    "too many active connections",
			Status:    http.StatusTooManyRequests,
			CloseCode: WSCloseTryAgainLater,
			Scope:     kind,
		}
	}

	// ErrMissingDeviceID is returned when a websocket is opened without a device id
	ErrMissingDeviceID = func() *Error {
		return &Error{
			Code:      ErrorCodeMissingDeviceID,
			Detail:    "device_id required",
			Status:    http.StatusBadRequest,
			CloseCode: WSCloseMissingDevice,
		}
	}

	// ErrWalletMismatch is returned when a caller moves funds from a wallet it does not own
	ErrWalletMismatch = func() *Error {
		return &Error{
			Code:   ErrorCodeWalletMismatch,
			Detail: "wallet does not belong to caller",
			Status: http.StatusForbidden,
		}
	}
)

// guardrailError maps a payment guardrail breach to a rejection.
// The amount guardrail is a hard 403; velocity breaches are 429 so clients back off.
func guardrailError(gerr *security.GuardrailError, window time.Duration) *Error {
	switch gerr.Reason {
	case security.ReasonAmount:
		return &Error{
			Code:   ErrorCodeGuardrailBlocked,
			Detail: "amount exceeds guardrail",
			Status: http.StatusForbidden,
			Scope:  string(gerr.Reason),
		}
	default:
		return &Error{
			Code:       ErrorCodeGuardrailBlocked,
			Detail:     "payment velocity guardrail exceeded",
			Status:     http.StatusTooManyRequests,
			Scope:      string(gerr.Reason),
			RetryAfter: window,
		}
	}
}
