package exchange

import (
	"errors"
	"fmt"
)

// Sentinel errors for the venue client. Callers branch on these with
// errors.Is; everything else is transport-level and wrapped verbatim.
var (
	ErrUnknownSymbol     = errors.New("unknown symbol")
	ErrBelowVenueMinimum = errors.New("below venue minimum")
	ErrClockDrift        = errors.New("clock drift exceeds recv window")
	ErrOrderRejected     = errors.New("order rejected")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRateLimited       = errors.New("rate limited")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrDuplicateTag      = errors.New("duplicate client order tag")
	ErrOrderNotFound     = errors.New("order not found")
)

// APIError is a structured venue error decoded from the response envelope.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Msg)
}

// mapAPIError translates venue error codes into sentinel errors so callers
// never match on raw codes.
func mapAPIError(code int, msg string) error {
	apiErr := &APIError{Code: code, Msg: msg}
	var sentinel error
	switch code {
	case 100410:
		sentinel = ErrRateLimited
	case 100413, 100421:
		sentinel = ErrClockDrift
	case 100401, 100403:
		sentinel = ErrAuthFailed
	case 100400:
		sentinel = ErrOrderRejected
	case 101204, 101212:
		sentinel = ErrInsufficientFunds
	case 101414:
		sentinel = ErrDuplicateTag
	case 109400:
		sentinel = ErrOrderNotFound
	case 100404:
		sentinel = ErrUnknownSymbol
	default:
		return apiErr
	}
	return fmt.Errorf("%w: %v", sentinel, apiErr)
}
