package exchange

import (
	"errors"
	"fmt"
)

// ErrVenueUnavailable is returned after the HTTP retry budget is exhausted
// on 429/5xx responses or transport errors. Callers treat it as "the venue
// may or may not have seen the request" and reconcile instead of resending.
var ErrVenueUnavailable = errors.New("venue unavailable")

// Venue error codes the engine branches on.
const (
	CodeUnknownOrder     = -2011 // CANCEL_REJECTED / unknown order sent
	CodeWouldTriggerNow  = -2021 // order would immediately trigger
	CodeReduceOnlyReject = -2022 // reduce-only order rejected, position already flat
	CodeMarginTypeNoOp   = -4046 // no need to change margin type
)

// VenueError is a rejection the venue answered with a JSON error body.
// These are never retried: the request was understood and refused.
type VenueError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Message)
}

// IsVenueCode reports whether err is a VenueError with the given code.
func IsVenueCode(err error, code int) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Code == code
}
