package sale

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("game, ticket type or issuance not found")
	ErrSaleNotStarted      = errors.New("sale has not started")
	ErrSoldOut             = errors.New("ticket type is sold out")
	ErrInsufficientPayment = errors.New("payment is below the unit price")
	ErrInvalidRequest      = errors.New("invalid purchase request")
	ErrRateLimited         = errors.New("too many purchase attempts")
	ErrNotPending          = errors.New("issuance is no longer pending")
	ErrPaymentNotVerified  = errors.New("payment could not be verified")
	ErrPaymentReused       = errors.New("payment already funds another ticket")
	ErrPaymentUnavailable  = errors.New("payment provider unavailable")
	ErrBusy                = errors.New("ticket type is busy, retry")
)

// RateLimitedError tells the buyer when to try again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("too many purchase attempts, retry in %s", e.RetryAfter)
}

func (e RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
