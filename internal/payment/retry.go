package payment

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/stripe/stripe-go/v79"
)

// IsRetryable reports whether a gateway error may succeed if the caller
// retries with the same idempotency key.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeclined) || errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrIdempotencyConflict) {
		return false
	}
	if errors.Is(err, ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isRetryableStripeError(err) || isRetryableNetworkError(err) || isRetryableSystemError(err)
}

// Rejected reports whether the provider refused the request before any
// money could move. Any other error leaves the charge outcome unknown.
func Rejected(err error) bool {
	return errors.Is(err, ErrDeclined) || errors.Is(err, ErrInvalidRequest)
}

func isRetryableStripeError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	// 5xx: provider side, retry. 4xx: request or card problem, stop.
	if stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
		return true
	}
	switch stripeErr.Code {
	case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
		return true
	}
	return false
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetryableSystemError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
