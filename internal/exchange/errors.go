package exchange

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError reports that the exchange rejected a request for
// exceeding its request quota. RetryAfter is zero when the venue gave
// no hint.
type RateLimitError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (code %d): %s", e.Code, e.Message)
}

// RejectionError reports a request the exchange refused on business
// grounds, e.g. insufficient margin or a filter violation. Retrying the
// same request is pointless.
type RejectionError struct {
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected (code %d): %s", e.Code, e.Message)
}

// IsRateLimit reports whether err is a rate-limit rejection anywhere in
// its chain.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsRejection reports whether err is a business rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
