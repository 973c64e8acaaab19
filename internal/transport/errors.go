package transport

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError carries the platform's suggested wait. It satisfies the
// task engine's retry hint interface.
type RateLimitError struct {
	After time.Duration
	Err   error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.After, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.After)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) RetryAfter() time.Duration { return e.After }

// PermanentError marks a destination that cannot be delivered to: chat not
// found, bot removed, forbidden.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryAfterOf reports the suggested wait of a rate-limit error anywhere in
// err's chain.
func RetryAfterOf(err error) (time.Duration, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re.After, true
	}
	return 0, false
}
