package retrier

import (
	"context"
	"errors"
)

// Temporary indicates if an error condition is temporary and may succeed if retried.
type Temporary interface {
	Temporary() bool
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Temporary() bool { return false }

// Permanent marks err so that Run returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable is the default classifier: every error is retried unless it
// reports Temporary() == false or is a context cancellation.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var temp Temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}
