package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error describes a failed call to the remote store.
type Error struct {
	Op         string
	StatusCode int // 0 when no response was received
	Transient  bool
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Detail)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": remote error"
}

func (e *Error) Unwrap() error { return e.Err }

// transientStatus reports whether a response status means the same request
// may succeed later. Authentication failures are included: a renewed token
// makes the queued operation valid again.
func transientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden:
		return true
	case code >= 500:
		return true
	}
	return false
}

// retryableStatus is the subset of transient statuses worth retrying
// immediately within one call.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// IsTransient reports whether err should leave the operation queued.
// Errors that did not come from this package are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Transient
	}
	return true
}

// IsNotFound reports whether the remote store answered 404.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

// IsCanceled reports whether err stems from context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
