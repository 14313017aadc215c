package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUndoExpired marks an undo the server no longer accepts. Callers
	// treat it as "past the undo window", not as a failure to repair.
	ErrUndoExpired = errors.New("undo window expired")
	// ErrTargetGone marks a swipe whose target no longer exists remotely.
	ErrTargetGone = errors.New("target no longer exists")
)

// RequestError is the single structured error type at the network boundary.
// Retryable distinguishes transient transport/server failures from domain
// rejections that no amount of retrying will fix.
type RequestError struct {
	Op         string
	StatusCode int
	Code       string
	Retryable  bool
	Err        error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("%s: status=%d: %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: status=%d", e.Op, e.StatusCode)
	default:
		return e.Op
	}
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsRetryable classifies an error for the retry executor: network and timeout
// failures and 5xx-like statuses are transient; everything else (auth,
// validation, conflicts) fails immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsConflict reports a duplicate-swipe rejection, which the outbox must treat
// as success (the swipe is already applied server-side).
func IsConflict(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusConflict
}

// IsAuthError reports a missing or rejected session.
func IsAuthError(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	return reqErr.StatusCode == http.StatusUnauthorized || reqErr.StatusCode == http.StatusForbidden
}

func isRetryableStatus(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
