package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Common transport errors
var (
	// ErrTransportClosed is returned when operations are attempted on a closed transport
	ErrTransportClosed = errors.New("transport is closed")

	// ErrInvalidMessage is returned when an inbound frame is not a valid JSON-RPC message
	ErrInvalidMessage = errors.New("invalid JSON-RPC message")

	// ErrFrameTooLarge is returned when an inbound frame exceeds the codec's size limit
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrAuthRequired is returned when the remote rejects a request with 401 Unauthorized
	ErrAuthRequired = errors.New("authentication required")

	// ErrUnsupportedTransport is returned when a transport type is not recognized
	ErrUnsupportedTransport = errors.New("unsupported transport type")

	// ErrAllTransportsFailed is returned when every transport in the
	// fallback chain has exhausted its retry budget
	ErrAllTransportsFailed = errors.New("all transports failed")
)

// JSON-RPC error codes used by the proxy when it answers locally on the
// remote's behalf.
const (
	// CodeParseError signals a frame that is not valid JSON
	CodeParseError = -32700
	// CodeInvalidRequest signals a structurally invalid message, including duplicate in-flight ids
	CodeInvalidRequest = -32600
	// CodeMethodNotFound signals a call to a filtered or unknown tool
	CodeMethodNotFound = -32601
	// CodeInternalError signals an unexpected proxy-side failure
	CodeInternalError = -32603
	// CodeRequestTimedOut signals a request that outlived its deadline
	CodeRequestTimedOut = -32000
	// CodeCancelled signals a request dropped during shutdown
	CodeCancelled = -32001
	// CodeAuthRequired signals a request failed because the session is unauthenticated
	CodeAuthRequired = -32002
)

// HTTPError represents a non-2xx response from the remote endpoint. The
// status code drives retry classification in the strategy.
type HTTPError struct {
	StatusCode int
	Status     string
	RetryAfter string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %s", e.Status)
}

// Retryable reports whether the failure class is worth retrying on the
// same transport. Server-side errors and rate limiting are transient;
// other client errors are not.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// RetryAfterDuration parses the Retry-After header carried on 429/503
// responses, in either delta-seconds or HTTP-date form. The second
// return is false when the header is absent or unparseable.
func (e *HTTPError) RetryAfterDuration() (time.Duration, bool) {
	if e.RetryAfter == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(e.RetryAfter); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(e.RetryAfter); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay, true
		}
		return 0, true
	}
	return 0, false
}

// IsAuthError reports whether err means the remote demands (re)authentication.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrAuthRequired) {
		return true
	}
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == 401
}

// IsRetryable classifies an error for the fallback strategy. Network
// failures, timeouts, and 5xx responses are retryable; auth errors and
// other HTTP client errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	if errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrUnsupportedTransport) {
		return false
	}
	// Connection resets, refused connections, DNS failures, and deadline
	// expiries all surface as generic transport errors.
	return true
}
