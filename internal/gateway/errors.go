package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-success response from the Messaging Gateway. Callers can
// use errors.As to inspect it:
//
//	var gwErr *gateway.Error
//	if errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound { ... }
//
// A 2xx response whose envelope reports success=false is also surfaced as an
// Error, with the HTTP status it arrived with.
type Error struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: %s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("gateway: %s: %d: %s", e.Op, e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500
}

// IsClientError reports whether err is a 4xx gateway response. These are
// user-actionable and never retried.
func IsClientError(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode >= 400 && gwErr.StatusCode < 500
	}
	return false
}

// IsServerError reports whether err is a 5xx gateway response.
func IsServerError(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode >= 500
	}
	return false
}
