package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed call.
type ErrorKind int

const (
	// Unreachable covers connection refused, DNS failures, timeouts and
	// cancelled requests.
	Unreachable ErrorKind = iota + 1
	// NotFound is a 404 response.
	NotFound
	// ServerError is a 5xx response, or any other status outside 2xx and
	// 4xx.
	ServerError
	// ValidationError is any other 4xx response.
	ValidationError
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case NotFound:
		return "not_found"
	case ServerError:
		return "server_error"
	case ValidationError:
		return "validation_error"
	default:
		return "unknown"
	}
}

// Error is returned by every Client method that fails.
type Error struct {
	Kind   ErrorKind
	Op     string // e.g. "create_session"
	Status int    // HTTP status, 0 when unreachable
	Body   string // response body, truncated
	Err    error  // underlying transport error, if any
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("api: %s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Body != "":
		return fmt.Sprintf("api: %s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Body)
	default:
		return fmt.Sprintf("api: %s: %s (status %d)", e.Op, e.Kind, e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return 0
}

// IsUnreachable reports whether err is a transport-level failure.
func IsUnreachable(err error) bool { return KindOf(err) == Unreachable }

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool { return KindOf(err) == NotFound }

// IsServerError reports whether err is a 5xx.
func IsServerError(err error) bool { return KindOf(err) == ServerError }

// IsValidation reports whether err is a non-404 4xx.
func IsValidation(err error) bool { return KindOf(err) == ValidationError }

func kindForStatus(status int) ErrorKind {
	switch {
	case status == 404:
		return NotFound
	case status >= 400 && status <= 499:
		return ValidationError
	default:
		return ServerError
	}
}
