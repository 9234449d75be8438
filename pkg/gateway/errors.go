package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error class reported to callers in the "type" field.
type Kind string

const (
	KindAuth               Kind = "AuthError"
	KindRateLimit          Kind = "RateLimitError"
	KindNotFound           Kind = "NotFoundError"
	KindExecution          Kind = "ExecutionError"
	KindResourceExhaustion Kind = "ResourceExhaustion"
	KindPayloadTooLarge    Kind = "PayloadTooLarge"
	KindBadRequest         Kind = "BadRequest"
)

var (
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrStaleRequest       = errors.New("stale request")
	ErrReplayedRequest    = errors.New("replayed request")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrFunctionNotFound   = errors.New("function not found")
	ErrFunctionNotAllowed = errors.New("function not allowed")
	ErrPayloadTooLarge    = errors.New("request body too large")
)

// Error is a structured gateway error. It is what crosses the wire.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindResourceExhaustion:
		return http.StatusServiceUnavailable
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func errorf(kind Kind, sentinel error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}

// BadRequest lets capability handlers reject malformed arguments without
// it being reported as an execution failure.
func BadRequest(format string, args ...interface{}) error {
	return &Error{Kind: KindBadRequest, Err: fmt.Errorf(format, args...)}
}

// asError converts any error into a structured one, defaulting to ExecutionError.
func asError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return newError(KindExecution, err)
}
