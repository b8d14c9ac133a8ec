package transport

import (
	"errors"
	"net"
	"syscall"
)

// Error is a failure to talk to the hub, Retryable tells
// whether repeating the same call may succeed.
type Error struct {
	Err       error
	Retryable bool
}

// NewError wraps err classifying name resolution and
// unreachable network failures as retryable.
func NewError(err error) *Error {
	return &Error{Err: err, Retryable: isNetworkError(err)}
}

func (e *Error) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a retryable transport error.
func IsRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Retryable
}

func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH)
}
