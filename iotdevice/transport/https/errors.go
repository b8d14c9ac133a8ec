package https

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAlreadyConnected = errors.New("connection is already established")
	ErrNotConnected     = errors.New("connection is not established")
	ErrHTTPErrorStatus  = errors.New("response has an error status")
	ErrSizeExceeded     = errors.New("batch message size exceeded")
	ErrNoPendingMessage = errors.New("no received message is waiting for a result")
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrNotOpen          = errors.New("transport is not open")
)

// Method is an http method supported by the hub.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPost   Method = http.MethodPost
	MethodPut    Method = http.MethodPut
	MethodDelete Method = http.MethodDelete
)

func (m Method) valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return true
	}
	return false
}

// allowsBody reports whether requests with this method can carry a body.
func (m Method) allowsBody() bool {
	return m == MethodPost || m == MethodPut
}
