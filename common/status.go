package common

import "fmt"

// StatusCode is the hub outcome of a request.
type StatusCode int

const (
	StatusOK StatusCode = iota + 1
	StatusOKEmpty
	StatusBadFormat
	StatusUnauthorized
	StatusTooManyDevices
	StatusNotFound
	StatusPreconditionFailed
	StatusRequestEntityTooLarge
	StatusThrottled
	StatusInternalServerError
	StatusServerBusy
	StatusError
)

var statusNames = map[StatusCode]string{
	StatusOK:                    "OK",
	StatusOKEmpty:               "OK_EMPTY",
	StatusBadFormat:             "BAD_FORMAT",
	StatusUnauthorized:          "UNAUTHORIZED",
	StatusTooManyDevices:        "TOO_MANY_DEVICES",
	StatusNotFound:              "HUB_OR_DEVICE_ID_NOT_FOUND",
	StatusPreconditionFailed:    "PRECONDITION_FAILED",
	StatusRequestEntityTooLarge: "REQUEST_ENTITY_TOO_LARGE",
	StatusThrottled:             "THROTTLED",
	StatusInternalServerError:   "INTERNAL_SERVER_ERROR",
	StatusServerBusy:            "SERVER_BUSY",
	StatusError:                 "ERROR",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(%d)", int(s))
}

// StatusCodeFromHTTP maps an http status to the hub status code,
// any status not listed becomes StatusError.
func StatusCodeFromHTTP(code int) StatusCode {
	switch code {
	case 200:
		return StatusOK
	case 204:
		return StatusOKEmpty
	case 400:
		return StatusBadFormat
	case 401:
		return StatusUnauthorized
	case 403:
		return StatusTooManyDevices
	case 404:
		return StatusNotFound
	case 412:
		return StatusPreconditionFailed
	case 413:
		return StatusRequestEntityTooLarge
	case 429:
		return StatusThrottled
	case 500:
		return StatusInternalServerError
	case 503:
		return StatusServerBusy
	default:
		return StatusError
	}
}

// ResponseMessage is the hub reply to a device request.
type ResponseMessage struct {
	Bytes  []byte
	Status StatusCode
}
