package https

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
	orderedmap "github.com/wk8/go-ordered-map"
)

// Request accumulates everything needed to send an https request,
// each Send call uses a fresh Connection so requests can be resent.
type Request struct {
	url    string
	method Method
	body   []byte

	headers        *orderedmap.OrderedMap
	readTimeout    time.Duration
	connectTimeout time.Duration
	tlsCfg         *tls.Config
	proxy          *transport.ProxySettings

	// allowHTTP permits plain http urls, only for loopback tests.
	allowHTTP bool
}

// NewRequest returns a request that identifies itself with userAgent.
func NewRequest(rawURL string, method Method, body []byte, userAgent string) *Request {
	r := &Request{
		url:     rawURL,
		method:  method,
		body:    body,
		headers: orderedmap.New(),
	}
	r.SetHeaderField("User-Agent", userAgent)
	return r
}

// SetHeaderField sets a request header replacing the previous value.
func (r *Request) SetHeaderField(name, value string) *Request {
	r.headers.Set(name, value)
	return r
}

func (r *Request) SetReadTimeout(d time.Duration) *Request {
	r.readTimeout = d
	return r
}

func (r *Request) SetConnectTimeout(d time.Duration) *Request {
	r.connectTimeout = d
	return r
}

func (r *Request) SetTLSConfig(cfg *tls.Config) *Request {
	r.tlsCfg = cfg
	return r
}

func (r *Request) SetProxy(p *transport.ProxySettings) *Request {
	r.proxy = p
	return r
}

// Send performs the request and collects the response.
func (r *Request) Send(ctx context.Context) (*Response, error) {
	conn, err := newConnection(r.url, r.method, r.proxy, !r.allowHTTP)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	for pair := r.headers.Oldest(); pair != nil; pair = pair.Next() {
		if err = conn.SetRequestHeader(pair.Key.(string), pair.Value.(string)); err != nil {
			return nil, err
		}
	}
	if err = conn.SetReadTimeout(r.readTimeout); err != nil {
		return nil, err
	}
	if err = conn.SetConnectTimeout(r.connectTimeout); err != nil {
		return nil, err
	}
	if r.tlsCfg != nil {
		if err = conn.SetTLSConfig(r.tlsCfg); err != nil {
			return nil, err
		}
	}
	// GET and DELETE never carry a payload
	if r.method.allowsBody() {
		if err = conn.WriteOutput(r.body); err != nil {
			return nil, err
		}
	}
	if err = conn.Connect(ctx); err != nil {
		return nil, err
	}

	status, err := conn.ResponseStatus()
	if err != nil {
		return nil, err
	}
	headers, err := conn.ResponseHeaders()
	if err != nil {
		return nil, err
	}
	body, err := conn.ReadInput()
	errorReason := []byte{}
	if err != nil {
		if !errors.Is(err, ErrHTTPErrorStatus) {
			return nil, err
		}
		body = []byte{}
		if errorReason, err = conn.ReadError(); err != nil {
			return nil, err
		}
	}
	return NewResponse(status, body, headers, errorReason), nil
}

// Body returns the body the request was created with.
func (r *Request) Body() []byte {
	return r.body
}

func (r *Request) Method() Method {
	return r.method
}

func (r *Request) URL() string {
	return r.url
}

// RequestHeaders renders headers as `Name: value` lines each
// terminated with CRLF, in the order they were first set.
func (r *Request) RequestHeaders() string {
	var sb strings.Builder
	for pair := r.headers.Oldest(); pair != nil; pair = pair.Next() {
		sb.WriteString(pair.Key.(string))
		sb.WriteString(": ")
		sb.WriteString(pair.Value.(string))
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// Response is an immutable https response.
type Response struct {
	status      int
	body        []byte
	headers     map[string]string
	errorReason []byte
}

// NewResponse returns a response, header names are matched case-insensitively.
func NewResponse(status int, body []byte, headers map[string]string, errorReason []byte) *Response {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[strings.ToLower(k)] = v
	}
	return &Response{
		status:      status,
		body:        append([]byte{}, body...),
		headers:     h,
		errorReason: append([]byte{}, errorReason...),
	}
}

func (r *Response) Status() int {
	return r.status
}

// Body returns a copy of the response body.
func (r *Response) Body() []byte {
	return append([]byte{}, r.body...)
}

// HeaderField returns the named header or an empty string.
func (r *Response) HeaderField(name string) string {
	return r.headers[strings.ToLower(name)]
}

// HeaderFields returns a copy of all headers keyed by lower-cased name.
func (r *Response) HeaderFields() map[string]string {
	h := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		h[k] = v
	}
	return h
}

// ErrorReason returns a copy of the error response body.
func (r *Response) ErrorReason() []byte {
	return append([]byte{}, r.errorReason...)
}
