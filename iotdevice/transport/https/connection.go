package https

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
	"golang.org/x/net/http/httpproxy"
)

// Connection is a single https request/response exchange with one url.
//
// Headers, timeouts, tls and the body can be changed until Connect
// is called, after that the connection only serves the response.
type Connection struct {
	url    *url.URL
	method Method
	proxy  *transport.ProxySettings

	header         http.Header
	body           []byte
	readTimeout    time.Duration
	connectTimeout time.Duration
	tlsCfg         *tls.Config

	resp       *http.Response
	bodyClosed bool
}

// NewConnection returns a connection to an https url,
// proxy is optional.
func NewConnection(rawURL string, method Method, proxy *transport.ProxySettings) (*Connection, error) {
	return newConnection(rawURL, method, proxy, true)
}

func newConnection(rawURL string, method Method, proxy *transport.ProxySettings, requireHTTPS bool) (*Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && (requireHTTPS || scheme != "http") {
		return nil, fmt.Errorf("%w: unsupported url scheme %q", ErrInvalidArgument, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: url has no host", ErrInvalidArgument)
	}
	if !method.valid() {
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidArgument, method)
	}
	return &Connection{
		url:    u,
		method: method,
		proxy:  proxy,
		header: http.Header{},
	}, nil
}

// SetRequestMethod changes the method, methods that cannot carry
// a body are rejected once a body is staged.
func (c *Connection) SetRequestMethod(method Method) error {
	if c.resp != nil {
		return ErrAlreadyConnected
	}
	if !method.valid() {
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidArgument, method)
	}
	if !method.allowsBody() && len(c.body) > 0 {
		return fmt.Errorf("%w: %s requests cannot carry a body", ErrInvalidArgument, method)
	}
	c.method = method
	return nil
}

// SetRequestHeader sets a request header, replacing previous values.
func (c *Connection) SetRequestHeader(name, value string) error {
	if c.resp != nil {
		return ErrAlreadyConnected
	}
	c.header.Set(name, value)
	return nil
}

// SetReadTimeout bounds the wait for the response headers and for
// every read of the response body, zero means no limit.
func (c *Connection) SetReadTimeout(d time.Duration) error {
	if c.resp != nil {
		return ErrAlreadyConnected
	}
	c.readTimeout = d
	return nil
}

// SetConnectTimeout bounds dialing and the tls handshake, zero means no limit.
func (c *Connection) SetConnectTimeout(d time.Duration) error {
	if c.resp != nil {
		return ErrAlreadyConnected
	}
	c.connectTimeout = d
	return nil
}

// WriteOutput stages the request body.
func (c *Connection) WriteOutput(body []byte) error {
	if c.resp != nil {
		return ErrAlreadyConnected
	}
	if len(body) > 0 && !c.method.allowsBody() {
		return fmt.Errorf("%w: %s requests cannot carry a body", ErrInvalidArgument, c.method)
	}
	c.body = append([]byte(nil), body...)
	return nil
}

// SetTLSConfig installs the tls configuration, when a proxy is set
// the tls session is established through the proxy tunnel.
func (c *Connection) SetTLSConfig(cfg *tls.Config) error {
	if c.resp != nil {
		return ErrAlreadyConnected
	}
	if cfg == nil {
		return fmt.Errorf("%w: tls config is nil", ErrInvalidArgument)
	}
	if !strings.EqualFold(c.url.Scheme, "https") {
		return fmt.Errorf("%w: tls config on a %s connection", ErrInvalidArgument, c.url.Scheme)
	}
	c.tlsCfg = cfg
	return nil
}

// Connect sends the request and waits for the response headers.
func (c *Connection) Connect(ctx context.Context) error {
	if c.resp != nil {
		return ErrAlreadyConnected
	}
	var body io.Reader
	if len(c.body) > 0 {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, string(c.method), c.url.String(), body)
	if err != nil {
		return transport.NewError(err)
	}
	req.Header = c.header.Clone()

	client, err := c.client()
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return transport.NewError(err)
	}
	c.resp = resp
	return nil
}

func (c *Connection) client() (*http.Client, error) {
	proxy, err := c.proxyFunc()
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	dial := dialer.DialContext
	if c.readTimeout > 0 {
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, timeout: c.readTimeout}, nil
		}
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 proxy,
			DialContext:           dial,
			TLSClientConfig:       c.tlsCfg,
			TLSHandshakeTimeout:   c.connectTimeout,
			ResponseHeaderTimeout: c.readTimeout,
			DisableKeepAlives:     true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// proxyFunc uses the explicit proxy settings or falls back to
// the HTTPS_PROXY, HTTP_PROXY and NO_PROXY environment.
func (c *Connection) proxyFunc() (func(*http.Request) (*url.URL, error), error) {
	if c.proxy != nil {
		u, err := c.proxy.URL()
		if err != nil {
			return nil, fmt.Errorf("%w: proxy: %s", ErrInvalidArgument, err)
		}
		return http.ProxyURL(u), nil
	}
	fn := httpproxy.FromEnvironment().ProxyFunc()
	return func(r *http.Request) (*url.URL, error) {
		return fn(r.URL)
	}, nil
}

// ResponseStatus returns the http status code.
func (c *Connection) ResponseStatus() (int, error) {
	if c.resp == nil {
		return 0, ErrNotConnected
	}
	return c.resp.StatusCode, nil
}

// ResponseHeaders returns response headers keyed by lower-cased
// name with multiple values joined by commas.
func (c *Connection) ResponseHeaders() (map[string]string, error) {
	if c.resp == nil {
		return nil, ErrNotConnected
	}
	headers := make(map[string]string, len(c.resp.Header))
	for k, v := range c.resp.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ",")
	}
	return headers, nil
}

// ReadInput reads and closes the response body, it fails with
// ErrHTTPErrorStatus leaving the body to ReadError when the status
// is an error one.
func (c *Connection) ReadInput() ([]byte, error) {
	if c.resp == nil {
		return nil, ErrNotConnected
	}
	if c.resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %s", ErrHTTPErrorStatus, c.resp.Status)
	}
	return c.drain()
}

// ReadError reads and closes the body of an error response,
// it's empty for successful responses.
func (c *Connection) ReadError() ([]byte, error) {
	if c.resp == nil {
		return nil, ErrNotConnected
	}
	if c.resp.StatusCode < http.StatusBadRequest {
		return []byte{}, nil
	}
	return c.drain()
}

func (c *Connection) drain() ([]byte, error) {
	if c.bodyClosed {
		return []byte{}, nil
	}
	defer c.Close()
	b, err := io.ReadAll(c.resp.Body)
	if err != nil {
		return nil, transport.NewError(err)
	}
	return b, nil
}

// Close releases the response body, it's safe to call multiple times.
func (c *Connection) Close() error {
	if c.resp == nil || c.bodyClosed {
		return nil
	}
	c.bodyClosed = true
	return c.resp.Body.Close()
}

// deadlineConn moves the read deadline forward before every read,
// a peer that stops sending fails the read after timeout.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}
