package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	for name, tc := range map[string]struct {
		err       error
		retryable bool
	}{
		"dns": {
			err:       &url.Error{Op: "Post", URL: "https://x", Err: &net.DNSError{Err: "no such host", Name: "x"}},
			retryable: true,
		},
		"no route": {
			err:       &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)},
			retryable: true,
		},
		"network unreachable": {
			err:       fmt.Errorf("dial: %w", syscall.ENETUNREACH),
			retryable: true,
		},
		"refused": {
			err:       &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			retryable: false,
		},
		"generic": {
			err:       errors.New("unexpected EOF"),
			retryable: false,
		},
	} {
		t.Run(name, func(t *testing.T) {
			te := NewError(tc.err)
			assert.Equal(t, tc.retryable, te.Retryable)
			assert.Equal(t, tc.retryable, IsRetryable(fmt.Errorf("send: %w", te)))
			assert.ErrorIs(t, te, tc.err)
		})
	}
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestProxyURL(t *testing.T) {
	p := &ProxySettings{Address: "proxy.local:8888", Username: "user", Password: "pa ss"}
	u, err := p.URL()
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "proxy.local:8888", u.Host)
	pass, _ := u.User.Password()
	assert.Equal(t, "pa ss", pass)

	p = &ProxySettings{Address: "https://secure.proxy:443"}
	u, err = p.URL()
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Nil(t, u.User)
}
