// Package transport defines the boundary between the device client
// and protocol specific transports.
package transport

import (
	"context"
	"net/url"
	"time"

	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/auth"
	"github.com/bluesea251610e/iothub-sdk/logger"
)

// Transport is a device connection to the hub.
type Transport interface {
	SetLogger(l logger.Logger)
	Open(ctx context.Context) error
	SendEvent(ctx context.Context, msg *common.Message) (*common.ResponseMessage, error)
	Send(ctx context.Context, msg *common.TransportMessage) (*common.ResponseMessage, error)
	Receive(ctx context.Context) (*common.Message, error)
	SendMessageResult(ctx context.Context, result common.MessageResult) error
	Close() error
}

// Config is the device configuration consumed by transports.
type Config interface {
	HostName() string
	DeviceID() string
	// ModuleID is empty for plain devices.
	ModuleID() string

	ReadTimeout() time.Duration
	ConnectTimeout() time.Duration
	MessageLockTimeout() time.Duration

	AuthType() auth.Type
	// SasTokenAuthentication is nil unless AuthType is auth.SasToken.
	SasTokenAuthentication() auth.SasTokenProvider
	// X509Authentication is nil unless AuthType is one of the X509 types.
	X509Authentication() auth.X509Provider

	// Proxy is nil when requests go out directly.
	Proxy() *ProxySettings
}

// ProxySettings describes an http proxy.
type ProxySettings struct {
	Address  string `yaml:"address" toml:"address"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// URL returns the proxy url, assuming http when no scheme is given.
func (p *ProxySettings) URL() (*url.URL, error) {
	addr := p.Address
	if u, err := url.Parse(addr); err != nil || u.Scheme == "" || u.Host == "" {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}
