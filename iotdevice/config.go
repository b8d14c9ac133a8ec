package iotdevice

import (
	"errors"
	"fmt"
	"time"

	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/auth"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
)

// Config is a resolved device configuration, it implements transport.Config.
type Config struct {
	hostName string
	deviceID string
	moduleID string

	readTimeout        time.Duration
	connectTimeout     time.Duration
	messageLockTimeout time.Duration

	authType auth.Type
	sas      *auth.SasTokenAuthentication
	x509     *auth.X509Authentication
	proxy    *transport.ProxySettings
}

// NewConfigFromConnectionString returns a config with default timeouts for
// `HostName=...;DeviceId=...;SharedAccessKey=...` formatted strings.
//
// SharedAccessSignature may be given instead of SharedAccessKey, such
// a token cannot be renewed. `x509=true` selects self-signed certificate
// authentication, the certificate then has to come from settings.
func NewConfigFromConnectionString(cs string) (*Config, error) {
	return NewConfig(&Settings{ConnectionString: cs})
}

// NewConfig resolves settings into a config.
func NewConfig(s *Settings) (*Config, error) {
	if s == nil {
		return nil, errors.New("settings are nil")
	}

	host, device, module := s.HostName, s.DeviceID, s.ModuleID
	key, token := s.SharedAccessKey, ""
	authName := s.AuthType
	if s.ConnectionString != "" {
		m, err := common.ParseConnectionString(s.ConnectionString, "HostName", "DeviceId")
		if err != nil {
			return nil, err
		}
		host, device, module = m["HostName"], m["DeviceId"], m["ModuleId"]
		key, token = m["SharedAccessKey"], m["SharedAccessSignature"]
		if m["x509"] == "true" && authName == "" {
			authName = auth.X509SelfSigned.String()
		}
	}
	if host == "" || device == "" {
		return nil, errors.New("host name and device id are required")
	}

	typ, err := auth.ParseType(authName)
	if err != nil {
		return nil, err
	}

	c := &Config{
		hostName:           host,
		deviceID:           device,
		moduleID:           module,
		readTimeout:        durationOr(s.ReadTimeout, DefaultReadTimeout),
		connectTimeout:     s.ConnectTimeout,
		messageLockTimeout: durationOr(s.MessageLockTimeout, DefaultMessageLockTimeout),
		authType:           typ,
		proxy:              s.Proxy,
	}

	switch {
	case typ == auth.SasToken && key != "":
		c.sas, err = auth.NewSasTokenFromKey(host, device, module, key,
			auth.WithTokenLifetime(durationOr(s.TokenLifetime, DefaultTokenLifetime)))
	case typ == auth.SasToken && token != "":
		c.sas, err = auth.NewSasTokenFromToken(token)
	case typ == auth.SasToken:
		err = errors.New("shared access key or signature is required")
	case typ.IsX509():
		if s.CertFile == "" || s.KeyFile == "" {
			return nil, fmt.Errorf("%s authentication requires certificate and key files", typ)
		}
		c.x509, err = auth.NewX509FromFiles(s.CertFile, s.KeyFile)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func (c *Config) HostName() string {
	return c.hostName
}

func (c *Config) DeviceID() string {
	return c.deviceID
}

func (c *Config) ModuleID() string {
	return c.moduleID
}

func (c *Config) ReadTimeout() time.Duration {
	return c.readTimeout
}

// ConnectTimeout is zero when the operating system default applies.
func (c *Config) ConnectTimeout() time.Duration {
	return c.connectTimeout
}

func (c *Config) MessageLockTimeout() time.Duration {
	return c.messageLockTimeout
}

func (c *Config) AuthType() auth.Type {
	return c.authType
}

func (c *Config) SasTokenAuthentication() auth.SasTokenProvider {
	if c.sas == nil {
		return nil
	}
	return c.sas
}

func (c *Config) X509Authentication() auth.X509Provider {
	if c.x509 == nil {
		return nil
	}
	return c.x509
}

func (c *Config) Proxy() *transport.ProxySettings {
	return c.proxy
}

var _ transport.Config = (*Config)(nil)
