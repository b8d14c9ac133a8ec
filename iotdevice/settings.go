package iotdevice

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
	"github.com/bluesea251610e/iothub-sdk/logger"
	"gopkg.in/yaml.v3"
)

const (
	DefaultReadTimeout        = 240 * time.Second
	DefaultMessageLockTimeout = 180 * time.Second
	DefaultTokenLifetime      = time.Hour
)

// Settings is the on-disk device configuration.
type Settings struct {
	// ConnectionString takes precedence over the identity fields below.
	ConnectionString string `yaml:"connection_string" toml:"connection_string"`

	HostName string `yaml:"host_name" toml:"host_name"`
	DeviceID string `yaml:"device_id" toml:"device_id"`
	ModuleID string `yaml:"module_id" toml:"module_id"`

	// AuthType is parsed with auth.ParseType, sas when empty.
	AuthType        string `yaml:"auth_type" toml:"auth_type"`
	SharedAccessKey string `yaml:"shared_access_key" toml:"shared_access_key"`
	CertFile        string `yaml:"cert_file" toml:"cert_file"`
	KeyFile         string `yaml:"key_file" toml:"key_file"`

	// Transport is one of https, mqtt or amqp, https when empty.
	Transport string `yaml:"transport" toml:"transport"`

	ReadTimeout        time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	MessageLockTimeout time.Duration `yaml:"message_lock_timeout" toml:"message_lock_timeout"`
	TokenLifetime      time.Duration `yaml:"token_lifetime" toml:"token_lifetime"`

	Proxy *transport.ProxySettings `yaml:"proxy" toml:"proxy"`
	Log   logger.Config            `yaml:"log" toml:"log"`
	Retry RetrySettings            `yaml:"retry" toml:"retry"`
}

// RetrySettings bounds retries of operations that failed with
// a retryable transport error.
type RetrySettings struct {
	MaxRetries      uint64        `yaml:"max_retries" toml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" toml:"max_interval"`
}

// LoadSettings reads a yaml or toml file picked by its extension.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return ParseYAMLSettings(data)
	case ".toml":
		return ParseTOMLSettings(data)
	default:
		return nil, fmt.Errorf("unsupported settings file extension %q", ext)
	}
}

// ParseYAMLSettings decodes yaml settings rejecting unknown keys.
func ParseYAMLSettings(data []byte) (*Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse yaml settings: %w", err)
	}
	return &s, nil
}

// ParseTOMLSettings decodes toml settings rejecting unknown keys.
func ParseTOMLSettings(data []byte) (*Settings, error) {
	var s Settings
	md, err := toml.Decode(string(data), &s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse toml settings: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("failed to parse toml settings: unknown key %q", undecoded[0].String())
	}
	return &s, nil
}
