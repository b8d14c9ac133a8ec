package iotdevice

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport/amqp"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport/https"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}

const yamlSettings = `
connection_string: "HostName=hub.example.net;DeviceId=dev1;SharedAccessKey=c2VjcmV0a2V5c2VjcmV0a2V5"
transport: https
read_timeout: 90s
message_lock_timeout: 60s
token_lifetime: 30m
proxy:
  address: proxy.local:3128
  username: user
log:
  level: debug
retry:
  max_retries: 5
  initial_interval: 100ms
  max_interval: 10s
`

const tomlSettings = `
host_name = "hub.example.net"
device_id = "dev1"
shared_access_key = "c2VjcmV0a2V5c2VjcmV0a2V5"
transport = "mqtt"
read_timeout = "90s"

[log]
level = "warn"

[retry]
max_retries = 1
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAMLSettings(t *testing.T) {
	s, err := LoadSettings(writeFile(t, "device.yaml", yamlSettings))
	require.NoError(t, err)

	assert.Equal(t, "https", s.Transport)
	assert.Equal(t, 90*time.Second, s.ReadTimeout)
	assert.Equal(t, time.Minute, s.MessageLockTimeout)
	assert.Equal(t, 30*time.Minute, s.TokenLifetime)
	require.NotNil(t, s.Proxy)
	assert.Equal(t, "proxy.local:3128", s.Proxy.Address)
	assert.Equal(t, "user", s.Proxy.Username)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, RetrySettings{MaxRetries: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: 10 * time.Second}, s.Retry)
}

func TestLoadTOMLSettings(t *testing.T) {
	s, err := LoadSettings(writeFile(t, "device.toml", tomlSettings))
	require.NoError(t, err)

	assert.Equal(t, "hub.example.net", s.HostName)
	assert.Equal(t, "dev1", s.DeviceID)
	assert.Equal(t, "mqtt", s.Transport)
	assert.Equal(t, 90*time.Second, s.ReadTimeout)
	assert.Equal(t, "warn", s.Log.Level)
	assert.Equal(t, uint64(1), s.Retry.MaxRetries)
}

func TestSettingsErrors(t *testing.T) {
	_, err := LoadSettings(writeFile(t, "device.json", "{}"))
	assert.Error(t, err)

	_, err = LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseYAMLSettings([]byte("unknown_key: 1\n"))
	assert.Error(t, err)

	_, err = ParseTOMLSettings([]byte("unknown_key = 1\n"))
	assert.Error(t, err)

	s, err := ParseYAMLSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, &Settings{}, s)
}

func TestNewFromSettings(t *testing.T) {
	s, err := ParseYAMLSettings([]byte(yamlSettings))
	require.NoError(t, err)
	s.Log.Level = "error"

	c, err := NewFromSettings(s)
	require.NoError(t, err)
	assert.IsType(t, &https.Transport{}, c.tr)
	assert.Equal(t, uint64(5), c.retry.MaxRetries)
	assert.Equal(t, 90*time.Second, c.cfg.ReadTimeout())

	s, err = ParseTOMLSettings([]byte(tomlSettings))
	require.NoError(t, err)
	c, err = NewFromSettings(s)
	require.NoError(t, err)
	assert.IsType(t, &mqtt.Transport{}, c.tr)

	s.Transport = "AMQP"
	c, err = NewFromSettings(s)
	require.NoError(t, err)
	assert.IsType(t, &amqp.Transport{}, c.tr)

	s.Transport = "coap"
	_, err = NewFromSettings(s)
	assert.Error(t, err)
}
