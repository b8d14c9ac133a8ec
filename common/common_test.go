package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBytesAreCopied(t *testing.T) {
	payload := []byte("hello")
	msg := NewMessage(payload)
	payload[0] = 'j'
	assert.Equal(t, []byte("hello"), msg.Bytes())

	b := msg.Bytes()
	b[0] = 'y'
	assert.Equal(t, []byte("hello"), msg.Bytes())
	assert.NotEmpty(t, msg.MessageID)
}

func TestMessageNilPayload(t *testing.T) {
	msg := NewMessage(nil)
	assert.NotNil(t, msg.Bytes())
	assert.Len(t, msg.Bytes(), 0)
}

func TestMessagePropertiesKeepOrder(t *testing.T) {
	msg := NewMessage(nil)
	require.NoError(t, msg.SetProperty("zeta", "1"))
	require.NoError(t, msg.SetProperty("alpha", "2"))
	require.NoError(t, msg.SetProperty("zeta", "3"))

	assert.Equal(t, []Property{{"zeta", "3"}, {"alpha", "2"}}, msg.Properties())
	v, ok := msg.Property("alpha")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
	_, ok = msg.Property("missing")
	assert.False(t, ok)
}

func TestMessageSetPropertyRejectsInvalid(t *testing.T) {
	msg := NewMessage(nil)
	for _, name := range []string{"", "with space", "semi;colon", "to", "Message-Id"} {
		assert.ErrorIs(t, msg.SetProperty(name, "v"), ErrInvalidProperty, name)
	}
	assert.ErrorIs(t, msg.SetProperty("name", "line\nbreak"), ErrInvalidProperty)
	assert.Empty(t, msg.Properties())
}

func TestStatusCodeFromHTTP(t *testing.T) {
	for code, want := range map[int]StatusCode{
		200: StatusOK,
		204: StatusOKEmpty,
		400: StatusBadFormat,
		401: StatusUnauthorized,
		403: StatusTooManyDevices,
		404: StatusNotFound,
		412: StatusPreconditionFailed,
		413: StatusRequestEntityTooLarge,
		429: StatusThrottled,
		500: StatusInternalServerError,
		503: StatusServerBusy,
		418: StatusError,
	} {
		assert.Equal(t, want, StatusCodeFromHTTP(code), "%d", code)
	}
	assert.Equal(t, "OK_EMPTY", StatusOKEmpty.String())
}

func TestSharedAccessSignature(t *testing.T) {
	expiry := time.Unix(1700000000, 0)
	sas, err := NewSharedAccessSignature("hub.azure-devices.net/devices/dev1", "", "c2VjcmV0", expiry)
	require.NoError(t, err)

	parsed, err := ParseSharedAccessSignature(sas.String())
	require.NoError(t, err)
	assert.Equal(t, sas.Sr, parsed.Sr)
	assert.Equal(t, sas.Sig, parsed.Sig)
	assert.True(t, sas.Se.Equal(parsed.Se))
	assert.Empty(t, parsed.Skn)

	assert.False(t, sas.IsExpired(expiry.Add(-time.Second)))
	assert.True(t, sas.IsExpired(expiry))
}

func TestSharedAccessSignatureMalformed(t *testing.T) {
	_, err := NewSharedAccessSignature("r", "", "not base64!", time.Now())
	assert.Error(t, err)

	for _, s := range []string{
		"sr=a&sig=b&se=1",
		"SharedAccessSignature sr=a&sig=b",
		"SharedAccessSignature sr=a&sig=b&se=soon",
	} {
		_, err := ParseSharedAccessSignature(s)
		assert.Error(t, err, s)
	}
}

func TestParseConnectionString(t *testing.T) {
	m, err := ParseConnectionString(
		"HostName=hub.azure-devices.net;DeviceId=dev1;SharedAccessKey=a2V5==",
		"HostName", "DeviceId",
	)
	require.NoError(t, err)
	assert.Equal(t, "hub.azure-devices.net", m["HostName"])
	assert.Equal(t, "a2V5==", m["SharedAccessKey"])

	_, err = ParseConnectionString("HostName=hub", "DeviceId")
	assert.EqualError(t, err, "DeviceId is required")

	_, err = ParseConnectionString("garbage")
	assert.Error(t, err)
}
