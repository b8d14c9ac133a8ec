package iotservice

import (
	"time"

	"github.com/bluesea251610e/iothub-sdk/common"
)

// Credentials is a shared access policy of the hub.
type Credentials struct {
	HostName            string
	SharedAccessKeyName string
	SharedAccessKey     string
}

// ParseConnectionString parses service connection strings:
// `HostName=...;SharedAccessKeyName=...;SharedAccessKey=...`.
func ParseConnectionString(cs string) (*Credentials, error) {
	m, err := common.ParseConnectionString(cs, "HostName", "SharedAccessKeyName", "SharedAccessKey")
	if err != nil {
		return nil, err
	}
	return &Credentials{
		HostName:            m["HostName"],
		SharedAccessKeyName: m["SharedAccessKeyName"],
		SharedAccessKey:     m["SharedAccessKey"],
	}, nil
}

// Token returns a hub scoped token valid for lifetime.
func (c *Credentials) Token(lifetime time.Duration) (*common.SharedAccessSignature, error) {
	return common.NewSharedAccessSignature(
		c.HostName, c.SharedAccessKeyName, c.SharedAccessKey, time.Now().Add(lifetime),
	)
}
