package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map"
)

// Message is a device-to-cloud or cloud-to-device message.
//
// System properties are exposed as fields, the payload is copied on
// every read and application properties keep their insertion order.
type Message struct {
	MessageID       string
	CorrelationID   string
	UserID          string
	To              string
	ContentType     string
	ContentEncoding string
	ExpiryTime      *time.Time

	payload    []byte
	properties *orderedmap.OrderedMap
}

// NewMessage returns a message carrying a copy of payload and
// a random message id.
func NewMessage(payload []byte) *Message {
	return &Message{
		MessageID: uuid.NewString(),
		payload:   copyBytes(payload),
	}
}

// Bytes returns a copy of the message payload.
func (m *Message) Bytes() []byte {
	return copyBytes(m.payload)
}

// SetProperty adds or replaces the named application property.
func (m *Message) SetProperty(name, value string) error {
	p, err := NewProperty(name, value)
	if err != nil {
		return err
	}
	if m.properties == nil {
		m.properties = orderedmap.New()
	}
	m.properties.Set(p.Name, p.Value)
	return nil
}

// Property returns the value of the named application property.
func (m *Message) Property(name string) (string, bool) {
	if m.properties == nil {
		return "", false
	}
	v, ok := m.properties.Get(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Properties returns application properties in insertion order.
func (m *Message) Properties() []Property {
	if m.properties == nil {
		return nil
	}
	props := make([]Property, 0, m.properties.Len())
	for pair := m.properties.Oldest(); pair != nil; pair = pair.Next() {
		props = append(props, Property{
			Name:  pair.Key.(string),
			Value: pair.Value.(string),
		})
	}
	return props
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{id=%q, size=%d, properties=%d}", m.MessageID, len(m.payload), m.propertiesLen())
}

func (m *Message) propertiesLen() int {
	if m.properties == nil {
		return 0
	}
	return m.properties.Len()
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// IotHubMethod is the http verb of a TransportMessage.
type IotHubMethod string

const (
	MethodGet  IotHubMethod = "GET"
	MethodPost IotHubMethod = "POST"
)

// TransportMessage is a message addressed to an arbitrary device-scoped
// resource of the hub, e.g. files or methods.
type TransportMessage struct {
	*Message

	Method  IotHubMethod
	URIPath string
}

// MessageResult is the disposition sent back for a cloud-to-device message.
type MessageResult int

const (
	Complete MessageResult = iota
	Abandon
	Reject
)

func (r MessageResult) String() string {
	switch r {
	case Complete:
		return "COMPLETE"
	case Abandon:
		return "ABANDON"
	case Reject:
		return "REJECT"
	default:
		return fmt.Sprintf("MessageResult(%d)", int(r))
	}
}
