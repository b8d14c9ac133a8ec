package https

import (
	"sort"
	"strings"

	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/logger"
)

const (
	// AppPropertyPrefix prefixes application properties in http headers.
	AppPropertyPrefix = "iothub-app-"

	// SystemPropertyPrefix prefixes system properties in http headers.
	SystemPropertyPrefix = "iothub-"

	binaryContentType = "binary/octet-stream"
	jsonContentType   = "application/json;charset=utf-8"
)

// system property names as they follow SystemPropertyPrefix
const (
	sysMessageID       = "messageid"
	sysCorrelationID   = "correlationid"
	sysUserID          = "userid"
	sysTo              = "to"
	sysContentType     = "contenttype"
	sysContentEncoding = "contentencoding"
)

var systemPropertyNames = map[string]struct{}{
	sysMessageID:       {},
	sysCorrelationID:   {},
	sysUserID:          {},
	sysTo:              {},
	sysContentType:     {},
	sysContentEncoding: {},
	"ack":              {},
	"expiry":           {},
	"enqueuedtime":     {},
	"sequencenumber":   {},
	"deliverycount":    {},
	"messagelocktoken": {},
}

// Message is the https wire form of one or more messages.
type Message interface {
	Body() []byte
	ContentType() string
	// Properties are sent as request headers.
	Properties() []common.Property
}

// SingleMessage is the https wire form of a single message.
type SingleMessage struct {
	body             []byte
	base64Encoded    bool
	contentType      string
	properties       []common.Property
	systemProperties []common.Property
}

// ParseMessage converts msg into a binary https message.
func ParseMessage(msg *common.Message) *SingleMessage {
	m := &SingleMessage{
		body:        msg.Bytes(),
		contentType: binaryContentType,
		properties:  appProperties(msg),
	}
	m.addSystemProperty(sysMessageID, msg.MessageID)
	m.addSystemProperty(sysCorrelationID, msg.CorrelationID)
	m.addSystemProperty(sysUserID, msg.UserID)
	m.addSystemProperty(sysTo, msg.To)
	return m
}

// ParseJSONMessage converts msg into a json https message that also
// carries the content type and encoding system properties.
func ParseJSONMessage(msg *common.Message) *SingleMessage {
	m := ParseMessage(msg)
	m.contentType = jsonContentType
	m.addSystemProperty(sysContentType, msg.ContentType)
	m.addSystemProperty(sysContentEncoding, msg.ContentEncoding)
	return m
}

// ParseResponse converts a hub response carrying a cloud-to-device
// message into an https message.
func ParseResponse(resp *Response) *SingleMessage {
	m := &SingleMessage{
		body:        resp.Body(),
		contentType: resp.HeaderField("content-type"),
	}

	headers := resp.HeaderFields()
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := headers[name]
		switch {
		case isValidAppProperty(name, value):
			m.properties = append(m.properties, common.Property{Name: name, Value: value})
		case isValidSystemProperty(name, value):
			m.systemProperties = append(m.systemProperties, common.Property{Name: name, Value: value})
		}
	}
	return m
}

func appProperties(msg *common.Message) []common.Property {
	props := msg.Properties()
	res := make([]common.Property, 0, len(props))
	for _, p := range props {
		res = append(res, common.Property{Name: AppPropertyPrefix + p.Name, Value: p.Value})
	}
	return res
}

func (m *SingleMessage) addSystemProperty(name, value string) {
	if value == "" {
		return
	}
	m.systemProperties = append(m.systemProperties, common.Property{
		Name:  SystemPropertyPrefix + name,
		Value: value,
	})
}

func isValidAppProperty(name, value string) bool {
	return strings.HasPrefix(name, AppPropertyPrefix) &&
		common.IsValidPropertyName(name[len(AppPropertyPrefix):]) &&
		common.IsValidPropertyValue(value)
}

func isValidSystemProperty(name, value string) bool {
	if !strings.HasPrefix(name, SystemPropertyPrefix) {
		return false
	}
	_, ok := systemPropertyNames[name[len(SystemPropertyPrefix):]]
	return ok && common.IsValidPropertyValue(value)
}

// ToMessage converts the https message back into a message.
//
// Message id, correlation id, user id and to are restored as
// fields, other system properties become application properties
// keeping their prefixed names. Property names parsed from a response
// are lower-cased since http header names are case-insensitive.
// Application properties that collide with system property names
// are dropped.
func (m *SingleMessage) ToMessage() *common.Message {
	return m.toMessage(logger.Nop())
}

func (m *SingleMessage) toMessage(l logger.Logger) *common.Message {
	msg := common.NewMessage(m.body)
	for _, p := range m.properties {
		name := strings.TrimPrefix(p.Name, AppPropertyPrefix)
		if err := msg.SetProperty(name, p.Value); err != nil {
			l.Debugf("dropping application property %q: %s", name, err)
		}
	}
	for _, p := range m.systemProperties {
		switch strings.TrimPrefix(p.Name, SystemPropertyPrefix) {
		case sysMessageID:
			msg.MessageID = p.Value
		case sysCorrelationID:
			msg.CorrelationID = p.Value
		case sysUserID:
			msg.UserID = p.Value
		case sysTo:
			msg.To = p.Value
		default:
			if err := msg.SetProperty(p.Name, p.Value); err != nil {
				l.Debugf("dropping system property %q: %s", p.Name, err)
			}
		}
	}
	return msg
}

// Body returns a copy of the message body.
func (m *SingleMessage) Body() []byte {
	return append([]byte{}, m.body...)
}

func (m *SingleMessage) IsBase64Encoded() bool {
	return m.base64Encoded
}

func (m *SingleMessage) ContentType() string {
	return m.contentType
}

// Properties returns application then system properties with their prefixes.
func (m *SingleMessage) Properties() []common.Property {
	props := make([]common.Property, 0, len(m.properties)+len(m.systemProperties))
	props = append(props, m.properties...)
	return append(props, m.systemProperties...)
}

// AppProperties returns the prefixed application properties.
func (m *SingleMessage) AppProperties() []common.Property {
	return append([]common.Property(nil), m.properties...)
}

// SystemProperties returns the prefixed system properties.
func (m *SingleMessage) SystemProperties() []common.Property {
	return append([]common.Property(nil), m.systemProperties...)
}

var _ Message = (*SingleMessage)(nil)
