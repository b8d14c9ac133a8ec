package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidProperty is returned when a property name or value
// cannot be carried by the hub.
var ErrInvalidProperty = errors.New("invalid message property")

// Property is an application-defined message property.
type Property struct {
	Name  string
	Value string
}

// names the hub reserves for system properties, compared case-insensitively
var reservedPropertyNames = map[string]struct{}{
	"message-id":           {},
	"correlation-id":       {},
	"user-id":              {},
	"to":                   {},
	"content-type":         {},
	"content-encoding":     {},
	"absolute-expiry-time": {},
}

// NewProperty validates name and value and returns the property.
func NewProperty(name, value string) (Property, error) {
	if !IsValidPropertyName(name) {
		return Property{}, fmt.Errorf("%w: name %q", ErrInvalidProperty, name)
	}
	if IsReservedPropertyName(name) {
		return Property{}, fmt.Errorf("%w: name %q is reserved", ErrInvalidProperty, name)
	}
	if !IsValidPropertyValue(value) {
		return Property{}, fmt.Errorf("%w: value of %q", ErrInvalidProperty, name)
	}
	return Property{Name: name, Value: value}, nil
}

// IsValidPropertyName reports whether name is a non-empty http token.
func IsValidPropertyName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= 0x20 || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?={}`, c) != -1 {
			return false
		}
	}
	return true
}

// IsValidPropertyValue reports whether value consists of printable US-ASCII.
func IsValidPropertyValue(value string) bool {
	for i := 0; i < len(value); i++ {
		if c := value[i]; c < 0x20 || c >= 0x7f {
			return false
		}
	}
	return true
}

// IsReservedPropertyName reports whether name collides with a system property.
func IsReservedPropertyName(name string) bool {
	_, ok := reservedPropertyNames[strings.ToLower(name)]
	return ok
}
