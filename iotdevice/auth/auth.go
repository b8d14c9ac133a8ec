// Package auth holds device authentication providers.
package auth

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/bluesea251610e/iothub-sdk/common"
)

// ErrSasTokenExpired is returned when the current sas token is expired
// and the provider has no key to generate a new one.
var ErrSasTokenExpired = errors.New("sas token has expired and cannot be renewed")

// Type is the way a device proves its identity.
type Type int

const (
	SasToken Type = iota
	X509CertificateAuthority
	X509SelfSigned
)

func (t Type) String() string {
	switch t {
	case SasToken:
		return "SAS_TOKEN"
	case X509CertificateAuthority:
		return "CERTIFICATE_AUTHORITY"
	case X509SelfSigned:
		return "SELF_SIGNED"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// IsX509 reports whether t authenticates with a client certificate.
func (t Type) IsX509() bool {
	return t == X509CertificateAuthority || t == X509SelfSigned
}

// ParseType parses names produced by String, case-insensitively.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "SAS_TOKEN", "SAS":
		return SasToken, nil
	case "CERTIFICATE_AUTHORITY", "X509_CA":
		return X509CertificateAuthority, nil
	case "SELF_SIGNED", "X509":
		return X509SelfSigned, nil
	default:
		return 0, fmt.Errorf("unknown authentication type %q", s)
	}
}

// SasTokenProvider supplies sas tokens and the tls configuration
// to use alongside them.
type SasTokenProvider interface {
	// IsRenewalNecessary reports whether the current token is expired
	// and cannot be renewed by the provider.
	IsRenewalNecessary() bool

	// RenewedSasToken returns the current token, renewing it first
	// when the provider is able to.
	RenewedSasToken() (string, error)

	TLSConfig() (*tls.Config, error)
}

// X509Provider supplies tls configuration carrying the client certificate.
type X509Provider interface {
	TLSConfig() (*tls.Config, error)
}

func defaultTLSConfig() *tls.Config {
	return &tls.Config{
		RootCAs:    common.RootCAs(),
		MinVersion: tls.VersionTLS12,
	}
}
