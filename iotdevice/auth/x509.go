package auth

import (
	"crypto/tls"
	"fmt"
)

// X509Authentication is an X509Provider holding one client certificate.
type X509Authentication struct {
	cert tls.Certificate
	base *tls.Config
}

// NewX509 returns a provider presenting cert, base may be nil.
func NewX509(cert tls.Certificate, base *tls.Config) *X509Authentication {
	return &X509Authentication{cert: cert, base: base}
}

// NewX509FromPEM parses a PEM encoded certificate and private key.
func NewX509FromPEM(certPEM, keyPEM []byte) (*X509Authentication, error) {
	crt, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("x509: %w", err)
	}
	return NewX509(crt, nil), nil
}

// NewX509FromFiles loads a PEM encoded certificate and private key from disk.
func NewX509FromFiles(certFile, keyFile string) (*X509Authentication, error) {
	crt, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("x509: %w", err)
	}
	return NewX509(crt, nil), nil
}

// Certificate returns the client certificate.
func (a *X509Authentication) Certificate() *tls.Certificate {
	return &a.cert
}

// TLSConfig implements X509Provider.
func (a *X509Authentication) TLSConfig() (*tls.Config, error) {
	cfg := defaultTLSConfig()
	if a.base != nil {
		cfg = a.base.Clone()
	}
	cfg.Certificates = append(cfg.Certificates, a.cert)
	return cfg, nil
}

var _ X509Provider = (*X509Authentication)(nil)
