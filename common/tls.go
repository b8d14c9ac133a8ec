package common

import (
	"crypto/x509"
	"sync"
)

var (
	rootCAsOnce sync.Once
	rootCAs     *x509.CertPool
)

// RootCAs returns the certificate pool used to verify the hub.
func RootCAs() *x509.CertPool {
	rootCAsOnce.Do(func() {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		rootCAs = pool
	})
	return rootCAs
}
