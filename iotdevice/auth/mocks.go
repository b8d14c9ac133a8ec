package auth

import (
	"crypto/tls"

	"github.com/stretchr/testify/mock"
)

// MockSasTokenProvider is a mocked SasTokenProvider.
type MockSasTokenProvider struct {
	mock.Mock
}

func (m *MockSasTokenProvider) IsRenewalNecessary() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockSasTokenProvider) RenewedSasToken() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockSasTokenProvider) TLSConfig() (*tls.Config, error) {
	args := m.Called()
	return args.Get(0).(*tls.Config), args.Error(1)
}

// MockX509Provider is a mocked X509Provider.
type MockX509Provider struct {
	mock.Mock
}

func (m *MockX509Provider) TLSConfig() (*tls.Config, error) {
	args := m.Called()
	return args.Get(0).(*tls.Config), args.Error(1)
}
