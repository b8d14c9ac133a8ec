package auth

import (
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/bluesea251610e/iothub-sdk/common"
)

const (
	// DefaultTokenLifetime is how long generated tokens are valid.
	DefaultTokenLifetime = time.Hour

	// DefaultRenewalBuffer is the percentage of the lifetime after
	// which a generated token gets replaced.
	DefaultRenewalBuffer = 85
)

// SasOption configures a SasTokenAuthentication.
type SasOption func(a *SasTokenAuthentication)

// WithTokenLifetime sets the lifetime of generated tokens.
func WithTokenLifetime(d time.Duration) SasOption {
	return func(a *SasTokenAuthentication) {
		if d > 0 {
			a.lifetime = d
		}
	}
}

// WithRenewalBuffer sets the percentage of the token lifetime
// that may elapse before the token is renewed.
func WithRenewalBuffer(percent int) SasOption {
	return func(a *SasTokenAuthentication) {
		if percent > 0 && percent <= 100 {
			a.renewBuffer = percent
		}
	}
}

// WithSasTLSConfig overrides the tls configuration handed to transports.
func WithSasTLSConfig(cfg *tls.Config) SasOption {
	return func(a *SasTokenAuthentication) {
		a.tlsCfg = cfg
	}
}

// WithClock replaces the time source, used by tests.
func WithClock(now func() time.Time) SasOption {
	return func(a *SasTokenAuthentication) {
		a.now = now
	}
}

// SasTokenAuthentication is a SasTokenProvider backed either by
// a device key, in which case tokens are renewed on demand, or by
// a single user supplied token that cannot be renewed.
type SasTokenAuthentication struct {
	mu sync.Mutex

	resource string
	key      string
	policy   string

	lifetime    time.Duration
	renewBuffer int
	token       *common.SharedAccessSignature

	tlsCfg *tls.Config
	now    func() time.Time
}

func newSasTokenAuthentication(opts []SasOption) *SasTokenAuthentication {
	a := &SasTokenAuthentication{
		lifetime:    DefaultTokenLifetime,
		renewBuffer: DefaultRenewalBuffer,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewSasTokenFromKey returns a provider generating tokens for the
// given device, moduleID is optional.
func NewSasTokenFromKey(hostName, deviceID, moduleID, key string, opts ...SasOption) (*SasTokenAuthentication, error) {
	if hostName == "" || deviceID == "" {
		return nil, errors.New("hostname and device id are required")
	}
	if key == "" {
		return nil, errors.New("shared access key is required")
	}
	a := newSasTokenAuthentication(opts)
	a.resource = hostName + "/devices/" + deviceID
	if moduleID != "" {
		a.resource += "/modules/" + moduleID
	}
	a.key = key
	if _, err := a.generate(a.now()); err != nil {
		return nil, err
	}
	return a, nil
}

// NewSasTokenFromToken returns a provider that hands out the given token
// until it expires.
func NewSasTokenFromToken(token string, opts ...SasOption) (*SasTokenAuthentication, error) {
	sas, err := common.ParseSharedAccessSignature(token)
	if err != nil {
		return nil, err
	}
	a := newSasTokenAuthentication(opts)
	a.resource = sas.Sr
	a.policy = sas.Skn
	a.token = sas
	return a, nil
}

func (a *SasTokenAuthentication) generate(now time.Time) (*common.SharedAccessSignature, error) {
	sas, err := common.NewSharedAccessSignature(a.resource, a.policy, a.key, now.Add(a.lifetime))
	if err != nil {
		return nil, err
	}
	a.token = sas
	return sas, nil
}

// CanRefreshToken reports whether the provider holds a key.
func (a *SasTokenAuthentication) CanRefreshToken() bool {
	return a.key != ""
}

// IsRenewalNecessary implements SasTokenProvider.
func (a *SasTokenAuthentication) IsRenewalNecessary() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.key == "" && a.token.IsExpired(a.now())
}

// RenewedSasToken implements SasTokenProvider.
func (a *SasTokenAuthentication) RenewedSasToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.key != "" && a.shouldRenew(now) {
		if _, err := a.generate(now); err != nil {
			return "", err
		}
	}
	if a.token.IsExpired(now) {
		return "", ErrSasTokenExpired
	}
	return a.token.String(), nil
}

func (a *SasTokenAuthentication) shouldRenew(now time.Time) bool {
	if a.token == nil {
		return true
	}
	keep := a.lifetime * time.Duration(100-a.renewBuffer) / 100
	return !now.Before(a.token.Se.Add(-keep))
}

// TLSConfig implements SasTokenProvider.
func (a *SasTokenAuthentication) TLSConfig() (*tls.Config, error) {
	if a.tlsCfg != nil {
		return a.tlsCfg.Clone(), nil
	}
	return defaultTLSConfig(), nil
}

var _ SasTokenProvider = (*SasTokenAuthentication)(nil)
