package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const sasPrefix = "SharedAccessSignature "

// SharedAccessSignature is a hub SAS token.
type SharedAccessSignature struct {
	Sr  string
	Sig string
	Se  time.Time
	Skn string
}

// NewSharedAccessSignature signs resource with the base64 encoded key,
// policy is optional and is empty for device keys.
func NewSharedAccessSignature(resource, policy, key string, expiry time.Time) (*SharedAccessSignature, error) {
	sig, err := mac(key, resource, expiry)
	if err != nil {
		return nil, err
	}
	return &SharedAccessSignature{
		Sr:  resource,
		Sig: sig,
		Se:  expiry,
		Skn: policy,
	}, nil
}

// ParseSharedAccessSignature parses a token produced by String.
func ParseSharedAccessSignature(s string) (*SharedAccessSignature, error) {
	if !strings.HasPrefix(s, sasPrefix) {
		return nil, errors.New("sas: malformed token prefix")
	}
	q, err := url.ParseQuery(s[len(sasPrefix):])
	if err != nil {
		return nil, fmt.Errorf("sas: %w", err)
	}
	for _, k := range []string{"sr", "sig", "se"} {
		if len(q[k]) != 1 {
			return nil, fmt.Errorf("sas: %q is missing", k)
		}
	}
	se, err := strconv.ParseInt(q.Get("se"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sas: malformed expiry: %w", err)
	}
	return &SharedAccessSignature{
		Sr:  q.Get("sr"),
		Sig: q.Get("sig"),
		Se:  time.Unix(se, 0),
		Skn: q.Get("skn"),
	}, nil
}

func mac(key, sr string, se time.Time) (string, error) {
	b, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("sas: malformed key: %w", err)
	}
	h := hmac.New(sha256.New, b)
	if _, err := fmt.Fprintf(h, "%s\n%d", url.QueryEscape(sr), se.Unix()); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// IsExpired reports whether the token expiry is at or before now.
func (sas *SharedAccessSignature) IsExpired(now time.Time) bool {
	return !now.Before(sas.Se)
}

// String renders the token in the authorization header format.
func (sas *SharedAccessSignature) String() string {
	s := sasPrefix +
		"sr=" + url.QueryEscape(sas.Sr) +
		"&sig=" + url.QueryEscape(sas.Sig) +
		"&se=" + url.QueryEscape(strconv.FormatInt(sas.Se.Unix(), 10))
	if sas.Skn != "" {
		s += "&skn=" + url.QueryEscape(sas.Skn)
	}
	return s
}
