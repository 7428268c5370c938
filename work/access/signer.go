package access

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Signer produces time-limited, tamper-resistant URLs for storage objects
// using HMAC-SHA256 over a canonical string. The resulting URL is verified
// at the storage edge with Verify, so the object path and expiry cannot be
// altered without invalidating the signature.
type Signer struct {
	secret []byte // Shared HMAC secret; empty means signing is unavailable
	base   string // Base URL of the storage edge serving signed objects
}

// NewSigner creates a Signer for the given edge base URL and shared secret.
func NewSigner(base, secret string) *Signer {
	return &Signer{
		secret: []byte(secret),
		base:   strings.TrimRight(base, "/"),
	}
}

// Sign returns a signed URL for the storage object that is valid until
// expiresAt. Fails with a Transient-classified error when the signer is not
// configured, so the caller surfaces a retryable failure instead of handing
// out an unsigned link.
func (s *Signer) Sign(storageKey string, expiresAt time.Time) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("signing secret not configured: %w", ErrTransient)
	}
	if storageKey == "" {
		return "", fmt.Errorf("empty storage key: %w", ErrTransient)
	}

	exp := expiresAt.Unix()
	sig := s.signature(storageKey, exp)

	return fmt.Sprintf("%s/%s?expires=%d&sig=%s",
		s.base, url.PathEscape(storageKey), exp, sig), nil
}

// Verify checks a signature produced by Sign for the given object and expiry
// and rejects it once the expiry instant has passed. Comparison is constant
// time.
func (s *Signer) Verify(storageKey string, expires int64, sig string, now time.Time) bool {
	if len(s.secret) == 0 {
		return false
	}
	if now.Unix() >= expires {
		return false
	}
	expected := s.signature(storageKey, expires)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// signature computes the hex HMAC over the canonical form
// "GET\n/<storageKey>\n<expires>".
func (s *Signer) signature(storageKey string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("GET"))
	mac.Write([]byte("\n/"))
	mac.Write([]byte(storageKey))
	mac.Write([]byte("\n"))
	mac.Write([]byte(fmt.Sprintf("%d", expires)))
	return hex.EncodeToString(mac.Sum(nil))
}
