package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"eventrelay/internal/domain"
)

// Hash returns the SHA-256 digest of data as lowercase hex.
func Hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// HMAC returns HMAC-SHA256(secret, data) as lowercase hex.
func HMAC(data, secret string) string {
	return hex.EncodeToString(mac([]byte(data), secret))
}

// Sign returns the base64 HMAC-SHA256 of body, the form used in inbound
// webhook signature headers.
func Sign(body []byte, secret string) string {
	return base64.StdEncoding.EncodeToString(mac(body, secret))
}

func mac(data []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return h.Sum(nil)
}

// VerifyInboundSignature recomputes the signature over the exact raw body
// and compares it to provided in constant time. Lengths are compared first.
func VerifyInboundSignature(rawBody []byte, provided, secret string) bool {
	expected := []byte(Sign(rawBody, secret))
	got := []byte(provided)
	if len(expected) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, got) == 1
}

// Authenticate is VerifyInboundSignature returning domain.ErrAuthentication
// on mismatch.
func Authenticate(rawBody []byte, provided, secret string) error {
	if !VerifyInboundSignature(rawBody, provided, secret) {
		return domain.ErrAuthentication
	}
	return nil
}
