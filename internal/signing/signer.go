// Package signing builds webhook envelopes and computes and checks their
// HMAC-SHA256 signatures.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	SignaturePrefix = "sha256="

	DefaultMaxAge  = 5 * time.Minute
	DefaultMaxSkew = 60 * time.Second
)

// Sign returns "sha256=<lowercase hex>" of HMAC-SHA256(secret, body).
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is exactly Sign(body, secret). Only the
// lowercase hex form is accepted. The comparison runs in constant time.
func Verify(body []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}

// TimestampIsFresh accepts ts when it is at most maxAge in the past and at
// most maxSkew in the future relative to now.
func TimestampIsFresh(ts, now time.Time, maxAge, maxSkew time.Duration) bool {
	age := now.Sub(ts)
	return age <= maxAge && age >= -maxSkew
}
