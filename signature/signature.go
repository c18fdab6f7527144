// Package signature provides stateless HMAC verification of webhook bodies.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// Sign computes the hex HMAC of body with secret using the named algorithm
// (sha256 default, sha1 legacy).
func Sign(secret, algorithm string, body []byte) string {
	var mac hash.Hash
	switch strings.ToLower(algorithm) {
	case "sha1":
		mac = hmac.New(sha1.New, []byte(secret))
	default:
		mac = hmac.New(sha256.New, []byte(secret))
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks provided against the HMAC of body. Comparison is constant
// time. Common provider prefixes ("sha256=", "v1=") and hex case differences
// are tolerated.
func Verify(secret, algorithm string, body []byte, provided string) bool {
	if provided == "" {
		return false
	}

	expected := Sign(secret, algorithm, body)
	candidate := normalize(provided)

	return hmac.Equal([]byte(expected), []byte(candidate))
}

// normalize strips a "<label>=" prefix if present and lowercases the hex.
func normalize(sig string) string {
	if i := strings.IndexByte(sig, '='); i >= 0 {
		sig = sig[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(sig))
}
