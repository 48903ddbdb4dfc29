package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// Fold returns the NFKC-normalized, lower-cased form of s.
func Fold(s string) string {
	return strings.ToLower(Normalize(strings.TrimSpace(s)))
}

// ShortDigest returns the first n hex characters of SHA-256(s).
func ShortDigest(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}
