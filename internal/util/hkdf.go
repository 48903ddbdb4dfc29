package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// HKDF runs HKDF-SHA256 extract-and-expand over ikm and returns HKDFKeyLength bytes.
func HKDF(ikm, salt, info []byte) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, fmt.Errorf("hkdf: empty input key material")
	}
	h := hkdf.New(sha256.New, ikm, salt, info)
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
