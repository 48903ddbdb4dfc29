// Package fieldcrypt encrypts individual field values under per-owner keys.
//
// Each value is sealed with AES-256-GCM under the key derived for
// (owner, version), with a fresh random 96-bit nonce, and wrapped in an
// Envelope that records the key version so older ciphertext keeps decrypting
// after rotation. Read-side failures degrade to "value unavailable" instead of
// propagating.
package fieldcrypt

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jmcleod/fieldkey/internal/util"
)

// Algorithm names the AEAD used for every envelope.
const Algorithm = "AES-256-GCM"

// ErrDecrypt is returned by Open for any parse, derivation or authentication
// failure.
var ErrDecrypt = errors.New("decryption failed")

// Deriver derives the field key for an owner and key version.
type Deriver interface {
	Derive(ctx context.Context, owner string, version int) ([]byte, error)
}

// Cipher encrypts and decrypts field values. It holds no per-call state and
// is safe for concurrent use.
type Cipher struct {
	keys Deriver
}

// NewCipher returns a Cipher deriving keys through keys.
func NewCipher(keys Deriver) *Cipher {
	return &Cipher{keys: keys}
}

// Encrypt seals plaintext for owner under the given key version.
func (c *Cipher) Encrypt(ctx context.Context, owner string, version int, plaintext string) (string, error) {
	key, err := c.keys.Derive(ctx, owner, version)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)

	nonce, ct, err := util.SealAESGCM([]byte(plaintext), key, nil)
	if err != nil {
		return "", fmt.Errorf("sealing field: %w", err)
	}
	env := &Envelope{Format: FormatV1, KeyVersion: version, Nonce: nonce, Ciphertext: ct}
	return env.Marshal()
}

// EncryptNullable is Encrypt for optional values; nil stays nil.
func (c *Cipher) EncryptNullable(ctx context.Context, owner string, version int, plaintext *string) (*string, error) {
	if plaintext == nil {
		return nil, nil
	}
	out, err := c.Encrypt(ctx, owner, version, *plaintext)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Open decrypts envelope for owner. A zero version uses the version embedded
// in the envelope; any other value pins it. Every failure wraps ErrDecrypt.
func (c *Cipher) Open(ctx context.Context, owner, envelope string, version int) (string, error) {
	env, err := ParseEnvelope(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	if version == 0 {
		version = env.KeyVersion
	}
	key, err := c.keys.Derive(ctx, owner, version)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	defer util.WipeBytes(key)

	pt, err := util.OpenAESGCM(env.Nonce, env.Ciphertext, key, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	if !utf8.Valid(pt) {
		return "", fmt.Errorf("%w: plaintext is not UTF-8", ErrDecrypt)
	}
	return string(pt), nil
}

// Decrypt decrypts envelope with its embedded key version. ok is false when
// the value could not be recovered.
func (c *Cipher) Decrypt(ctx context.Context, owner, envelope string) (plaintext string, ok bool) {
	return c.DecryptVersion(ctx, owner, envelope, 0)
}

// DecryptVersion is Decrypt with a pinned key version.
func (c *Cipher) DecryptVersion(ctx context.Context, owner, envelope string, version int) (plaintext string, ok bool) {
	pt, err := c.Open(ctx, owner, envelope, version)
	if err != nil {
		return "", false
	}
	return pt, true
}

// DecryptNullable returns nil for a nil or empty envelope and for any value
// that fails to decrypt.
func (c *Cipher) DecryptNullable(ctx context.Context, owner string, envelope *string) *string {
	if envelope == nil || *envelope == "" {
		return nil
	}
	pt, ok := c.Decrypt(ctx, owner, *envelope)
	if !ok {
		return nil
	}
	return &pt
}

// HashForLookup returns base64(SHA-256(value)), a deterministic unkeyed
// digest for equality lookups over encrypted columns.
func HashForLookup(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashForLookupNormalized hashes the trimmed, NFKC-normalized, lower-cased
// value so lookups ignore case and Unicode presentation differences.
func HashForLookupNormalized(value string) string {
	return HashForLookup(util.Fold(value))
}
