package fieldcrypt

import (
	"context"
	"fmt"
)

// VersionSource reports the key version new writes for an owner must use.
type VersionSource interface {
	ActiveVersion(ctx context.Context, owner string) (int, error)
}

// Protector is the contract record stores use: encrypt under the owner's
// current key, decrypt under whatever key the envelope names.
type Protector struct {
	cipher   *Cipher
	versions VersionSource
}

// NewProtector returns a Protector. The active version is looked up on every
// Encrypt call.
func NewProtector(cipher *Cipher, versions VersionSource) *Protector {
	return &Protector{cipher: cipher, versions: versions}
}

// Cipher returns the underlying Cipher.
func (p *Protector) Cipher() *Cipher {
	return p.cipher
}

// Encrypt seals plaintext under owner's active key version.
func (p *Protector) Encrypt(ctx context.Context, owner, plaintext string) (string, error) {
	version, err := p.versions.ActiveVersion(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("resolving active key for %q: %w", owner, err)
	}
	return p.cipher.Encrypt(ctx, owner, version, plaintext)
}

// Decrypt opens envelope under its embedded key version.
func (p *Protector) Decrypt(ctx context.Context, owner, envelope string) (string, bool) {
	return p.cipher.Decrypt(ctx, owner, envelope)
}

// NeedsRotation reports whether envelope was written under a version other
// than owner's active one.
func (p *Protector) NeedsRotation(ctx context.Context, owner, envelope string) (bool, error) {
	embedded, err := EmbeddedVersion(envelope)
	if err != nil {
		return false, err
	}
	active, err := p.versions.ActiveVersion(ctx, owner)
	if err != nil {
		return false, err
	}
	return embedded != active, nil
}

// Reencrypt moves envelope to owner's active key version. Envelopes already
// on the active version are returned unchanged with rotated set to false.
func (p *Protector) Reencrypt(ctx context.Context, owner, envelope string) (out string, rotated bool, err error) {
	embedded, err := EmbeddedVersion(envelope)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	active, err := p.versions.ActiveVersion(ctx, owner)
	if err != nil {
		return "", false, fmt.Errorf("resolving active key for %q: %w", owner, err)
	}
	if embedded == active {
		return envelope, false, nil
	}
	pt, err := p.cipher.Open(ctx, owner, envelope, embedded)
	if err != nil {
		return "", false, err
	}
	out, err = p.cipher.Encrypt(ctx, owner, active, pt)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}
