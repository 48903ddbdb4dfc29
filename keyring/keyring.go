// Package keyring derives per-owner field keys from the master secret.
//
// The master secret is fetched from a secretsource.Source at most once per
// process and held in a memguard enclave until Invalidate or RotateMaster.
// Derivation is HKDF-SHA256 with the decimal key version as salt and the
// owner ID (or "global") as info, so a (owner, version) pair always yields
// the same 32-byte key for a given master secret.
package keyring

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/fieldkey/internal/util"
	"github.com/jmcleod/fieldkey/secretsource"
)

// GlobalInfo is the HKDF info used for the master/global scope.
const GlobalInfo = "global"

var (
	// ErrInvalidVersion is returned for key versions below 1.
	ErrInvalidVersion = errors.New("key version must be at least 1")
	// ErrMasterMissing is returned by EnsureMaster when the source holds no
	// secret and creation was not allowed or not possible.
	ErrMasterMissing = errors.New("master secret missing from secret source")
)

// Option configures a Keyring.
type Option func(*Keyring)

// WithLogger sets the keyring logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Keyring) { k.logger = l }
}

// Keyring caches the master secret and derives field keys from it.
// It is safe for concurrent use.
type Keyring struct {
	source secretsource.Source
	logger *slog.Logger

	mu     sync.Mutex
	master *memguard.Enclave
}

// New returns a Keyring backed by src.
func New(src secretsource.Source, opts ...Option) *Keyring {
	k := &Keyring{source: src, logger: slog.Default()}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Source returns the underlying secret source.
func (k *Keyring) Source() secretsource.Source {
	return k.source
}

// Development reports whether the master secret comes from the development
// fallback.
func (k *Keyring) Development() bool {
	return secretsource.IsDevelopment(k.source)
}

func (k *Keyring) enclave(ctx context.Context) (*memguard.Enclave, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.master != nil {
		return k.master, nil
	}
	secret, err := k.source.MasterSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching master secret: %w", err)
	}
	k.store(secret)
	return k.master, nil
}

// store seals secret into a fresh enclave; memguard wipes secret.
// Callers hold k.mu.
func (k *Keyring) store(secret []byte) {
	k.master = memguard.NewEnclave(secret)
	if k.Development() {
		k.logger.Warn("master secret is the development fallback; data encrypted now is not protected")
	}
}

// Derive returns the 32-byte key for owner at version. An empty owner
// selects the global scope.
func (k *Keyring) Derive(ctx context.Context, owner string, version int) ([]byte, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidVersion, version)
	}
	enc, err := k.enclave(ctx)
	if err != nil {
		return nil, err
	}
	buf, err := enc.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master enclave: %w", err)
	}
	defer buf.Destroy()

	info := owner
	if info == "" {
		info = GlobalInfo
	}
	key, err := util.HKDF(buf.Bytes(), []byte(strconv.Itoa(version)), []byte(info))
	if err != nil {
		return nil, fmt.Errorf("deriving key for %s v%d: %w", info, version, err)
	}
	return key, nil
}

// Invalidate drops the cached master secret; the next Derive refetches it.
func (k *Keyring) Invalidate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.master = nil
}

// RotateMaster asks the source to replace the master secret and drops the
// cached copy. Ciphertext written under the previous master secret no longer
// decrypts until it is re-encrypted. secretsource.ErrRotationScheduled is
// returned unchanged when the backend rotates asynchronously.
//
// When the source cannot store the new secret, RotateMaster returns it
// base64-encoded together with secretsource.ErrRotationNotPersisted and keeps
// serving the current secret; the rotation takes effect once the operator
// publishes the value and restarts.
func (k *Keyring) RotateMaster(ctx context.Context) (string, error) {
	secret, err := k.source.RotateMasterSecret(ctx)
	switch {
	case errors.Is(err, secretsource.ErrRotationNotPersisted):
		publish := base64.StdEncoding.EncodeToString(secret)
		memguard.WipeBytes(secret)
		k.logger.Warn("new master secret generated but not stored; publish it and restart",
			slog.String("source", string(k.source.Kind())))
		return publish, err
	case err != nil && !errors.Is(err, secretsource.ErrRotationScheduled):
		return "", fmt.Errorf("rotating master secret: %w", err)
	}
	memguard.WipeBytes(secret)
	k.Invalidate()
	k.logger.Warn("master secret rotated; existing ciphertext must be re-encrypted",
		slog.String("source", string(k.source.Kind())))
	return "", err
}

// EnsureMaster makes sure the source holds a master secret and caches it.
// When the source reports none and createIfMissing is set, a new secret is
// created through the source if it supports creation. A secretsource.Chain
// is unwrapped so creation targets its primary backend; the development
// fallback is used only when the primary still has no secret afterwards.
func (k *Keyring) EnsureMaster(ctx context.Context, createIfMissing bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	primary := k.source
	chain, chained := k.source.(*secretsource.Chain)
	if chained {
		primary = chain.Primary()
	}

	secret, err := primary.MasterSecret(ctx)
	switch {
	case err == nil:
	case !errors.Is(err, secretsource.ErrNotFound):
		err = fmt.Errorf("fetching master secret: %w", err)
	case !createIfMissing:
		err = fmt.Errorf("%w: %w", ErrMasterMissing, err)
	default:
		secret, err = k.create(ctx, primary)
	}
	if err == nil {
		if chained {
			chain.UsePrimary()
		}
		k.store(secret)
		return nil
	}
	if !chained {
		return err
	}
	secret, ferr := chain.FallBack(ctx, err)
	if ferr != nil {
		return ferr
	}
	k.store(secret)
	return nil
}

func (k *Keyring) create(ctx context.Context, src secretsource.Source) ([]byte, error) {
	creator, ok := src.(secretsource.Creator)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot create secrets: %w", ErrMasterMissing, src.Kind(), secretsource.ErrNotSupported)
	}
	secret, err := creator.CreateMasterSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: creating: %w", ErrMasterMissing, err)
	}
	k.logger.Info("created master secret", slog.String("source", string(src.Kind())))
	return secret, nil
}
