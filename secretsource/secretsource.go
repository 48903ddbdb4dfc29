// Package secretsource fetches and rotates the root ("master") secret that all
// per-owner field keys are derived from.
//
// Backends form a closed set selected by Kind: the process environment, AWS
// Secrets Manager, AWS KMS, HashiCorp Vault KV v2, and a deterministic
// development fallback. Every backend hands back the secret already normalized
// to 32 bytes.
package secretsource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmcleod/fieldkey/internal/util"
)

// SecretSize is the length of a normalized master secret.
const SecretSize = 32

var (
	// ErrNotFound is returned when the backend holds no master secret.
	ErrNotFound = errors.New("master secret not found")
	// ErrNotSupported is returned when a backend cannot perform an operation.
	ErrNotSupported = errors.New("operation not supported by secret source")
	// ErrSecretUnavailable is returned by a production Chain when the primary
	// source fails and falling back to the development secret is forbidden.
	ErrSecretUnavailable = errors.New("master secret unavailable")
	// ErrRotationScheduled is returned by the AWS KMS backend: rotation was
	// handed to KMS and no new secret material is available to the caller.
	ErrRotationScheduled = errors.New("rotation scheduled by AWS KMS")
	// ErrRotationNotPersisted is returned together with the new secret by
	// backends that cannot store it; the operator has to publish the value.
	ErrRotationNotPersisted = errors.New("rotated master secret must be published by the operator")
	// ErrUnknownKind is returned by New for an unrecognized provider name.
	ErrUnknownKind = errors.New("unknown secret source kind")
)

// Kind names a secret source backend.
type Kind string

const (
	KindEnv               Kind = "env"
	KindAWSSecretsManager Kind = "aws-secrets-manager"
	KindAWSKMS            Kind = "aws-kms"
	KindVault             Kind = "vault"
	KindDevelopment       Kind = "development"
)

// ParseKind maps a provider name, case-insensitively, to a Kind.
// An empty name selects KindEnv.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindEnv, nil
	case KindEnv, KindAWSSecretsManager, KindAWSKMS, KindVault, KindDevelopment:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q (use env, aws-secrets-manager, aws-kms, vault or development)", ErrUnknownKind, s)
	}
}

// Source is a backend holding the master secret.
type Source interface {
	// MasterSecret returns the normalized 32-byte master secret.
	MasterSecret(ctx context.Context) ([]byte, error)
	// RotateMasterSecret replaces the master secret and returns the new one.
	// A backend that cannot store the new secret returns it along with
	// ErrRotationNotPersisted.
	RotateMasterSecret(ctx context.Context) ([]byte, error)
	Kind() Kind
}

// Creator is implemented by sources that can persist a brand new master
// secret when none exists yet.
type Creator interface {
	CreateMasterSecret(ctx context.Context) ([]byte, error)
}

// DevelopmentReporter is implemented by sources that may serve the insecure
// development secret.
type DevelopmentReporter interface {
	Development() bool
}

// IsDevelopment reports whether src is, or has fallen back to, the development
// secret.
func IsDevelopment(src Source) bool {
	if d, ok := src.(DevelopmentReporter); ok {
		return d.Development()
	}
	return false
}

// Normalize converts a stored secret string into 32 bytes of key material.
// A standard or URL-safe base64 string that decodes to exactly 32 bytes is
// used as-is; anything else is taken as raw UTF-8, truncated or repeated to
// 32 bytes.
func Normalize(raw string) ([]byte, error) {
	if raw == "" {
		return nil, ErrNotFound
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(raw); err == nil && len(b) == SecretSize {
			return b, nil
		}
	}
	return util.FitLength([]byte(raw), SecretSize), nil
}

// newSecretString returns a fresh random 256-bit value encoded as URL-safe
// base64, the format every writable backend stores.
func newSecretString() (string, error) {
	return util.RandomToken(SecretSize)
}

// Config selects and parameterizes a backend for New.
type Config struct {
	Kind Kind

	// EnvVar overrides the variable read by the env backend.
	EnvVar string
	// LookupEnv overrides os.LookupEnv for the env backend.
	LookupEnv func(string) (string, bool)

	AWSRegion      string
	AWSSecretName  string
	AWSKMSKeyID    string
	AWSEndpointURL string

	VaultAddr       string
	VaultToken      string
	VaultMount      string
	VaultSecretPath string

	// DevelopmentSeed seeds the development fallback.
	DevelopmentSeed string
	// Production forbids falling back to the development secret.
	Production bool
	// Fallback wraps the selected backend in a Chain with the development
	// source behind it.
	Fallback bool

	Logger *slog.Logger
}

// New builds the backend named by cfg.Kind.
func New(ctx context.Context, cfg Config) (Source, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		src Source
		err error
	)
	switch cfg.Kind {
	case KindEnv, "":
		src = NewEnv(cfg.EnvVar, cfg.LookupEnv)
	case KindAWSSecretsManager:
		src, err = NewAWSSecretsManagerFromConfig(ctx, cfg.AWSSecretName, cfg.AWSRegion, cfg.AWSEndpointURL)
	case KindAWSKMS:
		if cfg.AWSKMSKeyID == "" {
			return nil, fmt.Errorf("aws-kms: AWS_KMS_KEY_ID not set")
		}
		src, err = NewAWSKMSFromConfig(ctx, cfg.AWSKMSKeyID, cfg.AWSRegion, cfg.AWSEndpointURL)
	case KindVault:
		if cfg.VaultAddr == "" || cfg.VaultToken == "" {
			return nil, fmt.Errorf("vault: VAULT_ADDR and VAULT_TOKEN not set")
		}
		src, err = NewVault(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMount, cfg.VaultSecretPath)
	case KindDevelopment:
		if cfg.Production {
			return nil, fmt.Errorf("development secret source: %w", ErrSecretUnavailable)
		}
		logger.Warn("using development master secret; never use this in production")
		return NewDevelopment(cfg.DevelopmentSeed), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Fallback {
		return NewChain(src, NewDevelopment(cfg.DevelopmentSeed), cfg.Production, WithLogger(logger)), nil
	}
	return src, nil
}
