package secretsource

import (
	"context"
	"fmt"
	"os"
)

// DefaultEnvVar is the variable the env backend reads.
const DefaultEnvVar = "MASTER_ENCRYPTION_KEY"

// Env reads the master secret from a process environment variable.
type Env struct {
	name   string
	lookup func(string) (string, bool)
}

// NewEnv returns an env backend reading name (DefaultEnvVar when empty)
// through lookup (os.LookupEnv when nil).
func NewEnv(name string, lookup func(string) (string, bool)) *Env {
	if name == "" {
		name = DefaultEnvVar
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Env{name: name, lookup: lookup}
}

func (e *Env) Kind() Kind { return KindEnv }

func (e *Env) MasterSecret(context.Context) ([]byte, error) {
	raw, ok := e.lookup(e.name)
	if !ok || raw == "" {
		return nil, fmt.Errorf("%s not set: %w", e.name, ErrNotFound)
	}
	return Normalize(raw)
}

// RotateMasterSecret returns a fresh secret with ErrRotationNotPersisted.
// The environment cannot be written, so the operator must publish the new
// value before restarting.
func (e *Env) RotateMasterSecret(context.Context) ([]byte, error) {
	raw, err := newSecretString()
	if err != nil {
		return nil, err
	}
	secret, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	return secret, fmt.Errorf("%s: %w", e.name, ErrRotationNotPersisted)
}

// Name returns the variable the backend reads.
func (e *Env) Name() string { return e.name }
