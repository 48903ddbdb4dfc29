package secretsource

import (
	"context"

	"github.com/jmcleod/fieldkey/internal/util"
)

const defaultDevelopmentSeed = "fieldkey-insecure-development-secret"

// Development derives a deterministic secret from a local seed. It exists so
// a developer can run without any secret backend and must never serve
// production data.
type Development struct {
	secret []byte
}

// NewDevelopment returns a development source for seed, or for a fixed
// built-in seed when seed is empty.
func NewDevelopment(seed string) *Development {
	if seed == "" {
		seed = defaultDevelopmentSeed
	}
	return &Development{secret: util.FitLength([]byte(seed), SecretSize)}
}

func (d *Development) Kind() Kind { return KindDevelopment }

func (d *Development) Development() bool { return true }

func (d *Development) MasterSecret(context.Context) ([]byte, error) {
	return util.CopyBytes(d.secret), nil
}

func (d *Development) RotateMasterSecret(context.Context) ([]byte, error) {
	return nil, ErrNotSupported
}
