package secretsource

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger used to report fallbacks.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// Chain serves the master secret from a primary source and, outside
// production, falls back to a development source when the primary fails.
type Chain struct {
	primary    Source
	fallback   Source
	production bool
	logger     *slog.Logger
	fellBack   atomic.Bool
}

// NewChain builds a Chain. With production set, a primary failure surfaces as
// ErrSecretUnavailable instead of falling back.
func NewChain(primary, fallback Source, production bool, opts ...Option) *Chain {
	c := &Chain{
		primary:    primary,
		fallback:   fallback,
		production: production,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chain) Kind() Kind { return c.primary.Kind() }

// Development reports whether the last MasterSecret call was served by the
// fallback.
func (c *Chain) Development() bool {
	return c.fellBack.Load() || IsDevelopment(c.primary)
}

// Primary returns the backend the chain serves from when it can.
func (c *Chain) Primary() Source { return c.primary }

func (c *Chain) MasterSecret(ctx context.Context) ([]byte, error) {
	secret, err := c.primary.MasterSecret(ctx)
	if err == nil {
		c.fellBack.Store(false)
		return secret, nil
	}
	return c.FallBack(ctx, err)
}

// UsePrimary records that the caller obtained the secret from Primary
// directly.
func (c *Chain) UsePrimary() { c.fellBack.Store(false) }

// FallBack serves the development secret after the primary failed with
// cause. In production, or without a fallback source, it returns
// ErrSecretUnavailable wrapping cause.
func (c *Chain) FallBack(ctx context.Context, cause error) ([]byte, error) {
	if c.production || c.fallback == nil {
		return nil, fmt.Errorf("%s: %w: %w", c.primary.Kind(), ErrSecretUnavailable, cause)
	}
	c.logger.Warn("master secret source failed; falling back to development secret",
		slog.String("source", string(c.primary.Kind())),
		slog.String("error", cause.Error()))
	secret, err := c.fallback.MasterSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("development fallback: %w", err)
	}
	c.fellBack.Store(true)
	return secret, nil
}

func (c *Chain) RotateMasterSecret(ctx context.Context) ([]byte, error) {
	return c.primary.RotateMasterSecret(ctx)
}

// CreateMasterSecret delegates to the primary when it can create secrets.
func (c *Chain) CreateMasterSecret(ctx context.Context) ([]byte, error) {
	cr, ok := c.primary.(Creator)
	if !ok {
		return nil, ErrNotSupported
	}
	return cr.CreateMasterSecret(ctx)
}
