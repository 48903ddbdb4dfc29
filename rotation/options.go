package rotation

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmcleod/fieldkey/auditlog"
)

// DefaultSampleSize is the number of envelopes Complete asks the Sampler for
// when CompleteOptions.SampleSize is zero.
const DefaultSampleSize = 10

// Sampler draws already-encrypted values of an owner from the record store
// that holds them.
type Sampler interface {
	Sample(ctx context.Context, owner string, limit int) ([]string, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context, owner string, limit int) ([]string, error)

func (f SamplerFunc) Sample(ctx context.Context, owner string, limit int) ([]string, error) {
	return f(ctx, owner, limit)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithAuditSink sets where lifecycle events are recorded.
func WithAuditSink(s auditlog.Sink) Option {
	return func(o *Orchestrator) {
		o.audit = s
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithKeyLifetime gives newly activated key versions an expiry this far in
// the future. Zero leaves versions without expiry.
func WithKeyLifetime(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.keyLifetime = d
	}
}

// WithSampler sets the source of envelopes checked during Complete.
func WithSampler(s Sampler) Option {
	return func(o *Orchestrator) {
		o.sampler = s
	}
}
