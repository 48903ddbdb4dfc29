// Package adminapi exposes key provisioning, rotation and health over HTTP
// for operators and deployment tooling.
package adminapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/fieldkey/auditlog"
	"github.com/jmcleod/fieldkey/health"
	"github.com/jmcleod/fieldkey/rotation"
)

// defaultInitiator is recorded when a request names no initiator.
const defaultInitiator = "admin-api"

// API holds the dependencies needed by the REST handlers.
type API struct {
	orch       *rotation.Orchestrator
	monitor    *health.Monitor
	trail      *auditlog.StoreSink
	gatherer   prometheus.Gatherer
	token      string
	limiter    *tokenRateLimiter
	complete   rotation.CompleteOptions
	warnWithin time.Duration
	logger     *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithToken requires "Authorization: Bearer <token>" on every /v1 route.
// An empty token leaves the API open.
func WithToken(token string) Option {
	return func(a *API) {
		a.token = token
	}
}

// WithAuditTrail serves GET /v1/audit from the stored trail.
func WithAuditTrail(trail *auditlog.StoreSink) Option {
	return func(a *API) {
		a.trail = trail
	}
}

// WithMetrics serves GET /metrics from g.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(a *API) {
		a.gatherer = g
	}
}

// WithCompleteOptions sets the verification applied when a request does not
// choose its own.
func WithCompleteOptions(opts rotation.CompleteOptions) Option {
	return func(a *API) {
		a.complete = opts
	}
}

// WithWarnWithin sets the default health warning window.
func WithWarnWithin(d time.Duration) Option {
	return func(a *API) {
		a.warnWithin = d
	}
}

// New creates a new API instance.
func New(orch *rotation.Orchestrator, monitor *health.Monitor, opts ...Option) *API {
	a := &API{
		orch:       orch,
		monitor:    monitor,
		limiter:    newTokenRateLimiter(),
		complete:   rotation.CompleteOptions{VerifySample: true, SampleSize: rotation.DefaultSampleSize},
		warnWithin: health.DefaultWarnWithin,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.token == "" {
		a.logger.Warn("admin API has no token configured; every route is unauthenticated")
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.AuthMiddleware)

		r.Get("/health", a.Health)
		r.Get("/audit", a.ListAudit)

		r.Post("/master/keys", a.ProvisionMaster)
		r.Post("/master/rotate", a.RotateMaster)

		r.Post("/rotations", a.RotateAll)
		r.Get("/rotations", a.ListAllRotations)
		r.Route("/rotations/{recordID}", func(r chi.Router) {
			r.Get("/", a.GetRotation)
			r.Delete("/", a.DiscardRotation)
			r.Post("/complete", a.CompleteRotation)
			r.Post("/rollback", a.RollbackRotation)
		})

		r.Route("/owners/{owner}", func(r chi.Router) {
			r.Post("/keys", a.ProvisionKey)
			r.Get("/status", a.OwnerStatus)
			r.Get("/rotations", a.ListRotations)
			r.Post("/rotations", a.StartRotation)
		})
	})

	return r
}

// SweepLimiter forgets expired token failures every interval until ctx ends.
func (a *API) SweepLimiter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.limiter.sweep()
		}
	}
}
