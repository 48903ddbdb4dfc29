// Package health inspects key and rotation state for operators: keys close to
// expiry, active keys with no expiry scheduled, how much of the record store
// is encrypted, rotations left open and recent failures.
//
// Reports are read-only and structured; rendering is up to the caller.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/fieldkey/registry"
	"github.com/jmcleod/fieldkey/rotation"
)

const (
	// DefaultWarnWithin is the expiry warning window when Options leaves it zero.
	DefaultWarnWithin = 30 * 24 * time.Hour

	recentFailureLimit = 5
	ownerVersionLimit  = 5
	ownerRotationLimit = 3
)

// Options selects what a report covers.
type Options struct {
	WarnWithin time.Duration
	// Owner, when set, adds per-owner detail to the report.
	Owner string
}

// KeyAlert describes an active key version that needs scheduling attention.
type KeyAlert struct {
	Owner       string     `json:"owner"`
	Version     int        `json:"version"`
	Fingerprint string     `json:"fingerprint"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	DaysLeft    int        `json:"days_left"`
}

// OwnerDetail is the per-owner section of a report.
type OwnerDetail struct {
	Owner           string                `json:"owner"`
	ActiveVersion   int                   `json:"active_version"`
	Versions        []registry.KeyVersion `json:"versions"`
	RecentRotations []rotation.Record     `json:"recent_rotations"`
}

// Report is the result of Monitor.Report.
type Report struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	WarnWithin     time.Duration     `json:"warn_within"`
	Development    bool              `json:"development"`
	ActiveKeys     int               `json:"active_keys"`
	Expiring       []KeyAlert        `json:"expiring"`
	NoExpiry       []KeyAlert        `json:"no_expiry"`
	Coverage       []Coverage        `json:"coverage"`
	CoverageError  string            `json:"coverage_error,omitempty"`
	Stuck          []rotation.Record `json:"stuck"`
	RecentFailures []rotation.Record `json:"recent_failures"`
	Owner          *OwnerDetail      `json:"owner,omitempty"`
}

// Healthy reports whether nothing in the report needs attention. Keys
// without expiry are a scheduling gap, not a failure.
func (r *Report) Healthy() bool {
	return !r.Development && len(r.Expiring) == 0 && len(r.Stuck) == 0 && len(r.RecentFailures) == 0
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCoverage sets where encryption coverage is counted.
func WithCoverage(src CoverageSource) Option {
	return func(m *Monitor) { m.coverage = src }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// Monitor builds health reports.
type Monitor struct {
	orch     *rotation.Orchestrator
	coverage CoverageSource
	now      func() time.Time
	logger   *slog.Logger
}

// NewMonitor returns a Monitor reading through orch.
func NewMonitor(orch *rotation.Orchestrator, opts ...Option) *Monitor {
	m := &Monitor{orch: orch, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Report gathers the current state.
func (m *Monitor) Report(ctx context.Context, opts Options) (*Report, error) {
	warn := opts.WarnWithin
	if warn <= 0 {
		warn = DefaultWarnWithin
	}
	now := m.now().UTC()
	rep := &Report{
		GeneratedAt:    now,
		WarnWithin:     warn,
		Development:    m.orch.Development(),
		Expiring:       []KeyAlert{},
		NoExpiry:       []KeyAlert{},
		Coverage:       []Coverage{},
		Stuck:          []rotation.Record{},
		RecentFailures: []rotation.Record{},
	}

	keys, err := m.orch.Registry().All(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing key versions: %w", err)
	}
	threshold := now.Add(warn)
	for _, kv := range keys {
		if !kv.Active {
			continue
		}
		rep.ActiveKeys++
		alert := KeyAlert{Owner: kv.Owner, Version: kv.Version, Fingerprint: kv.Fingerprint, ExpiresAt: kv.ExpiresAt}
		if kv.ExpiresAt == nil {
			rep.NoExpiry = append(rep.NoExpiry, alert)
			continue
		}
		if !kv.ExpiresAt.After(threshold) {
			alert.DaysLeft = int(kv.ExpiresAt.Sub(now).Hours() / 24)
			rep.Expiring = append(rep.Expiring, alert)
		}
	}

	if m.coverage != nil {
		cov, err := m.coverage.Coverage(ctx)
		if err != nil {
			m.logger.Warn("counting encryption coverage failed", slog.String("error", err.Error()))
			rep.CoverageError = err.Error()
		} else {
			rep.Coverage = cov
		}
	}

	records, err := m.orch.AllRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing rotations: %w", err)
	}
	for _, rec := range records {
		switch {
		case rec.Status.Open():
			rep.Stuck = append(rep.Stuck, rec)
		case rec.Status == rotation.StatusFailed && len(rep.RecentFailures) < recentFailureLimit:
			rep.RecentFailures = append(rep.RecentFailures, rec)
		}
	}

	if opts.Owner != "" {
		detail, err := m.ownerDetail(ctx, opts.Owner)
		if err != nil {
			return nil, err
		}
		rep.Owner = detail
	}
	return rep, nil
}

func (m *Monitor) ownerDetail(ctx context.Context, owner string) (*OwnerDetail, error) {
	versions, err := m.orch.Registry().AllFor(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("owner %q has no key versions: %w", owner, rotation.ErrNotFound)
	}
	detail := &OwnerDetail{Owner: owner}
	for i := len(versions) - 1; i >= 0; i-- {
		kv := versions[i]
		if kv.Active {
			detail.ActiveVersion = kv.Version
		}
		if len(detail.Versions) < ownerVersionLimit {
			detail.Versions = append(detail.Versions, kv)
		}
	}
	recs, err := m.orch.Records(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(recs) > ownerRotationLimit {
		recs = recs[:ownerRotationLimit]
	}
	detail.RecentRotations = recs
	return detail, nil
}
