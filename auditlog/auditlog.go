// Package auditlog records key lifecycle events: rotations starting,
// completing, failing and rolling back, keys being provisioned and the master
// secret being rotated.
//
// Events fan out to one or more Sinks. A sink failure is reported to the
// caller but never undoes the operation that produced the event.
package auditlog

import (
	"context"
	"errors"
	"time"

	"github.com/jmcleod/fieldkey/internal/uuid"
)

// Action identifies the kind of key lifecycle event.
type Action string

const (
	ActionRotationStarted       Action = "rotation_started"
	ActionRotationDryRun        Action = "rotation_dry_run"
	ActionRotationCompleted     Action = "rotation_completed"
	ActionRotationFailed        Action = "rotation_failed"
	ActionRotationRolledBack    Action = "rotation_rolled_back"
	ActionRotationDiscarded     Action = "rotation_discarded"
	ActionKeyProvisioned        Action = "key_provisioned"
	ActionMasterRotated         Action = "master_rotated"
	ActionMasterRotationPending Action = "master_rotation_pending"
)

// Event is one audit trail entry. Key material never appears in an event;
// versions and fingerprints identify keys.
type Event struct {
	ID          string    `json:"id"`
	RecordID    string    `json:"record_id,omitempty"`
	Owner       string    `json:"owner"`
	Action      Action    `json:"action"`
	Reason      string    `json:"reason,omitempty"`
	OldVersion  int       `json:"old_version,omitempty"`
	NewVersion  int       `json:"new_version,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	InitiatedBy string    `json:"initiated_by,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Stamp fills in ID and At when unset.
func (e *Event) Stamp(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = now.UTC()
	}
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, evt Event) error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) error { return nil }

// Multi returns a Sink that forwards each event to every sink in order and
// joins their errors.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Record(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
