// Package rotation moves owners from one key version to the next.
//
// A rotation is opened with Start, which reserves the next key version and
// writes a Record. Complete flips activation from the old version to the new
// one, verifies the new key and marks the record COMPLETED, all in one storage
// transaction on the owner's scope. Rollback restores the old version.
// Existing ciphertext is not re-encrypted here; envelopes carry their key
// version and keep decrypting under the inactive version.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/fieldkey/auditlog"
	"github.com/jmcleod/fieldkey/fieldcrypt"
	"github.com/jmcleod/fieldkey/internal/uuid"
	"github.com/jmcleod/fieldkey/keyring"
	"github.com/jmcleod/fieldkey/registry"
	"github.com/jmcleod/fieldkey/secretsource"
	"github.com/jmcleod/fieldkey/storage"
)

const provisionReason = "PROVISION"

// StartRequest describes a rotation to open.
type StartRequest struct {
	Owner       string
	Reason      Reason
	DryRun      bool
	InitiatedBy string
}

// CompleteOptions controls post-activation verification.
type CompleteOptions struct {
	VerifySample bool
	SampleSize   int
}

// OwnerStatus summarizes an owner's key state.
type OwnerStatus struct {
	Owner         string        `json:"owner"`
	ActiveVersion int           `json:"active_version"`
	Fingerprint   string        `json:"fingerprint,omitempty"`
	CreatedAt     *time.Time    `json:"created_at,omitempty"`
	Age           time.Duration `json:"age"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	Versions      int           `json:"versions"`
	InProgress    *Record       `json:"in_progress,omitempty"`
}

// Outcome is the per-owner result of RotateAll.
type Outcome struct {
	Owner  string
	Record *Record
	Err    error
}

// Orchestrator runs the rotation state machine.
type Orchestrator struct {
	registry    *registry.Registry
	keys        *keyring.Keyring
	cipher      *fieldcrypt.Cipher
	sampler     Sampler
	audit       auditlog.Sink
	logger      *slog.Logger
	now         func() time.Time
	keyLifetime time.Duration
}

// New returns an Orchestrator over reg, deriving keys through keys.
func New(reg *registry.Registry, keys *keyring.Keyring, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		keys:     keys,
		cipher:   fieldcrypt.NewCipher(keys),
		audit:    auditlog.Discard,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry returns the key version registry.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Development reports whether keys derive from the development master secret.
func (o *Orchestrator) Development() bool {
	return o.keys.Development()
}

func (o *Orchestrator) repo() storage.Repository {
	return o.registry.Repository()
}

func (o *Orchestrator) clock() time.Time {
	return o.now().UTC()
}

func (o *Orchestrator) emit(ctx context.Context, evt auditlog.Event) {
	evt.Stamp(o.clock())
	if err := o.audit.Record(ctx, evt); err != nil {
		o.logger.Warn("recording audit event failed",
			slog.String("action", string(evt.Action)),
			slog.String("owner", evt.Owner),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) expiry(tx *registry.Tx) *time.Time {
	if o.keyLifetime <= 0 {
		return nil
	}
	at := tx.Now().Add(o.keyLifetime)
	return &at
}

// Provision gives owner its first key version, active immediately. An owner
// that already has an active version is left alone; created reports which
// happened.
func (o *Orchestrator) Provision(ctx context.Context, owner, by string) (kv *registry.KeyVersion, created bool, err error) {
	err = o.registry.Update(ctx, owner, func(tx *registry.Tx) error {
		all, err := tx.All()
		if err != nil {
			return err
		}
		for i := range all {
			if all[i].Active {
				kv = &all[i]
				return nil
			}
		}
		if len(all) > 0 {
			return fmt.Errorf("%w: %q has %d key versions but none active", ErrInvalidState, owner, len(all))
		}
		kv, err = tx.Create(provisionReason)
		if err != nil {
			return err
		}
		if err := tx.Activate(kv.Version); err != nil {
			return err
		}
		if exp := o.expiry(tx); exp != nil {
			if err := tx.SetExpiry(kv.Version, exp); err != nil {
				return err
			}
		}
		kv, err = tx.Get(kv.Version)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("provisioning %q: %w", owner, err)
	}
	if created {
		o.logger.Info("key provisioned",
			slog.String("owner", owner),
			slog.Int("version", kv.Version),
			slog.String("fingerprint", kv.Fingerprint))
		o.emit(ctx, auditlog.Event{
			Owner:       owner,
			Action:      auditlog.ActionKeyProvisioned,
			NewVersion:  kv.Version,
			Fingerprint: kv.Fingerprint,
			InitiatedBy: by,
		})
	}
	return kv, created, nil
}

// Start opens a rotation for req.Owner. The conflict check, version
// reservation and record write happen in one transaction.
//
// The new version is active+1. A version at that number that was reserved by
// an earlier dry run or failed completion, and never activated, is reused;
// otherwise the next free version is created.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Record, error) {
	reason, err := ParseReason(string(req.Reason))
	if err != nil {
		return nil, err
	}
	var rec *Record
	err = o.registry.Update(ctx, req.Owner, func(tx *registry.Tx) error {
		existing, err := loadRecords(tx.Batch())
		if err != nil {
			return err
		}
		for _, r := range existing {
			if r.Status == StatusInProgress {
				return fmt.Errorf("%w: %q has rotation %s open", ErrConflict, req.Owner, r.ID)
			}
		}

		active, err := tx.Active()
		if err != nil {
			return err
		}
		if active == nil {
			return fmt.Errorf("%q has no active key: %w", req.Owner, ErrNotFound)
		}

		next, err := tx.Get(active.Version + 1)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			next, err = tx.Create(string(reason))
		case err == nil && next.ActivatedAt != nil:
			next, err = tx.Create(string(reason))
		}
		if err != nil {
			return err
		}

		status := StatusInProgress
		if req.DryRun {
			status = StatusPending
		}
		rec = &Record{
			ID:                uuid.New(),
			Owner:             req.Owner,
			OldVersion:        active.Version,
			NewVersion:        next.Version,
			Reason:            reason,
			Status:            status,
			StartedAt:         o.clock(),
			FieldsReencrypted: []string{},
			InitiatedBy:       req.InitiatedBy,
		}
		return saveRecord(tx.Batch(), rec)
	})
	if err != nil {
		return nil, fmt.Errorf("starting rotation for %q: %w", req.Owner, err)
	}

	action := auditlog.ActionRotationStarted
	if req.DryRun {
		action = auditlog.ActionRotationDryRun
	}
	o.logger.Info("rotation started",
		slog.String("rotation", rec.ID),
		slog.String("owner", rec.Owner),
		slog.Int("old_version", rec.OldVersion),
		slog.Int("new_version", rec.NewVersion),
		slog.Bool("dry_run", req.DryRun))
	o.emit(ctx, o.recordEvent(rec, action))
	return rec, nil
}

// Complete activates the new version of an IN_PROGRESS rotation. On any
// failure the activation is not committed, the record is marked FAILED with
// the error message and the error is returned.
func (o *Orchestrator) Complete(ctx context.Context, id string, opts CompleteOptions) (*Record, error) {
	rec, err := o.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: cannot complete rotation %s with status %s", ErrInvalidState, id, rec.Status)
	}

	var done *Record
	err = o.registry.Update(ctx, rec.Owner, func(tx *registry.Tx) error {
		cur, err := loadRecord(tx.Batch(), id)
		if err != nil {
			return err
		}
		if cur.Status != StatusInProgress {
			return fmt.Errorf("%w: cannot complete rotation %s with status %s", ErrInvalidState, id, cur.Status)
		}
		// Old first: Activate refuses while another version is active.
		if err := tx.Deactivate(cur.OldVersion); err != nil {
			return err
		}
		if err := tx.Activate(cur.NewVersion); err != nil {
			return err
		}
		if exp := o.expiry(tx); exp != nil {
			if err := tx.SetExpiry(cur.NewVersion, exp); err != nil {
				return err
			}
		}
		verified, err := o.verify(ctx, cur, opts)
		if err != nil {
			return err
		}
		now := o.clock()
		cur.Status = StatusCompleted
		cur.CompletedAt = &now
		cur.Verified = verified
		cur.ErrorMessage = ""
		if err := saveRecord(tx.Batch(), cur); err != nil {
			return err
		}
		done = cur
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			// Another caller moved the record first; its outcome stands.
			return nil, fmt.Errorf("%w: rotation %s changed concurrently: %w", ErrInvalidState, id, err)
		}
		if errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		o.fail(ctx, rec, err)
		return nil, fmt.Errorf("completing rotation %s: %w", id, err)
	}

	o.logger.Info("rotation completed",
		slog.String("rotation", done.ID),
		slog.String("owner", done.Owner),
		slog.Int("active_version", done.NewVersion),
		slog.Int("verified", done.Verified))
	o.emit(ctx, o.recordEvent(done, auditlog.ActionRotationCompleted))
	return done, nil
}

// fail marks rec FAILED in a write of its own so the failure survives the
// rolled-back completion.
func (o *Orchestrator) fail(ctx context.Context, rec *Record, cause error) {
	err := o.repo().Batch(registry.Scope(rec.Owner), func(btx storage.BatchTx) error {
		cur, err := loadRecord(btx, rec.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusInProgress {
			return nil
		}
		now := o.clock()
		cur.Status = StatusFailed
		cur.CompletedAt = &now
		cur.ErrorMessage = cause.Error()
		return saveRecord(btx, cur)
	})
	if err != nil {
		o.logger.Error("marking rotation failed",
			slog.String("rotation", rec.ID),
			slog.String("error", err.Error()))
	}
	o.logger.Error("rotation failed",
		slog.String("rotation", rec.ID),
		slog.String("owner", rec.Owner),
		slog.String("error", cause.Error()))
	evt := o.recordEvent(rec, auditlog.ActionRotationFailed)
	evt.Error = cause.Error()
	o.emit(ctx, evt)
}

// Rollback leaves the record FAILED. For a COMPLETED rotation whose new
// version is still active it also reactivates the old version and
// deactivates the new one. Records that never activated their version
// (PENDING, IN_PROGRESS, FAILED) are only closed, since a later rotation may
// have reused that version number. A COMPLETED rotation superseded by a
// later one cannot be rolled back. Repeating a rollback changes nothing
// further.
func (o *Orchestrator) Rollback(ctx context.Context, id string) (*Record, error) {
	rec, err := o.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *Record
	err = o.registry.Update(ctx, rec.Owner, func(tx *registry.Tx) error {
		cur, err := loadRecord(tx.Batch(), id)
		if err != nil {
			return err
		}
		if cur.Status == StatusCompleted {
			active, err := tx.Active()
			if err != nil {
				return err
			}
			if active == nil || active.Version != cur.NewVersion {
				return fmt.Errorf("%w: v%d is no longer the active version", ErrInvalidState, cur.NewVersion)
			}
			if err := tx.Deactivate(cur.NewVersion); err != nil {
				return err
			}
			if err := tx.Activate(cur.OldVersion); err != nil {
				return err
			}
		}
		if cur.Status != StatusFailed {
			cur.Status = StatusFailed
			if cur.CompletedAt == nil {
				now := o.clock()
				cur.CompletedAt = &now
			}
			if cur.ErrorMessage == "" {
				cur.ErrorMessage = "rolled back"
			}
			if err := saveRecord(tx.Batch(), cur); err != nil {
				return err
			}
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rolling back rotation %s: %w", id, err)
	}
	o.logger.Warn("rotation rolled back",
		slog.String("rotation", out.ID),
		slog.String("owner", out.Owner),
		slog.Int("active_version", out.OldVersion))
	o.emit(ctx, o.recordEvent(out, auditlog.ActionRotationRolledBack))
	return out, nil
}

// Discard deletes a PENDING (dry-run) record. The version it reserved stays
// inactive and is reused by the next Start.
func (o *Orchestrator) Discard(ctx context.Context, id string) error {
	rec, err := o.Find(ctx, id)
	if err != nil {
		return err
	}
	err = o.repo().Batch(registry.Scope(rec.Owner), func(btx storage.BatchTx) error {
		cur, err := loadRecord(btx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending {
			return fmt.Errorf("%w: only dry-run rotations can be discarded, %s is %s", ErrInvalidState, id, cur.Status)
		}
		return btx.Delete(Kind, id)
	})
	if err != nil {
		return fmt.Errorf("discarding rotation %s: %w", id, err)
	}
	o.emit(ctx, o.recordEvent(rec, auditlog.ActionRotationDiscarded))
	return nil
}

// Find returns the record with the given ID from whichever owner holds it.
func (o *Orchestrator) Find(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !uuid.Valid(id) {
		return nil, fmt.Errorf("record %q: %w", id, ErrNotFound)
	}
	scopes, err := o.repo().ListScopes()
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	for _, scope := range scopes {
		if _, ok := registry.OwnerFromScope(scope); !ok {
			continue
		}
		rec, err := loadRecord(storage.Scoped(o.repo(), scope), id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return rec, err
	}
	return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
}

// Records returns owner's rotation records, newest first.
func (o *Orchestrator) Records(ctx context.Context, owner string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return loadRecords(storage.Scoped(o.repo(), registry.Scope(owner)))
}

// AllRecords returns the records of every owner, newest first.
func (o *Orchestrator) AllRecords(ctx context.Context) ([]Record, error) {
	owners, err := o.registry.Owners(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, owner := range owners {
		recs, err := o.Records(ctx, owner)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sortNewestFirst(out)
	return out, nil
}

// Status reports owner's active version and any rotation in progress.
// Owners without any key version yield ErrNotFound.
func (o *Orchestrator) Status(ctx context.Context, owner string) (*OwnerStatus, error) {
	all, err := o.registry.AllFor(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%q has no key versions: %w", owner, ErrNotFound)
	}
	st := &OwnerStatus{Owner: owner, Versions: len(all)}
	for i := range all {
		kv := all[i]
		if !kv.Active {
			continue
		}
		st.ActiveVersion = kv.Version
		st.Fingerprint = kv.Fingerprint
		st.CreatedAt = &kv.CreatedAt
		st.Age = kv.Age(o.clock())
		st.ExpiresAt = kv.ExpiresAt
	}
	recs, err := o.Records(ctx, owner)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Status == StatusInProgress {
			st.InProgress = &recs[i]
			break
		}
	}
	return st, nil
}

// RotateAll starts, and unless dryRun completes, a rotation for every owner
// with an active key. One owner failing does not stop the others.
func (o *Orchestrator) RotateAll(ctx context.Context, reason Reason, dryRun bool, by string, opts CompleteOptions) ([]Outcome, error) {
	owners, err := o.registry.Owners(ctx)
	if err != nil {
		return nil, err
	}
	var outcomes []Outcome
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		active, err := o.registry.ActiveFor(ctx, owner)
		if err != nil {
			outcomes = append(outcomes, Outcome{Owner: owner, Err: err})
			continue
		}
		if active == nil {
			continue
		}
		outcomes = append(outcomes, o.RotateOwner(ctx, StartRequest{
			Owner:       owner,
			Reason:      reason,
			DryRun:      dryRun,
			InitiatedBy: by,
		}, opts))
	}
	return outcomes, nil
}

// RotateOwner starts a rotation and, unless it is a dry run, completes it.
func (o *Orchestrator) RotateOwner(ctx context.Context, req StartRequest, opts CompleteOptions) Outcome {
	rec, err := o.Start(ctx, req)
	if err != nil || req.DryRun {
		return Outcome{Owner: req.Owner, Record: rec, Err: err}
	}
	done, err := o.Complete(ctx, rec.ID, opts)
	if err != nil {
		if failed, ferr := o.Find(ctx, rec.ID); ferr == nil {
			rec = failed
		}
		return Outcome{Owner: req.Owner, Record: rec, Err: err}
	}
	return Outcome{Owner: req.Owner, Record: done}
}

// RotateMaster replaces the master secret through the keyring. Backends that
// rotate asynchronously return secretsource.ErrRotationScheduled; it is
// audited like a completed rotation and returned so callers can report it.
// Backends that cannot store the new secret return it base64-encoded with
// secretsource.ErrRotationNotPersisted; that rotation is audited as pending
// until the operator publishes the value.
func (o *Orchestrator) RotateMaster(ctx context.Context, by string) (string, error) {
	publish, err := o.keys.RotateMaster(ctx)
	evt := auditlog.Event{
		Action:      auditlog.ActionMasterRotated,
		InitiatedBy: by,
		Reason:      string(o.keys.Source().Kind()),
	}
	switch {
	case errors.Is(err, secretsource.ErrRotationNotPersisted):
		evt.Action = auditlog.ActionMasterRotationPending
	case err != nil && !errors.Is(err, secretsource.ErrRotationScheduled):
		evt.Error = err.Error()
	}
	o.emit(ctx, evt)
	return publish, err
}

func (o *Orchestrator) recordEvent(rec *Record, action auditlog.Action) auditlog.Event {
	return auditlog.Event{
		RecordID:    rec.ID,
		Owner:       rec.Owner,
		Action:      action,
		Reason:      string(rec.Reason),
		OldVersion:  rec.OldVersion,
		NewVersion:  rec.NewVersion,
		Fingerprint: registry.Fingerprint(rec.Owner, rec.NewVersion),
		InitiatedBy: rec.InitiatedBy,
	}
}
