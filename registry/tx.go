package registry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/fieldkey/fieldcrypt"
	"github.com/jmcleod/fieldkey/storage"
)

// Tx is the registry bound to an open storage batch on one owner's scope.
// Several Tx calls compose into a single atomic unit.
type Tx struct {
	btx    storage.BatchTx
	owner  string
	now    func() time.Time
	logger *slog.Logger
}

// Owner returns the owner the transaction is bound to.
func (t *Tx) Owner() string { return t.owner }

// Batch returns the underlying storage batch so other documents in the
// owner's scope can be written in the same transaction.
func (t *Tx) Batch() storage.BatchTx { return t.btx }

// Now returns the registry clock.
func (t *Tx) Now() time.Time { return t.now().UTC() }

func (t *Tx) Get(version int) (*KeyVersion, error) {
	return getIn(t.btx, t.owner, version)
}

func (t *Tx) All() ([]KeyVersion, error) {
	return allIn(t.btx)
}

func (t *Tx) Active() (*KeyVersion, error) {
	return activeIn(t.btx)
}

func (t *Tx) put(kv *KeyVersion) error {
	doc, err := storage.Encode(kv, 0)
	if err != nil {
		return err
	}
	return t.btx.Put(Kind, versionID(kv.Version), doc)
}

// Create allocates version 1 + max(existing) as an inactive key.
func (t *Tx) Create(reason string) (*KeyVersion, error) {
	all, err := t.All()
	if err != nil {
		return nil, err
	}
	next := 1
	if n := len(all); n > 0 {
		next = all[n-1].Version + 1
	}
	kv := &KeyVersion{
		Owner:       t.owner,
		Version:     next,
		Algorithm:   fieldcrypt.Algorithm,
		Fingerprint: Fingerprint(t.owner, next),
		Master:      t.owner == "",
		Reason:      reason,
		CreatedAt:   t.Now(),
	}
	if err := t.put(kv); err != nil {
		return nil, err
	}
	t.logger.Debug("key version created",
		slog.String("owner", t.owner),
		slog.Int("version", next),
		slog.String("fingerprint", kv.Fingerprint))
	return kv, nil
}

// Activate marks version active, recording the first activation time.
// Activating the already active version is a no-op.
func (t *Tx) Activate(version int) error {
	all, err := t.All()
	if err != nil {
		return err
	}
	var target *KeyVersion
	for i := range all {
		kv := &all[i]
		if kv.Version == version {
			target = kv
			continue
		}
		if kv.Active {
			return fmt.Errorf("activating %q v%d while v%d is active: %w", t.owner, version, kv.Version, ErrMultipleActive)
		}
	}
	if target == nil {
		return fmt.Errorf("%q v%d: %w", t.owner, version, ErrNotFound)
	}
	if target.Active {
		return nil
	}
	target.Active = true
	if target.ActivatedAt == nil {
		now := t.Now()
		target.ActivatedAt = &now
	}
	return t.put(target)
}

// Deactivate marks version inactive. Deactivating an inactive version is a no-op.
func (t *Tx) Deactivate(version int) error {
	kv, err := t.Get(version)
	if err != nil {
		return err
	}
	if !kv.Active {
		return nil
	}
	kv.Active = false
	return t.put(kv)
}

// SetExpiry sets or clears the expiry of version.
func (t *Tx) SetExpiry(version int, at *time.Time) error {
	kv, err := t.Get(version)
	if err != nil {
		return err
	}
	if at != nil {
		utc := at.UTC()
		at = &utc
	}
	kv.ExpiresAt = at
	return t.put(kv)
}
