// Package registry catalogs the key versions of every owner and enforces that
// at most one version per owner is active.
//
// Each owner is one storage scope, so key versions and the rotation records
// that move between them can be updated in a single storage.Batch.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/fieldkey/fieldcrypt"
	"github.com/jmcleod/fieldkey/internal/util"
	"github.com/jmcleod/fieldkey/storage"
)

// Kind is the storage kind key versions are written under.
const Kind = "KEYVERSION"

const (
	masterScope = "__master"
	ownerPrefix = "owner."
)

var (
	// ErrNotFound is returned for unknown key versions.
	ErrNotFound = errors.New("key version not found")
	// ErrMultipleActive is returned when an operation would leave, or finds,
	// more than one active key version for an owner.
	ErrMultipleActive = errors.New("owner would have more than one active key version")
	// ErrNoActiveKey is returned by ActiveVersion when an owner has no active key.
	ErrNoActiveKey = errors.New("owner has no active key version")
)

// KeyVersion describes one derivable key. The key itself is never stored;
// (Owner, Version) is enough to re-derive it.
type KeyVersion struct {
	Owner       string     `json:"owner"`
	Version     int        `json:"version"`
	Algorithm   string     `json:"algorithm"`
	Fingerprint string     `json:"fingerprint"`
	Active      bool       `json:"active"`
	Master      bool       `json:"master"`
	Reason      string     `json:"reason,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Age is the time since the version was created.
func (k *KeyVersion) Age(now time.Time) time.Duration {
	return now.Sub(k.CreatedAt)
}

// Fingerprint returns the short correlation hash logged in place of key
// material: the first 16 hex characters of SHA-256("<owner or master>:<version>").
func Fingerprint(owner string, version int) string {
	label := owner
	if label == "" {
		label = "master"
	}
	return util.ShortDigest(label+":"+strconv.Itoa(version), 16)
}

// Scope returns the storage scope holding owner's key versions.
func Scope(owner string) string {
	if owner == "" {
		return masterScope
	}
	return ownerPrefix + owner
}

// OwnerFromScope reverses Scope; ok is false for scopes that are not owners.
func OwnerFromScope(scope string) (owner string, ok bool) {
	if scope == masterScope {
		return "", true
	}
	return strings.CutPrefix(scope, ownerPrefix)
}

func versionID(v int) string {
	return fmt.Sprintf("%010d", v)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry is the catalog of key versions.
type Registry struct {
	repo   storage.Repository
	now    func() time.Time
	logger *slog.Logger
}

var _ fieldcrypt.VersionSource = (*Registry)(nil)

// New returns a Registry persisting through repo.
func New(repo storage.Repository, opts ...Option) *Registry {
	r := &Registry{repo: repo, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Repository returns the backing repository.
func (r *Registry) Repository() storage.Repository {
	return r.repo
}

// Update runs fn against owner's scope in one storage transaction.
func (r *Registry) Update(ctx context.Context, owner string, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.repo.Batch(Scope(owner), func(btx storage.BatchTx) error {
		return fn(r.Bind(btx, owner))
	})
}

// Bind wraps an open batch on owner's scope.
func (r *Registry) Bind(btx storage.BatchTx, owner string) *Tx {
	return &Tx{btx: btx, owner: owner, now: r.now, logger: r.logger}
}

// Create allocates the next, inactive, version for owner.
func (r *Registry) Create(ctx context.Context, owner, reason string) (*KeyVersion, error) {
	var kv *KeyVersion
	err := r.Update(ctx, owner, func(tx *Tx) error {
		var err error
		kv, err = tx.Create(reason)
		return err
	})
	return kv, err
}

// Activate marks version active. It fails with ErrMultipleActive if another
// version of owner is still active.
func (r *Registry) Activate(ctx context.Context, owner string, version int) error {
	return r.Update(ctx, owner, func(tx *Tx) error { return tx.Activate(version) })
}

// Deactivate marks version inactive. The version stays usable for decryption.
func (r *Registry) Deactivate(ctx context.Context, owner string, version int) error {
	return r.Update(ctx, owner, func(tx *Tx) error { return tx.Deactivate(version) })
}

// SetExpiry sets or clears (nil) the expiry of version.
func (r *Registry) SetExpiry(ctx context.Context, owner string, version int, at *time.Time) error {
	return r.Update(ctx, owner, func(tx *Tx) error { return tx.SetExpiry(version, at) })
}

// ActiveFor returns owner's active version, or nil if there is none.
func (r *Registry) ActiveFor(ctx context.Context, owner string) (*KeyVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return activeIn(storage.Scoped(r.repo, Scope(owner)))
}

// AllFor returns every version of owner in ascending order.
func (r *Registry) AllFor(ctx context.Context, owner string) ([]KeyVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return allIn(storage.Scoped(r.repo, Scope(owner)))
}

// Get returns one version of owner.
func (r *Registry) Get(ctx context.Context, owner string, version int) (*KeyVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return getIn(storage.Scoped(r.repo, Scope(owner)), owner, version)
}

// ActiveVersion returns the version number new writes for owner must use.
func (r *Registry) ActiveVersion(ctx context.Context, owner string) (int, error) {
	kv, err := r.ActiveFor(ctx, owner)
	if err != nil {
		return 0, err
	}
	if kv == nil {
		return 0, fmt.Errorf("%q: %w", owner, ErrNoActiveKey)
	}
	return kv.Version, nil
}

// Owners lists every owner with at least one key version; the master scope
// is reported as the empty owner.
func (r *Registry) Owners(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scopes, err := r.repo.ListScopes()
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	var owners []string
	for _, scope := range scopes {
		owner, ok := OwnerFromScope(scope)
		if !ok {
			continue
		}
		ids, err := r.repo.List(scope, Kind)
		if err != nil {
			return nil, fmt.Errorf("listing key versions in %s: %w", scope, err)
		}
		if len(ids) > 0 {
			owners = append(owners, owner)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

// All returns every key version of every owner.
func (r *Registry) All(ctx context.Context) ([]KeyVersion, error) {
	owners, err := r.Owners(ctx)
	if err != nil {
		return nil, err
	}
	var out []KeyVersion
	for _, owner := range owners {
		kvs, err := r.AllFor(ctx, owner)
		if err != nil {
			return nil, err
		}
		out = append(out, kvs...)
	}
	return out, nil
}

func getIn(rd storage.Reader, owner string, version int) (*KeyVersion, error) {
	doc, err := rd.Get(Kind, versionID(version))
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
		return nil, fmt.Errorf("%q v%d: %w", owner, version, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var kv KeyVersion
	if err := storage.Decode(doc, &kv); err != nil {
		return nil, err
	}
	return &kv, nil
}

func allIn(rd storage.Reader) ([]KeyVersion, error) {
	ids, err := rd.List(Kind)
	if err != nil {
		return nil, err
	}
	out := make([]KeyVersion, 0, len(ids))
	for _, id := range ids {
		doc, err := rd.Get(Kind, id)
		if err != nil {
			return nil, err
		}
		var kv KeyVersion
		if err := storage.Decode(doc, &kv); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func activeIn(rd storage.Reader) (*KeyVersion, error) {
	all, err := allIn(rd)
	if err != nil {
		return nil, err
	}
	var active *KeyVersion
	for i := range all {
		if !all[i].Active {
			continue
		}
		if active != nil {
			return nil, fmt.Errorf("v%d and v%d: %w", active.Version, all[i].Version, ErrMultipleActive)
		}
		active = &all[i]
	}
	return active, nil
}
