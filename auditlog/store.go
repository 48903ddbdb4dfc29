package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmcleod/fieldkey/storage"
)

const (
	// Scope is the storage scope holding the audit trail.
	Scope     = "__audit"
	eventKind = "EVENT"
)

// StoreSink appends events to the storage repository.
type StoreSink struct {
	repo   storage.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewStoreSink returns a sink persisting through repo. Unreadable events
// found by List are reported to logger (slog.Default when nil).
func NewStoreSink(repo storage.Repository, logger *slog.Logger) *StoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSink{repo: repo, logger: logger, now: time.Now}
}

func (s *StoreSink) Record(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	evt.Stamp(s.now())
	doc, err := storage.Encode(evt, 1)
	if err != nil {
		return err
	}
	// Append-only: an existing ID is never overwritten.
	if err := s.repo.PutCAS(Scope, eventKind, evt.ID, 0, doc); err != nil {
		return fmt.Errorf("storing audit event %s: %w", evt.ID, err)
	}
	return nil
}

// List returns stored events newest first. A non-empty owner filters the
// trail; limit <= 0 returns everything. Events that cannot be read are
// logged and left out.
func (s *StoreSink) List(ctx context.Context, owner string, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := s.repo.List(Scope, eventKind)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		doc, err := s.repo.Get(Scope, eventKind, id)
		if err != nil {
			s.logger.Warn("skipping unreadable audit event",
				slog.String("id", id),
				slog.String("error", err.Error()))
			continue
		}
		var evt Event
		if err := storage.Decode(doc, &evt); err != nil {
			s.logger.Warn("skipping corrupt audit event",
				slog.String("id", id),
				slog.String("error", err.Error()))
			continue
		}
		if owner != "" && evt.Owner != owner {
			continue
		}
		events = append(events, evt)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At.After(events[j].At)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}
