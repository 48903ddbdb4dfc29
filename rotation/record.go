package rotation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmcleod/fieldkey/storage"
)

// Kind is the storage kind rotation records are written under. Records share
// the owner's scope with its key versions.
const Kind = "ROTATION"

// Reason explains why a rotation was started.
type Reason string

const (
	ReasonScheduled  Reason = "SCHEDULED"
	ReasonEmergency  Reason = "EMERGENCY"
	ReasonCompromise Reason = "COMPROMISE"
	ReasonPolicy     Reason = "POLICY"
)

// ParseReason validates s case-insensitively. An empty string is SCHEDULED.
func ParseReason(s string) (Reason, error) {
	if s == "" {
		return ReasonScheduled, nil
	}
	switch r := Reason(strings.ToUpper(s)); r {
	case ReasonScheduled, ReasonEmergency, ReasonCompromise, ReasonPolicy:
		return r, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownReason, s)
}

// Status is the state of a rotation record.
type Status string

const (
	// StatusPending marks a dry run. It stays pending until discarded.
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Open reports whether the record still needs operator attention.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusInProgress
}

// Record is the persisted account of one rotation attempt.
type Record struct {
	ID                string     `json:"id"`
	Owner             string     `json:"owner"`
	OldVersion        int        `json:"old_version"`
	NewVersion        int        `json:"new_version"`
	Reason            Reason     `json:"reason"`
	Status            Status     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	FieldsReencrypted []string   `json:"fields_reencrypted"`
	InitiatedBy       string     `json:"initiated_by,omitempty"`
	Verified          int        `json:"verified"`

	// Revision is the storage revision the record was read at.
	Revision uint64 `json:"-"`
}

func loadRecord(rd storage.Reader, id string) (*Record, error) {
	doc, err := rd.Get(Kind, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := storage.Decode(doc, &rec); err != nil {
		return nil, err
	}
	rec.Revision = doc.Revision
	return &rec, nil
}

func loadRecords(rd storage.Reader) ([]Record, error) {
	ids, err := rd.List(Kind)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := loadRecord(rd, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
}

// saveRecord writes rec guarded by the revision it was read at and advances
// rec.Revision on success.
func saveRecord(btx storage.BatchTx, rec *Record) error {
	doc, err := storage.Encode(rec, rec.Revision+1)
	if err != nil {
		return err
	}
	if err := btx.PutCAS(Kind, rec.ID, rec.Revision, doc); err != nil {
		return fmt.Errorf("saving rotation %s: %w", rec.ID, err)
	}
	rec.Revision++
	return nil
}
