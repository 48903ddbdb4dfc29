package rotation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown rotation records, and by Start
	// when the owner has no active key to rotate away from.
	ErrNotFound = errors.New("rotation not found")
	// ErrConflict is returned by Start when the owner already has a rotation
	// in progress.
	ErrConflict = errors.New("rotation already in progress for owner")
	// ErrInvalidState is returned when an operation is not valid for the
	// record's current status.
	ErrInvalidState = errors.New("invalid rotation state transition")
	// ErrVerification is returned when the new key version fails the
	// post-activation check. It is wrapped by *VerificationError.
	ErrVerification = errors.New("rotation verification failed")
	// ErrUnknownReason is returned by ParseReason.
	ErrUnknownReason = errors.New("unknown rotation reason")
)

// VerificationError reports which check rejected a rotation.
type VerificationError struct {
	RecordID string
	Version  int
	Checked  int
	Failed   int
	Cause    error
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("verification of rotation %s failed: %d/%d sampled values could not be decrypted under v%d",
		e.RecordID, e.Failed, e.Checked, e.Version)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is reports ErrVerification as a match so callers can use errors.Is.
func (e *VerificationError) Is(target error) bool {
	return target == ErrVerification
}

func (e *VerificationError) Unwrap() error {
	return e.Cause
}
