package engine

import (
	"errors"
	"fmt"
	"strings"

	"artifactvc/internal/conflict"
	"artifactvc/internal/db"
	"artifactvc/internal/domain"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
)

var (
	// ErrLocked is wrapped by LockConflictError.
	ErrLocked         = errors.New("artifact locked")
	ErrDraftNotFound  = fmt.Errorf("draft %w", repo.ErrNotFound)
	ErrBaselineExists = errors.New("baseline already exists")
)

// LockConflictError reports a live lock held by another user.
type LockConflictError struct {
	Lock       domain.ArtifactLock
	HolderName string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("%s is locked by %s in initiative %s until %s",
		e.Lock.Ref(), e.Lock.LockedBy, e.Lock.InitiativeID, db.FormatTime(e.Lock.LockExpiry))
}

func (e *LockConflictError) Unwrap() error { return ErrLocked }

// NotOwnerError is returned when a lock-scoped operation is attempted by someone
// other than the live holder. Lock is zero when no live lock exists.
type NotOwnerError struct {
	Ref          registry.Ref
	InitiativeID string
	UserID       string
	Lock         domain.ArtifactLock
}

func (e *NotOwnerError) Error() string {
	if e.Lock.ID == "" {
		return fmt.Sprintf("%s holds no lock on %s in initiative %s", e.UserID, e.Ref, e.InitiativeID)
	}
	return fmt.Sprintf("lock on %s in initiative %s is held by %s, not %s", e.Ref, e.InitiativeID, e.Lock.LockedBy, e.UserID)
}

type AlreadyCheckedOutError struct {
	Ref          registry.Ref
	InitiativeID string
}

func (e *AlreadyCheckedOutError) Error() string {
	return fmt.Sprintf("%s already has a draft in initiative %s", e.Ref, e.InitiativeID)
}

// ConflictError blocks a promotion; nothing was written.
type ConflictError struct {
	Ref          registry.Ref
	InitiativeID string
	Result       conflict.Result
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s in initiative %s conflicts with baseline v%d on %s",
		e.Ref, e.InitiativeID, e.Result.CurrentVersion, strings.Join(e.Result.ConflictingFields, ", "))
}

func (e *ConflictError) Fields() []string {
	return e.Result.ConflictingFields
}

// DataIntegrityError means a stored invariant does not hold. Missing is set when
// the artifact has no baseline at all, which usually means it was never registered.
type DataIntegrityError struct {
	Ref     registry.Ref
	Detail  string
	Missing bool
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity violation for %s: %s", e.Ref, e.Detail)
}

func (e *DataIntegrityError) Unwrap() error {
	if e.Missing {
		return repo.ErrNotFound
	}
	return nil
}

type InitiativeNotActiveError struct {
	ID     string
	Status domain.InitiativeStatus
}

func (e *InitiativeNotActiveError) Error() string {
	return fmt.Sprintf("initiative %s is %s", e.ID, e.Status)
}

// ValidationError rejects malformed input before any state is read.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
