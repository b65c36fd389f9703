package tether

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the tether package.
var (
	// ErrStoreClosed is returned when operations are attempted on a
	// closed local store.
	ErrStoreClosed = errors.New("local store is closed")

	// ErrNotFound is returned when a record does not exist locally.
	ErrNotFound = errors.New("record not found")

	// ErrStorageExhausted is returned when the local store refuses a
	// write because its size budget is exceeded. Writes fail fast; the
	// engine never silently drops.
	ErrStorageExhausted = errors.New("local storage exhausted")

	// ErrTenantMismatch is returned when an operation declares a tenant
	// different from the authenticated context.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrRateLimited is returned when a realtime sender exceeds its
	// per-connection message budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrClassDNotAllowed is returned when a Class D operation is routed
	// at the realtime channel. Class D never uses the realtime path.
	ErrClassDNotAllowed = errors.New("class D operations are not allowed on the realtime channel")

	// ErrChannelUnavailable is returned when the realtime channel is not
	// connected. Callers fall back per the interaction class.
	ErrChannelUnavailable = errors.New("realtime channel unavailable")

	// ErrQueueFull is returned when a per-recipient durable queue has
	// reached its configured size limit.
	ErrQueueFull = errors.New("durable queue size limit reached")

	// ErrChecksumMismatch is returned when a snapshot payload does not
	// match its declared checksum. The snapshot is discarded unapplied.
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

	// ErrConflictDeferred is returned when the manual strategy suspends a
	// resolution. The conflict stays in the registry until resumed.
	ErrConflictDeferred = errors.New("conflict deferred for manual resolution")

	// ErrConflictNotFound is returned when resuming an unknown or already
	// resolved deferred conflict.
	ErrConflictNotFound = errors.New("deferred conflict not found")

	// ErrMutationQuarantined is returned when a mutation has been moved to
	// the terminal-failed sub-queue and needs operator action.
	ErrMutationQuarantined = errors.New("mutation quarantined after permanent failure")
)

// SyncErrorType classifies replication failures. Push responses and
// transport failures map onto these kinds; the sync engine decides retry,
// quarantine, or pull-first behavior from the kind alone.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified sync error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeRetryable covers transient transport failures: resets,
	// timeouts, 5xx, throttling.
	SyncErrorTypeRetryable
	// SyncErrorTypePermanent covers validation failures the server will
	// never accept.
	SyncErrorTypePermanent
	// SyncErrorTypeConflict is the server's conflict advisory; it triggers
	// an immediate pull so the resolver can run.
	SyncErrorTypeConflict
	// SyncErrorTypeAuth covers authorization and tenant failures.
	SyncErrorTypeAuth
)

func (t SyncErrorType) String() string {
	switch t {
	case SyncErrorTypeRetryable:
		return "retryable"
	case SyncErrorTypePermanent:
		return "permanent"
	case SyncErrorTypeConflict:
		return "conflict"
	case SyncErrorTypeAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// SyncError carries the failure classification plus the offending
// (tenant, record, mutation) coordinates for event reporting.
type SyncError struct {
	Type       SyncErrorType
	Message    string
	TenantID   string
	RecordID   string
	MutationID string
	Cause      error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	if e.Type == SyncErrorTypeAuth {
		return target == ErrTenantMismatch
	}
	return false
}

// Retryable reports whether the error should be retried with backoff.
func (e *SyncError) Retryable() bool {
	return e.Type == SyncErrorTypeRetryable
}

func newSyncError(errType SyncErrorType, message string, cause error) *SyncError {
	return &SyncError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// StoreErrorType categorizes local store failures.
type StoreErrorType int

const (
	// StoreErrorTypeUnknown is an unclassified store error.
	StoreErrorTypeUnknown StoreErrorType = iota
	// StoreErrorTypeRead indicates a read failure.
	StoreErrorTypeRead
	// StoreErrorTypeWrite indicates a write failure.
	StoreErrorTypeWrite
	// StoreErrorTypeExhausted indicates the store size budget is spent.
	StoreErrorTypeExhausted
	// StoreErrorTypeTenant indicates a cross-tenant access attempt.
	StoreErrorTypeTenant
)

// StoreError provides detailed information about local store failures.
type StoreError struct {
	Type       StoreErrorType
	Message    string
	Collection string
	Cause      error
}

func (e *StoreError) Error() string {
	if e.Collection != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Collection, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Collection)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	switch e.Type {
	case StoreErrorTypeExhausted:
		return target == ErrStorageExhausted
	case StoreErrorTypeTenant:
		return target == ErrTenantMismatch
	}
	return false
}

func newStoreError(errType StoreErrorType, message, collection string, cause error) *StoreError {
	return &StoreError{
		Type:       errType,
		Message:    message,
		Collection: collection,
		Cause:      cause,
	}
}

// SyncErrorTypeOf extracts the classification from an error chain.
// Unclassified errors report SyncErrorTypeUnknown.
func SyncErrorTypeOf(err error) SyncErrorType {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Type
	}
	return SyncErrorTypeUnknown
}
