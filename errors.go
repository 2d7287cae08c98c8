package s3db

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrConflict      = errors.New("concurrent modification detected")
	ErrInvalidData   = errors.New("invalid data format")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrTimeout            = errors.New("operation timed out")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")

	// Index errors
	ErrIndexCorrupted = errors.New("index corrupted, repair needed")
	ErrIndexRetries   = errors.New("index update retries exhausted")
	ErrIndexMismatch  = errors.New("index does not match data")

	// Lock errors
	ErrLockHeld       = errors.New("lock already held by another process")
	ErrLockTimeout    = errors.New("failed to acquire lock within timeout")
	ErrLockReleased   = errors.New("lock was already released")
	ErrLockNotFound   = errors.New("lock not found")
	ErrInvalidLockKey = errors.New("invalid lock key")

	// Transaction errors
	ErrTransactionFailed  = errors.New("transaction failed")
	ErrRollbackFailed     = errors.New("transaction rollback failed")
	ErrTransactionTimeout = errors.New("transaction timed out")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Schema/query errors
	ErrSchemaMismatch    = errors.New("document does not match schema version")
	ErrUnsupportedQuery  = errors.New("query shape is not supported")
	ErrPartitionFailure  = errors.New("partition write failed")
	ErrMetadataTooLarge  = errors.New("metadata exceeds size budget")
	ErrOperationCanceled = errors.New("operation canceled")
	ErrValidation        = errors.New("validation failed")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// ValidationError reports which attribute(s) of a document failed schema
// validation (required/type/length/pattern checks from the Schema Engine).
type ValidationError struct {
	Resource string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s.%s: %s", e.Resource, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing document at the Resource Engine level,
// distinct from the Storage Client's bare ErrNotFound.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports an ETag mismatch on an optimistic write.
type ConflictError struct {
	Resource string
	ID       string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s/%s: expected etag %q, got %q", e.Resource, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// MetadataTooLargeError reports an object-metadata map over the 2KiB budget.
type MetadataTooLargeError struct {
	Size  int
	Limit int
}

func (e *MetadataTooLargeError) Error() string {
	return fmt.Sprintf("metadata size %d exceeds limit %d", e.Size, e.Limit)
}

func (e *MetadataTooLargeError) Unwrap() error { return ErrMetadataTooLarge }

// SchemaMismatchError reports a document whose `_v` hash has no migration
// path to the resource's current schema version.
type SchemaMismatchError struct {
	Resource      string
	StoredVersion string
	WantVersion   string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%s: no migration path from %s to %s", e.Resource, e.StoredVersion, e.WantVersion)
}

func (e *SchemaMismatchError) Unwrap() error { return ErrSchemaMismatch }

// ConnectionError reports a Database Controller connect/disconnect failure.
type ConnectionError struct {
	Op     string
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed: %s", e.Op, e.Reason)
}

func (e *ConnectionError) Unwrap() error { return ErrBackendUnavailable }

// LockTimeoutError reports a failed lock/lease acquisition.
type LockTimeoutError struct {
	Scope   string
	Waited  string
	Retries int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %q timed out after %s (%d retries)", e.Scope, e.Waited, e.Retries)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// UnsupportedQueryError reports a query the Resource Engine's query builder
// cannot express (e.g. an unsupported operator on an unindexed field).
type UnsupportedQueryError struct {
	Resource string
	Reason   string
}

func (e *UnsupportedQueryError) Error() string {
	return fmt.Sprintf("%s: unsupported query: %s", e.Resource, e.Reason)
}

func (e *UnsupportedQueryError) Unwrap() error { return ErrUnsupportedQuery }

// PartitionError reports a partition ref write/read failure.
type PartitionError struct {
	Resource  string
	Partition string
	ID        string
	Reason    string
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("%s partition %q for %s: %s", e.Resource, e.Partition, e.ID, e.Reason)
}

func (e *PartitionError) Unwrap() error { return ErrPartitionFailure }

// CancelledError reports a caller-canceled context observed mid-operation.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s canceled", e.Op)
}

func (e *CancelledError) Unwrap() error { return ErrOperationCanceled }

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a conflict/concurrent modification error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrIndexRetries)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockTimeout)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrMetadataTooLarge) ||
		errors.Is(err, ErrUnsupportedQuery) ||
		errors.Is(err, ErrOperationCanceled)
}
