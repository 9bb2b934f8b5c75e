package stream

import (
	"fmt"

	"github.com/pkg/errors"
)

// retryable is implemented by errors that may succeed if the operation is repeated.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether any error in err's chain is retryable.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// SourceUnavailableError means the source database could not be reached.
type SourceUnavailableError struct {
	Err error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable: %v", e.Err)
}
func (e *SourceUnavailableError) Unwrap() error   { return e.Err }
func (e *SourceUnavailableError) Retryable() bool { return true }

// TransientStorageError is a failure talking to the object store that may clear up on retry.
type TransientStorageError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage error during %v of %q: %v", e.Op, e.Key, e.Err)
}
func (e *TransientStorageError) Unwrap() error   { return e.Err }
func (e *TransientStorageError) Retryable() bool { return true }

// SchemaDriftError means the source no longer matches the schema declared for the run.
type SchemaDriftError struct {
	Column   string
	Reason   string
	Expected string
	Got      string
}

func (e *SchemaDriftError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("schema drift on column %q: %v (expected %v, got %v)", e.Column, e.Reason, e.Expected, e.Got)
	}
	return fmt.Sprintf("schema drift: %v (expected %v, got %v)", e.Reason, e.Expected, e.Got)
}
func (e *SchemaDriftError) Retryable() bool { return false }

// InvalidKeyError is a null or out of order extraction key.
type InvalidKeyError struct {
	Column   string
	Value    interface{}
	Previous interface{}
	Reason   string
}

func (e *InvalidKeyError) Error() string {
	if e.Previous != nil {
		return fmt.Sprintf("invalid extraction key %q value %v after %v: %v", e.Column, e.Value, e.Previous, e.Reason)
	}
	return fmt.Sprintf("invalid extraction key %q value %v: %v", e.Column, e.Value, e.Reason)
}
func (e *InvalidKeyError) Retryable() bool { return false }

// UnsupportedTypeError names a source column whose type has no canonical mapping.
type UnsupportedTypeError struct {
	Column     string
	SourceType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type %q for column %q", e.SourceType, e.Column)
}
func (e *UnsupportedTypeError) Retryable() bool { return false }

// TransformError is a failure evaluating the configured transformation.
type TransformError struct {
	Seq int64
	Err error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform failed for batch %d: %v", e.Seq, e.Err)
}
func (e *TransformError) Unwrap() error   { return e.Err }
func (e *TransformError) Retryable() bool { return false }

// PartitionConflictError means a partition already exists at the final path with different content.
type PartitionConflictError struct {
	Key          string
	ExistingETag string
	NewETag      string
}

func (e *PartitionConflictError) Error() string {
	return fmt.Sprintf("partition %q already exists with different content (existing etag %v, new etag %v)", e.Key, e.ExistingETag, e.NewETag)
}
func (e *PartitionConflictError) Retryable() bool { return false }

// LoadError is a staging upload that failed after all retries.
type LoadError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load of %q failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}
func (e *LoadError) Unwrap() error   { return e.Err }
func (e *LoadError) Retryable() bool { return false }
