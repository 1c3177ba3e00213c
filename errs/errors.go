// Package errs defines the structured error taxonomy raised across the store: bucket
// registry errors, schema validation failures, index conflicts, transaction conflicts,
// and reactive-query registration errors. Every type implements error and carries the
// fields a caller needs to react programmatically, rather than parsing a message string.
package errs

import "fmt"

// Issue is a single validation failure attached to a field.
type Issue struct {
	Field   string
	Message string
	Code    string
}

// BucketAlreadyExistsError is returned by DefineBucket when the name is already registered.
type BucketAlreadyExistsError struct {
	Bucket string
}

func (e *BucketAlreadyExistsError) Error() string {
	return fmt.Sprintf("bucket %q already exists", e.Bucket)
}

// NewBucketAlreadyExistsError constructs a BucketAlreadyExistsError.
func NewBucketAlreadyExistsError(bucket string) *BucketAlreadyExistsError {
	return &BucketAlreadyExistsError{Bucket: bucket}
}

// BucketNotDefinedError is returned by Bucket/DropBucket when the name is unknown.
type BucketNotDefinedError struct {
	Bucket string
}

func (e *BucketNotDefinedError) Error() string {
	return fmt.Sprintf("bucket %q is not defined", e.Bucket)
}

// NewBucketNotDefinedError constructs a BucketNotDefinedError.
func NewBucketNotDefinedError(bucket string) *BucketNotDefinedError {
	return &BucketNotDefinedError{Bucket: bucket}
}

// ValidationError carries the ordered list of issues collected while validating a record.
// Validation never stops at the first issue; every failing field is reported together.
type ValidationError struct {
	Bucket string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("validation failed for bucket %q", e.Bucket)
	}
	return fmt.Sprintf("validation failed for bucket %q: %s (%s) [%s]", e.Bucket,
		e.Issues[0].Field, e.Issues[0].Message, e.Issues[0].Code)
}

// NewValidationError constructs a ValidationError from a non-empty issue list.
func NewValidationError(bucket string, issues []Issue) *ValidationError {
	return &ValidationError{Bucket: bucket, Issues: issues}
}

// UniqueConstraintError is raised by the IndexManager when a unique-indexed field value
// collides with an existing record.
type UniqueConstraintError struct {
	Bucket string
	Field  string
	Value  any
}

func (e *UniqueConstraintError) Error() string {
	return fmt.Sprintf("unique constraint violated on bucket %q field %q value %v", e.Bucket, e.Field, e.Value)
}

// NewUniqueConstraintError constructs a UniqueConstraintError.
func NewUniqueConstraintError(bucket, field string, value any) *UniqueConstraintError {
	return &UniqueConstraintError{Bucket: bucket, Field: field, Value: value}
}

// TransactionConflictError is raised by commitBatch when a pre-validation check fails:
// an expected version mismatch, a duplicate unique value within the batch, or a missing
// key for an update/delete. RollbackErr is attached by the transaction coordinator when
// rolling back the buckets committed before the conflict also fails; it is context, not
// the primary cause, and Error() keeps reporting the conflict itself.
type TransactionConflictError struct {
	Bucket      string
	Key         string
	Field       string // optional, empty when the conflict is not field-specific
	RollbackErr error
}

func (e *TransactionConflictError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("transaction conflict on bucket %q key %q field %q", e.Bucket, e.Key, e.Field)
	}
	return fmt.Sprintf("transaction conflict on bucket %q key %q", e.Bucket, e.Key)
}

// Unwrap exposes RollbackErr so errors.Is/As can reach it without it replacing this
// error as the chain's primary cause.
func (e *TransactionConflictError) Unwrap() error {
	return e.RollbackErr
}

// NewTransactionConflictError constructs a TransactionConflictError.
func NewTransactionConflictError(bucket, key, field string) *TransactionConflictError {
	return &TransactionConflictError{Bucket: bucket, Key: key, Field: field}
}

// QueryAlreadyDefinedError is returned by DefineQuery when the name is already registered.
type QueryAlreadyDefinedError struct {
	Query string
}

func (e *QueryAlreadyDefinedError) Error() string {
	return fmt.Sprintf("query %q is already defined", e.Query)
}

// NewQueryAlreadyDefinedError constructs a QueryAlreadyDefinedError.
func NewQueryAlreadyDefinedError(query string) *QueryAlreadyDefinedError {
	return &QueryAlreadyDefinedError{Query: query}
}

// QueryNotDefinedError is returned by Subscribe/RunQuery when the name is unknown.
type QueryNotDefinedError struct {
	Query string
}

func (e *QueryNotDefinedError) Error() string {
	return fmt.Sprintf("query %q is not defined", e.Query)
}

// NewQueryNotDefinedError constructs a QueryNotDefinedError.
func NewQueryNotDefinedError(query string) *QueryNotDefinedError {
	return &QueryNotDefinedError{Query: query}
}

// NotFoundError is returned by update on a missing key. Delete is idempotent and never
// returns this error.
type NotFoundError struct {
	Bucket string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("record %q not found in bucket %q", e.Key, e.Bucket)
}

// NewNotFoundError constructs a NotFoundError.
func NewNotFoundError(bucket, key string) *NotFoundError {
	return &NotFoundError{Bucket: bucket, Key: key}
}
