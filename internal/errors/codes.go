package errors

import (
	goerrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for document operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors, recoverable by the caller
	ErrCodeInvalidArgument      ErrorCode = 1000
	ErrCodeDocumentNotFound     ErrorCode = 1001
	ErrCodeInvalidDocumentID    ErrorCode = 1002
	ErrCodePayloadTooLarge      ErrorCode = 1003
	ErrCodeInvalidChangeVector  ErrorCode = 1004
	ErrCodeConcurrencyViolation ErrorCode = 1005
	ErrCodeCollectionMismatch   ErrorCode = 1006
	ErrCodeDocumentConflict     ErrorCode = 1007
	ErrCodeInvalidPatch         ErrorCode = 1008

	// Policy violations, surfaced immediately and never retried
	ErrCodeRevisionsDisabled ErrorCode = 1100

	// Housekeeping
	ErrCodeOperationCancelled ErrorCode = 1200

	// Server errors
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeUnavailable         ErrorCode = 2001
	ErrCodeDiskFull            ErrorCode = 2002
	ErrCodeStorageEngine       ErrorCode = 2003
	ErrCodeCommandLogFailed    ErrorCode = 2004
	ErrCodeTransactionTooBig   ErrorCode = 2005
	ErrCodeCorruptedData       ErrorCode = 2007
	ErrCodeResourceExhausted   ErrorCode = 2008
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidDocumentID, ErrCodePayloadTooLarge,
		ErrCodeInvalidChangeVector, ErrCodeInvalidPatch, ErrCodeCollectionMismatch:
		return codes.InvalidArgument
	case ErrCodeDocumentNotFound:
		return codes.NotFound
	case ErrCodeConcurrencyViolation, ErrCodeDocumentConflict:
		return codes.Aborted
	case ErrCodeRevisionsDisabled:
		return codes.FailedPrecondition
	case ErrCodeOperationCancelled:
		return codes.Canceled
	case ErrCodeDiskFull, ErrCodeResourceExhausted, ErrCodeTransactionTooBig:
		return codes.ResourceExhausted
	case ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Detail returns a detail value, or nil if absent
func (e *StorageError) Detail(key string) interface{} {
	return e.Details[key]
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func DocumentNotFound(id string) *StorageError {
	return NewStorageError(ErrCodeDocumentNotFound, fmt.Sprintf("document not found: %s", id), nil).
		WithDetail("id", id)
}

func InvalidDocumentID(id, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidDocumentID, fmt.Sprintf("invalid document id '%s': %s", id, reason), nil).
		WithDetail("id", id).
		WithDetail("reason", reason)
}

func PayloadTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodePayloadTooLarge, fmt.Sprintf("payload size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidChangeVector(cv string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidChangeVector, fmt.Sprintf("invalid change vector '%s'", cv), cause).
		WithDetail("change_vector", cv)
}

// ConcurrencyViolation carries the actual change vector so the caller can retry without re-reading.
func ConcurrencyViolation(id, expected, actual string) *StorageError {
	return NewStorageError(ErrCodeConcurrencyViolation,
		fmt.Sprintf("optimistic concurrency violation on '%s': expected change vector '%s' but was '%s'", id, expected, actual), nil).
		WithDetail("id", id).
		WithDetail("expected_change_vector", expected).
		WithDetail("actual_change_vector", actual)
}

func CollectionMismatch(id, existing, requested string) *StorageError {
	return NewStorageError(ErrCodeCollectionMismatch,
		fmt.Sprintf("document '%s' belongs to collection '%s', cannot change it to '%s'", id, existing, requested), nil).
		WithDetail("id", id).
		WithDetail("existing_collection", existing).
		WithDetail("requested_collection", requested)
}

func DocumentConflict(id string, changeVectors []string) *StorageError {
	return NewStorageError(ErrCodeDocumentConflict, fmt.Sprintf("document '%s' is conflicted", id), nil).
		WithDetail("id", id).
		WithDetail("change_vectors", changeVectors)
}

func InvalidPatch(id string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidPatch, fmt.Sprintf("cannot patch document '%s'", id), cause).
		WithDetail("id", id)
}

func RevisionsDisabled() *StorageError {
	return NewStorageError(ErrCodeRevisionsDisabled, "revisions are not configured for this database", nil)
}

func OperationCancelled(operation string, cause error) *StorageError {
	return NewStorageError(ErrCodeOperationCancelled, fmt.Sprintf("operation '%s' was cancelled", operation), cause).
		WithDetail("operation", operation)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func StorageEngine(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeStorageEngine, message, cause)
}

func CommandLogFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCommandLogFailed, message, cause)
}

func TransactionTooBig(pendingBytes int64, cause error) *StorageError {
	return NewStorageError(ErrCodeTransactionTooBig, fmt.Sprintf("write transaction too big: %d pending bytes", pendingBytes), cause).
		WithDetail("pending_bytes", pendingBytes)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

// IsStorageError checks if an error is, or wraps, a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return goerrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if goerrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsBatchFatal reports whether err means the write transaction itself cannot
// proceed. Such errors fail every command of the batch. A record that fails to
// decode only fails the command that read it.
func IsBatchFatal(err error) bool {
	switch GetCode(err) {
	case ErrCodeStorageEngine, ErrCodeDiskFull, ErrCodeTransactionTooBig:
		return true
	default:
		return false
	}
}
