package waymark

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the waymark package.
var (
	// ErrStorageUnavailable is returned when the local store cannot be
	// reached. It is fatal for the current operation and never retried.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrSerialization is returned when a record payload cannot be encoded
	// or decoded. It affects only that record; the write is skipped.
	ErrSerialization = errors.New("record serialization failed")

	// ErrTransportUnavailable is returned when the remote store cannot be
	// reached. Retryable.
	ErrTransportUnavailable = errors.New("remote transport unavailable")

	// ErrTimeout is returned when a push or subscribe call exceeds its
	// bounded window. Retryable.
	ErrTimeout = errors.New("remote operation timed out")

	// ErrPermissionDenied is returned when the remote store rejects the
	// caller's credentials. Terminal; the record stays pending.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidArgument is returned for malformed records or parameters.
	// Terminal.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a record or conflict does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrEngineClosed is returned when operations are attempted on a
	// destroyed sync engine.
	ErrEngineClosed = errors.New("sync engine is destroyed")

	// ErrStoreClosed is returned when operations are attempted on a
	// closed record store.
	ErrStoreClosed = errors.New("record store is closed")
)

// SyncErrorType categorizes synchronization errors.
type SyncErrorType int

const (
	// SyncErrorUnknown is an unclassified error.
	SyncErrorUnknown SyncErrorType = iota
	// SyncErrorStorage indicates the local store is unavailable.
	SyncErrorStorage
	// SyncErrorSerialization indicates a single-record encode/decode failure.
	SyncErrorSerialization
	// SyncErrorTransport indicates the remote store is unreachable.
	SyncErrorTransport
	// SyncErrorTimeout indicates a remote call exceeded its window.
	SyncErrorTimeout
	// SyncErrorPermission indicates an authentication or authorization failure.
	SyncErrorPermission
	// SyncErrorInvalidArgument indicates a malformed record or parameter.
	SyncErrorInvalidArgument
)

func (t SyncErrorType) String() string {
	switch t {
	case SyncErrorStorage:
		return "storage"
	case SyncErrorSerialization:
		return "serialization"
	case SyncErrorTransport:
		return "transport"
	case SyncErrorTimeout:
		return "timeout"
	case SyncErrorPermission:
		return "permission"
	case SyncErrorInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// SyncError provides detailed information about a synchronization failure.
type SyncError struct {
	Type    SyncErrorType
	Message string
	Key     RecordKey
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Key.RecordID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Key, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Key)
	}
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
	switch e.Type {
	case SyncErrorStorage:
		return target == ErrStorageUnavailable
	case SyncErrorSerialization:
		return target == ErrSerialization
	case SyncErrorTransport:
		return target == ErrTransportUnavailable
	case SyncErrorTimeout:
		return target == ErrTimeout
	case SyncErrorPermission:
		return target == ErrPermissionDenied
	case SyncErrorInvalidArgument:
		return target == ErrInvalidArgument
	}
	return false
}

// newSyncError creates a new SyncError.
func newSyncError(errType SyncErrorType, message string, key RecordKey, cause error) *SyncError {
	return &SyncError{
		Type:    errType,
		Message: message,
		Key:     key,
		Cause:   cause,
	}
}
