// Package errs defines the tagged error kinds the index surfaces to callers.
//
// Every error the core returns is one of the kinds below, wrapped in Error
// so callers can use errors.As to recover the concrete kind and its fields.
// No retries are attempted inside the core; the blob store is free to retry
// internally (spec §7).
package errs

import "fmt"

// Kind identifies which of the seven tagged error kinds an Error carries.
type Kind string

const (
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindCapacityExceeded  Kind = "capacity_exceeded"
	KindSnapshotNotFound  Kind = "snapshot_not_found"
	KindBranchNotFound    Kind = "branch_not_found"
	KindInvalidState      Kind = "invalid_state"
	KindCorruptedStorage  Kind = "corrupted_storage"
	KindIO                Kind = "io"
)

// Error is the structured error type returned by every package in this
// module. Details carries kind-specific fields; Cause carries the
// underlying error for the IO kind.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind, so errors.Is(err, errs.InvalidState("")) works as a
// kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func new(kind Kind, msg string, cause error, details map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause, Details: details}
}

// DimensionMismatch reports that a vector's length did not match the
// index's configured dimensionality.
func DimensionMismatch(expected, actual int) *Error {
	return new(KindDimensionMismatch,
		fmt.Sprintf("expected %d dimensions, got %d", expected, actual),
		nil,
		map[string]any{"expected": expected, "actual": actual})
}

// CapacityExceeded reports that the vector store is full.
func CapacityExceeded(capacity int) *Error {
	return new(KindCapacityExceeded,
		fmt.Sprintf("vector store at capacity %d", capacity),
		nil,
		map[string]any{"capacity": capacity})
}

// SnapshotNotFound reports a load of an unknown commit.
func SnapshotNotFound(commitID string) *Error {
	return new(KindSnapshotNotFound,
		fmt.Sprintf("no commit %s", commitID),
		nil,
		map[string]any{"commit_id": commitID})
}

// BranchNotFound reports an operation against an unknown branch name.
func BranchNotFound(name string) *Error {
	return new(KindBranchNotFound,
		fmt.Sprintf("no branch %q", name),
		nil,
		map[string]any{"name": name})
}

// InvalidState reports a programming error: mutation in persistent mode,
// mismatched transient/persistent transitions, or an operation on a closed
// index.
func InvalidState(msg string) *Error {
	return new(KindInvalidState, msg, nil, nil)
}

// CorruptedStorage reports a chunk that failed to deserialize, had a length
// mismatch, or failed verify-from-cold.
func CorruptedStorage(address, detail string) *Error {
	return new(KindCorruptedStorage,
		detail,
		nil,
		map[string]any{"address": address, "detail": detail})
}

// IO reports a blob-store failure.
func IO(cause error) *Error {
	if cause == nil {
		return nil
	}
	return new(KindIO, cause.Error(), cause, nil)
}

// Of reports whether err is an *Error of the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == kind
}
