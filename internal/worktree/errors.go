package worktree

import (
	"errors"
	"fmt"
)

// Kind is the domain-level error taxonomy of spec.md §7. It is not a
// Go type per error — every public failure path returns an *Error
// carrying one of these — so callers distinguish cases with
// errors.As plus a Kind comparison rather than a type switch.
type Kind int

const (
	_ Kind = iota
	IO
	Deserialize
	InvalidPath
	InvalidFileID
	InvalidBufferID
	InvalidDirEntry
	InvalidOperation
	InvalidOperations
	InvalidSelectionSet
	InvalidLocalSelectionSet
	InvalidAnchor
	OffsetOutOfRange
	CursorExhausted
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO"
	case Deserialize:
		return "Deserialize"
	case InvalidPath:
		return "InvalidPath"
	case InvalidFileID:
		return "InvalidFileID"
	case InvalidBufferID:
		return "InvalidBufferID"
	case InvalidDirEntry:
		return "InvalidDirEntry"
	case InvalidOperation:
		return "InvalidOperation"
	case InvalidOperations:
		return "InvalidOperations"
	case InvalidSelectionSet:
		return "InvalidSelectionSet"
	case InvalidLocalSelectionSet:
		return "InvalidLocalSelectionSet"
	case InvalidAnchor:
		return "InvalidAnchor"
	case OffsetOutOfRange:
		return "OffsetOutOfRange"
	case CursorExhausted:
		return "CursorExhausted"
	default:
		return "Unknown"
	}
}

// Error is the one error type every public worktree operation
// returns, per spec.md §7: "all public operations return a result
// that either holds the value or one of the above kinds."
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("worktree: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("worktree: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports equality on Kind, so callers can write
// errors.Is(err, &Error{Kind: worktree.InvalidPath}).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}
