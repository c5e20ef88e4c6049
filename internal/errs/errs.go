// Package errs defines the error kinds recognized at the storage engine's core.
package errs

import "errors"

// Kind classifies an error the way the engine's callers need to react to it,
// not by its Go type.
type Kind int

const (
	// Unknown is the zero value; Classify returns it for errors outside the
	// taxonomy below.
	Unknown Kind = iota
	// InvalidInput marks a malformed device identifier, unparseable query, or
	// out-of-range parameter. Safe to surface verbatim to a caller.
	InvalidInput
	// QueryExecution marks an internal failure during scan/merge. Callers
	// should log the detail and show a sanitized message.
	QueryExecution
	// Storage marks an I/O, checksum, or serialization failure on the write
	// path. Fatal to the current operation.
	Storage
	// Wal specializes Storage for log append/replay failures.
	Wal
	// IncompatibleVersion marks an SSTable or WAL record whose version byte
	// is not recognized. Non-fatal: the file/record is skipped with a warning.
	IncompatibleVersion
	// Retention marks a failure loading or persisting retention policies.
	// Non-fatal at startup (falls back to defaults); fatal on explicit
	// mutation.
	Retention
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case QueryExecution:
		return "query_execution"
	case Storage:
		return "storage"
	case Wal:
		return "wal"
	case IncompatibleVersion:
		return "incompatible_version"
	case Retention:
		return "retention"
	default:
		return "unknown"
	}
}

// Error is a kinded error carrying a message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a kinded error with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs a kinded error wrapping cause.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Classify extracts the Kind carried by err, walking wrapped errors. Returns
// Unknown if err does not carry one.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries kind anywhere in its wrap chain.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}
