// Package errs defines the core's error taxonomy, by kind rather than by
// concrete type, per the design's error-handling policy: transaction and
// block admission failures are typed and recoverable; invariant violations
// are fatal.
package errs

import "github.com/pkg/errors"

// Kind classifies a rejection reason. Every admission failure in the core
// carries exactly one Kind.
type Kind int

const (
	MalformedInput Kind = iota
	InvalidSignature
	InvalidNonce
	InsufficientFunds
	UnknownParent
	PowInsufficient
	ProofInvalid
	TimestampOutOfWindow
	DuplicateBlock
	CapacityExceeded
	ApplierInvariantViolated
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "MalformedInput"
	case InvalidSignature:
		return "InvalidSignature"
	case InvalidNonce:
		return "InvalidNonce"
	case InsufficientFunds:
		return "InsufficientFunds"
	case UnknownParent:
		return "UnknownParent"
	case PowInsufficient:
		return "PowInsufficient"
	case ProofInvalid:
		return "ProofInvalid"
	case TimestampOutOfWindow:
		return "TimestampOutOfWindow"
	case DuplicateBlock:
		return "DuplicateBlock"
	case CapacityExceeded:
		return "CapacityExceeded"
	case ApplierInvariantViolated:
		return "ApplierInvariantViolated"
	default:
		return "Unknown"
	}
}

// Error is a typed, wrapped error carrying a Kind alongside the causal chain.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// New wraps msg with a stack-tracing error of the given Kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, err: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error, adding a stack trace.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, err: errors.Wrap(err, msg)}
}

// KindOf extracts the Kind from err, if any was attached.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err represents an invariant violation that must
// halt the process per the design's propagation policy.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	return ok && k == ApplierInvariantViolated
}
