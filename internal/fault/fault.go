// Package fault defines the transport-independent error taxonomy shared by
// every control-plane component, plus the retry policy for transient upstream
// failures.
//
// Components translate underlying faults (driver errors, I/O errors, context
// cancellation) into one of the Kind values at their boundary. Callers match
// with errors.Is against the sentinel for each kind:
//
//	if errors.Is(err, fault.ErrConflictingState) {
//	    // re-read state and retry
//	}
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault. The zero value is KindInternal.
type Kind int

// Fault kinds, one per taxonomy class.
const (
	KindInternal Kind = iota
	KindValidation
	KindConflictingState
	KindNotFound
	KindResourceExhausted
	KindArtifactCorrupted
	KindUpstreamUnavailable
	KindCancelled
)

// Sentinel errors, one per kind. A *Fault wraps the sentinel for its kind so
// errors.Is(err, fault.ErrNotFound) matches any NotFound fault.
var (
	ErrInternal            = errors.New("internal")
	ErrValidation          = errors.New("validation")
	ErrConflictingState    = errors.New("conflicting state")
	ErrNotFound            = errors.New("not found")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrArtifactCorrupted   = errors.New("artifact corrupted")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrCancelled           = errors.New("cancelled")
)

var sentinels = map[Kind]error{
	KindInternal:            ErrInternal,
	KindValidation:          ErrValidation,
	KindConflictingState:    ErrConflictingState,
	KindNotFound:            ErrNotFound,
	KindResourceExhausted:   ErrResourceExhausted,
	KindArtifactCorrupted:   ErrArtifactCorrupted,
	KindUpstreamUnavailable: ErrUpstreamUnavailable,
	KindCancelled:           ErrCancelled,
}

// String returns the taxonomy name for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindConflictingState:
		return "ConflictingState"
	case KindNotFound:
		return "NotFound"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindArtifactCorrupted:
		return "ArtifactCorrupted"
	case KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	case KindCancelled:
		return "Cancelled"
	case KindInternal:
		return "Internal"
	default:
		return "Internal"
	}
}

// Fault is a classified error. It carries the kind, a human-readable message
// and an optional cause.
type Fault struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}

	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/errors.As.
func (f *Fault) Unwrap() []error {
	if f.Cause != nil {
		return []error{sentinels[f.Kind], f.Cause}
	}

	return []error{sentinels[f.Kind]}
}

// New creates a fault of the given kind.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault of the given kind caused by err.
// Returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	if err == nil {
		return nil
	}

	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validation creates a Validation fault.
func Validation(format string, args ...any) *Fault {
	return New(KindValidation, format, args...)
}

// Conflict creates a ConflictingState fault.
func Conflict(format string, args ...any) *Fault {
	return New(KindConflictingState, format, args...)
}

// NotFound creates a NotFound fault.
func NotFound(format string, args ...any) *Fault {
	return New(KindNotFound, format, args...)
}

// Exhausted creates a ResourceExhausted fault.
func Exhausted(format string, args ...any) *Fault {
	return New(KindResourceExhausted, format, args...)
}

// Corrupted creates an ArtifactCorrupted fault.
func Corrupted(format string, args ...any) *Fault {
	return New(KindArtifactCorrupted, format, args...)
}

// Unavailable creates an UpstreamUnavailable fault caused by err.
func Unavailable(err error, format string, args ...any) *Fault {
	return &Fault{Kind: KindUpstreamUnavailable, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Cancelled creates a Cancelled fault.
func Cancelled(format string, args ...any) *Fault {
	return New(KindCancelled, format, args...)
}

// Internal creates an Internal fault caused by err.
func Internal(err error, format string, args ...any) *Fault {
	return &Fault{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Cause: err}
}

// KindOf returns the taxonomy kind for err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}

	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	return KindInternal
}

// AlertWorthy reports whether a terminal job error of this kind must raise an
// alert. Per the error-handling design only ArtifactCorrupted, Internal and
// repeated UpstreamUnavailable qualify; the repetition check is the caller's.
func AlertWorthy(kind Kind) bool {
	return kind == KindArtifactCorrupted || kind == KindInternal || kind == KindUpstreamUnavailable
}
