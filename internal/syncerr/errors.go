// Package syncerr defines the error taxonomy shared by every rowsync component.
//
// Errors are classified into five kinds. The kind decides what the caller may
// do next: protocol and internal errors abort the session, conflict errors
// abort the current batch part, transient errors may be retried by re-running
// the same step, and data errors are recorded against the affected row.
//
// Sentinels can be checked with errors.Is:
//
//	if errors.Is(err, syncerr.ErrOutOfSequence) {
//	    // the peer asked for a part we cannot serve
//	}
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	// KindInternal is a bug or an unclassified failure.
	KindInternal Kind = iota
	// KindProtocol is a step sequencing or payload error.
	KindProtocol
	// KindConflict is a conflict that could not be resolved.
	KindConflict
	// KindTransient is a lock timeout, busy database or dropped connection.
	KindTransient
	// KindData is a constraint violation or an unusable value.
	KindData
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindData:
		return "data"
	default:
		return "internal"
	}
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindInternal.
func ParseKind(s string) Kind {
	switch s {
	case "protocol":
		return KindProtocol
	case "conflict":
		return KindConflict
	case "transient":
		return KindTransient
	case "data":
		return KindData
	default:
		return KindInternal
	}
}

var (
	// ErrOutOfSequence is returned when a batch part or step is requested
	// out of order.
	ErrOutOfSequence = errors.New("out of sequence")

	// ErrMissingPayload is returned when a step arrives without the payload
	// it requires.
	ErrMissingPayload = errors.New("missing payload")

	// ErrUnknownScope is returned for a scope name the peer does not know.
	ErrUnknownScope = errors.New("unknown scope")

	// ErrUnknownStep is returned for a step value the server cannot dispatch.
	ErrUnknownStep = errors.New("unknown step")

	// ErrVersionMismatch is returned when peers speak incompatible protocol
	// versions.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrSessionNotFound is returned when a session id has no cached state,
	// usually because it expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy is returned when another session already holds the
	// scope for the same client.
	ErrSessionBusy = errors.New("scope is locked by another session")

	// ErrNoConflictPolicy is returned when a conflict is detected and no
	// policy is configured for its type.
	ErrNoConflictPolicy = errors.New("no conflict policy configured")

	// ErrMergeFailed is returned when a merge callback fails or returns no row.
	ErrMergeFailed = errors.New("merge callback produced no winner")

	// ErrMissingFilterParameter is returned when a filter needs a parameter
	// value that was not supplied and has no default.
	ErrMissingFilterParameter = errors.New("missing filter parameter")

	// ErrUnsupportedType is returned when a column type cannot be mapped.
	ErrUnsupportedType = errors.New("unsupported column type")
)

var sentinelKinds = map[error]Kind{
	ErrOutOfSequence:          KindProtocol,
	ErrMissingPayload:         KindProtocol,
	ErrUnknownScope:           KindProtocol,
	ErrUnknownStep:            KindProtocol,
	ErrVersionMismatch:        KindProtocol,
	ErrSessionNotFound:        KindProtocol,
	ErrSessionBusy:            KindTransient,
	ErrNoConflictPolicy:       KindConflict,
	ErrMergeFailed:            KindConflict,
	ErrMissingFilterParameter: KindData,
	ErrUnsupportedType:        KindData,
}

// Error carries a classified failure across component boundaries.
type Error struct {
	Kind Kind
	// Op names the step or operation that failed.
	Op string
	// DataSourceErrorNumber is the native error code reported by the
	// database driver, or 0.
	DataSourceErrorNumber int
	Err                   error
	Context               map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) > 0 {
		msg = fmt.Sprintf("%s (context: %v)", msg, e.Context)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithContext adds a key/value pair to the error context.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a classified error wrapping a sentinel with a formatted
// message.
func Errorf(sentinel error, format string, args ...interface{}) error {
	return New(KindOf(sentinel), "", fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}

// Classifier maps a driver error to a kind and native error number.
// It returns ok=false for errors it does not recognise.
type Classifier func(err error) (kind Kind, number int, ok bool)

// Classify returns err as an *Error, assigning a kind when it has none.
// Sentinels and context errors are recognised first, then each classifier
// is asked in turn. Nil stays nil.
func Classify(err error, classifiers ...Classifier) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return &Error{Kind: kind, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Err: err}
	}
	for _, c := range classifiers {
		if c == nil {
			continue
		}
		if kind, number, ok := c(err); ok {
			return &Error{Kind: kind, DataSourceErrorNumber: number, Err: err}
		}
	}
	return &Error{Kind: KindInternal, Err: err}
}

// KindOf returns the kind of err without consulting driver classifiers.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	return Classify(err).Kind
}

// IsRetryable returns true if re-running the same step may succeed.
// Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}

// IsFatal returns true if the error must end the session.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindProtocol, KindInternal:
		return true
	default:
		return false
	}
}
