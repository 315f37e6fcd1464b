// Package errs defines the five error kinds the event loop maps every
// exceptional condition onto, per the propagation rule: no panics escape
// to a remote peer, everything becomes one of these.
package errs

import "errors"

// Kind classifies an error for logging and for the Event Loop's dispatch
// table. It is never compared directly by callers; use errors.Is/As.
type Kind int

const (
	KindConfig Kind = iota
	KindIPC
	KindNetwork
	KindNotFound
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindIPC:
		return "ipc"
	case KindNetwork:
		return "network"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// errors.As without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newKind(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func Config(op string, err error) *Error     { return newKind(KindConfig, op, err) }
func IPC(op string, err error) *Error        { return newKind(KindIPC, op, err) }
func Network(op string, err error) *Error    { return newKind(KindNetwork, op, err) }
func NotFound(op string, err error) *Error   { return newKind(KindNotFound, op, err) }
func Validation(op string, err error) *Error { return newKind(KindValidation, op, err) }

// Sentinel values for errors.Is checks that don't need an Op or wrapped
// cause — e.g. IpcError's PayloadTooLarge and InvalidFrame from spec.md §4.B.
var (
	ErrPayloadTooLarge = errors.New("ipc: frame exceeds payload ceiling")
	ErrInvalidFrame    = errors.New("ipc: frame decode failed")
	ErrSocketInUse     = errors.New("ipc: socket already bound by a live node")
)

// IsKind reports whether err (or something it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
