package realtime

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned by a MediaSource when the user refused
// access to the microphone.
var ErrPermissionDenied = errors.New("realtime: microphone permission denied")

type ErrorKind string

const (
	KindPermission  ErrorKind = "permission"
	KindMedia       ErrorKind = "media"
	KindNegotiation ErrorKind = "negotiation"
	KindCanceled    ErrorKind = "canceled"
	KindState       ErrorKind = "state"
	KindTransport   ErrorKind = "transport"
)

// Error is returned by every public Controller operation that fails.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("realtime: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("realtime: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsKind reports whether err is a realtime Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
