package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidState        = errors.New("invalid state")
	ErrConflict            = errors.New("conflict")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalidInput        = errors.New("invalid input")
)

// Error carries enough context for a caller to render a precise message:
// the operation, the resource id, and for state errors the attempted
// transition.
type Error struct {
	Kind error
	Op   string
	ID   string
	From string
	To   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.ID != "" {
		fmt.Fprintf(&b, " (id=%s)", e.ID)
	}
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, " %s -> %s", e.From, e.To)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is makes errors.Is(err, ErrConflict) and friends work on *Error.
func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

func NotFound(op, id string) error {
	return &Error{Kind: ErrNotFound, Op: op, ID: id}
}

func Unauthorized(op, id string) error {
	return &Error{Kind: ErrUnauthorized, Op: op, ID: id}
}

func InvalidState(op, id, from, to string) error {
	return &Error{Kind: ErrInvalidState, Op: op, ID: id, From: from, To: to}
}

func Conflict(op, id string) error {
	return &Error{Kind: ErrConflict, Op: op, ID: id}
}

func Unavailable(op string, err error) error {
	return &Error{Kind: ErrUpstreamUnavailable, Op: op, Err: err}
}

func InvalidInput(op, msg string) error {
	return &Error{Kind: ErrInvalidInput, Op: op, Err: errors.New(msg)}
}
