// Package apperr classifies service failures into a small closed set of
// kinds so transports can map them to responses without inspecting
// concrete error types.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the category of a failure.
type Kind int

const (
	Unexpected Kind = iota
	Validation
	Auth
	NotFound
	Persistence
	Transport
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Auth:
		return "auth"
	case NotFound:
		return "not_found"
	case Persistence:
		return "persistence"
	case Transport:
		return "transport"
	default:
		return "unexpected"
	}
}

// Error attaches a Kind and the failing operation to a cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause. The format may use %w.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the outermost *Error in err's chain, or
// Unexpected when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unexpected
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Chain flattens the cause chain of err into one line per distinct
// message, outermost first. Joined errors are walked depth first.
func Chain(err error) string {
	var parts []string
	seen := make(map[string]bool)
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		msg := e.Error()
		if !seen[msg] {
			seen[msg] = true
			parts = append(parts, msg)
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return strings.Join(parts, "\ncaused by: ")
}
