// Package errs defines EarCrawler's error taxonomy: a closed set of kinds
// that every component returns through, so the API layer and orchestrator
// can map failures to stable outcomes without inspecting error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the nine recognized error categories.
type Kind string

const (
	InvalidInput       Kind = "invalid_input"
	ContractViolation  Kind = "contract_violation"
	IntegrityFailure   Kind = "integrity_failure"
	AuthorizationDenied Kind = "authorization_denied"
	ResourceExhausted  Kind = "resource_exhausted"
	Upstream           Kind = "upstream"
	Timeout            Kind = "timeout"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
)

// Fault is an error carrying one of the recognized Kinds plus a wrapped
// cause. Components construct Faults with New/Wrap; callers that need to
// branch on kind use errors.As to recover one.
type Fault struct {
	kind Kind
	msg  string
	err  error
}

func (f *Fault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %s: %v", f.kind, f.msg, f.err)
	}
	return fmt.Sprintf("%s: %s", f.kind, f.msg)
}

func (f *Fault) Unwrap() error { return f.err }

// Kind returns the fault's category.
func (f *Fault) Kind() Kind { return f.kind }

// New creates a Fault with no wrapped cause.
func New(kind Kind, msg string) *Fault {
	return &Fault{kind: kind, msg: msg}
}

// Newf creates a Fault with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault that wraps an underlying error, preserving it for
// errors.Is/errors.As and %w-style unwrapping.
func Wrap(kind Kind, msg string, err error) *Fault {
	return &Fault{kind: kind, msg: msg, err: err}
}

// KindOf returns the Kind carried by err, or "" if err is not (or does not
// wrap) a *Fault.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind, true
	}
	return "", false
}

// Is reports whether err is, or wraps, a Fault of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
