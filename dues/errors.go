/*
errors.go - Tagged error kinds for the dues engine

PURPOSE:
  Every operation reports failures as *Error carrying a Kind, so callers
  branch on the kind with errors.Is instead of on concrete types.

ERROR KINDS:
  1. ErrValidation - bad input, rejected before any I/O
  2. ErrNotFound   - unresolvable period, config or house
  3. ErrConflict   - uniqueness races, batch lock held elsewhere

  Anything else (driver errors, I/O) is passed through wrapped with %w.

USAGE:
  if dues.IsNotFound(err) {
      // 404
  }

SEE ALSO:
  - api/handlers.go: Maps kinds to HTTP status codes
  - store/sqlite/sqlite.go: Maps unique violations to ErrConflict
*/
package dues

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL KINDS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is the tagged result error of an operation.
type Error struct {
	Kind   error  // one of ErrValidation, ErrNotFound, ErrConflict
	Op     string // operation, e.g. "allocate_payment"
	Detail string
	Err    error // optional cause
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the kind so errors.Is(err, ErrNotFound) works through wrapping.
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func validationError(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func notFoundError(op, format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// ConflictError builds a conflict error; stores use it for unique violations.
func ConflictError(op, detail string, cause error) error {
	return &Error{Kind: ErrConflict, Op: op, Detail: detail, Err: cause}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }

// KindOf returns the kind of err, or nil for untagged errors.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrConflict} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
