// Package hints labels "soft" errors that end a run without being
// failures. A snapshot with nothing to archive, an empty restore chain,
// or a user declining a prompt all stop the pipeline, but none of them
// deserve a non-zero exit or an alert.
//
// Producers promote such errors with New or Wrap; consumers test with
// IsHint through the behavioral interface, so they never need the
// producer's sentinel values. Hints still unwrap normally, so errors.Is
// keeps working for callers that do know the sentinel.
package hints

import "errors"

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a message.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Wrap promotes an existing error to a hint. Wrapping nil stays nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint reports whether any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is reports whether err is a hint that also matches target.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
