// Package replerr categorizes replication errors by recovery scope, per
// spec.md §7: per-operation recoverable, per-segment recoverable,
// per-sweep error, and fatal.
package replerr

import "errors"

// Category is the recovery scope of an error.
type Category int

const (
	// OperationRecoverable errors are resolved in place by conflict
	// resolution (uniqueness violation on insert, missing row on
	// update/delete) and logged as a warning; the operation continues.
	OperationRecoverable Category = iota
	// SegmentRecoverable errors cause the scanner to skip one file and
	// continue the queue walk (sharing violation, FREE-state file, GUID
	// mismatch, truncated/unknown header).
	SegmentRecoverable
	// SweepError aborts the current sweep and is retried after the
	// configured apply-error backoff (missing sequence, malformed block,
	// local DB failure, control-file I/O failure).
	SweepError
	// Fatal errors are never retried; the worker exits (database not in
	// replica mode, missing privilege, read-only database, control-file
	// signature/version mismatch).
	Fatal
)

// CategorizedError wraps an underlying error with its recovery category.
type CategorizedError struct {
	Category Category
	Message  string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CategorizedError) Unwrap() error { return e.Err }

func new(cat Category, msg string, err error) error {
	return &CategorizedError{Category: cat, Message: msg, Err: err}
}

func OperationRecoverableErr(msg string, err error) error { return new(OperationRecoverable, msg, err) }
func SegmentRecoverableErr(msg string, err error) error   { return new(SegmentRecoverable, msg, err) }
func SweepErr(msg string, err error) error                { return new(SweepError, msg, err) }
func FatalErr(msg string, err error) error                { return new(Fatal, msg, err) }

// CategoryOf reports the recovery category of err, or SweepError if err
// was not produced by this package (the conservative default: abort and
// retry rather than silently continuing or silently dying).
func CategoryOf(err error) Category {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return SweepError
}

// Wrap mirrors the Applier's "Replication error" propagation (spec.md §7):
// the original error is preserved for errors.Is/As while the message gains
// a fixed top-level context string.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return new(CategoryOf(err), context, err)
}
