package engine

import "errors"

// ErrorClass sorts failures into retry semantics
type ErrorClass int

const (
	// ClassTransient failures (network timeouts, rate limits, lock
	// contention) are retried with backoff up to the item's budget.
	ClassTransient ErrorClass = iota
	// ClassPermanent failures (validation, schema mismatch, AlreadyMapped)
	// fail immediately; retrying cannot help.
	ClassPermanent
	// ClassConflict is not a failure; it routes to the conflict resolver.
	ClassConflict
)

type classifiedError struct {
	err   error
	class ErrorClass
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient wraps err so Classify reports it as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient}
}

// Permanent wraps err so Classify reports it as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassPermanent}
}

// Conflict wraps err so Classify routes it to conflict handling
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassConflict}
}

// Classify returns the retry class of err. Unannotated errors default to
// transient: a failure of unknown cause is assumed recoverable and left to
// the retry budget to bound, matching how adapters report raw I/O errors.
func Classify(err error) ErrorClass {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, ErrMissingRequiredField) {
		return ClassPermanent
	}
	return ClassTransient
}
