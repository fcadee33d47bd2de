// Package errkind defines the error taxonomy produced by the core. Callers
// classify failures with errors.Is against the sentinels below; packages wrap
// them with context using the %w verb or pkg/errors.
package errkind

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSuchBar is returned on a schema registry miss.
	ErrNoSuchBar = errors.New("no progress bar with that name")

	// ErrSchemaDrift is returned when an incoming event disagrees with the
	// bar's current step schema. The trace is aborted; the bar may be
	// re-registered out of band.
	ErrSchemaDrift = errors.New("schema drift")

	// ErrValidation is returned when an event violates ordering, timestamp
	// or iteration invariants within its trace.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned after the compare-and-set retry budget on a
	// trace's hot state is exhausted. The caller should retry.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrRateLimited is returned when the entitlement check denies the
	// operation.
	ErrRateLimited = errors.New("rate limited")

	// ErrStoreUnavailable is returned after internal retries against a
	// transient store failure are exhausted.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInternal marks an invariant violation detected at runtime. Never
	// retried.
	ErrInternal = errors.New("internal error")
)

// Validationf wraps ErrValidation with a reason. The reason strings follow
// the public conflict taxonomy (trace_completed, missing_start_time,
// step_changed, backwards_progress, ...) so they are stable for clients.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// Driftf wraps ErrSchemaDrift with details about the disagreement.
func Driftf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrSchemaDrift}, args...)...)
}

// Internalf wraps ErrInternal with details.
func Internalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInternal}, args...)...)
}

// IsTransient reports whether the error is recovered locally with bounded
// retries rather than surfaced immediately.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable)
}
