package secretstore

import (
	"fmt"

	dserrors "github.com/systmms/rotord/internal/errors"
)

// UnreachableError indicates the store could not be reached or the call timed out.
type UnreachableError struct {
	Store string
	Op    string
	Err   error
}

func (e UnreachableError) Error() string {
	msg := fmt.Sprintf("secret store %s unreachable during %s", e.Store, e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e UnreachableError) Unwrap() error { return e.Err }

// Kind classifies the error as transient.
func (e UnreachableError) Kind() dserrors.Kind { return dserrors.KindTransient }

// AuthFailedError indicates the store rejected the engine's credentials.
type AuthFailedError struct {
	Store   string
	Message string
}

func (e AuthFailedError) Error() string {
	return fmt.Sprintf("authentication to secret store %s failed: %s", e.Store, e.Message)
}

// Kind is transient: credentials for the store itself are commonly refreshed
// out of band, so pre-flight retries are worthwhile.
func (e AuthFailedError) Kind() dserrors.Kind { return dserrors.KindTransient }

// ConflictError indicates a compare-and-swap precondition did not hold.
type ConflictError struct {
	Store    string
	ClassID  string
	Expected string
	Actual   string
	Message  string
}

func (e ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("conflict on class %s in %s: %s", e.ClassID, e.Store, e.Message)
	}
	return fmt.Sprintf("conflict on class %s in %s: expected active version %q, found %q",
		e.ClassID, e.Store, e.Expected, e.Actual)
}

// Kind classifies the error as a conflict.
func (e ConflictError) Kind() dserrors.Kind { return dserrors.KindConflict }

// NotFoundError indicates a class or version does not exist in the store.
// It carries no Kind; callers decide how serious a missing item is.
type NotFoundError struct {
	Store     string
	ClassID   string
	VersionID string
}

func (e NotFoundError) Error() string {
	if e.VersionID != "" {
		return fmt.Sprintf("version %s of class %s not found in %s", e.VersionID, e.ClassID, e.Store)
	}
	return fmt.Sprintf("class %s has no active version in %s", e.ClassID, e.Store)
}
