package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for the rotation engine. The kind decides whether
// a failure is retried, rolled back, or escalated to an operator.
type Kind string

const (
	// KindUnknown is used for errors that carry no classification.
	KindUnknown Kind = ""

	// KindTransient covers store unreachable and timeouts; retried with backoff.
	KindTransient Kind = "Transient"

	// KindPolicy covers approval expiry or denial; terminal, no data mutation.
	KindPolicy Kind = "Policy"

	// KindValidation covers failed synthetic authentication; triggers rollback.
	KindValidation Kind = "Validation"

	// KindConflict covers store CAS rejections; terminal, operator review.
	KindConflict Kind = "Conflict"

	// KindFatal covers invariant violations; halts the class.
	KindFatal Kind = "Fatal"

	// KindCancelled marks operator cancellation.
	KindCancelled Kind = "Cancelled"

	// KindConfig covers invalid configuration or policy input.
	KindConfig Kind = "Config"
)

// Kinder is implemented by errors that know their own kind.
type Kinder interface {
	Kind() Kind
}

// Error is a classified error with a human readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// E builds a classified error.
func E(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Ef builds a classified error from a format string.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind, so errors.Is(err, &Error{Kind: KindConflict}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf classifies any error. The outermost classification wins.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var cfg ConfigError
	if errors.As(err, &cfg) {
		return KindConfig
	}
	if matchesTransient(err) {
		return KindTransient
	}
	return KindUnknown
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// IsRetryable checks if an error is retryable. Only transient errors are.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

func matchesTransient(err error) bool {
	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Suggest attaches an operator-facing suggestion for an error kind, for CLI output.
func Suggest(err error) error {
	if err == nil {
		return nil
	}
	var ue UserError
	if errors.As(err, &ue) {
		return err
	}
	var ce ConfigError
	if errors.As(err, &ce) {
		return err
	}

	suggestion := ""
	switch KindOf(err) {
	case KindTransient:
		suggestion = "The secret store could not be reached. Check connectivity and retry"
	case KindConflict:
		suggestion = "The active version changed outside this job. Review the store before retrying with --force"
	case KindFatal:
		suggestion = "Automated rotation is halted for this class. Inspect the incident report and resume with 'rotord policy resume'"
	case KindPolicy:
		suggestion = "The approval window closed. Trigger a new rotation and collect approvals before expiry"
	default:
		return err
	}

	return UserError{
		Message:    err.Error(),
		Suggestion: suggestion,
		Err:        err,
	}
}
