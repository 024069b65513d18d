// Package errors defines the error taxonomy for taokey lifecycle operations.
//
// Callers are expected to branch on the error kind: conflicts are retryable
// after a refresh, propagation failures leave the previous credential fully
// usable, invariant violations indicate a defect and are never retried.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context.
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

// ConfigError represents a configuration error with helpful context.
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

// GenerationError indicates key material could not be produced. It is fatal
// to the single request and never retried internally.
type GenerationError struct {
	KeySize int
	Err     error
}

func (e GenerationError) Error() string {
	if e.KeySize != 0 && e.Err == nil {
		return fmt.Sprintf("key generation failed: unsupported key size %d (use 2048 or 4096)", e.KeySize)
	}
	return fmt.Sprintf("key generation failed: %v", e.Err)
}

func (e GenerationError) Unwrap() error {
	return e.Err
}

// InvariantViolation indicates a write would break the one-ACTIVE/one-GRACE
// rule for an account. It is surfaced as an internal error, not retried.
type InvariantViolation struct {
	AccountID string
	Detail    string
}

func (e InvariantViolation) Error() string {
	return fmt.Sprintf("credential invariant violated for account '%s': %s", e.AccountID, e.Detail)
}

// ConflictError indicates a concurrent mutation won the race. The caller
// should re-read the account's records and retry.
type ConflictError struct {
	AccountID string
	KeyID     string
}

func (e ConflictError) Error() string {
	msg := fmt.Sprintf("concurrent modification detected for account '%s'", e.AccountID)
	if e.KeyID != "" {
		msg += fmt.Sprintf(" (key %s)", e.KeyID)
	}
	return msg + "\n  💡 Re-read the account state and retry the operation"
}

// PropagationError indicates the external system rejected or never received
// the public key. The rotation that hit it has been rolled back.
type PropagationError struct {
	AccountID string
	KeyID     string
	Step      string
	Attempts  int
	Err       error
}

func (e PropagationError) Error() string {
	msg := fmt.Sprintf("propagation failed for account '%s'", e.AccountID)
	if e.Step != "" {
		msg += fmt.Sprintf(" during %s", e.Step)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e PropagationError) Unwrap() error {
	return e.Err
}

// NotFoundError indicates an unknown account or key id.
type NotFoundError struct {
	Kind string // "account" or "key"
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Kind, e.ID)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsInvariantViolation reports whether err is (or wraps) an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv InvariantViolation
	return errors.As(err, &iv)
}

// IsPropagation reports whether err is (or wraps) a PropagationError.
func IsPropagation(err error) bool {
	var pe PropagationError
	return errors.As(err, &pe)
}

// IsGeneration reports whether err is (or wraps) a GenerationError.
func IsGeneration(err error) bool {
	var ge GenerationError
	return errors.As(err, &ge)
}
