// Package apperr defines the error kinds surfaced by the access core. Every
// kind maps to one HTTP status in httpapi; callers branch with errors.Is/As.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrUnsupported  = errors.New("operation not supported by platform")
	ErrInvalidInput = errors.New("invalid input")
	ErrNoCredential = errors.New("no resolvable credential")
)

// ValidationError carries every violated rule. Admission is all-or-nothing.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// Validation builds a ValidationError from one or more messages.
func Validation(msgs ...string) *ValidationError {
	return &ValidationError{Errors: msgs}
}

// NotFoundError names the missing entity kind.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// OwnershipMismatchError means the configured ownership of an item forbids the operation.
type OwnershipMismatchError struct {
	ItemID    string
	Ownership string
	Operation string
}

func (e *OwnershipMismatchError) Error() string {
	return fmt.Sprintf("%s is not allowed for item %s with ownership %q", e.Operation, e.ItemID, e.Ownership)
}

// ExclusivityViolationError is returned for a second checkout while a session is active.
type ExclusivityViolationError struct {
	RequestID       string
	ItemID          string
	ActiveSessionID string
}

func (e *ExclusivityViolationError) Error() string {
	msg := fmt.Sprintf("item %s on request %s already has an active PAM session", e.ItemID, e.RequestID)
	if e.ActiveSessionID != "" {
		msg += " (" + e.ActiveSessionID + ")"
	}
	return msg
}

func (e *ExclusivityViolationError) Is(target error) bool { return target == ErrConflict }

// ProviderNotConfiguredError is returned when an OAuth-capable platform has no
// application credentials in the environment.
type ProviderNotConfiguredError struct {
	PlatformKey        string   `json:"platformKey"`
	RequiredEnvVars    []string `json:"requiredEnvVars"`
	DeveloperPortalURL string   `json:"developerPortalUrl"`
}

func (e *ProviderNotConfiguredError) Error() string {
	return fmt.Sprintf("platform %s is not configured: set %s", e.PlatformKey, strings.Join(e.RequiredEnvVars, ", "))
}

// ProviderErrorKind classifies third-party failures by how callers react.
type ProviderErrorKind string

const (
	ProviderPermissionDenied ProviderErrorKind = "permission_denied"
	ProviderNotFound         ProviderErrorKind = "not_found"
	ProviderConflict         ProviderErrorKind = "conflict"
	ProviderTransient        ProviderErrorKind = "transient"
)

// ExternalProviderError wraps a failed platform API call.
type ExternalProviderError struct {
	PlatformKey string
	Operation   string
	Kind        ProviderErrorKind
	StatusCode  int
	Message     string
	Cause       error
}

func (e *ExternalProviderError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s failed", e.PlatformKey, e.Kind, e.Operation)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ExternalProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether repeating the call may succeed.
func (e *ExternalProviderError) Retryable() bool { return e.Kind == ProviderTransient }

// ProviderKindForStatus maps an upstream HTTP status to an error kind.
func ProviderKindForStatus(status int) ProviderErrorKind {
	switch {
	case status == 401 || status == 403:
		return ProviderPermissionDenied
	case status == 404:
		return ProviderNotFound
	case status == 409:
		return ProviderConflict
	default:
		return ProviderTransient
	}
}

// IsProviderKind reports whether err is an ExternalProviderError of the given kind.
func IsProviderKind(err error, kind ProviderErrorKind) bool {
	var pe *ExternalProviderError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	var pe *ExternalProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
