// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package cf

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error types for Cloudflare API operations
var (
	// ErrResourceNotFound indicates the requested resource was not found
	ErrResourceNotFound = errors.New("resource not found")

	// ErrResourceConflict indicates the resource is already managed by another K8s object
	ErrResourceConflict = errors.New("resource already managed by another object")

	// ErrAPIRateLimited indicates the API rate limit was exceeded
	ErrAPIRateLimited = errors.New("API rate limit exceeded")

	// ErrTemporaryFailure indicates a temporary failure that should be retried
	ErrTemporaryFailure = errors.New("temporary failure")

	// ErrAuthenticationFailed indicates authentication failed
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrPermissionDenied indicates permission was denied
	ErrPermissionDenied = errors.New("permission denied")
)

// APIError wraps a Cloudflare API error with additional context
type APIError struct {
	Operation string
	Resource  string
	Err       error
}

func (e *APIError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s %s: %v", e.Operation, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError
func NewAPIError(operation, resource string, err error) *APIError {
	return &APIError{
		Operation: operation,
		Resource:  resource,
		Err:       err,
	}
}

// IsNotFoundError checks if the error indicates a resource was not found
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrResourceNotFound) {
		return true
	}
	// Check for common "not found" patterns in error messages
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such") ||
		strings.Contains(errStr, "404") ||
		// Cloudflare Tunnel API specific errors
		strings.Contains(errStr, "tunnel not found") ||
		// General Cloudflare API patterns
		strings.Contains(errStr, "resource_not_found") ||
		strings.Contains(errStr, "could not find")
}

// IsConflictError checks if the error indicates a resource conflict
func IsConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrResourceConflict) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "conflict") ||
		strings.Contains(errStr, "duplicate")
}

// IsRateLimitError checks if the error indicates rate limiting
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAPIRateLimited) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429")
}

// IsTemporaryError checks if the error is temporary and should be retried
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTemporaryFailure) {
		return true
	}
	if IsRateLimitError(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "504")
}

// IsAuthError checks if the error indicates an authentication/authorization failure
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrPermissionDenied) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403")
}

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// BaseDelay is the initial delay before retry
	BaseDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// MaxRetries is the maximum number of retries (0 = no limit)
	MaxRetries int
	// RetryCount tracks the current retry count (for exponential backoff)
	RetryCount int
}

// DefaultRetryConfig returns the retry bounds for tunnel reconciliation:
// a 1s base delay and a 10 minute ceiling. The reconciler reads only
// MaxDelay, as the requeue delay after an auth failure; BaseDelay is not
// applied anywhere.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Minute,
		MaxRetries: 0,
	}
}

// Classify maps an error returned from the Cloudflare client into the
// reconciler's remote-error taxonomy so callers can pick a requeue
// strategy without inspecting error strings themselves.
type RemoteErrorClass int

const (
	// RemoteErrorUnknown covers errors that don't match a known class;
	// the reconciler requeues them after a fixed delay.
	RemoteErrorUnknown RemoteErrorClass = iota
	// RemoteErrorTransient is a retryable failure (rate limit, timeout,
	// 5xx). The reconciler requeues it after the same fixed delay as an
	// unknown error; the delay does not grow between attempts.
	RemoteErrorTransient
	// RemoteErrorAuth is an authentication/authorization failure that
	// will not resolve on its own; callers should stop retrying quickly
	// and surface the condition, requeueing at the backoff ceiling.
	RemoteErrorAuth
	// RemoteErrorConflict indicates the requested name/resource already
	// exists under another identity.
	RemoteErrorConflict
	// RemoteErrorNotFound indicates the remote resource is gone.
	RemoteErrorNotFound
)

// Classify returns the RemoteErrorClass for err, checked in priority
// order: not-found first (most specific), then auth, then conflict,
// then the broader transient bucket.
func Classify(err error) RemoteErrorClass {
	switch {
	case err == nil:
		return RemoteErrorUnknown
	case IsNotFoundError(err):
		return RemoteErrorNotFound
	case IsAuthError(err):
		return RemoteErrorAuth
	case IsConflictError(err):
		return RemoteErrorConflict
	case IsTemporaryError(err) || IsRateLimitError(err):
		return RemoteErrorTransient
	default:
		return RemoteErrorUnknown
	}
}

// containsSensitivePattern checks if the message contains any sensitive patterns
func containsSensitivePattern(msg string) bool {
	sensitivePatterns := []string{
		"token", "secret", "password", "credential", "api_key", "apikey",
		"bearer", "authorization",
	}
	lowerMsg := strings.ToLower(msg)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lowerMsg, pattern) {
			return true
		}
	}
	return false
}

// getGenericErrorMessage returns a generic error message based on error type
func getGenericErrorMessage(err error) string {
	switch {
	case IsAuthError(err):
		return "authentication failed - check credentials"
	case IsRateLimitError(err):
		return "API rate limit exceeded"
	case IsNotFoundError(err):
		return "resource not found"
	default:
		return "operation failed - check operator logs for details"
	}
}

// SanitizeErrorMessage removes potentially sensitive information from error messages
// before storing them in Status conditions
func SanitizeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	// Truncate long error messages
	const maxLen = 512
	if len(msg) > maxLen {
		msg = msg[:maxLen-3] + "..."
	}

	// Check for sensitive patterns and return generic message if found
	if containsSensitivePattern(msg) {
		return getGenericErrorMessage(err)
	}

	return msg
}
