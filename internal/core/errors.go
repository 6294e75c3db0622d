// Package core provides the error taxonomy and request context shared by the
// metering gateway components.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeProvider indicates an upstream provider error (5xx)
	ErrorTypeProvider ErrorType = "provider_error"
	// ErrorTypeRateLimit indicates a rate limit error (429)
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeInvalidRequest indicates a client error (4xx)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeAuthentication indicates an authentication error (401)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypePermission indicates the caller may not use the resource (403)
	ErrorTypePermission ErrorType = "permission_error"
	// ErrorTypeNotFound indicates a not found error (404)
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeConflict indicates the operation is already in progress (409)
	ErrorTypeConflict ErrorType = "conflict_error"
	// ErrorTypeBudgetExceeded indicates a hard limit blocked the request (429)
	ErrorTypeBudgetExceeded ErrorType = "budget_exceeded"
	// ErrorTypeInternal indicates an unexpected server-side failure (500)
	ErrorTypeInternal ErrorType = "internal_error"
)

// GatewayError is the base error type for all gateway errors
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeBudgetExceeded:
		return http.StatusTooManyRequests
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *GatewayError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewProviderError creates a new provider error (upstream 5xx)
func NewProviderError(provider string, statusCode int, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeProvider,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
		Err:        err,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewPermissionError creates a new permission error (403)
func NewPermissionError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypePermission,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// NewNotFoundError creates a new not found error (404)
func NewNotFoundError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewConflictError creates a new conflict error (409)
func NewConflictError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeConflict,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewInternalError creates a new internal error (500). The cause is kept for
// logging and never rendered.
func NewInternalError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// BudgetExceededError is returned when a hard budget, an enforced alert or the
// plan ceiling would be crossed by a request. It is terminal for the request
// and is not a system fault.
type BudgetExceededError struct {
	Reason         string  `json:"reason"`
	Scope          string  `json:"scope"`
	Period         string  `json:"period"`
	Metric         string  `json:"metric"`
	Threshold      float64 `json:"threshold"`
	CurrentValue   float64 `json:"currentValue"`
	ProjectedValue float64 `json:"projectedValue"`
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s: %s %s %s projected %.6f >= %.6f",
		ErrorTypeBudgetExceeded, e.Reason, e.Scope, e.Period, e.ProjectedValue, e.Threshold)
}

// HTTPStatusCode always returns 429.
func (e *BudgetExceededError) HTTPStatusCode() int {
	return http.StatusTooManyRequests
}

// ToJSON renders the error envelope plus the values a client needs to show
// why the request was blocked.
func (e *BudgetExceededError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    ErrorTypeBudgetExceeded,
			"message": e.Reason,
		},
		"reason":         e.Reason,
		"scope":          e.Scope,
		"period":         e.Period,
		"metric":         e.Metric,
		"threshold":      e.Threshold,
		"currentValue":   e.CurrentValue,
		"projectedValue": e.ProjectedValue,
	}
}

// UpstreamError carries a failed upstream provider call. When StatusCode is
// set the body is passed through to the caller unchanged.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       []byte
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("[%s] upstream timeout: %v", e.Provider, e.Err)
	case e.StatusCode == 0:
		return fmt.Sprintf("[%s] upstream unreachable: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("[%s] upstream returned %d: %s", e.Provider, e.StatusCode, upstreamMessage(e.Body))
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether the provider rejected the credential.
func (e *UpstreamError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// HTTPStatusCode returns the upstream status, or 504/502 for timeouts and
// transport failures.
func (e *UpstreamError) HTTPStatusCode() int {
	switch {
	case e.StatusCode != 0:
		return e.StatusCode
	case e.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// NewUpstreamStatusError wraps a non-2xx upstream response.
func NewUpstreamStatusError(provider string, statusCode int, body []byte) *UpstreamError {
	return &UpstreamError{Provider: provider, StatusCode: statusCode, Body: body}
}

// IsUpstreamAuthError reports whether err is an upstream 401.
func IsUpstreamAuthError(err error) bool {
	var upErr *UpstreamError
	return errors.As(err, &upErr) && upErr.IsAuth()
}

// upstreamMessage extracts error.message from an OpenAI-style error body.
func upstreamMessage(body []byte) string {
	var errorResponse struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResponse); err == nil && errorResponse.Error.Message != "" {
		return errorResponse.Error.Message
	}
	if len(body) > 256 {
		return string(body[:256])
	}
	return string(body)
}

// LedgerWriteError reports a usage write that failed after the upstream call
// had already succeeded. It is logged, never returned to the caller.
type LedgerWriteError struct {
	CredentialID string
	Err          error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write failed for credential %s: %v", e.CredentialID, e.Err)
}

func (e *LedgerWriteError) Unwrap() error {
	return e.Err
}

// SyncCredentialError is a per-credential failure inside a batch job.
type SyncCredentialError struct {
	CredentialID string
	Op           string
	Err          error
}

func (e *SyncCredentialError) Error() string {
	return fmt.Sprintf("%s credential %s: %v", e.Op, e.CredentialID, e.Err)
}

func (e *SyncCredentialError) Unwrap() error {
	return e.Err
}
