package internal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different kinds of failures surfaced by hostfetch
type ErrorType int

const (
	ErrInvalidURL ErrorType = iota
	ErrAuthentication
	ErrUnsolvableChallenge
	ErrInvalidFeedbackState
	ErrResolutionUnsupported
	ErrChannelLink
	ErrChannelClosed
	ErrTransport
	ErrInterrupted
	ErrLinkNotFound
	ErrRateLimit
	ErrNetworkTimeout
	ErrFileNotFound
	ErrInvalidResponse
	ErrUnsupportedCapability
	ErrQuotaExceeded
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// HostError is the error value returned by every hostfetch package.
// Cause carries the underlying failure, if any, and is reachable
// through errors.Is and errors.As.
type HostError struct {
	Code       int                    `json:"code"`
	Message    string                 `json:"message"`
	Type       ErrorType              `json:"type"`
	Severity   ErrorSeverity          `json:"severity"`
	Service    string                 `json:"service,omitempty"`
	URL        string                 `json:"url,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	RetryAfter int                    `json:"retry_after,omitempty"` // seconds
	Context    map[string]interface{} `json:"context,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *HostError) Error() string {
	var parts []string

	head := fmt.Sprintf("hostfetch error (type: %s", e.Type.String())
	if e.Code != 0 {
		head += fmt.Sprintf(", code: %d", e.Code)
	}
	if e.Service != "" {
		head += fmt.Sprintf(", service: %s", e.Service)
	}
	parts = append(parts, head+")")

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " - ")
}

// Unwrap exposes the original cause
func (e *HostError) Unwrap() error {
	return e.Cause
}

// Is matches another *HostError of the same type, so sentinel-style
// comparisons such as errors.Is(err, &HostError{Type: ErrChannelLink}) work.
func (e *HostError) Is(target error) bool {
	t, ok := target.(*HostError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// DetailedError returns a detailed error message with all available information
func (e *HostError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Type.String()))

	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("Code: %d", e.Code))
	}
	if e.Service != "" {
		parts = append(parts, fmt.Sprintf("Service: %s", e.Service))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", redactSensitiveURL(e.URL)))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("Retry after: %d seconds", e.RetryAfter))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrInvalidURL:
		return "InvalidURL"
	case ErrAuthentication:
		return "Authentication"
	case ErrUnsolvableChallenge:
		return "UnsolvableChallenge"
	case ErrInvalidFeedbackState:
		return "InvalidFeedbackState"
	case ErrResolutionUnsupported:
		return "ResolutionUnsupported"
	case ErrChannelLink:
		return "ChannelLink"
	case ErrChannelClosed:
		return "ChannelClosed"
	case ErrTransport:
		return "Transport"
	case ErrInterrupted:
		return "Interrupted"
	case ErrLinkNotFound:
		return "LinkNotFound"
	case ErrRateLimit:
		return "RateLimit"
	case ErrNetworkTimeout:
		return "NetworkTimeout"
	case ErrFileNotFound:
		return "FileNotFound"
	case ErrInvalidResponse:
		return "InvalidResponse"
	case ErrUnsupportedCapability:
		return "UnsupportedCapability"
	case ErrQuotaExceeded:
		return "QuotaExceeded"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewHostError creates a new HostError with default severity and suggestion
func NewHostError(code int, message string, errorType ErrorType) *HostError {
	return &HostError{
		Code:       code,
		Message:    message,
		Type:       errorType,
		Severity:   getDefaultSeverity(errorType),
		Suggestion: getDefaultSuggestion(errorType, code),
		Context:    make(map[string]interface{}),
	}
}

// WrapError creates a HostError that keeps cause as its underlying error
func WrapError(cause error, message string, errorType ErrorType) *HostError {
	err := NewHostError(0, message, errorType)
	err.Cause = cause
	return err
}

// WithSuggestion adds a custom suggestion to the error
func (e *HostError) WithSuggestion(suggestion string) *HostError {
	e.Suggestion = suggestion
	return e
}

// WithURL adds URL context to the error (will be redacted in logs)
func (e *HostError) WithURL(url string) *HostError {
	e.URL = url
	return e
}

// WithService records which hosting or solving service produced the error
func (e *HostError) WithService(id string) *HostError {
	e.Service = id
	return e
}

// WithRetryAfter sets the retry delay for rate limit errors
func (e *HostError) WithRetryAfter(seconds int) *HostError {
	e.RetryAfter = seconds
	return e
}

// WithContext adds context information to the error
func (e *HostError) WithContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error is retryable.
// Protocol violations such as invalid feedback state never are.
func (e *HostError) IsRetryable() bool {
	switch e.Type {
	case ErrNetworkTimeout, ErrRateLimit:
		return true
	case ErrInvalidResponse:
		return e.Code >= 500
	default:
		return false
	}
}

// IsCritical returns true if the error is critical and should stop execution
func (e *HostError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// IsErrorType reports whether err, or anything it wraps, is a HostError of type t
func IsErrorType(err error, t ErrorType) bool {
	var hostErr *HostError
	for err != nil {
		if !errors.As(err, &hostErr) {
			return false
		}
		if hostErr.Type == t {
			return true
		}
		err = hostErr.Cause
	}
	return false
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// DetailedError returns a detailed validation error message
func (e *ValidationError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Validation Error for field '%s'", e.Field))
	parts = append(parts, fmt.Sprintf("Message: %s", e.Message))

	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("Provided value: %v", e.Value))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Context: make(map[string]interface{}),
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context to the validation error
func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// getDefaultSuggestion returns a default suggestion based on error type and code
func getDefaultSuggestion(errorType ErrorType, code int) string {
	switch errorType {
	case ErrInvalidURL:
		return "Please ensure the URL belongs to a configured hosting service"
	case ErrAuthentication:
		return "Check the account credentials and that the service is reachable"
	case ErrUnsolvableChallenge:
		return "Request a fresh challenge or configure a different captcha solver"
	case ErrInvalidFeedbackState:
		return "Only challenges that went through Solve can be reported as valid or invalid"
	case ErrResolutionUnsupported:
		return "Check the solver capabilities before calling this operation"
	case ErrChannelLink:
		return "The upload channel must be linked exactly once before writing"
	case ErrChannelClosed:
		return "The upload channel has already been closed"
	case ErrTransport:
		return "Check your internet connection and the hosting service status"
	case ErrInterrupted:
		return "The wait for the upload result was cancelled; the upload may still have completed"
	case ErrLinkNotFound:
		return "The hosting service response did not contain a recognizable link"
	case ErrRateLimit:
		return "Please wait before retrying. Consider using --limit-rate to reduce bandwidth usage"
	case ErrNetworkTimeout:
		return "Check your internet connection and try again. Consider using a proxy if needed"
	case ErrFileNotFound:
		return "Verify the link is still valid and the file hasn't been removed"
	case ErrInvalidResponse:
		if code >= 500 {
			return "Server error occurred. Please try again later"
		}
		return "Invalid response from server. The site layout might have changed"
	case ErrUnsupportedCapability:
		return "Pick a service whose capability matrix grants the requested operation"
	case ErrQuotaExceeded:
		return "The account quota or solver balance is exhausted"
	default:
		return "Please check the error details and try again"
	}
}

// getDefaultSeverity returns the default severity for an error type
func getDefaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrRateLimit, ErrNetworkTimeout, ErrLinkNotFound, ErrInterrupted:
		return SeverityWarning
	case ErrInvalidFeedbackState, ErrChannelLink, ErrQuotaExceeded:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// redactSensitiveURL redacts sensitive information from URLs
func redactSensitiveURL(url string) string {
	if strings.Contains(url, "?") {
		parts := strings.Split(url, "?")
		return parts[0] + "?[REDACTED]"
	}
	return url
}

// Common error constructors for frequently used errors

// NewAuthenticationError creates an error for rejected credentials
func NewAuthenticationError(message string, cause error) *HostError {
	err := NewHostError(401, message, ErrAuthentication)
	err.Cause = cause
	return err
}

// NewUnsolvableError creates an error for challenges no answer could be produced for
func NewUnsolvableError(message string, cause error) *HostError {
	err := NewHostError(0, message, ErrUnsolvableChallenge)
	err.Cause = cause
	return err
}

// NewInvalidFeedbackStateError creates an error for feedback on an unsolved challenge
func NewInvalidFeedbackStateError(message string) *HostError {
	return NewHostError(0, message, ErrInvalidFeedbackState)
}

// NewUnsupportedError creates an error for operations a backend does not implement
func NewUnsupportedError(operation string) *HostError {
	return NewHostError(0, fmt.Sprintf("%s is not supported", operation), ErrResolutionUnsupported)
}

// NewChannelLinkError creates an error for link-state violations on an upload channel
func NewChannelLinkError(message string) *HostError {
	return NewHostError(0, message, ErrChannelLink)
}

// NewTransportError wraps a failure of the underlying asynchronous request
func NewTransportError(cause error) *HostError {
	return WrapError(cause, "upload request failed", ErrTransport)
}

// NewInvalidURLError creates an error for invalid URLs
func NewInvalidURLError(url string, reason string) *HostError {
	return NewHostError(400, fmt.Sprintf("Invalid URL: %s", reason), ErrInvalidURL).
		WithURL(url)
}

// NewRateLimitError creates an error for rate limiting
func NewRateLimitError(retryAfter int) *HostError {
	return NewHostError(429, "Rate limit exceeded", ErrRateLimit).
		WithRetryAfter(retryAfter).
		WithSuggestion(fmt.Sprintf("Please wait %d seconds before retrying", retryAfter))
}

// NewNetworkTimeoutError creates an error for a transfer cut off by the network
func NewNetworkTimeoutError(operation string, cause error) *HostError {
	return WrapError(cause, fmt.Sprintf("Network failure during %s", operation), ErrNetworkTimeout)
}

// NewFileNotFoundError creates an error for missing files
func NewFileNotFoundError(url string) *HostError {
	return NewHostError(404, "File not found or link is invalid", ErrFileNotFound).
		WithURL(url)
}
