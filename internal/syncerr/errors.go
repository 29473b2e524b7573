// Package syncerr normalizes transport, protocol and storage failures into the small set of error
// kinds every synchronization component handles.
package syncerr

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

// Kind discriminates normalized errors. Handling sites switch over every Kind.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindSync       Kind = "sync"
	KindWebhook    Kind = "webhook"
	KindConfig     Kind = "config"
)

// Codes refine a Kind. They are stable and safe to expose.
const (
	CodeNoConnection      = "NO_CONNECTION"
	CodeRefreshFailed     = "REFRESH_FAILED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeMappingConflict   = "MAPPING_CONFLICT"
	CodeResourceNotFound  = "RESOURCE_NOT_FOUND"
	CodeTimeout           = "TIMEOUT"
	CodeCanceled          = "CANCELED"
	CodeConnectionRefused = "CONNECTION_REFUSED"
	CodeConnectionReset   = "CONNECTION_RESET"
	CodeDNS               = "DNS_FAILURE"
	CodeNetwork           = "NETWORK_FAILURE"
	CodeUpstream          = "UPSTREAM_ERROR"
	CodeMissingExternalID = "MISSING_EXTERNAL_ID"
	CodeStorage           = "STORAGE_ERROR"
	CodeUnclassified      = "UNCLASSIFIED"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeMalformedPayload  = "MALFORMED_PAYLOAD"
	CodeInvalidConfig     = "INVALID_CONFIG"
)

// DefaultRetryAfter applies when a throttling response carries no usable hint.
const DefaultRetryAfter = 60 * time.Second

// FieldError is one field-level message from a rejected payload.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// EntityRef identifies the entity a failure relates to.
type EntityRef struct {
	TenantID   string `json:"tenant_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	InternalID string `json:"internal_id,omitempty"`
}

// Error is the normalized error consumed by every component.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Problem    string
	Fields     []FieldError
	Entity     EntityRef
	Transient  bool
	Cause      error
}

func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString(string(e.Kind))
	if e.Code != "" {
		builder.WriteString("(")
		builder.WriteString(e.Code)
		builder.WriteString(")")
	}
	if e.Message != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Message)
	}
	if e.Kind == KindRateLimit {
		builder.WriteString(fmt.Sprintf(" (retry after %ds)", e.RetryAfterSeconds()))
	}
	if e.Cause != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Cause.Error())
	}
	return builder.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// RetryAfterSeconds rounds the retry hint up to whole seconds.
func (e *Error) RetryAfterSeconds() int {
	if e == nil || e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// Retryable reports whether the caller may retry the same operation unchanged.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindRateLimit:
		return true
	case KindSync:
		return e.Transient
	case KindAuth, KindValidation, KindNotFound, KindWebhook, KindConfig:
		return false
	default:
		return false
	}
}

// HTTPStatus maps the kind to the status exposed by API-facing operations.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindAuth, KindWebhook:
		return http.StatusUnauthorized
	case KindValidation:
		if e.Code == CodeForbidden {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindSync, KindConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// PublicCode is the stable error code rendered to API clients.
func (e *Error) PublicCode() string {
	switch e.Kind {
	case KindRateLimit:
		return "ERR_RATE_LIMITED"
	case KindAuth:
		return "ERR_UNAUTHORIZED"
	case KindValidation:
		if e.Code == CodeForbidden {
			return "ERR_FORBIDDEN"
		}
		return "ERR_VALIDATION"
	case KindNotFound:
		return "ERR_NOT_FOUND"
	case KindWebhook:
		return "ERR_WEBHOOK"
	case KindSync, KindConfig:
		return "ERR_INTERNAL"
	default:
		return "ERR_INTERNAL"
	}
}

// PublicMessage is a human-readable message that never includes transport error text.
func (e *Error) PublicMessage() string {
	switch e.Kind {
	case KindRateLimit:
		return fmt.Sprintf("accounting service rate limit exceeded, retry after %d seconds", e.RetryAfterSeconds())
	case KindAuth:
		if e.Code == CodeNoConnection {
			return "no active accounting connection for this tenant"
		}
		return "authentication with the accounting service failed"
	case KindValidation:
		if e.Message != "" {
			return e.Message
		}
		return "the accounting service rejected the payload"
	case KindNotFound:
		return "the referenced accounting record does not exist"
	case KindWebhook:
		return "webhook rejected"
	case KindSync, KindConfig:
		return "synchronization failed"
	default:
		return "synchronization failed"
	}
}

// WithEntity returns a copy annotated with the entity context.
func (e *Error) WithEntity(ref EntityRef) *Error {
	clone := *e
	clone.Entity = ref
	return &clone
}

// NewAuth builds an AuthError.
func NewAuth(code, message string, cause error) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message, Cause: cause}
}

// NewRateLimit builds a RateLimitError. A non-positive retryAfter falls back to DefaultRetryAfter.
func NewRateLimit(retryAfter time.Duration, problem string) *Error {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return &Error{
		Kind:       KindRateLimit,
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
		Problem:    problem,
		Transient:  true,
	}
}

// NewValidation builds a ValidationError.
func NewValidation(code, message string, fields []FieldError) *Error {
	if code == "" {
		code = CodeInvalidPayload
	}
	return &Error{Kind: KindValidation, Code: code, Message: message, Fields: fields}
}

// NewNotFound builds a NotFoundError.
func NewNotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeResourceNotFound, Message: message}
}

// NewSync builds a SyncError.
func NewSync(code, message string, transient bool, cause error) *Error {
	return &Error{Kind: KindSync, Code: code, Message: message, Transient: transient, Cause: cause}
}

// NewWebhook builds a WebhookError.
func NewWebhook(code, message string) *Error {
	return &Error{Kind: KindWebhook, Code: code, Message: message}
}

// NewConfig builds a ConfigError.
func NewConfig(message string, cause error) *Error {
	return &Error{Kind: KindConfig, Code: CodeInvalidConfig, Message: message, Cause: cause}
}

// As extracts a normalized error from the chain without classifying.
func As(err error) (*Error, bool) {
	var normalized *Error
	if errors.As(err, &normalized) {
		return normalized, true
	}
	return nil, false
}

// IsKind reports whether err classifies to kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}
