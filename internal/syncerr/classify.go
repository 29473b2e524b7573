package syncerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
)

const (
	headerRetryAfter   = "Retry-After"
	headerLimitProblem = "X-Rate-Limit-Problem"
	maxBodyExcerpt     = 512
)

// HTTPError carries a non-2xx response from the accounting API before classification.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.StatusCode)
}

// errorEnvelope is the documented error body of the accounting API.
type errorEnvelope struct {
	ErrorNumber int    `json:"ErrorNumber"`
	Type        string `json:"Type"`
	Message     string `json:"Message"`
	Title       string `json:"Title"`
	Detail      string `json:"Detail"`
	Elements    []struct {
		ValidationErrors []struct {
			Message string `json:"Message"`
		} `json:"ValidationErrors"`
	} `json:"Elements"`
}

// Classify maps any error to exactly one normalized kind. A nil error yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var normalized *Error
	if errors.As(err, &normalized) {
		return normalized
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return classifyTokenEndpoint(retrieveErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewSync(CodeTimeout, "operation timed out", true, err)
	case errors.Is(err, context.Canceled):
		return NewSync(CodeCanceled, "operation canceled", false, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return NewSync(CodeConnectionRefused, "connection refused", true, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF):
		return NewSync(CodeConnectionReset, "connection reset", true, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewSync(CodeDNS, "name resolution failed", dnsErr.IsTemporary || dnsErr.IsTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewSync(CodeTimeout, "network timeout", true, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewSync(CodeNetwork, "network failure", true, err)
	}

	return NewSync(CodeUnclassified, "unclassified failure", false, err)
}

func classifyHTTP(httpErr *HTTPError) *Error {
	envelope := parseEnvelope(httpErr.Body)
	status := httpErr.StatusCode

	switch {
	case status == http.StatusTooManyRequests:
		problem := strings.ToLower(strings.TrimSpace(httpErr.Header.Get(headerLimitProblem)))
		classified := NewRateLimit(ParseRetryAfter(httpErr.Header.Get(headerRetryAfter), time.Now()), problem)
		classified.Cause = httpErr
		return classified
	case status == http.StatusUnauthorized:
		return NewAuth(CodeUnauthorized, "accounting service rejected the credentials", httpErr)
	case status == http.StatusForbidden:
		// The token is valid but lacks the scope or role; a refresh grants nothing new.
		message := envelope.Detail
		if message == "" {
			message = "the connection is not permitted to perform this operation"
		}
		classified := NewValidation(CodeForbidden, message, nil)
		classified.Cause = httpErr
		return classified
	case status == http.StatusNotFound:
		classified := NewNotFound("accounting record not found")
		classified.Cause = httpErr
		return classified
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		message := envelope.Message
		if message == "" {
			message = envelope.Detail
		}
		if message == "" {
			message = "the accounting service rejected the payload"
		}
		classified := NewValidation(CodeInvalidPayload, message, envelope.fieldErrors())
		classified.Cause = httpErr
		return classified
	case status == http.StatusRequestTimeout:
		return NewSync(CodeTimeout, "upstream request timeout", true, httpErr)
	case status >= 500:
		return NewSync(CodeUpstream, fmt.Sprintf("upstream returned status %d", status), true, httpErr)
	default:
		return NewSync(CodeUpstream, fmt.Sprintf("unexpected upstream status %d", status), false, httpErr)
	}
}

func classifyTokenEndpoint(retrieveErr *oauth2.RetrieveError) *Error {
	status := 0
	if retrieveErr.Response != nil {
		status = retrieveErr.Response.StatusCode
	}
	switch {
	case retrieveErr.ErrorCode == "invalid_grant":
		return NewAuth(CodeRefreshFailed, "refresh grant revoked or expired", retrieveErr)
	case status == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if retrieveErr.Response != nil {
			retryAfter = ParseRetryAfter(retrieveErr.Response.Header.Get(headerRetryAfter), time.Now())
		}
		classified := NewRateLimit(retryAfter, "")
		classified.Cause = retrieveErr
		return classified
	case status >= 500:
		return NewSync(CodeUpstream, fmt.Sprintf("token endpoint returned status %d", status), true, retrieveErr)
	default:
		return NewAuth(CodeRefreshFailed, "token refresh rejected", retrieveErr)
	}
}

// ParseRetryAfter reads delta-seconds or an HTTP date. Unparseable or empty values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

func parseEnvelope(body []byte) errorEnvelope {
	var envelope errorEnvelope
	if len(body) == 0 {
		return envelope
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return errorEnvelope{}
	}
	return envelope
}

func (e errorEnvelope) fieldErrors() []FieldError {
	var fields []FieldError
	for index, element := range e.Elements {
		for _, validation := range element.ValidationErrors {
			message := strings.TrimSpace(validation.Message)
			if message == "" {
				continue
			}
			fields = append(fields, FieldError{
				Field:   fmt.Sprintf("Elements[%d]", index),
				Message: truncate(message),
			})
		}
	}
	return fields
}

func truncate(value string) string {
	if len(value) <= maxBodyExcerpt {
		return value
	}
	return value[:maxBodyExcerpt]
}
