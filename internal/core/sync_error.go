package core

// sync_error.go classifies failures of remote calls into a closed set of codes.
//
// The code alone decides retryability: network and rate-limit failures are
// retried by the queue, everything else is terminal. FromError is the single
// entry point used by the queue, the breakers and the status API.
//
// Classification order:
//  1. An existing *SyncError anywhere in the chain is returned as is
//  2. Breaker rejections (ErrCircuitOpen) are terminal for that attempt
//  3. Context deadlines and transport errors (reset, refused, DNS, EOF)
//  4. Google API errors by HTTP status
//  5. Postgres errors by SQLSTATE
//  6. Message substrings, first match wins (see syncErrorPatterns)

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/api/googleapi"
)

// ErrorCode is one of a fixed set of failure kinds.
type ErrorCode string

const (
	CodeNetwork        ErrorCode = "NETWORK_ERROR"
	CodeAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	CodeConflict       ErrorCode = "CONFLICT_ERROR"
	CodeValidation     ErrorCode = "VALIDATION_ERROR"
	CodeRateLimit      ErrorCode = "RATE_LIMIT_ERROR"
	CodeNotFound       ErrorCode = "NOT_FOUND_ERROR"
	CodeUnknown        ErrorCode = "UNKNOWN_ERROR"
)

// Retryable reports whether failures of this kind should be retried.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeNetwork, CodeRateLimit:
		return true
	default:
		return false
	}
}

// SyncStatus is the sync state implied by a failure.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncError is a classified failure.
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// NewSyncError builds a SyncError with an optional cause.
func NewSyncError(code ErrorCode, message string, err error) *SyncError {
	return &SyncError{Code: code, Message: message, Err: err}
}

func (e *SyncError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the queue should retry the failed operation.
func (e *SyncError) Retryable() bool { return e.Code.Retryable() }

// SyncStatus returns pending for retryable failures and failed otherwise.
func (e *SyncError) SyncStatus() SyncStatus {
	if e.Retryable() {
		return SyncStatusPending
	}
	return SyncStatusFailed
}

// WithDetail attaches structured context and returns e.
func (e *SyncError) WithDetail(key string, value any) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// RetryAfter returns the provider or breaker hint carried in Details, if any.
func (e *SyncError) RetryAfter() time.Duration {
	switch v := e.Details["retry_after_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

// ToDetails snapshots the error for logs, status endpoints and failed operations.
func (e *SyncError) ToDetails() SyncErrorDetails {
	return SyncErrorDetails{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		Retryable:  e.Retryable(),
		SyncStatus: e.SyncStatus(),
	}
}

// SyncErrorDetails is the serializable form of a SyncError.
type SyncErrorDetails struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Retryable  bool           `json:"retryable"`
	SyncStatus SyncStatus     `json:"syncStatus"`
}

// ConflictError reports a write that collided with existing data.
type ConflictError struct {
	SyncError
	Fields []string
}

// NewConflictError builds a CONFLICT_ERROR naming the conflicting fields.
func NewConflictError(message string, fields []string, err error) *ConflictError {
	ce := &ConflictError{
		SyncError: SyncError{Code: CodeConflict, Message: message, Err: err},
		Fields:    fields,
	}
	if len(fields) > 0 {
		ce.WithDetail("fields", fields)
	}
	return ce
}

func (e *ConflictError) Unwrap() error { return &e.SyncError }

// ValidationError reports per-field problems with a record.
type ValidationError struct {
	SyncError
	FieldErrors map[string]string
}

// NewValidationError builds a VALIDATION_ERROR from field messages.
func NewValidationError(message string, fieldErrors map[string]string) *ValidationError {
	ve := &ValidationError{
		SyncError:   SyncError{Code: CodeValidation, Message: message},
		FieldErrors: fieldErrors,
	}
	if len(fieldErrors) > 0 {
		ve.WithDetail("fields", fieldErrors)
	}
	return ve
}

func (e *ValidationError) Unwrap() error { return &e.SyncError }

// RateLimitError reports a throttled call. RetryAfter is zero when the
// provider gave no hint.
type RateLimitError struct {
	SyncError
	RetryAfter time.Duration
}

// NewRateLimitError builds a RATE_LIMIT_ERROR.
func NewRateLimitError(message string, retryAfter time.Duration, err error) *RateLimitError {
	re := &RateLimitError{
		SyncError:  SyncError{Code: CodeRateLimit, Message: message, Err: err},
		RetryAfter: retryAfter,
	}
	if retryAfter > 0 {
		re.WithDetail("retry_after_ms", retryAfter.Milliseconds())
	}
	return re
}

func (e *RateLimitError) Unwrap() error { return &e.SyncError }

// FromError classifies err. It returns nil for a nil error and is pure:
// the same input always yields the same code.
func FromError(err error) *SyncError {
	if err == nil {
		return nil
	}

	var se *SyncError
	if errors.As(err, &se) {
		return se
	}

	var open *CircuitOpenError
	if errors.As(err, &open) {
		return &SyncError{
			Code:    CodeUnknown,
			Message: err.Error(),
			Details: map[string]any{"breaker": open.Name, "retry_after_ms": open.RetryAfter.Milliseconds()},
			Err:     err,
		}
	}

	msg := err.Error()

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &SyncError{Code: CodeNetwork, Message: msg, Err: err}
	}

	if isTransportError(err) {
		return &SyncError{Code: CodeNetwork, Message: msg, Err: err}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		code, ok := codeForStatus(gerr.Code)
		// Sheets reports per-user quota exhaustion as 403 rateLimitExceeded.
		if gerr.Code == http.StatusForbidden && isQuotaMessage(strings.ToLower(msg)) {
			code, ok = CodeRateLimit, true
		}
		if ok {
			if code == CodeRateLimit {
				return &NewRateLimitError(msg, parseRetryAfter(gerr.Header), err).SyncError
			}
			return &SyncError{Code: code, Message: msg, Details: map[string]any{"status": gerr.Code}, Err: err}
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgError(pgErr, err)
	}

	lower := strings.ToLower(msg)
	for _, p := range syncErrorPatterns {
		if strings.Contains(lower, p.pattern) {
			return &SyncError{Code: p.code, Message: msg, Err: err}
		}
	}

	return &SyncError{Code: CodeUnknown, Message: msg, Err: err}
}

// codeForStatus maps HTTP status codes onto error codes.
func codeForStatus(status int) (ErrorCode, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuthentication, true
	case status == http.StatusNotFound:
		return CodeNotFound, true
	case status == http.StatusConflict:
		return CodeConflict, true
	case status == http.StatusTooManyRequests:
		return CodeRateLimit, true
	case status == http.StatusRequestTimeout || status >= 500:
		return CodeNetwork, true
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeValidation, true
	}
	return "", false
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// classifyPgError maps SQLSTATE codes. Class 23 is integrity constraint
// violation, class 08 is connection exception.
func classifyPgError(pgErr *pgconn.PgError, err error) *SyncError {
	details := map[string]any{"sqlstate": pgErr.Code}
	if pgErr.ConstraintName != "" {
		details["constraint"] = pgErr.ConstraintName
	}

	switch {
	case pgErr.Code == "23505":
		ce := NewConflictError(pgErr.Message, nonEmpty(pgErr.ColumnName), err)
		for k, v := range details {
			ce.WithDetail(k, v)
		}
		return &ce.SyncError
	case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
		return &SyncError{Code: CodeValidation, Message: pgErr.Message, Details: details, Err: err}
	case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01",
		strings.HasPrefix(pgErr.Code, "08"):
		return &SyncError{Code: CodeNetwork, Message: pgErr.Message, Details: details, Err: err}
	case pgErr.Code == "53300":
		return &SyncError{Code: CodeRateLimit, Message: pgErr.Message, Details: details, Err: err}
	case pgErr.Code == "28000", pgErr.Code == "28P01", pgErr.Code == "42501":
		return &SyncError{Code: CodeAuthentication, Message: pgErr.Message, Details: details, Err: err}
	case pgErr.Code == "42P01", pgErr.Code == "42703":
		return &SyncError{Code: CodeNotFound, Message: pgErr.Message, Details: details, Err: err}
	}
	return &SyncError{Code: CodeUnknown, Message: pgErr.Message, Details: details, Err: err}
}

func isQuotaMessage(lower string) bool {
	return strings.Contains(lower, "ratelimitexceeded") || strings.Contains(lower, "quota")
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func isTransportError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// syncErrorPattern maps a lower-case message substring to a code.
type syncErrorPattern struct {
	pattern string
	code    ErrorCode
}

// syncErrorPatterns covers provider phrasing that arrives without a typed
// error. The first matching pattern wins, so specific phrases come first.
var syncErrorPatterns = []syncErrorPattern{
	// Quota and throttling
	{"quota exceeded", CodeRateLimit},
	{"rate limit", CodeRateLimit},
	{"ratelimitexceeded", CodeRateLimit},
	{"too many requests", CodeRateLimit},
	{"resource_exhausted", CodeRateLimit},

	// Credentials
	{"invalid_grant", CodeAuthentication},
	{"unauthenticated", CodeAuthentication},
	{"unauthorized", CodeAuthentication},
	{"permission denied", CodeAuthentication},
	{"permission_denied", CodeAuthentication},
	{"invalid api key", CodeAuthentication},
	{"jwt expired", CodeAuthentication},

	// Conflicts
	{"duplicate key", CodeConflict},
	{"violates unique", CodeConflict},
	{"already exists", CodeConflict},
	{"conflict", CodeConflict},

	// Transport
	{"econnreset", CodeNetwork},
	{"connection reset", CodeNetwork},
	{"connection refused", CodeNetwork},
	{"no such host", CodeNetwork},
	{"broken pipe", CodeNetwork},
	{"timed out", CodeNetwork},
	{"timeout", CodeNetwork},
	{"deadlock", CodeNetwork},
	{"service unavailable", CodeNetwork},
	{"bad gateway", CodeNetwork},
	{"network", CodeNetwork},

	// Missing resources
	{"not found", CodeNotFound},
	{"does not exist", CodeNotFound},

	// Validation
	{"violates foreign key", CodeValidation},
	{"violates not-null", CodeValidation},
	{"violates check", CodeValidation},
	{"invalid input", CodeValidation},
	{"required field", CodeValidation},
	{"invalid", CodeValidation},
}
