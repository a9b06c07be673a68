package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced in the error envelope.
const (
	CodeAuthenticationError = "authentication_error"
	CodeRateLimited         = "rate_limited"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeTimeout             = "timeout"
	CodeServerError         = "server_error"
	CodeRateLimit           = "rate_limit"
	CodeFallbackFailed      = "fallback_failed"
	CodeRetryExhausted      = "retry_exhausted"
	CodeServiceUnavailable  = "service_unavailable"
	CodeProviderError       = "provider_error"
)

var (
	ErrBreakerOpen    = errors.New("circuit breaker is open")
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// GatewayError is the structured error value carried through the pipeline.
// The translation to an HTTP status happens once, at the pipeline exit.
type GatewayError struct {
	Err     error
	Code    string
	Message string
	Status  int
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func NewGatewayError(status int, code, message string) *GatewayError {
	return &GatewayError{Status: status, Code: code, Message: message}
}

// SoftErrorCode reports whether an upstream structured error code indicates
// a retryable condition.
func SoftErrorCode(code string) bool {
	switch code {
	case CodeTimeout, CodeServerError, CodeRateLimit:
		return true
	}
	return false
}
