package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrorKind is the user-facing category of a provider failure.
type ErrorKind int

const (
	KindService ErrorKind = iota
	KindTimeout
	KindConnection
)

// ProviderError is returned by every Provider method that fails. Error()
// yields a message fit to show an end user; Unwrap exposes the vendor error.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Reason   FailureReason
	Err      error
}

func (e *ProviderError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "AI request timed out. Please try again."
	case KindConnection:
		return "Could not connect to AI service."
	default:
		return fmt.Sprintf("AI service error: %v", e.Err)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

var errNoChoices = errors.New("no choices in response")

// errorCause renders the vendor-level failure for logs.
func errorCause(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Reason.String() + ": " + pe.Err.Error()
	}
	return err.Error()
}

// wrapError classifies a transport or vendor error. Errors that are already
// a *ProviderError pass through unchanged.
func wrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{
		Kind:     kindOf(err),
		Provider: provider,
		Reason:   ClassifyError(err),
		Err:      err,
	}
}

func kindOf(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindConnection
	}
	return KindService
}

// FailureReason categorizes why a provider failed. It is logged alongside
// the error and never changes control flow.
type FailureReason int

const (
	ReasonUnknown     FailureReason = iota
	ReasonAuth                      // 401/403
	ReasonRateLimit                 // 429
	ReasonBilling                   // 402
	ReasonTimeout                   // deadline or network timeout
	ReasonFormat                    // 400
	ReasonOverloaded                // 529 / 503
	ReasonServerError               // other 5xx
)

func (r FailureReason) String() string {
	switch r {
	case ReasonAuth:
		return "auth"
	case ReasonRateLimit:
		return "rate_limit"
	case ReasonBilling:
		return "billing"
	case ReasonTimeout:
		return "timeout"
	case ReasonFormat:
		return "format"
	case ReasonOverloaded:
		return "overloaded"
	case ReasonServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// ClassifyError uses the SDK status code when there is one and falls back
// to pattern-matching the error text.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	if code := statusCode(err); code != 0 {
		switch {
		case code == 401 || code == 403:
			return ReasonAuth
		case code == 402:
			return ReasonBilling
		case code == 429:
			return ReasonRateLimit
		case code == 400 || code == 404 || code == 422:
			return ReasonFormat
		case code == 503 || code == 529:
			return ReasonOverloaded
		case code >= 500:
			return ReasonServerError
		}
	}

	msg := err.Error()
	if containsAny(msg, "status 401", "status 403", "unauthorized", "forbidden", "invalid api key") {
		return ReasonAuth
	}
	if containsAny(msg, "status 402", "billing", "payment required") {
		return ReasonBilling
	}
	if containsAny(msg, "status 429", "rate limit", "too many requests", "quota exceeded") {
		return ReasonRateLimit
	}
	if containsAny(msg, "status 400", "bad request", "invalid request", "malformed") {
		return ReasonFormat
	}
	if containsAny(msg, "status 529", "status 503", "overloaded", "service unavailable", "capacity") {
		return ReasonOverloaded
	}
	if containsAny(msg, "status 500", "status 502", "status 504", "internal server error", "bad gateway") {
		return ReasonServerError
	}
	if containsAny(msg, "timeout", "deadline exceeded", "context canceled", "connection refused") {
		return ReasonTimeout
	}
	return ReasonUnknown
}

func statusCode(err error) int {
	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return oaErr.StatusCode
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return anErr.StatusCode
	}
	return 0
}

func containsAny(s string, patterns ...string) bool {
	lower := strings.ToLower(s)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
