package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"pagepilot/internal/domain"
)

// ErrorCategory indicates whether an error is retryable or permanent.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, connection errors, context overflow
	ErrorCategoryPermanent               // 401, 403, 400 (non-overflow), configuration
)

// FailureKind is the user-facing bucket a failure lands in.
type FailureKind string

const (
	FailureUnknown         FailureKind = "unknown"
	FailureRateLimit       FailureKind = "rate_limit"
	FailureNetwork         FailureKind = "network"
	FailureTimeout         FailureKind = "timeout"
	FailureAuth            FailureKind = "auth"
	FailureConfiguration   FailureKind = "configuration"
	FailureContextOverflow FailureKind = "context_overflow"
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Kind       FailureKind
	Sentinel   error // mapped domain sentinel (e.g. domain.ErrRateLimit), or nil
	StatusCode int   // extracted HTTP status, or 0 if unknown
}

// ErrorClassifier analyzes provider errors and categorizes them.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches "API error <status_code>:" produced by the LLM adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// contextOverflowKeywords indicate a context length issue within a 400 response.
var contextOverflowKeywords = []string{
	"context", "token", "length", "too long", "maximum",
}

// Classify inspects an error and returns its category, user-facing kind and
// mapped sentinel. Sentinels win, then the HTTP status, then the message text.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{Kind: FailureUnknown}
	}
	if ce, ok := c.classifyBySentinel(err); ok {
		return ce
	}

	errStr := err.Error()
	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code, errStr)
	}
	return c.classifyByString(err, errStr)
}

func (c *ErrorClassifier) classifyBySentinel(err error) (ClassifiedError, bool) {
	ce := ClassifiedError{Original: err}
	switch {
	case errors.Is(err, domain.ErrProviderNotConfigured),
		errors.Is(err, domain.ErrOnDeviceUnavailable),
		errors.Is(err, domain.ErrUnsupportedLocale):
		ce.Category, ce.Kind = ErrorCategoryPermanent, FailureConfiguration
	case errors.Is(err, domain.ErrRateLimit):
		ce.Category, ce.Kind = ErrorCategoryRetryable, FailureRateLimit
	case errors.Is(err, domain.ErrContextOverflow):
		ce.Category, ce.Kind = ErrorCategoryRetryable, FailureContextOverflow
	case errors.Is(err, domain.ErrAuthInvalid):
		ce.Category, ce.Kind = ErrorCategoryPermanent, FailureAuth
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		ce.Category, ce.Kind = ErrorCategoryRetryable, FailureTimeout
	case errors.Is(err, domain.ErrNetwork):
		ce.Category, ce.Kind = ErrorCategoryRetryable, FailureNetwork
	default:
		return ce, false
	}
	ce.Sentinel = sentinelOf(err)
	return ce, true
}

func sentinelOf(err error) error {
	for _, s := range []error{
		domain.ErrProviderNotConfigured, domain.ErrOnDeviceUnavailable, domain.ErrUnsupportedLocale,
		domain.ErrRateLimit, domain.ErrContextOverflow, domain.ErrAuthInvalid,
		domain.ErrTimeout, domain.ErrNetwork,
	} {
		if errors.Is(err, s) {
			return s
		}
	}
	return nil
}

func (c *ErrorClassifier) classifyByStatus(err error, code int, body string) ClassifiedError {
	ce := ClassifiedError{Original: err, StatusCode: code}
	switch {
	case code == 429:
		ce.Category, ce.Kind, ce.Sentinel = ErrorCategoryRetryable, FailureRateLimit, domain.ErrRateLimit
	case code == 401 || code == 403:
		ce.Category, ce.Kind, ce.Sentinel = ErrorCategoryPermanent, FailureAuth, domain.ErrAuthInvalid
	case code == 413:
		ce.Category, ce.Kind, ce.Sentinel = ErrorCategoryRetryable, FailureContextOverflow, domain.ErrContextOverflow
	case code == 408 || code == 504:
		ce.Category, ce.Kind, ce.Sentinel = ErrorCategoryRetryable, FailureTimeout, domain.ErrTimeout
	case code == 400:
		ce.Category, ce.Kind = ErrorCategoryPermanent, FailureUnknown
		lower := strings.ToLower(body)
		for _, kw := range contextOverflowKeywords {
			if strings.Contains(lower, kw) {
				ce.Category, ce.Kind, ce.Sentinel = ErrorCategoryRetryable, FailureContextOverflow, domain.ErrContextOverflow
				break
			}
		}
	case code >= 500 && code < 600:
		ce.Category, ce.Kind = ErrorCategoryRetryable, FailureNetwork
	default:
		ce.Category, ce.Kind = ErrorCategoryPermanent, FailureUnknown
	}
	return ce
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)
	ce := ClassifiedError{Original: err, Category: ErrorCategoryRetryable}

	switch {
	case containsAny(lower, "rate limit", "too many requests", "quota"):
		ce.Kind, ce.Sentinel = FailureRateLimit, domain.ErrRateLimit
	case containsAny(lower, "context length", "token limit", "maximum context"):
		ce.Kind, ce.Sentinel = FailureContextOverflow, domain.ErrContextOverflow
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		ce.Kind = FailureTimeout
	case containsAny(lower, "connection refused", "no such host", "connection reset", "network is unreachable", "failed to fetch"):
		ce.Kind = FailureNetwork
	case containsAny(lower, "api key", "unauthorized", "permission denied"):
		ce.Category, ce.Kind = ErrorCategoryPermanent, FailureAuth
	default:
		ce.Category, ce.Kind = ErrorCategoryUnknown, FailureUnknown
	}
	return ce
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// UserMessage renders err as an actionable assistant-visible message.
func (c *ErrorClassifier) UserMessage(err error) string {
	ce := c.Classify(err)
	switch ce.Kind {
	case FailureRateLimit:
		return "The model provider is rate limiting requests. Wait a moment and try again."
	case FailureNetwork:
		return "Could not reach the model provider. Check your network connection, or switch to offline mode."
	case FailureTimeout:
		return "The model took too long to respond. Try again, or ask a shorter question."
	case FailureAuth:
		return "The model provider rejected the API key. Check the key in your settings."
	case FailureContextOverflow:
		return "This conversation is too long for the model. Clear the chat and try again."
	case FailureConfiguration:
		switch {
		case errors.Is(err, domain.ErrOnDeviceUnavailable):
			return "The on-device model is not available on this machine. Install it or switch back to online mode."
		case errors.Is(err, domain.ErrUnsupportedLocale):
			return "The on-device model does not support this language. Switch to online mode to continue."
		default:
			return "No model is configured. Add an API key for the selected provider in your settings."
		}
	default:
		return "Something went wrong while generating a reply: " + err.Error()
	}
}
