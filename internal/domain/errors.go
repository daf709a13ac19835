package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound   = fmt.Errorf("llm provider not found")
	ErrToolNotFound       = fmt.Errorf("tool not found")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrDecryption         = fmt.Errorf("decryption failed")
	ErrStreamOpen         = fmt.Errorf("a streaming message is already open")
	ErrNoActiveTab        = fmt.Errorf("no active tab")
	ErrFeatureUnsupported = fmt.Errorf("unsupported feature")

	// Provider selection errors.
	ErrProviderNotConfigured = fmt.Errorf("no credential configured for provider")
	ErrOnDeviceUnavailable   = fmt.Errorf("on-device model unavailable")
	ErrUnsupportedLocale     = fmt.Errorf("on-device model does not support this locale")

	// Gateway errors.
	ErrGatewayAuthFailed  = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrUnknownCommand     = fmt.Errorf("unknown command")
	ErrInvalidArgs        = fmt.Errorf("command arguments invalid")
	ErrCommandRateLimited = fmt.Errorf("command rate limited")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrNetwork         = fmt.Errorf("network unreachable")
	ErrToolFailure     = fmt.Errorf("tool execution failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Tool.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "gateway", "browser")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork)
}

// ErrorCode is a machine-parseable error category for logs and response payloads.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeProviderError       ErrorCode = "PROVIDER_ERROR"
	CodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure         ErrorCode = "TOOL_FAILURE"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeDecryption          ErrorCode = "DECRYPTION"
	CodeStreamOpen          ErrorCode = "STREAM_OPEN"
	CodeNoActiveTab         ErrorCode = "NO_ACTIVE_TAB"
	CodeFeatureUnsupported  ErrorCode = "FEATURE_UNSUPPORTED"
	CodeProviderNotConfig   ErrorCode = "PROVIDER_NOT_CONFIGURED"
	CodeOnDeviceUnavailable ErrorCode = "ONDEVICE_UNAVAILABLE"
	CodeUnsupportedLocale   ErrorCode = "UNSUPPORTED_LOCALE"
	CodeGatewayAuth         ErrorCode = "GATEWAY_AUTH"
	CodeUnknownCommand      ErrorCode = "UNKNOWN_COMMAND"
	CodeInvalidArgs         ErrorCode = "INVALID_ARGS"
	CodeCommandRateLimited  ErrorCode = "COMMAND_RATE_LIMITED"
	CodeContextOverflow     ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeNetwork             ErrorCode = "NETWORK"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeBrowserTimeout  ErrorCode = "BROWSER_TIMEOUT"
	CodeBrowserNotFound ErrorCode = "BROWSER_TAB_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrTimeout:       CodeTimeout,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrProviderNotFound:      CodeProviderNotFound,
	ErrToolNotFound:          CodeToolNotFound,
	ErrToolFailure:           CodeToolFailure,
	ErrConfigLoad:            CodeConfigLoad,
	ErrDecryption:            CodeDecryption,
	ErrStreamOpen:            CodeStreamOpen,
	ErrNoActiveTab:           CodeNoActiveTab,
	ErrFeatureUnsupported:    CodeFeatureUnsupported,
	ErrProviderNotConfigured: CodeProviderNotConfig,
	ErrOnDeviceUnavailable:   CodeOnDeviceUnavailable,
	ErrUnsupportedLocale:     CodeUnsupportedLocale,
	ErrGatewayAuthFailed:     CodeGatewayAuth,
	ErrUnknownCommand:        CodeUnknownCommand,
	ErrInvalidArgs:           CodeInvalidArgs,
	ErrCommandRateLimited:    CodeCommandRateLimited,
	ErrContextOverflow:       CodeContextOverflow,
	ErrRateLimit:             CodeRateLimit,
	ErrAuthInvalid:           CodeAuthInvalid,
	ErrNetwork:               CodeNetwork,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"browser": CodeBrowserNotFound,
	},
	ErrTimeout: {
		"browser": CodeBrowserTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Subsystem-tagged DomainErrors resolve through subSystemCodeMap first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// ErrGatewayAuthFailed wraps ErrAuthInvalid, so the more specific one must win.
	if errors.Is(err, ErrGatewayAuthFailed) {
		return CodeGatewayAuth
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
