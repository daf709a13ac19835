package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/tracer"
)

// Execute is the standard tool execution pipeline: parse params -> start trace -> run handler -> format result.
//
// The handler receives the parsed params and an active trace span. It should return:
//   - (any Go value, nil): the value is JSON-marshaled into a success ToolResult
//   - (string, nil): wrapped in a plain-text ToolResult
//   - (*domain.ToolResult, nil): returned as-is
//   - (nil, error): turned into an error ToolResult with logging
//
// Failures never surface as Go errors; the model sees them as {"error": ...}.
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	var p P
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &p); err != nil {
			tracer.RecordError(span, err)
			return ErrorResult(fmt.Errorf("%w: invalid params: %w", domain.ErrInvalidInput, err)), nil
		}
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)
		return ErrorResult(err), nil
	}
	return formatResult(span, result)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case string:
		tracer.SetOK(span)
		return &domain.ToolResult{Content: v}, nil
	default:
		data, err := json.Marshal(result)
		if err != nil {
			tracer.RecordError(span, err)
			return ErrorResult(fmt.Errorf("failed to format response: %w", err)), nil
		}
		tracer.SetOK(span)
		return &domain.ToolResult{Content: string(data)}, nil
	}
}

// ErrorResult renders err as the structured error payload the model sees.
func ErrorResult(err error) *domain.ToolResult {
	msg := err.Error()
	if domain.IsRetryableError(err) {
		msg += " (transient error, may succeed on retry)"
	}
	data, _ := json.Marshal(map[string]string{"error": msg, "code": string(domain.ErrorCodeOf(err))})
	return &domain.ToolResult{IsError: true, Content: string(data)}
}
