package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/tracer"
)

// Event payload caps.
const (
	maxEventInputRunes  = 300
	maxEventResultRunes = 500
)

// ToolCallEvent is the payload of the toolCall event.
type ToolCallEvent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

// ToolResultEvent is the payload of the toolResult event.
type ToolResultEvent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Result string `json:"result"`
}

// TurnTools executes tool calls for a single turn. It announces each call
// and its outcome on the broadcaster and remembers the last invocation.
// Tool failures are returned as error results, never as Go errors.
type TurnTools struct {
	tools  domain.ToolExecutor
	events domain.Broadcaster
	logger *slog.Logger

	mu    sync.Mutex
	count int
	last  *domain.ToolInvocation
}

// NewTurnTools creates a per-turn executor. A nil broadcaster discards events.
func NewTurnTools(tools domain.ToolExecutor, events domain.Broadcaster, logger *slog.Logger) *TurnTools {
	if events == nil {
		events = domain.NopBroadcaster{}
	}
	return &TurnTools{tools: tools, events: events, logger: logger}
}

// Schemas lists the tools offered to the model.
func (t *TurnTools) Schemas() []domain.ToolSchema {
	if t.tools == nil {
		return nil
	}
	return t.tools.Schemas()
}

// Count returns the number of invocations so far.
func (t *TurnTools) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// LastResult returns the most recent invocation.
func (t *TurnTools) LastResult() (domain.ToolInvocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return domain.ToolInvocation{}, false
	}
	return *t.last, true
}

// Execute runs one call and returns its result as a tool message.
func (t *TurnTools) Execute(ctx context.Context, call domain.ToolCall) domain.Message {
	if call.ID == "" {
		call.ID = "call_" + NewID()
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	t.events.BroadcastEvent(domain.EventToolCall, ToolCallEvent{
		ID:    call.ID,
		Name:  call.Name,
		Input: domain.Truncate(string(args), maxEventInputRunes),
	})

	res := t.run(ctx, call.Name, args)

	inv := domain.ToolInvocation{CallID: call.ID, Name: call.Name, Input: args}
	if res.IsError {
		inv.Err = res.Content
	} else {
		inv.Result = res.Content
	}
	t.mu.Lock()
	t.count++
	t.last = &inv
	t.mu.Unlock()

	t.events.BroadcastEvent(domain.EventToolResult, ToolResultEvent{
		ID:     call.ID,
		Name:   call.Name,
		OK:     !res.IsError,
		Result: domain.Truncate(res.Content, maxEventResultRunes),
	})
	t.logger.Debug("tool executed", "tool", call.Name, "ok", !res.IsError)

	return domain.Message{
		Role:       domain.RoleTool,
		Name:       call.Name,
		Content:    res.Content,
		ToolCallID: call.ID,
	}
}

func (t *TurnTools) run(ctx context.Context, name string, args json.RawMessage) (res *domain.ToolResult) {
	ctx, span := tracer.StartSpan(ctx, "engine.tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", name)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: panic: %v", domain.ErrToolFailure, r)
			t.logger.Error("tool panicked", "tool", name, "panic", r)
			tracer.RecordError(span, err)
			res = toolErrorResult(err)
		}
	}()

	if t.tools == nil {
		return toolErrorResult(domain.NewDomainError("TurnTools.Execute", domain.ErrToolNotFound, name))
	}
	tool, err := t.tools.Get(name)
	if err != nil {
		tracer.RecordError(span, err)
		return toolErrorResult(err)
	}
	out, err := tool.Execute(ctx, args)
	if err != nil {
		tracer.RecordError(span, err)
		return toolErrorResult(err)
	}
	if out == nil {
		return toolErrorResult(fmt.Errorf("%w: %s returned no result", domain.ErrToolFailure, name))
	}
	tracer.SetOK(span)
	return out
}

func toolErrorResult(err error) *domain.ToolResult {
	data, _ := json.Marshal(map[string]string{"error": err.Error(), "code": string(domain.ErrorCodeOf(err))})
	return &domain.ToolResult{Content: string(data), IsError: true}
}
