package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"pagepilot/internal/domain"
)

func TestTurnToolsEmitsEvents(t *testing.T) {
	pages := &fakePages{}
	rec := &recorder{}
	tt := NewTurnTools(mapTools{"open_url": openURLTool(pages)}, rec, discardLogger())

	msg := tt.Execute(context.Background(), domain.ToolCall{
		ID: "call_1", Name: "open_url", Arguments: json.RawMessage(`{"url":"https://example.com"}`),
	})

	if msg.Role != domain.RoleTool || msg.ToolCallID != "call_1" || msg.Name != "open_url" {
		t.Errorf("tool message = %+v", msg)
	}
	calls := rec.Events(domain.EventToolCall)
	results := rec.Events(domain.EventToolResult)
	if len(calls) != 1 || len(results) != 1 {
		t.Fatalf("events: %d toolCall, %d toolResult", len(calls), len(results))
	}
	call := calls[0].data.(ToolCallEvent)
	if call.ID != "call_1" || call.Name != "open_url" || !strings.Contains(call.Input, "example.com") {
		t.Errorf("toolCall = %+v", call)
	}
	res := results[0].data.(ToolResultEvent)
	if !res.OK || !strings.Contains(res.Result, "Example Domain") {
		t.Errorf("toolResult = %+v", res)
	}

	if tt.Count() != 1 {
		t.Errorf("Count = %d, want 1", tt.Count())
	}
	inv, ok := tt.LastResult()
	if !ok || inv.Name != "open_url" || inv.Err != "" || inv.Result != msg.Content {
		t.Errorf("LastResult = %+v, %v", inv, ok)
	}
}

func TestTurnToolsCapsEventPayloads(t *testing.T) {
	long := strings.Repeat("z", 2000)
	tool := &funcTool{name: "echo", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		return &domain.ToolResult{Content: long}, nil
	}}
	rec := &recorder{}
	tt := NewTurnTools(mapTools{"echo": tool}, rec, discardLogger())

	args, _ := json.Marshal(map[string]string{"v": long})
	msg := tt.Execute(context.Background(), domain.ToolCall{ID: "c", Name: "echo", Arguments: args})

	if msg.Content != long {
		t.Error("the model must see the full result")
	}
	call := rec.Events(domain.EventToolCall)[0].data.(ToolCallEvent)
	res := rec.Events(domain.EventToolResult)[0].data.(ToolResultEvent)
	if n := utf8.RuneCountInString(call.Input); n != maxEventInputRunes {
		t.Errorf("input runes = %d, want %d", n, maxEventInputRunes)
	}
	if n := utf8.RuneCountInString(res.Result); n != maxEventResultRunes {
		t.Errorf("result runes = %d, want %d", n, maxEventResultRunes)
	}
}

func TestTurnToolsFailuresBecomeResults(t *testing.T) {
	tools := mapTools{
		"fails": &funcTool{name: "fails", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			return nil, errors.New("backend exploded")
		}},
		"panics": &funcTool{name: "panics", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			panic("boom")
		}},
	}
	tests := []struct {
		name string
		want string
	}{
		{"fails", "backend exploded"},
		{"panics", "boom"},
		{"missing", "tool not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			tt := NewTurnTools(tools, rec, discardLogger())
			msg := tt.Execute(context.Background(), domain.ToolCall{ID: "x", Name: tc.name})

			var payload map[string]string
			if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
				t.Fatalf("content %q is not JSON: %v", msg.Content, err)
			}
			if !strings.Contains(payload["error"], tc.want) {
				t.Errorf("error = %q, want it to contain %q", payload["error"], tc.want)
			}
			if res := rec.Events(domain.EventToolResult)[0].data.(ToolResultEvent); res.OK {
				t.Error("toolResult ok = true")
			}
			inv, _ := tt.LastResult()
			if inv.Err == "" || inv.Result != "" {
				t.Errorf("invocation = %+v", inv)
			}
		})
	}
}

func TestTurnToolsAssignsMissingID(t *testing.T) {
	tt := NewTurnTools(mapTools{}, nil, discardLogger())
	msg := tt.Execute(context.Background(), domain.ToolCall{Name: "missing"})
	if !strings.HasPrefix(msg.ToolCallID, "call_") {
		t.Errorf("ToolCallID = %q", msg.ToolCallID)
	}
	if _, ok := NewTurnTools(nil, nil, discardLogger()).LastResult(); ok {
		t.Error("fresh TurnTools has a last result")
	}
}
