package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
	"pagepilot/internal/infra/tracer"
)

const (
	defaultMaxToolRounds = 4

	onDeviceTemperature = 0.2
	cloudTemperature    = 0.7

	// maxSeedRunes caps the tool result embedded in the follow-up prompt.
	maxSeedRunes = 1500
)

const followUpInstruction = "Answer the user's question using only the tool result below. Be concise."

// EngineDeps holds the collaborators of an Engine.
type EngineDeps struct {
	Log        *ConversationLog
	Selector   *ProviderSelector
	Prompt     *PromptAssembler
	Pages      domain.PageInspector // optional
	Tools      domain.ToolExecutor  // optional
	Events     domain.Broadcaster   // optional
	Classifier *ErrorClassifier
	Logger     *slog.Logger

	MaxToolRounds int // default 4
	MaxTokens     int // 0 lets the provider decide
}

// Engine runs one orchestration turn at a time: it streams the selected
// model's output into the conversation log, executes tool calls between
// rounds and turns failures into assistant-visible messages.
type Engine struct {
	deps EngineDeps
	mu   sync.Mutex // one turn at a time
}

// NewEngine creates an Engine.
func NewEngine(deps EngineDeps) *Engine {
	if deps.MaxToolRounds <= 0 {
		deps.MaxToolRounds = defaultMaxToolRounds
	}
	if deps.Events == nil {
		deps.Events = domain.NopBroadcaster{}
	}
	if deps.Classifier == nil {
		deps.Classifier = NewErrorClassifier()
	}
	if deps.Prompt == nil {
		deps.Prompt = NewPromptAssembler(config.Defaults().Prompt, nil)
	}
	return &Engine{deps: deps}
}

// Turn appends text as a user message and produces the assistant's answer.
// On failure the log ends with an assistant message describing the problem
// and the error is returned.
func (e *Engine) Turn(ctx context.Context, text string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	turnID := NewID()
	ctx = domain.ContextWithTurnID(ctx, turnID)
	ctx, span := tracer.StartSpan(ctx, "engine.turn",
		trace.WithAttributes(tracer.StringAttr("turn.id", turnID)),
	)
	defer span.End()
	start := time.Now()

	e.deps.Log.AddUser(text)

	if IsPageQuestion(text) {
		answer := e.pageAnswer(ctx)
		e.deps.Log.AddAssistant(answer)
		span.SetAttributes(tracer.BoolAttr("turn.shortcut", true))
		tracer.SetOK(span)
		return answer, nil
	}

	tools := NewTurnTools(e.deps.Tools, e.deps.Events, e.deps.Logger)
	localeRetried := false
	for {
		answer, err := e.generate(ctx, text, tools)
		if err == nil {
			e.deps.Logger.Info("turn completed",
				"turn_id", turnID,
				"provider", e.deps.Selector.State().Kind,
				"tool_calls", tools.Count(),
				"duration", time.Since(start),
			)
			tracer.SetOK(span)
			return answer, nil
		}

		if errors.Is(err, domain.ErrUnsupportedLocale) && !localeRetried && e.deps.Selector.State().Offline {
			localeRetried = true
			e.deps.Logger.Info("on-device model rejected locale, retrying online", "turn_id", turnID)
			if e.deps.Selector.SetOfflineMode(ctx, false) {
				continue
			}
		}

		e.deps.Logger.Warn("turn failed", "turn_id", turnID, "error", err)
		tracer.RecordError(span, err)
		e.deps.Log.AddAssistant(e.deps.Classifier.UserMessage(err))
		return "", err
	}
}

func (e *Engine) pageAnswer(ctx context.Context) string {
	if e.deps.Pages != nil {
		if tab, ok := e.deps.Pages.ActiveTab(ctx); ok {
			return "You are on: " + tab.Title + " — " + tab.URL
		}
	}
	return "No page is open right now. Open a tab, or ask me to open a URL."
}

func (e *Engine) pageContext(ctx context.Context) *domain.PageContext {
	if e.deps.Pages == nil {
		return nil
	}
	if _, ok := e.deps.Pages.ActiveTab(ctx); !ok {
		return nil
	}
	page, err := e.deps.Pages.Page(ctx, "")
	if err != nil {
		e.deps.Logger.Debug("page context unavailable", "error", err)
		return nil
	}
	return page
}

// generate runs the streamed tool loop against the current handle.
func (e *Engine) generate(ctx context.Context, question string, tools *TurnTools) (string, error) {
	if !e.deps.Selector.EnsureConfigured(ctx) {
		return "", domain.NewDomainError("Engine.Turn", domain.ErrProviderNotConfigured,
			e.deps.Selector.State().LastUnavailableReason)
	}
	handle := e.deps.Selector.Handle()
	state := e.deps.Selector.State()
	if handle == nil {
		return "", domain.NewDomainError("Engine.Turn", domain.ErrProviderNotConfigured, state.LastUnavailableReason)
	}

	ctx, span := tracer.StartSpan(ctx, "engine.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", string(state.Kind)),
			tracer.StringAttr("llm.model", handle.Model()),
		),
	)
	defer span.End()

	req := domain.ChatRequest{
		Model:       handle.Model(),
		Messages:    e.deps.Prompt.Build(state.Kind, e.pageContext(ctx), e.deps.Log.Messages()),
		Tools:       tools.Schemas(),
		MaxTokens:   e.deps.MaxTokens,
		Temperature: temperatureFor(state.Kind),
		Stream:      true,
	}

	sink := &streamSink{log: e.deps.Log, events: e.deps.Events}
	defer sink.close()

	for round := 0; ; round++ {
		msg, err := e.call(ctx, handle, req, sink)
		if err != nil {
			tracer.RecordError(span, err)
			if errors.Is(err, domain.ErrUnsupportedLocale) {
				// The caller may retry online; the partial text must not
				// become history.
				sink.discard()
			}
			return "", err
		}
		if len(msg.ToolCalls) == 0 {
			break
		}
		if round >= e.deps.MaxToolRounds {
			e.deps.Logger.Warn("tool round limit reached", "rounds", round, "pending_calls", len(msg.ToolCalls))
			break
		}
		span.AddEvent("engine.tool_round", trace.WithAttributes(tracer.IntAttr("round", round+1)))
		req.Messages = append(req.Messages, msg)
		for _, call := range msg.ToolCalls {
			req.Messages = append(req.Messages, tools.Execute(ctx, call))
		}
	}
	sink.close()

	if answer := strings.TrimSpace(sink.text()); answer != "" {
		tracer.SetOK(span)
		return sink.text(), nil
	}

	inv, ok := tools.LastResult()
	if !ok {
		answer := "I could not come up with an answer. Try rephrasing the question."
		e.deps.Log.AddAssistant(answer)
		return answer, nil
	}

	// The model ran a tool but said nothing: ask once more without tools,
	// seeded with the result.
	follow := domain.ChatRequest{
		Model: handle.Model(),
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: followUpInstruction},
			{Role: domain.RoleUser, Content: fmt.Sprintf("Result of %s:\n%s\n\nQuestion: %s",
				inv.Name, compactToolResult(inv), question)},
		},
		MaxTokens:   e.deps.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	followSink := &streamSink{log: e.deps.Log, events: e.deps.Events}
	_, err := e.call(ctx, handle, follow, followSink)
	followSink.close()
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		e.deps.Logger.Warn("follow-up generation failed, answering from tool result", "error", err)
	}
	if answer := strings.TrimSpace(followSink.text()); answer != "" {
		tracer.SetOK(span)
		return followSink.text(), nil
	}

	answer := renderToolAnswer(inv)
	e.deps.Log.AddAssistant(answer)
	tracer.SetOK(span)
	return answer, nil
}

// call performs one provider round, streaming text into sink. Providers that
// cannot stream are called through Chat and their content is one chunk.
func (e *Engine) call(ctx context.Context, p domain.LLMProvider, req domain.ChatRequest, sink *streamSink) (domain.Message, error) {
	sp, canStream := p.(domain.StreamingLLMProvider)
	if canStream && req.Stream {
		ch, err := sp.ChatStream(ctx, req)
		switch {
		case err == nil:
			return e.consume(ctx, ch, sink)
		case !errors.Is(err, errors.ErrUnsupported):
			return domain.Message{}, err
		}
	}

	req.Stream = false
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return domain.Message{}, err
	}
	sink.write(resp.Message.Content)
	msg := resp.Message
	msg.Role = domain.RoleAssistant
	return msg, nil
}

func (e *Engine) consume(ctx context.Context, ch <-chan domain.StreamDelta, sink *streamSink) (domain.Message, error) {
	acc := newStreamAccumulator()
	for delta := range ch {
		if delta.Err != nil {
			return domain.Message{}, delta.Err
		}
		acc.addDelta(delta)
		sink.write(delta.Content)
	}
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	msg, usage := acc.build()
	if usage.TotalTokens > 0 {
		e.deps.Logger.Debug("llm stream usage",
			"prompt_tokens", usage.PromptTokens,
			"completion_tokens", usage.CompletionTokens,
		)
	}
	return msg, nil
}

func temperatureFor(kind domain.ProviderKind) float64 {
	if kind == domain.ProviderOnDevice {
		return onDeviceTemperature
	}
	return cloudTemperature
}

// streamSink writes chunks into the log's streaming slot and mirrors each
// one to remote clients under the slot's message id.
type streamSink struct {
	log    *ConversationLog
	events domain.Broadcaster
	buf    strings.Builder
	open   bool
}

func (s *streamSink) write(chunk string) {
	if chunk == "" {
		return
	}
	id := s.log.AppendStream(chunk)
	s.open = true
	s.buf.WriteString(chunk)
	s.events.BroadcastChat(id, domain.ChatRoleAssistant, chunk)
}

func (s *streamSink) close() {
	if s.open {
		s.log.EndStream()
		s.open = false
	}
}

// discard drops the streamed message from the log and tells remote
// clients to withdraw it.
func (s *streamSink) discard() {
	if !s.open {
		return
	}
	s.open = false
	s.buf.Reset()
	if id, ok := s.log.DiscardStream(); ok {
		s.events.BroadcastEvent(domain.EventChatRetracted, map[string]string{"id": id})
	}
}

func (s *streamSink) text() string { return s.buf.String() }

// streamAccumulator collects incremental deltas into a complete message.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

// addDelta merges one delta. Providers emit complete tool calls; a call
// without id and name continues the previous one's arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for _, tc := range delta.ToolCalls {
		if tc.ID == "" && tc.Name == "" && len(acc.toolCalls) > 0 {
			last := &acc.toolCalls[len(acc.toolCalls)-1]
			last.Arguments = append(last.Arguments, tc.Arguments...)
			continue
		}
		tc.Arguments = append(json.RawMessage(nil), tc.Arguments...)
		acc.toolCalls = append(acc.toolCalls, tc)
	}

	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

func (acc *streamAccumulator) build() (domain.Message, domain.Usage) {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		ToolCalls: acc.toolCalls,
		Timestamp: time.Now(),
	}
	return msg, acc.usage
}

// pageResult is the part of a page tool result the engine renders.
type pageResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

func parsePageResult(s string) (pageResult, bool) {
	var p pageResult
	if err := json.Unmarshal([]byte(s), &p); err != nil || p.URL == "" {
		return pageResult{}, false
	}
	return p, true
}

func toolErrorText(inv domain.ToolInvocation) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(inv.Err), &e) == nil && e.Error != "" {
		return e.Error
	}
	return inv.Err
}

// compactToolResult renders inv for the follow-up prompt.
func compactToolResult(inv domain.ToolInvocation) string {
	if inv.Err != "" {
		return "error: " + toolErrorText(inv)
	}
	if p, ok := parsePageResult(inv.Result); ok {
		return fmt.Sprintf("Title: %s\nURL: %s\nSummary: %s", p.Title, p.URL, p.Summary)
	}
	return domain.Truncate(inv.Result, maxSeedRunes)
}

// renderToolAnswer builds a final answer from a tool result alone.
func renderToolAnswer(inv domain.ToolInvocation) string {
	if inv.Err != "" {
		return fmt.Sprintf("I tried %s but it failed: %s", inv.Name, toolErrorText(inv))
	}
	p, ok := parsePageResult(inv.Result)
	if !ok {
		return fmt.Sprintf("Here is what %s returned:\n%s", inv.Name, domain.Truncate(inv.Result, maxSeedRunes))
	}
	title := p.Title
	if title == "" {
		title = p.URL
	}
	var sb strings.Builder
	if inv.Name == "open_url" {
		fmt.Fprintf(&sb, "I opened %s (%s).", title, p.URL)
	} else {
		fmt.Fprintf(&sb, "You are on %s (%s).", title, p.URL)
	}
	if p.Summary != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p.Summary)
	}
	return sb.String()
}
