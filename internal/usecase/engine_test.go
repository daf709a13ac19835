package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"pagepilot/internal/domain"
)

type engineFixture struct {
	engine   *Engine
	log      *ConversationLog
	selector *ProviderSelector
	pages    *fakePages
	events   *recorder
}

func newEngineFixture(t *testing.T, f *fakeFactory, offline bool) *engineFixture {
	t.Helper()
	log := NewConversationLog()
	pages := &fakePages{}
	rec := &recorder{}
	sel := NewProviderSelector(f, domain.ProviderOpenAI, discardLogger())
	sel.Init(context.Background(), offline)

	e := NewEngine(EngineDeps{
		Log:      log,
		Selector: sel,
		Pages:    pages,
		Tools:    mapTools{"open_url": openURLTool(pages)},
		Events:   rec,
		Logger:   discardLogger(),
	})
	return &engineFixture{engine: e, log: log, selector: sel, pages: pages, events: rec}
}

func lastText(t *testing.T, log *ConversationLog) string {
	t.Helper()
	m, ok := log.Last()
	if !ok {
		t.Fatal("log is empty")
	}
	return m.Content.Text()
}

func TestTurnPageShortcut(t *testing.T) {
	cloud := newScriptedModel("openai", "gpt-4o-mini", step{chunks: []string{"should not be used"}})
	f := &fakeFactory{cloud: map[domain.ProviderKind]*scriptedModel{domain.ProviderOpenAI: cloud}}
	fx := newEngineFixture(t, f, false)
	fx.pages.active = &domain.PageContext{Title: "Example", URL: "https://example.com"}

	answer, err := fx.engine.Turn(context.Background(), "what page am I on?")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	want := "You are on: Example — https://example.com"
	if answer != want || lastText(t, fx.log) != want {
		t.Errorf("answer = %q, last = %q, want %q", answer, lastText(t, fx.log), want)
	}
	if cloud.Calls() != 0 {
		t.Errorf("provider calls = %d, want 0", cloud.Calls())
	}
	if n := len(fx.events.Events(domain.EventToolCall)); n != 0 {
		t.Errorf("tool calls = %d, want 0", n)
	}
	if fx.log.Len() != 2 {
		t.Errorf("log len = %d, want 2", fx.log.Len())
	}
}

func TestTurnPageShortcutWithoutTab(t *testing.T) {
	f := &fakeFactory{}
	fx := newEngineFixture(t, f, false)
	answer, err := fx.engine.Turn(context.Background(), "waht page am i on")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !strings.Contains(answer, "No page is open") {
		t.Errorf("answer = %q", answer)
	}
}

func TestTurnOnDeviceToolWithEmptyGeneration(t *testing.T) {
	onDevice := newScriptedModel("ondevice", "llama3.2",
		step{toolCalls: []domain.ToolCall{{
			ID: "call_open", Name: "open_url", Arguments: json.RawMessage(`{"url":"https://example.com"}`),
		}}},
		step{}, // nothing after the tool round
		step{}, // follow-up is empty too
	)
	f := &fakeFactory{onDevice: onDevice}
	fx := newEngineFixture(t, f, true)

	answer, err := fx.engine.Turn(context.Background(), "open https://example.com and summarize")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if strings.TrimSpace(answer) == "" {
		t.Fatal("empty answer")
	}
	if !strings.Contains(answer, "Example Domain") {
		t.Errorf("answer = %q, want it rendered from the tool result", answer)
	}
	if lastText(t, fx.log) != answer {
		t.Errorf("last message = %q", lastText(t, fx.log))
	}
	if len(fx.pages.opened) != 1 || fx.pages.opened[0] != "https://example.com" {
		t.Errorf("opened = %v", fx.pages.opened)
	}
	if n := len(fx.events.Events(domain.EventToolCall)); n != 1 {
		t.Errorf("toolCall events = %d, want 1", n)
	}
	if n := len(fx.events.Events(domain.EventToolResult)); n != 1 {
		t.Errorf("toolResult events = %d, want 1", n)
	}

	reqs := onDevice.Requests()
	if len(reqs) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(reqs))
	}
	if reqs[0].Temperature != onDeviceTemperature {
		t.Errorf("temperature = %v, want %v", reqs[0].Temperature, onDeviceTemperature)
	}
	follow := reqs[2]
	if len(follow.Tools) != 0 {
		t.Error("follow-up call must not offer tools")
	}
	seed := follow.Messages[len(follow.Messages)-1].Content
	if !strings.Contains(seed, "open https://example.com and summarize") || !strings.Contains(seed, "Example Domain") {
		t.Errorf("follow-up seed = %q", seed)
	}
}

func TestTurnFollowUpAnswer(t *testing.T) {
	onDevice := newScriptedModel("ondevice", "llama3.2",
		step{toolCalls: []domain.ToolCall{{ID: "c1", Name: "open_url", Arguments: json.RawMessage(`{"url":"https://example.com"}`)}}},
		step{},
		step{chunks: []string{"It is an ", "example page."}},
	)
	fx := newEngineFixture(t, &fakeFactory{onDevice: onDevice}, true)

	answer, err := fx.engine.Turn(context.Background(), "open example.com")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if answer != "It is an example page." || lastText(t, fx.log) != answer {
		t.Errorf("answer = %q, last = %q", answer, lastText(t, fx.log))
	}
}

func TestTurnStreamsChunks(t *testing.T) {
	cloud := newScriptedModel("openai", "gpt-4o-mini", step{chunks: []string{"Hello", "", " there"}})
	f := &fakeFactory{cloud: map[domain.ProviderKind]*scriptedModel{domain.ProviderOpenAI: cloud}}
	fx := newEngineFixture(t, f, false)

	answer, err := fx.engine.Turn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if answer != "Hello there" {
		t.Errorf("answer = %q", answer)
	}
	last, _ := fx.log.Last()
	if last.Role != domain.RoleAssistant || last.Content.Text() != "Hello there" {
		t.Errorf("last = %+v", last)
	}
	if _, open := fx.log.StreamOpen(); open {
		t.Error("stream left open")
	}

	chunks := fx.events.Chats(domain.ChatRoleAssistant)
	if len(chunks) != 2 {
		t.Fatalf("assistant frames = %d, want 2", len(chunks))
	}
	for _, c := range chunks {
		if c.id != last.ID {
			t.Errorf("frame id = %q, want stream id %q", c.id, last.ID)
		}
	}
	if got := cloud.Requests()[0].Temperature; got != cloudTemperature {
		t.Errorf("temperature = %v, want %v", got, cloudTemperature)
	}
}

func TestTurnIncludesPageContext(t *testing.T) {
	cloud := newScriptedModel("openai", "gpt-4o-mini", step{chunks: []string{"ok"}})
	f := &fakeFactory{cloud: map[domain.ProviderKind]*scriptedModel{domain.ProviderOpenAI: cloud}}
	fx := newEngineFixture(t, f, false)
	fx.pages.active = &domain.PageContext{Title: "Go", URL: "https://go.dev", TextExcerpt: "The Go programming language"}

	if _, err := fx.engine.Turn(context.Background(), "summarize"); err != nil {
		t.Fatal(err)
	}
	sys := cloud.Requests()[0].Messages[0].Content
	if !strings.Contains(sys, "https://go.dev") || !strings.Contains(sys, "Go programming language") {
		t.Errorf("system prompt lacks page context: %q", sys)
	}
}

func TestTurnWithoutProvider(t *testing.T) {
	fx := newEngineFixture(t, &fakeFactory{}, false)

	_, err := fx.engine.Turn(context.Background(), "hello")
	if !errors.Is(err, domain.ErrProviderNotConfigured) {
		t.Fatalf("err = %v, want ErrProviderNotConfigured", err)
	}
	if !strings.Contains(lastText(t, fx.log), "No model is configured") {
		t.Errorf("last = %q", lastText(t, fx.log))
	}
}

func TestTurnLocaleFallbackRetriesOnline(t *testing.T) {
	onDevice := newScriptedModel("ondevice", "llama3.2", step{err: domain.ErrUnsupportedLocale})
	cloud := newScriptedModel("openai", "gpt-4o-mini", step{chunks: []string{"Bonjour"}})
	f := &fakeFactory{cloud: map[domain.ProviderKind]*scriptedModel{domain.ProviderOpenAI: cloud}, onDevice: onDevice}
	fx := newEngineFixture(t, f, true)

	answer, err := fx.engine.Turn(context.Background(), "résume cette page")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if answer != "Bonjour" {
		t.Errorf("answer = %q", answer)
	}
	if fx.selector.State().Offline {
		t.Error("selector should be online after locale fallback")
	}
	if onDevice.Calls() != 1 || cloud.Calls() != 1 {
		t.Errorf("calls: ondevice %d, cloud %d", onDevice.Calls(), cloud.Calls())
	}
}

func TestTurnLocaleFallbackDropsPartialText(t *testing.T) {
	onDevice := newScriptedModel("ondevice", "llama3.2",
		step{chunks: []string{"Je ne "}, streamErr: domain.ErrUnsupportedLocale})
	cloud := newScriptedModel("openai", "gpt-4o-mini", step{chunks: []string{"Bonjour"}})
	f := &fakeFactory{cloud: map[domain.ProviderKind]*scriptedModel{domain.ProviderOpenAI: cloud}, onDevice: onDevice}
	fx := newEngineFixture(t, f, true)

	answer, err := fx.engine.Turn(context.Background(), "résume cette page")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if answer != "Bonjour" {
		t.Errorf("answer = %q", answer)
	}

	msgs := fx.log.Messages()
	if len(msgs) != 2 {
		t.Fatalf("log = %+v, want user + one assistant message", msgs)
	}
	if msgs[0].Role != domain.RoleUser || msgs[1].Content.Text() != "Bonjour" {
		t.Errorf("log = %+v", msgs)
	}

	reqs := cloud.Requests()
	if len(reqs) != 1 {
		t.Fatalf("cloud requests = %d, want 1", len(reqs))
	}
	for _, m := range reqs[0].Messages {
		if strings.Contains(m.Content, "Je ne") {
			t.Errorf("retry prompt carries the abandoned text: %+v", m)
		}
	}

	retracted := fx.events.Events(domain.EventChatRetracted)
	if len(retracted) != 1 {
		t.Fatalf("retract events = %d, want 1", len(retracted))
	}
	chunks := fx.events.Chats(domain.ChatRoleAssistant)
	if len(chunks) == 0 || retracted[0].data.(map[string]string)["id"] != chunks[0].id {
		t.Errorf("retracted %v, first chunk %+v", retracted[0].data, chunks)
	}
}

func TestTurnLocaleFallbackOnlyOnce(t *testing.T) {
	onDevice := newScriptedModel("ondevice", "llama3.2", step{err: domain.ErrUnsupportedLocale})
	f := &fakeFactory{onDevice: onDevice}
	fx := newEngineFixture(t, f, true)

	_, err := fx.engine.Turn(context.Background(), "résume")
	if err == nil {
		t.Fatal("want error")
	}
	if onDevice.Calls() != 1 {
		t.Errorf("ondevice calls = %d, want 1", onDevice.Calls())
	}
}

func TestTurnClassifiesStreamError(t *testing.T) {
	cloud := newScriptedModel("openai", "gpt-4o-mini",
		step{chunks: []string{"partial"}, streamErr: domain.ErrRateLimit})
	f := &fakeFactory{cloud: map[domain.ProviderKind]*scriptedModel{domain.ProviderOpenAI: cloud}}
	fx := newEngineFixture(t, f, false)

	_, err := fx.engine.Turn(context.Background(), "hi")
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("err = %v", err)
	}
	msgs := fx.log.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want user + partial + error", len(msgs))
	}
	if msgs[1].Content.Text() != "partial" {
		t.Errorf("partial = %q", msgs[1].Content.Text())
	}
	if !strings.Contains(msgs[2].Content.Text(), "rate limiting") {
		t.Errorf("error message = %q", msgs[2].Content.Text())
	}
	if _, open := fx.log.StreamOpen(); open {
		t.Error("stream left open after error")
	}
}

func TestTurnNonStreamingFallback(t *testing.T) {
	cloud := newScriptedModel("openai", "gpt-4o-mini", step{chunks: []string{"whole answer"}})
	cloud.noStream = true
	f := &fakeFactory{cloud: map[domain.ProviderKind]*scriptedModel{domain.ProviderOpenAI: cloud}}
	fx := newEngineFixture(t, f, false)

	answer, err := fx.engine.Turn(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "whole answer" || lastText(t, fx.log) != "whole answer" {
		t.Errorf("answer = %q", answer)
	}
	if cloud.Requests()[0].Stream {
		t.Error("Chat request should not ask for streaming")
	}
}

func TestTurnToolRoundLimit(t *testing.T) {
	call := domain.ToolCall{Name: "open_url", Arguments: json.RawMessage(`{"url":"https://example.com"}`)}
	steps := make([]step, 0, 6)
	for range 6 {
		steps = append(steps, step{toolCalls: []domain.ToolCall{call}})
	}
	cloud := newScriptedModel("openai", "gpt-4o-mini", steps...)
	f := &fakeFactory{cloud: map[domain.ProviderKind]*scriptedModel{domain.ProviderOpenAI: cloud}}
	fx := newEngineFixture(t, f, false)

	answer, err := fx.engine.Turn(context.Background(), "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if len(fx.pages.opened) != defaultMaxToolRounds {
		t.Errorf("tool executions = %d, want %d", len(fx.pages.opened), defaultMaxToolRounds)
	}
	if answer == "" {
		t.Error("empty answer")
	}
}

func TestTurnCancelled(t *testing.T) {
	cloud := newScriptedModel("openai", "gpt-4o-mini", step{chunks: []string{"x"}})
	f := &fakeFactory{cloud: map[domain.ProviderKind]*scriptedModel{domain.ProviderOpenAI: cloud}}
	fx := newEngineFixture(t, f, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fx.engine.Turn(ctx, "hi")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRenderToolAnswer(t *testing.T) {
	ok := domain.ToolInvocation{Name: "current_page", Result: `{"title":"Go","url":"https://go.dev","summary":"Docs"}`}
	if got := renderToolAnswer(ok); got != "You are on Go (https://go.dev).\n\nDocs" {
		t.Errorf("got %q", got)
	}
	failed := domain.ToolInvocation{Name: "open_url", Err: `{"error":"invalid url: scheme must be http or https"}`}
	if got := renderToolAnswer(failed); got != "I tried open_url but it failed: invalid url: scheme must be http or https" {
		t.Errorf("got %q", got)
	}
	raw := domain.ToolInvocation{Name: "other", Result: "plain"}
	if got := renderToolAnswer(raw); !strings.Contains(got, "plain") {
		t.Errorf("got %q", got)
	}
}
