package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"pagepilot/internal/domain"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// step is one scripted provider response.
type step struct {
	chunks    []string
	toolCalls []domain.ToolCall
	err       error // returned from ChatStream / Chat
	streamErr error // delivered as a terminal delta
}

// scriptedModel is a domain.ModelHandle that replays steps in order. When
// the script runs out it returns empty responses.
type scriptedModel struct {
	name  string
	model string

	mu       sync.Mutex
	steps    []step
	requests []domain.ChatRequest
	availErr error
	noStream bool
}

func newScriptedModel(name, model string, steps ...step) *scriptedModel {
	return &scriptedModel{name: name, model: model, steps: steps}
}

func (m *scriptedModel) Name() string  { return m.name }
func (m *scriptedModel) Model() string { return m.model }

func (m *scriptedModel) next(req domain.ChatRequest) step {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		return step{}
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s
}

func (m *scriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) Requests() []domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ChatRequest(nil), m.requests...)
}

func (m *scriptedModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	s := m.next(req)
	if s.err != nil {
		return nil, s.err
	}
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	var content string
	for _, c := range s.chunks {
		content += c
	}
	return &domain.ChatResponse{
		Model:   m.model,
		Message: domain.Message{Role: domain.RoleAssistant, Content: content, ToolCalls: s.toolCalls},
	}, nil
}

func (m *scriptedModel) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if m.noStream {
		return nil, errors.ErrUnsupported
	}
	s := m.next(req)
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan domain.StreamDelta, len(s.chunks)+2)
	for _, c := range s.chunks {
		ch <- domain.StreamDelta{Content: c}
	}
	if s.streamErr != nil {
		ch <- domain.StreamDelta{Done: true, Err: s.streamErr}
	} else {
		ch <- domain.StreamDelta{Done: true, ToolCalls: s.toolCalls}
	}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) Available(context.Context) error { return m.availErr }

// fakeFactory hands out fixed handles.
type fakeFactory struct {
	mu          sync.Mutex
	cloud       map[domain.ProviderKind]*scriptedModel
	cloudErr    error
	onDevice    *scriptedModel
	onDeviceErr error
	cloudCalls  int
}

func (f *fakeFactory) NewCloud(kind domain.ProviderKind, _ string) (domain.ModelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cloudCalls++
	if f.cloudErr != nil {
		return nil, f.cloudErr
	}
	h, ok := f.cloud[kind]
	if !ok {
		return nil, domain.NewDomainError("fakeFactory.NewCloud", domain.ErrProviderNotConfigured, string(kind))
	}
	return h, nil
}

func (f *fakeFactory) NewOnDevice() (domain.ModelHandle, error) {
	if f.onDeviceErr != nil {
		return nil, f.onDeviceErr
	}
	if f.onDevice == nil {
		return nil, domain.ErrOnDeviceUnavailable
	}
	return f.onDevice, nil
}

// fakePages is an in-memory page backend.
type fakePages struct {
	mu     sync.Mutex
	active *domain.PageContext
	opened []string
}

func (p *fakePages) ActiveTab(context.Context) (domain.TabInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return domain.TabInfo{}, false
	}
	return domain.TabInfo{ID: "tab-1", Title: p.active.Title, URL: p.active.URL}, true
}

func (p *fakePages) Page(context.Context, string) (*domain.PageContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return nil, domain.ErrNoActiveTab
	}
	cp := *p.active
	return &cp, nil
}

func (p *fakePages) Open(_ context.Context, url string) (*domain.PageContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, url)
	p.active = &domain.PageContext{URL: url, Title: "Example Domain", TextExcerpt: "This domain is for use in illustrative examples."}
	cp := *p.active
	return &cp, nil
}

// funcTool adapts a function to domain.Tool.
type funcTool struct {
	name string
	fn   func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.name + " test tool" }
func (t *funcTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Parameters: json.RawMessage(`{"type":"object"}`)}
}
func (t *funcTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return t.fn(ctx, params)
}

type mapTools map[string]domain.Tool

func (m mapTools) Get(name string) (domain.Tool, error) {
	t, ok := m[name]
	if !ok {
		return nil, domain.NewDomainError("mapTools.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (m mapTools) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(m))
	for _, t := range m {
		out = append(out, t.Schema())
	}
	return out
}

// openURLTool mimics the real open_url tool on top of fakePages.
func openURLTool(pages *fakePages) domain.Tool {
	return &funcTool{name: "open_url", fn: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		page, err := pages.Open(ctx, p.URL)
		if err != nil {
			return nil, err
		}
		data, _ := json.Marshal(map[string]any{
			"title": page.Title, "url": page.URL, "summary": page.TextExcerpt, "links": []any{},
		})
		return &domain.ToolResult{Content: string(data)}, nil
	}}
}

type chatRecord struct{ id, role, text string }

type eventRecord struct {
	name string
	data any
}

// recorder is a domain.Broadcaster that keeps everything it is sent.
type recorder struct {
	mu     sync.Mutex
	chats  []chatRecord
	events []eventRecord
}

func (r *recorder) BroadcastChat(id, role, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, chatRecord{id, role, text})
}

func (r *recorder) BroadcastEvent(name string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventRecord{name, data})
}

func (r *recorder) Events(name string) []eventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventRecord
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) Chats(role string) []chatRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []chatRecord
	for _, c := range r.chats {
		if c.role == role {
			out = append(out, c)
		}
	}
	return out
}
