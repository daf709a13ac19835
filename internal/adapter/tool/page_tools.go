package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/tracer"
)

// Result caps shared by the page tools.
const (
	maxSummaryRunes = 600
	maxResultLinks  = 10
)

// PageSummary is the result both page tools return.
type PageSummary struct {
	Title   string            `json:"title"`
	URL     string            `json:"url"`
	Summary string            `json:"summary"`
	Links   []domain.PageLink `json:"links"`
}

// Summarize reduces page to the capped summary shape.
func Summarize(page *domain.PageContext) PageSummary {
	links := page.Links
	if len(links) > maxResultLinks {
		links = links[:maxResultLinks]
	}
	out := PageSummary{
		Title:   page.Title,
		URL:     page.URL,
		Summary: domain.Excerpt(page.TextExcerpt, maxSummaryRunes),
		Links:   make([]domain.PageLink, len(links)),
	}
	copy(out.Links, links)
	return out
}

// OpenURLTool navigates the page backend to a URL and returns its summary.
type OpenURLTool struct {
	pages  domain.PageInspector
	logger *slog.Logger
}

// NewOpenURLTool creates the open_url tool.
func NewOpenURLTool(pages domain.PageInspector, logger *slog.Logger) *OpenURLTool {
	return &OpenURLTool{pages: pages, logger: logger}
}

func (t *OpenURLTool) Name() string { return "open_url" }
func (t *OpenURLTool) Description() string {
	return "Open an http or https URL in the browser and return its title, URL, a short summary and up to 10 links."
}

func (t *OpenURLTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Absolute http or https URL to open"}
			},
			"required": ["url"]
		}`),
	}
}

type openURLParams struct {
	URL string `json:"url"`
}

func (t *OpenURLTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.open_url", t.logger, params,
		func(ctx context.Context, span trace.Span, p openURLParams) (any, error) {
			if err := ValidateAll(RequireField("url", p.URL), ValidateURL("url", p.URL)); err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("page.url", p.URL))

			page, err := t.pages.Open(ctx, p.URL)
			if err != nil {
				return nil, err
			}
			return Summarize(page), nil
		},
	)
}

// CurrentPageTool reads the active page.
type CurrentPageTool struct {
	pages  domain.PageInspector
	logger *slog.Logger
}

// NewCurrentPageTool creates the current_page tool.
func NewCurrentPageTool(pages domain.PageInspector, logger *slog.Logger) *CurrentPageTool {
	return &CurrentPageTool{pages: pages, logger: logger}
}

func (t *CurrentPageTool) Name() string { return "current_page" }
func (t *CurrentPageTool) Description() string {
	return "Read the page in the active browser tab and return its title, URL, a short summary and up to 10 links."
}

func (t *CurrentPageTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

func (t *CurrentPageTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.current_page", t.logger, params,
		func(ctx context.Context, _ trace.Span, _ struct{}) (any, error) {
			if _, ok := t.pages.ActiveTab(ctx); !ok {
				return nil, domain.ErrNoActiveTab
			}
			page, err := t.pages.Page(ctx, "")
			if err != nil {
				return nil, err
			}
			return Summarize(page), nil
		},
	)
}
