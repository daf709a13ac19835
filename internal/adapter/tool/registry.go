package tool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"pagepilot/internal/domain"
)

// Registry holds named tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

// Register adds a tool wrapped with schema validation. If the schema does
// not compile, the tool is registered unwrapped and a warning is logged.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	wrapped, err := WithSchemaValidation(t)
	if err != nil {
		r.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
	} else {
		t = wrapped
	}
	r.tools[name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Schemas returns all tool schemas sorted by name.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// NewPageRegistry registers the page tools backed by pages.
func NewPageRegistry(pages domain.PageInspector, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, t := range []domain.Tool{
		NewOpenURLTool(pages, logger),
		NewCurrentPageTool(pages, logger),
	} {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}
