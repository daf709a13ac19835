package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"pagepilot/internal/domain"
)

// SchemaValidatingTool wraps a Tool with JSON Schema validation of its
// arguments. Invalid arguments never reach the inner tool.
type SchemaValidatingTool struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// WithSchemaValidation wraps t so that Execute validates params against the
// tool's parameter schema first. It fails if the schema does not compile.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}
	compiled, err := jsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	return &SchemaValidatingTool{inner: t, schema: compiled}, nil
}

func (s *SchemaValidatingTool) Name() string              { return s.inner.Name() }
func (s *SchemaValidatingTool) Description() string       { return s.inner.Description() }
func (s *SchemaValidatingTool) Schema() domain.ToolSchema { return s.inner.Schema() }

func (s *SchemaValidatingTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return ErrorResult(fmt.Errorf("%w: invalid JSON arguments: %w", domain.ErrInvalidInput, err)), nil
	}
	if result := s.schema.Validate(v); !result.IsValid() {
		return ErrorResult(fmt.Errorf("%w: arguments do not match schema: %s", domain.ErrInvalidInput, result.Error())), nil
	}
	return s.inner.Execute(ctx, params)
}
