package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrToolNotFound is returned by Execute for an unregistered tool name.
var ErrToolNotFound = errors.New("tool not found")

// SchemaViolationError reports arguments that failed schema validation.
type SchemaViolationError struct {
	Tool   string
	Causes []string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("tool %s: arguments violate schema: %v", e.Tool, e.Causes)
}

// ExecutionError wraps a failure inside a tool handler.
type ExecutionError struct {
	Tool  string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: execution failed: %v", e.Tool, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Handler executes a tool with validated arguments. Handlers own all side
// effects and may call out to external collaborators.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Definition declares a tool to the AI backend: a stable name and the JSON
// schema its arguments must satisfy.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type tool struct {
	def     Definition
	schema  *gojsonschema.Schema
	handler Handler
}

// Registry maps stable tool names to schema-validated handlers. It holds no
// per-call state and is safe to share across all sessions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]tool)}
}

// Register adds a tool. The parameter schema is compiled up front so a bad
// schema fails at startup, not mid-call.
func (r *Registry) Register(def Definition, h Handler) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: handler is required", def.Name)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.Parameters))
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s: already registered", def.Name)
	}
	r.tools[def.Name] = tool{def: def, schema: schema, handler: h}
	return nil
}

// Execute validates args against the registered schema and dispatches to the
// handler. All failures come back as one of the typed errors above.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrToolNotFound)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := t.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return nil, &SchemaViolationError{Tool: name, Causes: []string{err.Error()}}
	}
	if !result.Valid() {
		causes := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			causes = append(causes, re.String())
		}
		return nil, &SchemaViolationError{Tool: name, Causes: causes}
	}

	out, err := t.handler(ctx, args)
	if err != nil {
		return nil, &ExecutionError{Tool: name, Cause: err}
	}
	return out, nil
}

// Definitions returns all registered tools for session configuration.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	return defs
}
