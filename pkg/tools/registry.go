// Package tools implements the capability-based tool registry. Every
// tool declares a typed contract at registration; the tool loop
// dispatches by name through the registry, never by ad hoc branching.
// Tool contents (what a handler actually does) live outside this
// package.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Parameter defines one argument of a tool's contract.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Handler is the function signature for tool execution.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Definition declares a tool's contract and handler.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`

	// Ordered marks tools that mutate an external resource. Calls to
	// an ordered tool within one round run strictly in request order;
	// everything else may run concurrently.
	Ordered bool `json:"ordered,omitempty"`
}

// Result is the structured outcome of one tool execution. A failed
// execution is data fed back to the model, not a loop failure.
type Result struct {
	Success    bool   `json:"success"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Registry holds the registered tools and their compiled schemas.
type Registry struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register validates a definition, compiles its input schema and adds
// it to the registry.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Bool("ordered", def.Ordered).Msg("Tool registered")
	return nil
}

// Get returns a tool definition by name, or nil.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Ordered reports whether a tool's calls must run in request order.
// Unknown tools are treated as ordered so a bad name never races.
func (r *Registry) Ordered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	if !ok {
		return true
	}
	return def.Ordered
}

// InputSchemas returns the wire-level schema map for every registered
// tool, keyed by name, in the shape providers expect.
func (r *Registry) InputSchemas() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]any, len(r.tools))
	for name, def := range r.tools {
		out[name] = inputSchemaMap(*def)
	}
	return out
}

// Describe returns (description, input schema) for one tool.
func (r *Registry) Describe(name string) (string, map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	if !ok {
		return "", nil, false
	}
	return def.Description, inputSchemaMap(*def), true
}

// Execute validates the arguments against the compiled schema and runs
// the handler under a per-call timeout. All failure modes come back as
// a Result, never as a Go error; the caller feeds them to the model.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration) Result {
	start := time.Now()

	r.mu.RLock()
	def := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if def == nil {
		return Result{
			Success:    false,
			Error:      fmt.Sprintf("tool not found: %s", name),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	if err := validateParams(schema, params); err != nil {
		log.Warn().Str("tool", name).Err(err).Msg("Parameter validation failed")
		return Result{
			Success:    false,
			Error:      fmt.Sprintf("parameter validation failed: %v", err),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan any, 1)
	errChan := make(chan error, 1)

	go func() {
		// Handlers are external code; a panic becomes a tool error
		// instead of taking the process down.
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("tool panicked: %v", r)
			}
		}()
		output, err := def.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- output
	}()

	select {
	case output := <-resultChan:
		truncated, wasTruncated := truncateOutput(output)
		log.Debug().Str("tool", name).Dur("duration", time.Since(start)).Msg("Tool execution completed")
		return Result{
			Success:    true,
			Output:     truncated,
			Truncated:  wasTruncated,
			DurationMs: time.Since(start).Milliseconds(),
		}

	case err := <-errChan:
		log.Warn().Str("tool", name).Err(err).Msg("Tool execution failed")
		return Result{
			Success:    false,
			Error:      err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		}

	case <-timeoutCtx.Done():
		log.Warn().Str("tool", name).Dur("timeout", timeout).Msg("Tool execution timed out")
		return Result{
			Success:    false,
			Error:      fmt.Sprintf("tool execution timeout after %v", timeout),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

// inputSchemaMap builds the JSON Schema document for a definition.
func inputSchemaMap(def Definition) map[string]any {
	properties := make(map[string]any)
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewGoLoader(inputSchemaMap(def))
	return gojsonschema.NewSchema(loader)
}

func validateParams(schema *gojsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := []string{}
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}

// truncateOutput bounds the output fed back into model context.
func truncateOutput(output any) (any, bool) {
	const maxSize = 10 * 1024

	str, ok := output.(string)
	if !ok {
		str = fmt.Sprintf("%v", output)
	}
	if len(str) <= maxSize {
		return output, false
	}
	return str[:maxSize] + "\n... [output truncated]", true
}
