// Package tool manages the registry of callable tools and their invocation:
// schema validation up front, per-call timeouts, and bounded result sizes.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/keel-ai/keel/pkg/backend"
)

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Definition defines a tool's metadata and handler
type Definition struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema object describing the arguments.
	InputSchema map[string]interface{}
	Handler     Handler
	// Timeout overrides the invoker's per-call timeout for this tool. Zero
	// uses the invoker default. Tools that run work on their own budget,
	// like delegation, set this above that budget so the generic ceiling
	// never cuts them off mid-run.
	Timeout time.Duration
}

// Registry holds the registered tools and their compiled schemas
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register validates a definition, compiles its schema, and adds it.
// Registering an existing name replaces the previous definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	var schema *gojsonschema.Schema
	if def.InputSchema != nil {
		var err error
		schema, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
		if err != nil {
			return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Unregister removes a tool
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool definition by name
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	return def, ok
}

// Names returns all registered tool names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Specs returns the registered tools in the form backends advertise to the
// model, sorted by name so prompts stay stable across runs.
func (r *Registry) Specs() []backend.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]backend.ToolSpec, 0, len(r.tools))
	for _, def := range r.tools {
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		specs = append(specs, backend.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	return specs
}

// validate checks arguments against the tool's compiled schema
func (r *Registry) validate(name string, args map[string]interface{}) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := []string{}
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}

	return nil
}
