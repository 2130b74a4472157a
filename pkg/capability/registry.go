package capability

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

// ErrNotRegistered wraps lookups for unknown tool names.
var ErrNotRegistered = fmt.Errorf("capability: tool not registered")

// Registry holds the registered tools plus an optional compiled JSON
// Schema per tool that envelope contexts are validated against before
// execution. Registration is expected at startup; lookup is hot-path.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Re-registering a name replaces the previous tool;
// adapters use that to hot-swap implementations.
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("capability: register: tool must have a name")
	}
	if !tool.Domain().Valid() {
		return fmt.Errorf("capability: register %q: unknown domain %q", tool.Name(), tool.Domain())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	return nil
}

// RegisterWithSchema adds a tool and compiles a Draft 2020-12 JSON Schema
// for its envelope context. Compilation failures reject the registration.
func (r *Registry) RegisterWithSchema(tool Tool, schema string) error {
	if err := r.Register(tool); err != nil {
		return err
	}
	if schema == "" {
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://ippoc.schemas.local/tools/%s.schema.json", tool.Name())
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("capability: schema for %q: %w", tool.Name(), err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("capability: compile schema for %q: %w", tool.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[tool.Name()] = compiled
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return tool, nil
}

// ValidateContext checks an envelope's context against the tool's schema,
// when one was registered. Tools without a schema accept anything.
func (r *Registry) ValidateContext(env *envelope.Envelope) error {
	r.mu.RLock()
	schema := r.schemas[env.ToolName]
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}

	// jsonschema validates generic values; a nil context means "{}" here.
	var doc interface{} = map[string]interface{}{}
	if env.Context != nil {
		doc = mapToInterface(env.Context)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("capability: context for %q rejected: %w", env.ToolName, err)
	}
	return nil
}

// Names lists registered tool names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// mapToInterface widens map[string]interface{} to interface{} recursively
// so nested decoded JSON survives schema validation.
func mapToInterface(m map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = mapToInterface(nested)
			continue
		}
		out[k] = v
	}
	return out
}
