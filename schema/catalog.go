// Package schema holds the most recently fetched remote tool catalog and
// validates candidate tool call arguments against it. Validation is a pure
// function over the compiled specs plus the currently active session id;
// no network access happens here.
package schema

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/r2bridge/console/core/protocol"
)

// sessionField is the argument auto-filled from the active session when a
// tool requires it and the model omitted it.
const sessionField = "session_id"

// Property is a single declared argument of a tool.
type Property struct {
	Type string
}

// Spec is the compiled argument contract of one tool: the enumerated
// property list and the required-field set. Specs are immutable once
// compiled; the whole catalog is replaced wholesale on reload.
type Spec struct {
	Required   []string
	Properties map[string]Property
}

// RequiresSession reports whether the tool declares session_id required.
func (s Spec) RequiresSession() bool {
	for _, r := range s.Required {
		if r == sessionField {
			return true
		}
	}
	return false
}

// Compile converts a tools/list response into validation specs. Entries
// without a name or without an object input schema are skipped, matching
// the bridge's lenient listing behavior.
func Compile(tools []protocol.Tool) map[string]Spec {
	specs := make(map[string]Spec, len(tools))
	for _, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" || tool.InputSchema == nil {
			continue
		}

		spec := Spec{Properties: make(map[string]Property)}

		if props, ok := tool.InputSchema["properties"].(map[string]any); ok {
			for key, raw := range props {
				prop := Property{}
				if pm, ok := raw.(map[string]any); ok {
					if t, ok := pm["type"].(string); ok {
						prop.Type = t
					}
				}
				spec.Properties[key] = prop
			}
		}
		if req, ok := tool.InputSchema["required"].([]any); ok {
			for _, raw := range req {
				if field, ok := raw.(string); ok {
					spec.Required = append(spec.Required, field)
				}
			}
		}

		specs[name] = spec
	}
	return specs
}

// Catalog is the process-wide tool catalog. It is read-only to all
// components except Load, which atomically replaces the entire spec set.
// Safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]Spec
	tools []protocol.Tool
}

// NewCatalog creates an empty Catalog. Validate fails with UnknownTool for
// every request until Load succeeds.
func NewCatalog() *Catalog {
	return &Catalog{specs: map[string]Spec{}}
}

// Load compiles the fetched tool definitions and replaces the current
// spec set wholesale. The previous set is never merged with the new one.
func (c *Catalog) Load(tools []protocol.Tool) {
	specs := Compile(tools)
	c.mu.Lock()
	c.specs = specs
	c.tools = append([]protocol.Tool(nil), tools...)
	c.mu.Unlock()
}

// Tools returns the raw definitions from the last Load, as offered to the
// AI backend.
func (c *Catalog) Tools() []protocol.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.Tool(nil), c.tools...)
}

// Loaded reports whether the catalog holds at least one tool.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.specs) > 0
}

// Len returns the number of tools in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.specs)
}

// Names returns all tool names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec returns the compiled spec for a tool name.
func (c *Catalog) Spec(name string) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	return spec, ok
}

// Validate checks args against the tool's spec and returns the argument
// map to dispatch. When the tool's spec requires session_id, args omits it, and
// activeSession is non-empty, the active id is injected into a copy of
// args before the remaining checks run; the caller's map is never
// mutated. The injection happens exactly once per call, not again on
// retries (retries re-enter Validate with the model's corrected args).
func (c *Catalog) Validate(name string, args map[string]any, activeSession string) (map[string]any, error) {
	c.mu.RLock()
	spec, ok := c.specs[name]
	c.mu.RUnlock()

	if !ok {
		return nil, &ValidationError{Kind: KindUnknownTool, Tool: name}
	}

	if args == nil {
		args = map[string]any{}
	}
	if spec.RequiresSession() && activeSession != "" {
		if _, present := args[sessionField]; !present {
			filled := make(map[string]any, len(args)+1)
			for k, v := range args {
				filled[k] = v
			}
			filled[sessionField] = activeSession
			args = filled
		}
	}

	var extras []string
	for key := range args {
		if _, declared := spec.Properties[key]; !declared {
			extras = append(extras, key)
		}
	}
	if len(extras) > 0 {
		sort.Strings(extras)
		return nil, &ValidationError{Kind: KindUnexpectedField, Tool: name, Field: extras[0]}
	}

	for _, field := range spec.Required {
		value, present := args[field]
		if !present {
			return nil, &ValidationError{Kind: KindMissingRequired, Tool: name, Field: field}
		}
		if spec.Properties[field].Type == "string" {
			s, ok := value.(string)
			if ok && strings.TrimSpace(s) == "" {
				return nil, &ValidationError{Kind: KindEmptyRequiredString, Tool: name, Field: field}
			}
		}
	}

	for key, value := range args {
		want := spec.Properties[key].Type
		if want == "" {
			continue
		}
		if !typeMatches(want, value) {
			return nil, &ValidationError{Kind: KindWrongType, Tool: name, Field: key, Want: want}
		}
	}

	return args, nil
}

func typeMatches(want string, value any) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "integer":
		switch n := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			// JSON numbers decode to float64; accept integral values.
			return n == math.Trunc(n)
		}
		return false
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}
