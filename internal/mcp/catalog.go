package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Parameter is one named argument of a tool, in declaration order.
type Parameter struct {
	Name        string
	Type        string // JSON Schema primitive: string, number, integer, boolean, object, array; empty if unspecified
	Required    bool
	Description string
}

// ToolDescriptor describes one tool exposed by a server. Descriptors are
// immutable once discovery completes.
type ToolDescriptor struct {
	Name        string
	Description string

	// Parameters follow the order of inputSchema.properties on the wire.
	Parameters []Parameter

	// InputSchema is the raw JSON Schema as decoded from the server.
	InputSchema map[string]any
}

// Catalog is the set of tools a session discovered. It is built once and
// never modified, so concurrent readers need no locking.
type Catalog struct {
	names  []string
	byName map[string]*ToolDescriptor
}

// NewCatalog builds a catalog, rejecting empty and duplicate names.
func NewCatalog(descs []ToolDescriptor) (*Catalog, error) {
	c := &Catalog{
		names:  make([]string, 0, len(descs)),
		byName: make(map[string]*ToolDescriptor, len(descs)),
	}
	for i := range descs {
		d := descs[i]
		if d.Name == "" {
			return nil, fmt.Errorf("%w: tool %d has no name", ErrDiscoveryFailed, i)
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tool name %q", ErrDiscoveryFailed, d.Name)
		}
		c.names = append(c.names, d.Name)
		c.byName[d.Name] = &d
	}
	return c, nil
}

// Lookup returns the descriptor for name.
func (c *Catalog) Lookup(name string) (*ToolDescriptor, bool) {
	if c == nil {
		return nil, false
	}
	d, ok := c.byName[name]
	return d, ok
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}

// Names returns tool names in discovery order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.names...)
}

// All iterates descriptors in discovery order.
func (c *Catalog) All() iter.Seq[*ToolDescriptor] {
	return func(yield func(*ToolDescriptor) bool) {
		if c == nil {
			return
		}
		for _, name := range c.names {
			if !yield(c.byName[name]) {
				return
			}
		}
	}
}

// wireTool is a tool entry in a tools/list result.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// schemaShape is the part of an input schema needed to derive the
// ordered parameter list.
type schemaShape struct {
	Type       string                                        `json:"type"`
	Properties *orderedmap.OrderedMap[string, propertyShape] `json:"properties"`
	Required   []string                                      `json:"required"`
}

type propertyShape struct {
	Type        json.RawMessage `json:"type"`
	Description string          `json:"description"`
}

// primitiveType reduces a schema "type" (a string, or an array such as
// ["string","null"]) to a single primitive name.
func (p propertyShape) primitiveType() string {
	if len(p.Type) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(p.Type, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(p.Type, &many); err == nil {
		for _, t := range many {
			if t != "null" {
				return t
			}
		}
	}
	return ""
}

// parseDescriptor converts a wire tool into a descriptor. A missing
// input schema is treated as an object with no properties.
func parseDescriptor(w wireTool) (ToolDescriptor, error) {
	d := ToolDescriptor{
		Name:        w.Name,
		Description: w.Description,
		InputSchema: map[string]any{"type": "object"},
	}

	raw := w.InputSchema
	if len(raw) == 0 || string(raw) == "null" {
		return d, nil
	}

	if err := json.Unmarshal(raw, &d.InputSchema); err != nil {
		return d, fmt.Errorf("tool %q: input schema: %w", w.Name, err)
	}

	shape := schemaShape{Properties: orderedmap.New[string, propertyShape]()}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return d, fmt.Errorf("tool %q: input schema: %w", w.Name, err)
	}
	if shape.Type != "" && shape.Type != "object" {
		return d, fmt.Errorf("tool %q: input schema type %q is not object", w.Name, shape.Type)
	}

	required := make(map[string]bool, len(shape.Required))
	for _, name := range shape.Required {
		required[name] = true
	}

	if shape.Properties != nil {
		for pair := shape.Properties.Oldest(); pair != nil; pair = pair.Next() {
			d.Parameters = append(d.Parameters, Parameter{
				Name:        pair.Key,
				Type:        pair.Value.primitiveType(),
				Required:    required[pair.Key],
				Description: pair.Value.Description,
			})
		}
	}

	return d, nil
}

// parseTools decodes a tools/list page.
func parseTools(raw []wireTool) ([]ToolDescriptor, error) {
	descs := make([]ToolDescriptor, 0, len(raw))
	var errs []error
	for _, w := range raw {
		d, err := parseDescriptor(w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		descs = append(descs, d)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailed, errors.Join(errs...))
	}
	return descs, nil
}
