package bamlutils

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// StreamMode controls how streaming results are processed and what data is collected.
type StreamMode int

const (
	// StreamModeCall - final only, no raw, no partials (for /call endpoint)
	StreamModeCall StreamMode = iota
	// StreamModeStream - partials + final, no raw (for /stream endpoint)
	StreamModeStream
	// StreamModeCallWithRaw - final + raw, no partials (for /call-with-raw endpoint)
	StreamModeCallWithRaw
	// StreamModeStreamWithRaw - partials + final + raw (for /stream-with-raw endpoint)
	StreamModeStreamWithRaw
)

// NeedsRaw returns true if this mode requires raw LLM response collection.
func (m StreamMode) NeedsRaw() bool {
	return m == StreamModeCallWithRaw || m == StreamModeStreamWithRaw
}

// NeedsPartials returns true if this mode requires forwarding partial/intermediate results.
func (m StreamMode) NeedsPartials() bool {
	return m == StreamModeStream || m == StreamModeStreamWithRaw
}

// ClientRegistry overrides or extends the clients a project declares.
// Primary, when set, replaces the client of the called function.
type ClientRegistry struct {
	Primary *string           `json:"primary" yaml:"primary"`
	Clients []*ClientProperty `json:"clients" yaml:"clients"`
}

// ClientProperty configures a single client. Provider is either a vendor
// name ("openai", "anthropic", ...) or a strategy ("fallback", "round-robin").
type ClientProperty struct {
	Name        string         `json:"name" yaml:"name"`
	Provider    string         `json:"provider" yaml:"provider"`
	RetryPolicy *string        `json:"retry_policy" yaml:"retry_policy"`
	Options     map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

type TypeBuilder struct {
	DynamicTypes *DynamicTypes `json:"dynamic_types,omitempty" yaml:"dynamic_types,omitempty"`
}

// DynamicTypes defines classes and enums in a JSON schema-like structure.
// It is both the project file format and the per-request type builder payload.
type DynamicTypes struct {
	Classes map[string]*DynamicClass `json:"classes,omitempty" yaml:"classes,omitempty"`
	Enums   map[string]*DynamicEnum  `json:"enums,omitempty" yaml:"enums,omitempty"`
}

// DynamicClass defines a class with properties. Property order is preserved
// from the source document.
type DynamicClass struct {
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Alias       string            `json:"alias,omitempty" yaml:"alias,omitempty"`
	Properties  OrderedProperties `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// DynamicProperty defines a property on a class.
type DynamicProperty struct {
	// Type specification - use Type for primitives/composites, Ref for references.
	// Any Type that is not one of the structural keywords is parsed as a type
	// expression, e.g. "string[]", "map<string, int>" or "Person | null".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
	Ref  string `json:"$ref,omitempty" yaml:"$ref,omitempty"`

	// Metadata
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Alias       string `json:"alias,omitempty" yaml:"alias,omitempty"`

	// For composite types
	Items  *DynamicTypeRef   `json:"items,omitempty" yaml:"items,omitempty"`   // For "list" type
	Inner  *DynamicTypeRef   `json:"inner,omitempty" yaml:"inner,omitempty"`   // For "optional" type
	OneOf  []*DynamicTypeRef `json:"oneOf,omitempty" yaml:"oneOf,omitempty"`   // For "union" type
	Keys   *DynamicTypeRef   `json:"keys,omitempty" yaml:"keys,omitempty"`     // For "map" type
	Values *DynamicTypeRef   `json:"values,omitempty" yaml:"values,omitempty"` // For "map" type

	// For literal types
	Value any `json:"value,omitempty" yaml:"value,omitempty"` // For literal_string, literal_int, literal_bool
}

// TypeRef returns the property's type specification without its metadata.
func (p *DynamicProperty) TypeRef() *DynamicTypeRef {
	return &DynamicTypeRef{
		Type:   p.Type,
		Ref:    p.Ref,
		Items:  p.Items,
		Inner:  p.Inner,
		OneOf:  p.OneOf,
		Keys:   p.Keys,
		Values: p.Values,
		Value:  p.Value,
	}
}

// DynamicTypeRef is a recursive type reference used in composite types.
type DynamicTypeRef struct {
	Type string `json:"type,omitempty" yaml:"type,omitempty"` // Primitive, composite or expression
	Ref  string `json:"$ref,omitempty" yaml:"$ref,omitempty"` // Reference to class/enum

	// For nested composite types
	Items  *DynamicTypeRef   `json:"items,omitempty" yaml:"items,omitempty"`
	Inner  *DynamicTypeRef   `json:"inner,omitempty" yaml:"inner,omitempty"`
	OneOf  []*DynamicTypeRef `json:"oneOf,omitempty" yaml:"oneOf,omitempty"`
	Keys   *DynamicTypeRef   `json:"keys,omitempty" yaml:"keys,omitempty"`
	Values *DynamicTypeRef   `json:"values,omitempty" yaml:"values,omitempty"`
	Value  any               `json:"value,omitempty" yaml:"value,omitempty"`
}

// DynamicEnum defines an enum with values.
type DynamicEnum struct {
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Alias       string              `json:"alias,omitempty" yaml:"alias,omitempty"`
	Values      []*DynamicEnumValue `json:"values,omitempty" yaml:"values,omitempty"`
}

// DynamicEnumValue defines a single enum value.
type DynamicEnumValue struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Alias       string `json:"alias,omitempty" yaml:"alias,omitempty"`
	Skip        bool   `json:"skip,omitempty" yaml:"skip,omitempty"`
}

// PropertyEntry is a single named property of an OrderedProperties list.
type PropertyEntry struct {
	Name     string
	Property *DynamicProperty
}

// OrderedProperties is a name -> property mapping that remembers declaration
// order. It decodes from a JSON object or YAML mapping.
type OrderedProperties []PropertyEntry

// Get returns the property with the given name.
func (p OrderedProperties) Get(name string) (*DynamicProperty, bool) {
	for _, entry := range p {
		if entry.Name == name {
			return entry.Property, true
		}
	}
	return nil, false
}

func (p *OrderedProperties) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("properties: invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("properties: expected object, got %s", root.Type)
	}

	var out OrderedProperties
	var decodeErr error
	root.ForEach(func(key, value gjson.Result) bool {
		var prop *DynamicProperty
		if value.Type != gjson.Null {
			prop = &DynamicProperty{}
			if err := json.Unmarshal([]byte(value.Raw), prop); err != nil {
				decodeErr = fmt.Errorf("property %q: %w", key.String(), err)
				return false
			}
		}
		out = append(out, PropertyEntry{Name: key.String(), Property: prop})
		return true
	})
	if decodeErr != nil {
		return decodeErr
	}
	*p = out
	return nil
}

func (p OrderedProperties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(entry.Property)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *OrderedProperties) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("properties: expected mapping at line %d", node.Line)
	}

	out := make(OrderedProperties, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		valueNode := node.Content[i+1]

		prop := &DynamicProperty{}
		// Shorthand: `name: string[]`
		if valueNode.Kind == yaml.ScalarNode {
			prop.Type = valueNode.Value
		} else if err := valueNode.Decode(prop); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		out = append(out, PropertyEntry{Name: name, Property: prop})
	}
	*p = out
	return nil
}

// BamlOptions contains optional configuration for BAML method calls
type BamlOptions struct {
	ClientRegistry *ClientRegistry `json:"client_registry"`
	TypeBuilder    *TypeBuilder    `json:"type_builder"`
}

// OptionsKey is the reserved request-body key carrying BamlOptions.
const OptionsKey = "__baml_options__"
