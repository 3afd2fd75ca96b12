package ir

import (
	"errors"
	"fmt"
	"strings"

	"github.com/invakid404/baml-runtime/bamlutils"
)

// ErrNotFound is returned by the Find* lookups.
var ErrNotFound = errors.New("not found")

type EnumValue struct {
	Name        string
	Alias       string
	Description string
	Skip        bool
}

// RenderedName is the name the LLM sees.
func (v EnumValue) RenderedName() string {
	if v.Alias != "" {
		return v.Alias
	}
	return v.Name
}

type EnumDef struct {
	Name        string
	Alias       string
	Description string
	Values      []EnumValue
}

func (e *EnumDef) RenderedName() string {
	if e.Alias != "" {
		return e.Alias
	}
	return e.Name
}

// ActiveValues returns the values not marked as skipped.
func (e *EnumDef) ActiveValues() []EnumValue {
	out := make([]EnumValue, 0, len(e.Values))
	for _, v := range e.Values {
		if !v.Skip {
			out = append(out, v)
		}
	}
	return out
}

type ClassField struct {
	Name        string
	Alias       string
	Description string
	Type        FieldType
}

func (f ClassField) RenderedName() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

type ClassDef struct {
	Name        string
	Alias       string
	Description string
	Fields      []ClassField
}

func (c *ClassDef) RenderedName() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Name
}

// Field looks up a field by its declared name.
func (c *ClassDef) Field(name string) (ClassField, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return ClassField{}, false
}

type Param struct {
	Name string
	Type FieldType
	// Media is set for image, audio, pdf and video parameters, which have
	// no Type.
	Media *bamlutils.MediaKind
}

type FunctionDef struct {
	Name        string
	Description string
	Params      []Param
	Output      FieldType
	Client      string
	Prompt      string
}

type ClientDef struct {
	Name        string
	Provider    string
	RetryPolicy string
	Options     map[string]any
}

type RetryStrategyDef struct {
	Type       string
	DelayMs    *int
	MaxDelayMs *int
	Multiplier *float64
}

type RetryPolicyDef struct {
	Name       string
	MaxRetries int
	Strategy   RetryStrategyDef
}

// Registry is the schema lookup table. A Registry is populated once and then
// only read, so it can be shared between concurrent calls. Per-request
// additions go into an Overlay.
type Registry struct {
	parent *Registry

	enums         map[string]*EnumDef
	classes       map[string]*ClassDef
	functions     map[string]*FunctionDef
	clients       map[string]*ClientDef
	retryPolicies map[string]*RetryPolicyDef

	enumOrder     []string
	classOrder    []string
	functionOrder []string
	clientOrder   []string
	policyOrder   []string
}

func NewRegistry() *Registry {
	return &Registry{
		enums:         make(map[string]*EnumDef),
		classes:       make(map[string]*ClassDef),
		functions:     make(map[string]*FunctionDef),
		clients:       make(map[string]*ClientDef),
		retryPolicies: make(map[string]*RetryPolicyDef),
	}
}

// Overlay returns an empty child registry. Lookups fall back to r; definitions
// added to the child shadow r's without modifying it.
func (r *Registry) Overlay() *Registry {
	child := NewRegistry()
	child.parent = r
	return child
}

func (r *Registry) AddEnum(def *EnumDef) error {
	if _, exists := r.enums[def.Name]; exists {
		return fmt.Errorf("enum %q already defined", def.Name)
	}
	if _, exists := r.classes[def.Name]; exists {
		return fmt.Errorf("enum %q conflicts with class of the same name", def.Name)
	}
	r.enums[def.Name] = def
	r.enumOrder = append(r.enumOrder, def.Name)
	return nil
}

func (r *Registry) AddClass(def *ClassDef) error {
	if _, exists := r.classes[def.Name]; exists {
		return fmt.Errorf("class %q already defined", def.Name)
	}
	if _, exists := r.enums[def.Name]; exists {
		return fmt.Errorf("class %q conflicts with enum of the same name", def.Name)
	}
	r.classes[def.Name] = def
	r.classOrder = append(r.classOrder, def.Name)
	return nil
}

func (r *Registry) AddFunction(def *FunctionDef) error {
	if _, exists := r.functions[def.Name]; exists {
		return fmt.Errorf("function %q already defined", def.Name)
	}
	r.functions[def.Name] = def
	r.functionOrder = append(r.functionOrder, def.Name)
	return nil
}

func (r *Registry) AddRetryPolicy(def *RetryPolicyDef) error {
	if _, exists := r.retryPolicies[def.Name]; exists {
		return fmt.Errorf("retry policy %q already defined", def.Name)
	}
	r.retryPolicies[def.Name] = def
	r.policyOrder = append(r.policyOrder, def.Name)
	return nil
}

func (r *Registry) AddClient(def *ClientDef) error {
	if _, exists := r.clients[def.Name]; exists {
		return fmt.Errorf("client %q already defined", def.Name)
	}
	r.SetClient(def)
	return nil
}

// SetClient adds or replaces a client in this layer.
func (r *Registry) SetClient(def *ClientDef) {
	if _, exists := r.clients[def.Name]; !exists {
		r.clientOrder = append(r.clientOrder, def.Name)
	}
	r.clients[def.Name] = def
}

// setEnum and setClass replace a definition in this layer, used when an
// overlay extends a definition inherited from the parent.
func (r *Registry) setEnum(def *EnumDef) {
	if _, exists := r.enums[def.Name]; !exists {
		r.enumOrder = append(r.enumOrder, def.Name)
	}
	r.enums[def.Name] = def
}

func (r *Registry) setClass(def *ClassDef) {
	if _, exists := r.classes[def.Name]; !exists {
		r.classOrder = append(r.classOrder, def.Name)
	}
	r.classes[def.Name] = def
}

func (r *Registry) FindEnum(name string) (*EnumDef, error) {
	for cur := r; cur != nil; cur = cur.parent {
		if def, ok := cur.enums[name]; ok {
			return def, nil
		}
	}
	return nil, fmt.Errorf("enum %q: %w", name, ErrNotFound)
}

func (r *Registry) FindClass(name string) (*ClassDef, error) {
	for cur := r; cur != nil; cur = cur.parent {
		if def, ok := cur.classes[name]; ok {
			return def, nil
		}
	}
	return nil, fmt.Errorf("class %q: %w", name, ErrNotFound)
}

func (r *Registry) FindFunction(name string) (*FunctionDef, error) {
	for cur := r; cur != nil; cur = cur.parent {
		if def, ok := cur.functions[name]; ok {
			return def, nil
		}
	}
	return nil, fmt.Errorf("function %q: %w", name, ErrNotFound)
}

func (r *Registry) FindClient(name string) (*ClientDef, error) {
	for cur := r; cur != nil; cur = cur.parent {
		if def, ok := cur.clients[name]; ok {
			return def, nil
		}
	}
	return nil, fmt.Errorf("client %q: %w", name, ErrNotFound)
}

func (r *Registry) FindRetryPolicy(name string) (*RetryPolicyDef, error) {
	for cur := r; cur != nil; cur = cur.parent {
		if def, ok := cur.retryPolicies[name]; ok {
			return def, nil
		}
	}
	return nil, fmt.Errorf("retry policy %q: %w", name, ErrNotFound)
}

// collect walks the registry chain from the root so that parent definitions
// come first, and returns one entry per name with the innermost definition.
func collect[T any](r *Registry, order func(*Registry) []string, get func(*Registry, string) T) []T {
	var chain []*Registry
	for cur := r; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}

	seen := make(map[string]int)
	var out []T
	for i := len(chain) - 1; i >= 0; i-- {
		layer := chain[i]
		for _, name := range order(layer) {
			def := get(layer, name)
			if idx, ok := seen[name]; ok {
				out[idx] = def
				continue
			}
			seen[name] = len(out)
			out = append(out, def)
		}
	}
	return out
}

// Enums returns all enums in declaration order.
func (r *Registry) Enums() []*EnumDef {
	return collect(r, func(l *Registry) []string { return l.enumOrder },
		func(l *Registry, n string) *EnumDef { return l.enums[n] })
}

// Classes returns all classes in declaration order.
func (r *Registry) Classes() []*ClassDef {
	return collect(r, func(l *Registry) []string { return l.classOrder },
		func(l *Registry, n string) *ClassDef { return l.classes[n] })
}

// Functions returns all functions in declaration order.
func (r *Registry) Functions() []*FunctionDef {
	return collect(r, func(l *Registry) []string { return l.functionOrder },
		func(l *Registry, n string) *FunctionDef { return l.functions[n] })
}

// Clients returns all clients in declaration order.
func (r *Registry) Clients() []*ClientDef {
	return collect(r, func(l *Registry) []string { return l.clientOrder },
		func(l *Registry, n string) *ClientDef { return l.clients[n] })
}

// Validate checks that every named type referenced by classes and functions
// resolves, and that clients reference known retry policies.
func (r *Registry) Validate() error {
	var problems []string

	checkType := func(where string, t FieldType) {
		if t == nil {
			problems = append(problems, where+": missing type")
			return
		}
		Walk(t, func(t FieldType) {
			switch t := t.(type) {
			case Class:
				if _, err := r.FindClass(t.Name); err != nil {
					problems = append(problems, fmt.Sprintf("%s: unknown class %q", where, t.Name))
				}
			case Enum:
				if _, err := r.FindEnum(t.Name); err != nil {
					problems = append(problems, fmt.Sprintf("%s: unknown enum %q", where, t.Name))
				}
			}
		})
	}

	for _, class := range r.Classes() {
		for _, field := range class.Fields {
			checkType(fmt.Sprintf("class %s.%s", class.Name, field.Name), field.Type)
		}
	}
	for _, fn := range r.Functions() {
		for _, param := range fn.Params {
			if param.Media != nil {
				continue
			}
			checkType(fmt.Sprintf("function %s param %s", fn.Name, param.Name), param.Type)
		}
		checkType(fmt.Sprintf("function %s output", fn.Name), fn.Output)
		if fn.Client == "" {
			problems = append(problems, fmt.Sprintf("function %s: no client", fn.Name))
		}
	}
	for _, client := range r.Clients() {
		if client.RetryPolicy == "" {
			continue
		}
		if _, err := r.FindRetryPolicy(client.RetryPolicy); err != nil {
			problems = append(problems, fmt.Sprintf("client %s: unknown retry policy %q", client.Name, client.RetryPolicy))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid schema:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// JinjaType describes t the way template authors see it: Python-style
// container names, None for null and class or enum names for references.
func (r *Registry) JinjaType(t FieldType) string {
	switch t := t.(type) {
	case Primitive:
		if t.Kind == TypeNull {
			return "None"
		}
		return t.Kind.String()
	case Enum:
		if def, err := r.FindEnum(t.Name); err == nil {
			return "enum " + def.Name
		}
		return t.Name
	case Class:
		if def, err := r.FindClass(t.Name); err == nil {
			return "class " + def.Name
		}
		return t.Name
	case Literal:
		return "literal[" + t.Value.String() + "]"
	case List:
		return "list[" + r.JinjaType(t.Elem) + "]"
	case Optional:
		return r.JinjaType(t.Inner) + " | None"
	case Map:
		return "map[" + r.JinjaType(t.Key) + ", " + r.JinjaType(t.Value) + "]"
	case Tuple:
		parts := make([]string, len(t.Items))
		for i, item := range t.Items {
			parts[i] = r.JinjaType(item)
		}
		return "tuple[" + strings.Join(parts, ", ") + "]"
	case Union:
		parts := make([]string, len(t.Options))
		for i, option := range t.Options {
			parts[i] = r.JinjaType(option)
		}
		return strings.Join(parts, " | ")
	default:
		return "unknown"
	}
}
