package bamlutils

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// classWith wraps a single property definition in a type builder payload.
func classWith(property string) string {
	return `{"classes": {"Subject": {"properties": {"prop": ` + property + `}}}}`
}

func TestDynamicTypes_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string // empty means valid
	}{
		{name: "empty", input: `{}`},
		{name: "empty class and enum", input: `{"classes": {"A": {}}, "enums": {"E": {}}}`},
		{name: "nil class", input: `{"classes": {"Gone": null}}`, wantErr: `class "Gone": definition is nil`},
		{name: "nil enum", input: `{"enums": {"Gone": null}}`, wantErr: `enum "Gone": definition is nil`},
		{name: "nil enum value", input: `{"enums": {"E": {"values": [null]}}}`, wantErr: `enum "E": value at index 0 is nil`},
		{name: "unnamed enum value", input: `{"enums": {"E": {"values": [{"name": ""}]}}}`, wantErr: "has empty name"},
		{name: "duplicate enum value", input: `{"enums": {"E": {"values": [{"name": "A"}, {"name": "A"}]}}}`, wantErr: `duplicate value "A"`},
		{name: "nil property", input: classWith(`null`), wantErr: `property "prop" is nil`},
		{name: "untyped property", input: classWith(`{"description": "x"}`), wantErr: `must have 'type' or '$ref'`},
		{name: "type and ref", input: classWith(`{"type": "string", "$ref": "Other"}`), wantErr: `cannot have both 'type' and '$ref'`},
		{name: "type expression", input: classWith(`{"type": "map<string, Person[]> | null"}`)},
		{name: "malformed type expression", input: classWith(`{"type": "map<string"}`), wantErr: `invalid type "map<string"`},
		{name: "unknown ref is deferred", input: classWith(`{"$ref": "DefinedElsewhere"}`)},
		{name: "list", input: classWith(`{"type": "list", "items": {"type": "int"}}`)},
		{name: "list without items", input: classWith(`{"type": "list"}`), wantErr: `'list' type requires 'items'`},
		{name: "optional without inner", input: classWith(`{"type": "optional"}`), wantErr: `'optional' type requires 'inner'`},
		{name: "map without values", input: classWith(`{"type": "map", "keys": {"type": "string"}}`), wantErr: `'map' type requires 'keys' and 'values'`},
		{name: "map with bad values", input: classWith(`{"type": "map", "keys": {"type": "string"}, "values": {"type": "list"}}`), wantErr: "map values: 'list' type requires 'items'"},
		{name: "union", input: classWith(`{"type": "union", "oneOf": [{"type": "string"}, {"$ref": "Other"}]}`)},
		{name: "empty union", input: classWith(`{"type": "union", "oneOf": []}`), wantErr: `requires 'oneOf' with at least one type`},
		{name: "union with nil member", input: classWith(`{"type": "union", "oneOf": [null]}`), wantErr: `'oneOf[0]' is nil`},
		{name: "literal string", input: classWith(`{"type": "literal_string", "value": "on"}`)},
		{name: "literal string with number", input: classWith(`{"type": "literal_string", "value": 1}`), wantErr: `'literal_string' value must be a string`},
		{name: "literal int", input: classWith(`{"type": "literal_int", "value": 3}`)},
		{name: "literal int with fraction", input: classWith(`{"type": "literal_int", "value": 1.5}`), wantErr: `'literal_int' value must be an integer`},
		{name: "literal int without value", input: classWith(`{"type": "literal_int"}`), wantErr: `'literal_int' type requires 'value'`},
		{name: "literal bool with string", input: classWith(`{"type": "literal_bool", "value": "yes"}`), wantErr: `'literal_bool' value must be a boolean`},
		{
			name: "nested error is scoped",
			input: classWith(`{"type": "optional", "inner": {"type": "union", "oneOf": [{"type": "int"}, {"type": "optional"}]}}`),
			wantErr: `class "Subject": property "prop": union oneOf[1]: 'optional' type requires 'inner'`,
		},
		{
			name:  "mutually recursive classes",
			input: `{"classes": {"A": {"properties": {"b": {"$ref": "B"}}}, "B": {"properties": {"a": {"type": "A?"}}}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dt DynamicTypes
			if err := json.Unmarshal([]byte(tt.input), &dt); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			err := dt.Validate()
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("Validate() unexpected error: %v", err)
			case tt.wantErr != "" && err == nil:
				t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
			case tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr):
				t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErr)
			}
		})
	}

	var nilTypes *DynamicTypes
	if err := nilTypes.Validate(); err != nil {
		t.Errorf("nil DynamicTypes should be valid, got %v", err)
	}
}

func TestDynamicTypes_ValidateDepth(t *testing.T) {
	nested := func(depth int) *DynamicProperty {
		ref := &DynamicTypeRef{Type: "string"}
		for range depth {
			ref = &DynamicTypeRef{Type: "list", Items: ref}
		}
		return &DynamicProperty{Type: ref.Type, Items: ref.Items}
	}
	build := func(depth int) *DynamicTypes {
		return &DynamicTypes{Classes: map[string]*DynamicClass{
			"Deep": {Properties: OrderedProperties{{Name: "p", Property: nested(depth)}}},
		}}
	}

	if err := build(maxTypeDepth).Validate(); err != nil {
		t.Errorf("depth %d should be accepted, got %v", maxTypeDepth, err)
	}
	err := build(maxTypeDepth + 5).Validate()
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum depth") {
		t.Errorf("expected depth error, got %v", err)
	}
}

func TestOrderedProperties_JSONPreservesOrder(t *testing.T) {
	var class DynamicClass
	input := `{"properties":{"zeta":{"type":"string"},"alpha":{"type":"int[]"},"mid":{"$ref":"Other"}}}`
	if err := json.Unmarshal([]byte(input), &class); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	var names []string
	for _, entry := range class.Properties {
		names = append(names, entry.Name)
	}
	if got := strings.Join(names, ","); got != "zeta,alpha,mid" {
		t.Errorf("expected declaration order, got %s", got)
	}

	prop, ok := class.Properties.Get("alpha")
	if !ok || prop.Type != "int[]" {
		t.Errorf("expected alpha to be int[], got %+v", prop)
	}

	out, err := json.Marshal(class.Properties)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.HasPrefix(string(out), `{"zeta":`) {
		t.Errorf("expected marshalled properties to start with zeta, got %s", out)
	}
}

func TestOrderedProperties_YAMLShorthand(t *testing.T) {
	input := `
properties:
  name: string
  tags:
    type: list
    items:
      type: string
  score: float?
`
	var class DynamicClass
	if err := yaml.Unmarshal([]byte(input), &class); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(class.Properties) != 3 {
		t.Fatalf("expected 3 properties, got %d", len(class.Properties))
	}
	if class.Properties[0].Name != "name" || class.Properties[0].Property.Type != "string" {
		t.Errorf("unexpected first property: %+v", class.Properties[0])
	}
	if class.Properties[1].Property.Items == nil || class.Properties[1].Property.Items.Type != "string" {
		t.Errorf("expected list items to decode, got %+v", class.Properties[1].Property)
	}
	if class.Properties[2].Property.Type != "float?" {
		t.Errorf("expected shorthand type float?, got %q", class.Properties[2].Property.Type)
	}
}

func TestParseTypeExpr(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
		check   func(t *testing.T, expr *TypeExpr)
	}{
		{
			expr: "string",
			check: func(t *testing.T, expr *TypeExpr) {
				if len(expr.Options) != 1 || expr.Options[0].Atom.Ident != "string" {
					t.Errorf("expected single ident, got %+v", expr.Options)
				}
			},
		},
		{
			expr: "Person[]?",
			check: func(t *testing.T, expr *TypeExpr) {
				mods := expr.Options[0].Modifiers
				if len(mods) != 2 || !IsListModifier(mods[0]) || mods[1] != "?" {
					t.Errorf("expected [] then ?, got %v", mods)
				}
			},
		},
		{
			expr: "map<string, int[]>",
			check: func(t *testing.T, expr *TypeExpr) {
				m := expr.Options[0].Atom.Map
				if m == nil {
					t.Fatal("expected map")
				}
				if m.Key.Options[0].Atom.Ident != "string" {
					t.Errorf("unexpected key: %+v", m.Key)
				}
				if len(m.Value.Options[0].Modifiers) != 1 {
					t.Errorf("expected list value, got %+v", m.Value.Options[0])
				}
			},
		},
		{
			expr: `"a" | "b" | 3 | true | null`,
			check: func(t *testing.T, expr *TypeExpr) {
				if len(expr.Options) != 5 {
					t.Fatalf("expected 5 options, got %d", len(expr.Options))
				}
				if s := expr.Options[0].Atom.String; s == nil || *s != "a" {
					t.Errorf("expected unquoted literal a, got %v", s)
				}
				if i := expr.Options[2].Atom.Int; i == nil || *i != 3 {
					t.Errorf("expected int literal 3, got %v", i)
				}
				if b := expr.Options[3].Atom.Bool; b == nil || *b != "true" {
					t.Errorf("expected bool literal, got %v", b)
				}
				if expr.Options[4].Atom.Ident != "null" {
					t.Errorf("expected null ident, got %+v", expr.Options[4].Atom)
				}
			},
		},
		{
			expr: "(int, string)",
			check: func(t *testing.T, expr *TypeExpr) {
				g := expr.Options[0].Atom.Group
				if g == nil || len(g.Items) != 2 {
					t.Errorf("expected 2-tuple, got %+v", g)
				}
			},
		},
		{
			expr: "(int | string)[]",
			check: func(t *testing.T, expr *TypeExpr) {
				g := expr.Options[0].Atom.Group
				if g == nil || len(g.Items) != 1 || len(g.Items[0].Options) != 2 {
					t.Errorf("expected grouped union, got %+v", g)
				}
			},
		},
		{expr: "", wantErr: true},
		{expr: "map<string", wantErr: true},
		{expr: "int |", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			expr, err := ParseTypeExpr(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.expr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, expr)
		})
	}
}

func TestCheckRuntimeVersions(t *testing.T) {
	tests := []struct {
		name     string
		versions []string
		wantErr  string
	}{
		{name: "no declarations", versions: nil},
		{name: "current version", versions: []string{RuntimeVersion}},
		{name: "bare version", versions: []string{"0.2.0"}},
		{name: "newer than runtime", versions: []string{"99.0.0"}, wantErr: "only supports up to"},
		{name: "older than minimum", versions: []string{"0.0.1"}, wantErr: "minimum supported version"},
		{name: "garbage", versions: []string{"latest"}, wantErr: "not a valid semantic version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRuntimeVersions(tt.versions)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseVersions(t *testing.T) {
	fsys := fstest.MapFS{
		"main.yaml":          {Data: []byte("runtime_version: 0.3.0\nclasses: {}\n")},
		"nested/clients.yml": {Data: []byte("clients: []\n")},
		"notes.txt":          {Data: []byte("runtime_version: 9.9.9\n")},
	}

	versions, err := ParseVersions(fsys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions) != 1 || versions[0] != "0.3.0" {
		t.Errorf("expected [0.3.0], got %v", versions)
	}
}
