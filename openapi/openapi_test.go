package openapi

import (
	"slices"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/goccy/go-json"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/ir"
)

func newTestRegistry(t *testing.T) *ir.Registry {
	t.Helper()
	reg := ir.NewRegistry()
	if err := reg.AddEnum(&ir.EnumDef{Name: "Sentiment", Values: []ir.EnumValue{
		{Name: "HAPPY"}, {Name: "SAD"}, {Name: "HIDDEN", Skip: true},
	}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddClass(&ir.ClassDef{Name: "Node", Fields: []ir.ClassField{
		{Name: "label", Type: ir.String, Description: "Display label"},
		{Name: "children", Type: ir.ListOf(ir.ClassRef("Node"))},
		{Name: "mood", Type: ir.OptionalOf(ir.EnumRef("Sentiment"))},
		{Name: "weights", Type: ir.MapOf(ir.String, ir.Float)},
		{Name: "kind", Type: ir.UnionOf(ir.LiteralString("leaf"), ir.LiteralString("branch"))},
	}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddClient(&ir.ClientDef{Name: "Main", Provider: "openai", Options: map[string]any{"model": "m"}}); err != nil {
		t.Fatal(err)
	}
	media := bamlutils.MediaKindImage
	if err := reg.AddFunction(&ir.FunctionDef{
		Name:   "BuildTree",
		Params: []ir.Param{{Name: "text", Type: ir.String}, {Name: "depth", Type: ir.OptionalOf(ir.Int)}, {Name: "photo", Media: &media}},
		Output: ir.ClassRef("Node"),
		Client: "Main",
		Prompt: "{{ .text }}",
	}); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestGeneratePaths(t *testing.T) {
	doc, err := Generate(newTestRegistry(t), Config{})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path        string
		operationID string
	}{
		{"/call/BuildTree", "buildTree"},
		{"/call-with-raw/BuildTree", "buildTreeWithRaw"},
		{"/stream/BuildTree", "buildTreeStream"},
		{"/stream-with-raw/BuildTree", "buildTreeStreamWithRaw"},
		{"/parse/BuildTree", "buildTreeParse"},
		{"/call/_dynamic", "dynamic"},
		{"/stream/_dynamic", "dynamicStream"},
		{"/parse/_dynamic", "dynamicParse"},
	}
	for _, tt := range tests {
		item := doc.Paths.Find(tt.path)
		if item == nil || item.Post == nil {
			t.Errorf("expected POST %s", tt.path)
			continue
		}
		if item.Post.OperationID != tt.operationID {
			t.Errorf("%s: expected operation id %q, got %q", tt.path, tt.operationID, item.Post.OperationID)
		}
	}

	if doc.Info.Version != bamlutils.RuntimeVersion {
		t.Errorf("expected default version %s, got %s", bamlutils.RuntimeVersion, doc.Info.Version)
	}

	responses := doc.Paths.Find("/call/BuildTree").Post.Responses
	for _, status := range []string{"200", "400", "404", "422", "500", "502"} {
		if responses.Value(status) == nil {
			t.Errorf("expected %s response", status)
		}
	}
	if doc.Paths.Find("/call/_dynamic").Post.Responses.Value("404") != nil {
		t.Error("dynamic endpoint should not document 404")
	}
}

func TestGenerateSchemas(t *testing.T) {
	doc, err := Generate(newTestRegistry(t), Config{Title: "trees", Version: "1.2.3"})
	if err != nil {
		t.Fatal(err)
	}
	schemas := doc.Components.Schemas

	enum := schemas["Sentiment"].Value
	if !slices.Equal(enum.Enum, []any{"HAPPY", "SAD"}) {
		t.Errorf("expected skipped values to be left out, got %v", enum.Enum)
	}

	node := schemas["Node"].Value
	if !slices.Equal(node.Required, []string{"label", "children", "weights", "kind"}) {
		t.Errorf("unexpected required fields: %v", node.Required)
	}
	if got := node.Properties["label"].Value.Description; got != "Display label" {
		t.Errorf("expected field description, got %q", got)
	}
	if got := node.Properties["children"].Value.Items.Ref; got != "#/components/schemas/Node" {
		t.Errorf("expected recursive ref, got %q", got)
	}
	mood := node.Properties["mood"].Value
	if !mood.Nullable || mood.AllOf[0].Ref != "#/components/schemas/Sentiment" {
		t.Errorf("expected nullable enum ref, got %+v", mood)
	}
	if got := node.Properties["weights"].Value.AdditionalProperties.Schema.Value.Type; !got.Is(openapi3.TypeNumber) {
		t.Errorf("expected number map values, got %v", got)
	}
	if got := len(node.Properties["kind"].Value.OneOf); got != 2 {
		t.Errorf("expected two literal options, got %d", got)
	}

	input := schemas["BuildTreeInput"].Value
	if !slices.Equal(input.Required, []string{"text", "photo"}) {
		t.Errorf("unexpected input required fields: %v", input.Required)
	}
	if _, ok := input.Properties[bamlutils.OptionsKey]; !ok {
		t.Error("expected options property on input")
	}

	stream, ok := schemas["Node__Stream"]
	if !ok {
		t.Fatal("expected stream variant of Node")
	}
	if len(stream.Value.Required) != 0 {
		t.Errorf("expected no required fields in stream variant, got %v", stream.Value.Required)
	}
	if !stream.Value.Properties["label"].Value.Nullable {
		t.Error("expected stream fields to be nullable")
	}
	if _, ok := schemas["Sentiment__Stream"]; !ok {
		t.Error("expected stream variant of referenced enum")
	}
}

func TestGenerateResolves(t *testing.T) {
	doc, err := Generate(newTestRegistry(t), Config{})
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}

	loader := openapi3.NewLoader()
	if _, err := loader.LoadFromData(data); err != nil {
		t.Fatalf("expected every reference to resolve: %v", err)
	}
}

func TestMakeStreamSchemaFullyNullableHandlesCycles(t *testing.T) {
	schemas := openapi3.Schemas{
		"Loop": {Value: &openapi3.Schema{
			Type:       &openapi3.Types{openapi3.TypeObject},
			Properties: openapi3.Schemas{"next": ref("Loop")},
			Required:   []string{"next"},
		}},
	}

	out := makeStreamSchemaFullyNullable(ref("Loop"), schemas, make(map[string]bool))
	if out.Value == nil || out.Value.AllOf[0].Ref != "#/components/schemas/Loop__Stream" {
		t.Fatalf("expected nullable ref to stream variant, got %+v", out)
	}
	next := schemas["Loop__Stream"].Value.Properties["next"]
	if next.Value.AllOf[0].Ref != "#/components/schemas/Loop__Stream" {
		t.Errorf("expected the cycle to point back at the stream variant, got %+v", next)
	}
}
