// Package openapi describes the REST surface of a loaded project as an
// OpenAPI 3 document.
package openapi

import (
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"
	"github.com/stoewer/go-strcase"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/internal/apierror"
	"github.com/invakid404/baml-runtime/ir"
)

const (
	// streamSchemaSuffix is appended to component schema names for their nullable stream variants.
	streamSchemaSuffix = "__Stream"

	bamlOptionsSchemaName = "BamlOptions"
	clientRegistrySchema  = "ClientRegistry"
	typeBuilderSchemaName = "TypeBuilder"
	mediaInputSchemaName  = "__MediaInput__"
	resetEventSchemaName  = "__StreamResetEvent__"
	errorEventSchemaName  = "__StreamErrorEvent__"
	errorResponseSchema   = "__ErrorResponse__"
	dynamicTypesSchema    = "__DynamicTypes__"
	dynamicClassSchema    = "__DynamicClass__"
	dynamicEnumSchema     = "__DynamicEnum__"
	dynamicPropertySchema = "__DynamicProperty__"
	dynamicMessageSchema  = "__DynamicMessage__"
	dynamicOutputSchema   = "__DynamicOutputSchema__"
	dynamicInputSchema    = "__DynamicInput__"
	dynamicParseSchema    = "__DynamicParseInput__"

	badRequestDescription    = "Bad request - invalid input, missing required fields, or malformed JSON"
	notFoundDescription      = "Unknown function"
	unparseableDescription   = "The model answered but its output could not be coerced into the output type"
	badGatewayDescription    = "No client produced a successful response"
	internalErrorDescription = "Internal server error"
)

// Config controls the document header.
type Config struct {
	Title   string
	Version string
}

func ref(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Ref: "#/components/schemas/" + name}
}

func typed(t string, description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{t}, Description: description}}
}

func nullableRef(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Nullable: true, AllOf: openapi3.SchemaRefs{ref(name)}}}
}

// generator accumulates component schemas while paths are built.
type generator struct {
	reg     *ir.Registry
	schemas openapi3.Schemas
	paths   *openapi3.Paths
}

// Generate builds the document for every function of reg, plus the dynamic
// endpoints.
func Generate(reg *ir.Registry, cfg Config) (*openapi3.T, error) {
	if cfg.Title == "" {
		cfg.Title = "baml-runtime"
	}
	if cfg.Version == "" {
		cfg.Version = bamlutils.RuntimeVersion
	}

	g := &generator{reg: reg, schemas: make(openapi3.Schemas), paths: openapi3.NewPaths()}
	if err := g.addSharedSchemas(); err != nil {
		return nil, err
	}

	for _, enum := range reg.Enums() {
		g.schemas[enum.Name] = enumSchema(enum)
	}
	for _, class := range reg.Classes() {
		g.schemas[class.Name] = g.classSchema(class)
	}

	for _, fn := range reg.Functions() {
		g.addFunction(fn)
	}
	g.addDynamicEndpoints()

	return &openapi3.T{
		OpenAPI: "3.0.0",
		Info: &openapi3.Info{
			Title:   cfg.Title,
			Version: cfg.Version,
		},
		Components: &openapi3.Components{
			Schemas: g.schemas,
		},
		Paths: g.paths,
	}, nil
}

func enumSchema(def *ir.EnumDef) *openapi3.SchemaRef {
	values := def.ActiveValues()
	names := make([]any, len(values))
	for i, v := range values {
		names[i] = v.Name
	}
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeString},
		Description: def.Description,
		Enum:        names,
	}}
}

func (g *generator) classSchema(def *ir.ClassDef) *openapi3.SchemaRef {
	schema := &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeObject},
		Description: def.Description,
		Properties:  make(openapi3.Schemas, len(def.Fields)),
	}
	for _, field := range def.Fields {
		prop := g.typeSchema(field.Type)
		if field.Description != "" {
			prop = withDescription(prop, field.Description)
		}
		schema.Properties[field.Name] = prop
		if !ir.IsOptional(field.Type) {
			schema.Required = append(schema.Required, field.Name)
		}
	}
	return &openapi3.SchemaRef{Value: schema}
}

// withDescription attaches a description without touching a referenced
// component.
func withDescription(s *openapi3.SchemaRef, description string) *openapi3.SchemaRef {
	if s.Ref != "" {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Description: description, AllOf: openapi3.SchemaRefs{s}}}
	}
	s.Value.Description = description
	return s
}

// typeSchema maps a field type to a schema. Classes and enums become
// component references.
func (g *generator) typeSchema(t ir.FieldType) *openapi3.SchemaRef {
	switch t := t.(type) {
	case ir.Primitive:
		switch t.Kind {
		case ir.TypeString:
			return typed(openapi3.TypeString, "")
		case ir.TypeInt:
			return typed(openapi3.TypeInteger, "")
		case ir.TypeFloat:
			return typed(openapi3.TypeNumber, "")
		case ir.TypeBool:
			return typed(openapi3.TypeBoolean, "")
		default:
			return &openapi3.SchemaRef{Value: &openapi3.Schema{Nullable: true, Enum: []any{nil}}}
		}
	case ir.Enum:
		return ref(t.Name)
	case ir.Class:
		return ref(t.Name)
	case ir.Literal:
		var kind string
		switch t.Value.Kind {
		case ir.LiteralKindInt:
			kind = openapi3.TypeInteger
		case ir.LiteralKindBool:
			kind = openapi3.TypeBoolean
		default:
			kind = openapi3.TypeString
		}
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{kind}, Enum: []any{t.Value.Any()}}}
	case ir.List:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeArray}, Items: g.typeSchema(t.Elem)}}
	case ir.Map:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:                 &openapi3.Types{openapi3.TypeObject},
			AdditionalProperties: openapi3.AdditionalProperties{Schema: g.typeSchema(t.Value)},
		}}
	case ir.Tuple:
		items := make(openapi3.SchemaRefs, len(t.Items))
		for i, item := range t.Items {
			items[i] = g.typeSchema(item)
		}
		n := uint64(len(t.Items))
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:     &openapi3.Types{openapi3.TypeArray},
			Items:    &openapi3.SchemaRef{Value: &openapi3.Schema{OneOf: items}},
			MinItems: n,
			MaxItems: &n,
		}}
	case ir.Optional:
		inner := g.typeSchema(t.Inner)
		if inner.Ref != "" {
			return &openapi3.SchemaRef{Value: &openapi3.Schema{Nullable: true, AllOf: openapi3.SchemaRefs{inner}}}
		}
		inner.Value.Nullable = true
		return inner
	case ir.Union:
		options := make(openapi3.SchemaRefs, 0, len(t.Options))
		nullable := false
		for _, option := range t.Options {
			if p, ok := option.(ir.Primitive); ok && p.Kind == ir.TypeNull {
				nullable = true
				continue
			}
			options = append(options, g.typeSchema(option))
		}
		if len(options) == 1 && nullable {
			return g.typeSchema(ir.OptionalOf(t.Options[indexNotNull(t.Options)]))
		}
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Nullable: nullable, OneOf: options}}
	default:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{}}
	}
}

func indexNotNull(options []ir.FieldType) int {
	for i, option := range options {
		if p, ok := option.(ir.Primitive); !ok || p.Kind != ir.TypeNull {
			return i
		}
	}
	return 0
}

func jsonContent(schema *openapi3.SchemaRef) openapi3.Content {
	return openapi3.Content{"application/json": &openapi3.MediaType{Schema: schema}}
}

// responses builds the response set shared by every endpoint around the
// given success response.
func responses(success *openapi3.Response, withFunction bool) *openapi3.Responses {
	rs := openapi3.NewResponses()
	rs.Delete("default")
	rs.Set("200", &openapi3.ResponseRef{Value: success})

	errorResponse := func(description string) *openapi3.ResponseRef {
		return &openapi3.ResponseRef{Value: &openapi3.Response{
			Description: &description,
			Content:     jsonContent(ref(errorResponseSchema)),
		}}
	}
	rs.Set("400", errorResponse(badRequestDescription))
	if withFunction {
		rs.Set("404", errorResponse(notFoundDescription))
	}
	rs.Set("422", errorResponse(unparseableDescription))
	rs.Set("500", errorResponse(internalErrorDescription))
	rs.Set("502", errorResponse(badGatewayDescription))
	return rs
}

func requestBody(schemaName string) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{
		Required: true,
		Content:  jsonContent(ref(schemaName)),
	}}
}

func operationID(name, suffix string) string {
	return strcase.LowerCamelCase(name) + suffix
}

func (g *generator) paramSchema(param ir.Param) *openapi3.SchemaRef {
	if param.Media != nil {
		return withDescription(ref(mediaInputSchemaName), param.Media.String())
	}
	return g.typeSchema(param.Type)
}

func (g *generator) addFunction(fn *ir.FunctionDef) {
	input := &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeObject},
		Description: fn.Description,
		Properties:  make(openapi3.Schemas, len(fn.Params)+1),
	}
	for _, param := range fn.Params {
		input.Properties[param.Name] = g.paramSchema(param)
		if param.Media != nil || !ir.IsOptional(param.Type) {
			input.Required = append(input.Required, param.Name)
		}
	}
	input.Properties[bamlutils.OptionsKey] = ref(bamlOptionsSchemaName)

	inputName := fn.Name + "Input"
	g.schemas[inputName] = &openapi3.SchemaRef{Value: input}

	final := g.typeSchema(fn.Output)
	g.addEndpoints(fn.Name, inputName, final, true)

	parseName := fn.Name + "ParseInput"
	g.schemas[parseName] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{openapi3.TypeObject},
		Properties: openapi3.Schemas{
			"raw":                 typed(openapi3.TypeString, "Raw LLM output to parse"),
			"partial":             typed(openapi3.TypeBoolean, "Treat raw as an incomplete stream"),
			bamlutils.OptionsKey: ref(bamlOptionsSchemaName),
		},
		Required: []string{"raw"},
	}}
	g.addParse(fn.Name, parseName, final, true)
}

// addEndpoints adds the call, call-with-raw, stream and stream-with-raw
// paths of one function.
func (g *generator) addEndpoints(name, inputName string, final *openapi3.SchemaRef, withFunction bool) {
	callDescription := fmt.Sprintf("Successful response for %s", name)
	g.paths.Set("/call/"+name, &openapi3.PathItem{Post: &openapi3.Operation{
		OperationID: operationID(name, ""),
		RequestBody: requestBody(inputName),
		Responses: responses(&openapi3.Response{
			Description: &callDescription,
			Content:     jsonContent(final),
		}, withFunction),
	}})

	rawDescription := fmt.Sprintf("Successful response for %s with raw LLM output", name)
	g.paths.Set("/call-with-raw/"+name, &openapi3.PathItem{Post: &openapi3.Operation{
		OperationID: operationID(name, "WithRaw"),
		RequestBody: requestBody(inputName),
		Responses: responses(&openapi3.Response{
			Description: &rawDescription,
			Content: jsonContent(&openapi3.SchemaRef{Value: &openapi3.Schema{
				Type: &openapi3.Types{openapi3.TypeObject},
				Properties: openapi3.Schemas{
					"data": final,
					"raw":  typed(openapi3.TypeString, "Raw LLM response text"),
				},
				Required: []string{"data", "raw"},
			}}),
		}, withFunction),
	}})

	partial := makeStreamSchemaFullyNullable(final, g.schemas, make(map[string]bool))
	for _, withRaw := range []bool{false, true} {
		path, suffix, summary := "/stream/", "Stream", fmt.Sprintf("Stream %s results", name)
		partialDescription := "Partial data event containing an intermediate parsed result. Fields not yet parsed may be null."
		finalDescription := "Final data event containing the complete, validated result"
		if withRaw {
			path, suffix = "/stream-with-raw/", "StreamWithRaw"
			summary += " with raw LLM output"
			partialDescription = "Partial data event containing an intermediate parsed result with accumulated raw LLM output. Fields not yet parsed may be null."
			finalDescription = "Final data event containing the complete, validated result with full raw LLM output"
		}

		description := fmt.Sprintf("Stream of partial and final results for %s", name)
		success := &openapi3.Response{
			Description: &description,
			Content: openapi3.Content{
				"application/x-ndjson": &openapi3.MediaType{Schema: &openapi3.SchemaRef{Value: &openapi3.Schema{
					OneOf: openapi3.SchemaRefs{
						makeStreamEventSchema("data", partialDescription, partial, withRaw, "Accumulated raw LLM response text up to this point"),
						makeStreamEventSchema("final", finalDescription, final, withRaw, "Complete raw LLM response text"),
						ref(resetEventSchemaName),
						ref(errorEventSchemaName),
					},
					Discriminator: &openapi3.Discriminator{PropertyName: "type"},
				}}},
				"text/event-stream": &openapi3.MediaType{
					Schema: typed(openapi3.TypeString, "Server-Sent Events stream. Default format if Accept header is not set. Data events contain JSON, error/reset events use SSE event types."),
				},
			},
		}

		g.paths.Set(path+name, &openapi3.PathItem{Post: &openapi3.Operation{
			OperationID: operationID(name, suffix),
			Summary:     summary,
			Description: "Returns a stream of events containing partial results as they become available, followed by the final result. " +
				"Use `Accept: application/x-ndjson` for NDJSON; Server-Sent Events are the default. " +
				"Events have type 'data' for partial results, 'final' for the complete result, " +
				"'reset' when a retry or fallback restarts the stream, or 'error' for failures.",
			RequestBody: requestBody(inputName),
			Responses:   responses(success, withFunction),
		}})
	}
}

func (g *generator) addParse(name, inputName string, final *openapi3.SchemaRef, withFunction bool) {
	description := fmt.Sprintf("Parsed output of %s", name)
	g.paths.Set("/parse/"+name, &openapi3.PathItem{Post: &openapi3.Operation{
		OperationID: operationID(name, "Parse"),
		Summary:     fmt.Sprintf("Parse raw LLM output into the output type of %s", name),
		RequestBody: requestBody(inputName),
		Responses: responses(&openapi3.Response{
			Description: &description,
			Content:     jsonContent(final),
		}, withFunction),
	}})
}

// makeStreamEventSchema creates a streaming event schema with the given type and data schema.
// If includeRaw is true, adds a "raw" field for LLM output.
func makeStreamEventSchema(eventType, description string, dataSchema *openapi3.SchemaRef, includeRaw bool, rawDescription string) *openapi3.SchemaRef {
	props := openapi3.Schemas{
		"type": &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type: &openapi3.Types{openapi3.TypeString},
			Enum: []any{eventType},
		}},
		"data": dataSchema,
	}
	required := []string{"type", "data"}

	if includeRaw {
		props["raw"] = typed(openapi3.TypeString, rawDescription)
		required = append(required, "raw")
	}

	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeObject},
		Description: description,
		Properties:  props,
		Required:    required,
	}}
}

// makeStreamSchemaFullyNullable recursively makes every field of a schema
// nullable, since any field may still be missing in a partial value.
// Component references are rewritten to X__Stream components created on
// first use.
func makeStreamSchemaFullyNullable(schemaRef *openapi3.SchemaRef, schemas openapi3.Schemas, inProgress map[string]bool) *openapi3.SchemaRef {
	if schemaRef == nil {
		return nil
	}

	if schemaRef.Ref != "" {
		refName := strings.TrimPrefix(schemaRef.Ref, "#/components/schemas/")
		streamName := refName + streamSchemaSuffix

		if _, exists := schemas[streamName]; exists || inProgress[refName] {
			return nullableRef(streamName)
		}

		refSchema, ok := schemas[refName]
		if !ok || refSchema.Value == nil {
			return nullableRef(refName)
		}

		inProgress[refName] = true
		schemas[streamName] = makeStreamSchemaFullyNullable(refSchema, schemas, inProgress)
		return nullableRef(streamName)
	}

	if schemaRef.Value == nil {
		return schemaRef
	}
	schema := schemaRef.Value

	// Required is dropped: nothing is required in a partial value.
	out := &openapi3.Schema{
		Type:        schema.Type,
		Description: schema.Description,
		Enum:        schema.Enum,
		Default:     schema.Default,
		Nullable:    true,
		MaxItems:    schema.MaxItems,
	}

	if schema.Items != nil {
		out.Items = makeStreamSchemaFullyNullable(schema.Items, schemas, inProgress)
	}
	if schema.Properties != nil {
		out.Properties = make(openapi3.Schemas, len(schema.Properties))
		for name, prop := range schema.Properties {
			out.Properties[name] = makeStreamSchemaFullyNullable(prop, schemas, inProgress)
		}
	}
	if schema.AdditionalProperties.Schema != nil {
		out.AdditionalProperties.Schema = makeStreamSchemaFullyNullable(schema.AdditionalProperties.Schema, schemas, inProgress)
	}
	for _, s := range schema.OneOf {
		out.OneOf = append(out.OneOf, makeStreamSchemaFullyNullable(s, schemas, inProgress))
	}
	for _, s := range schema.AllOf {
		out.AllOf = append(out.AllOf, makeStreamSchemaFullyNullable(s, schemas, inProgress))
	}

	return &openapi3.SchemaRef{Value: out}
}

func (g *generator) addSharedSchemas() error {
	// ClientRegistry has no custom encoding, so its schema is derived from
	// the Go type.
	clientRegistry, err := openapi3gen.NewSchemaRefForValue(&bamlutils.ClientRegistry{}, g.schemas, openapi3gen.UseAllExportedFields())
	if err != nil {
		return fmt.Errorf("failed to generate client registry schema: %w", err)
	}
	g.schemas[clientRegistrySchema] = clientRegistry

	g.schemas[typeBuilderSchemaName] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeObject},
		Description: "Per-request additions to the project's classes and enums",
		Properties: openapi3.Schemas{
			"dynamic_types": nullableRef(dynamicTypesSchema),
		},
	}}

	g.schemas[bamlOptionsSchemaName] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:     &openapi3.Types{openapi3.TypeObject},
		Nullable: true,
		Properties: openapi3.Schemas{
			"client_registry": nullableRef(clientRegistrySchema),
			"type_builder":    nullableRef(typeBuilderSchemaName),
		},
	}}

	g.schemas[mediaInputSchemaName] = mediaInput()
	g.addDynamicTypeSchemas()

	g.schemas[resetEventSchemaName] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeObject},
		Description: "Reset event indicating client should discard accumulated state (sent when a retry occurs)",
		Properties: openapi3.Schemas{
			"type": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeString}, Enum: []any{"reset"}}},
		},
		Required: []string{"type"},
	}}
	g.schemas[errorEventSchemaName] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeObject},
		Description: "Error event indicating the stream has failed",
		Properties: openapi3.Schemas{
			"type":  &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeString}, Enum: []any{"error"}}},
			"error": typed(openapi3.TypeString, "Error message describing what went wrong"),
		},
		Required: []string{"type", "error"},
	}}
	g.schemas[errorResponseSchema] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeObject},
		Description: "Error response returned for failed requests",
		Properties: openapi3.Schemas{
			"error":      typed(openapi3.TypeString, "Error message describing what went wrong"),
			"code":       errorCodeSchema(),
			"request_id": typed(openapi3.TypeString, "Request ID for debugging (from X-Request-Id header)"),
		},
		Required: []string{"error"},
	}}
	return nil
}

func errorCodeSchema() *openapi3.SchemaRef {
	codes := apierror.Codes()
	values := make([]any, len(codes))
	for i, code := range codes {
		values[i] = string(code)
	}
	schema := typed(openapi3.TypeString, "Machine-readable error classification")
	schema.Value.Enum = values
	return schema
}

func mediaInput() *openapi3.SchemaRef {
	variant := func(key, description string) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:        &openapi3.Types{openapi3.TypeObject},
			Description: "Media from " + description,
			Properties: openapi3.Schemas{
				key: typed(openapi3.TypeString, description),
				"media_type": &openapi3.SchemaRef{Value: &openapi3.Schema{
					Type:        &openapi3.Types{openapi3.TypeString},
					Description: "MIME type (e.g., \"image/png\", \"audio/mp3\")",
					Nullable:    true,
				}},
			},
			Required: []string{key},
		}}
	}
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Description: "Media input: provide either a URL or base64-encoded data",
		OneOf: openapi3.SchemaRefs{
			variant("url", "URL"),
			variant("base64", "base64-encoded data"),
		},
	}}
}

// addDynamicTypeSchemas describes DynamicTypes by hand: properties are an
// ordered object and a property is either a type expression or a reference.
func (g *generator) addDynamicTypeSchemas() {
	g.schemas[dynamicPropertySchema] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Description: "A class property: a type expression string or an object with type or $ref",
		OneOf: openapi3.SchemaRefs{
			typed(openapi3.TypeString, "Type expression, e.g. \"string[]\" or \"map<string, Person>\""),
			{Value: &openapi3.Schema{
				Type: &openapi3.Types{openapi3.TypeObject},
				Properties: openapi3.Schemas{
					"type":        typed(openapi3.TypeString, "Primitive, structural keyword or type expression"),
					"$ref":        typed(openapi3.TypeString, "Name of a class or enum"),
					"description": typed(openapi3.TypeString, ""),
					"alias":       typed(openapi3.TypeString, "Name the model sees"),
					"items":       {Value: &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeObject}, Description: "Element type for list"}},
					"inner":       {Value: &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeObject}, Description: "Inner type for optional"}},
					"oneOf":       {Value: &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeArray}, Description: "Options for union", Items: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeObject}}}}},
					"keys":        {Value: &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeObject}, Description: "Key type for map"}},
					"values":      {Value: &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeObject}, Description: "Value type for map"}},
					"value":       {Value: &openapi3.Schema{Description: "Constant for literal types"}},
				},
			}},
		},
	}}

	properties := &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:                 &openapi3.Types{openapi3.TypeObject},
		Description:          "Properties in declaration order",
		AdditionalProperties: openapi3.AdditionalProperties{Schema: ref(dynamicPropertySchema)},
	}}

	g.schemas[dynamicClassSchema] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{openapi3.TypeObject},
		Properties: openapi3.Schemas{
			"description": typed(openapi3.TypeString, ""),
			"alias":       typed(openapi3.TypeString, ""),
			"properties":  properties,
		},
	}}

	g.schemas[dynamicEnumSchema] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{openapi3.TypeObject},
		Properties: openapi3.Schemas{
			"description": typed(openapi3.TypeString, ""),
			"alias":       typed(openapi3.TypeString, ""),
			"values": {Value: &openapi3.Schema{
				Type: &openapi3.Types{openapi3.TypeArray},
				Items: &openapi3.SchemaRef{Value: &openapi3.Schema{
					Type: &openapi3.Types{openapi3.TypeObject},
					Properties: openapi3.Schemas{
						"name":        typed(openapi3.TypeString, ""),
						"description": typed(openapi3.TypeString, ""),
						"alias":       typed(openapi3.TypeString, ""),
						"skip":        typed(openapi3.TypeBoolean, ""),
					},
					Required: []string{"name"},
				}},
			}},
		},
	}}

	namedMap := func(name, description string) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:                 &openapi3.Types{openapi3.TypeObject},
			Description:          description,
			AdditionalProperties: openapi3.AdditionalProperties{Schema: ref(name)},
		}}
	}
	g.schemas[dynamicTypesSchema] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeObject},
		Description: "Class and enum definitions. New names are added; existing classes gain properties and existing enums gain values.",
		Properties: openapi3.Schemas{
			"classes": namedMap(dynamicClassSchema, "Map of class names to their definitions"),
			"enums":   namedMap(dynamicEnumSchema, "Map of enum names to their definitions"),
		},
	}}
}

func (g *generator) addDynamicEndpoints() {
	g.schemas[dynamicMessageSchema] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeObject},
		Description: "A chat message with role, content and optional metadata",
		Properties: openapi3.Schemas{
			"role": typed(openapi3.TypeString, "Message role (e.g., \"user\", \"assistant\", \"system\")"),
			"content": typed(openapi3.TypeString, "Message text. {output_format} is replaced by the output format instructions."),
			"metadata": {Value: &openapi3.Schema{
				Type:     &openapi3.Types{openapi3.TypeObject},
				Nullable: true,
				Properties: openapi3.Schemas{
					"cache_control": {Value: &openapi3.Schema{
						Type:        &openapi3.Types{openapi3.TypeObject},
						Description: "Anthropic prompt caching metadata",
						Nullable:    true,
						Properties: openapi3.Schemas{
							"type": typed(openapi3.TypeString, "Cache control type (e.g., \"ephemeral\")"),
						},
						Required: []string{"type"},
					}},
				},
			}},
		},
		Required: []string{"role", "content"},
	}}

	g.schemas[dynamicOutputSchema] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{openapi3.TypeObject},
		Description: "Output structure: top-level properties plus helper classes and enums",
		Properties: openapi3.Schemas{
			"properties": {Value: &openapi3.Schema{
				Type:                 &openapi3.Types{openapi3.TypeObject},
				AdditionalProperties: openapi3.AdditionalProperties{Schema: ref(dynamicPropertySchema)},
			}},
			"classes": {Value: &openapi3.Schema{
				Type:                 &openapi3.Types{openapi3.TypeObject},
				AdditionalProperties: openapi3.AdditionalProperties{Schema: ref(dynamicClassSchema)},
			}},
			"enums": {Value: &openapi3.Schema{
				Type:                 &openapi3.Types{openapi3.TypeObject},
				AdditionalProperties: openapi3.AdditionalProperties{Schema: ref(dynamicEnumSchema)},
			}},
		},
		Required: []string{"properties"},
	}}

	g.schemas[dynamicInputSchema] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{openapi3.TypeObject},
		Properties: openapi3.Schemas{
			"messages": {Value: &openapi3.Schema{
				Type:     &openapi3.Types{openapi3.TypeArray},
				Items:    ref(dynamicMessageSchema),
				MinItems: 1,
			}},
			"client_registry": ref(clientRegistrySchema),
			"output_schema":   ref(dynamicOutputSchema),
		},
		Required: []string{"messages", "client_registry", "output_schema"},
	}}

	g.schemas[dynamicParseSchema] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{openapi3.TypeObject},
		Properties: openapi3.Schemas{
			"raw":           typed(openapi3.TypeString, "Raw LLM output to parse"),
			"partial":       typed(openapi3.TypeBoolean, "Treat raw as an incomplete stream"),
			"output_schema": ref(dynamicOutputSchema),
		},
		Required: []string{"raw", "output_schema"},
	}}

	// The dynamic output is an open object: its shape is only known per
	// request.
	output := &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:                 &openapi3.Types{openapi3.TypeObject},
		Description:          "Object shaped by output_schema",
		AdditionalProperties: openapi3.AdditionalProperties{Has: boolPtr(true)},
	}}

	name := bamlutils.DynamicEndpointName
	g.addEndpoints(name, dynamicInputSchema, output, false)
	g.addParse(name, dynamicParseSchema, output, false)
}

func boolPtr(b bool) *bool {
	return &b
}
