// Package codegen generates typed Go bindings for a project: a type for
// every class and enum, an input struct per function and a client whose
// methods call the runtime and decode the result.
package codegen

import (
	"fmt"
	"slices"

	"github.com/dave/jennifer/jen"
	"github.com/stoewer/go-strcase"

	"github.com/invakid404/baml-runtime/ir"
)

const (
	// RuntimePkg is the package the generated client calls into.
	RuntimePkg   = "github.com/invakid404/baml-runtime/runtime"
	BamlUtilsPkg = "github.com/invakid404/baml-runtime/bamlutils"
	OrchPkg      = "github.com/invakid404/baml-runtime/orchestrator"
)

type Config struct {
	// PackagePath is the import path of the generated package. It may be
	// empty when only PackageName is known.
	PackagePath string
	PackageName string
}

// Generate builds the bindings file for reg.
func Generate(reg *ir.Registry, cfg Config) (*jen.File, error) {
	if cfg.PackageName == "" {
		return nil, fmt.Errorf("package name is required")
	}

	var out *jen.File
	if cfg.PackagePath != "" {
		out = jen.NewFilePathName(cfg.PackagePath, cfg.PackageName)
	} else {
		out = jen.NewFile(cfg.PackageName)
	}
	out.HeaderComment("Code generated by baml-runtime generate. DO NOT EDIT.")

	g := &generator{reg: reg, out: out}
	for _, enum := range reg.Enums() {
		g.enum(enum)
	}
	for _, class := range reg.Classes() {
		g.class(class)
	}

	g.client()
	for _, fn := range reg.Functions() {
		g.function(fn)
	}

	return out, nil
}

type generator struct {
	reg *ir.Registry
	out *jen.File
}

// goName turns a schema name into an exported Go identifier.
func goName(name string) string {
	return strcase.UpperCamelCase(name)
}

func (g *generator) enum(def *ir.EnumDef) {
	name := goName(def.Name)
	if def.Description != "" {
		g.out.Comment(def.Description)
	}
	g.out.Type().Id(name).String()

	values := def.ActiveValues()
	consts := make([]jen.Code, 0, len(values))
	names := make([]jen.Code, 0, len(values))
	for _, v := range values {
		id := name + goName(v.Name)
		c := jen.Id(id).Id(name).Op("=").Lit(v.Name)
		if v.Description != "" {
			c = jen.Comment(v.Description).Line().Add(c)
		}
		consts = append(consts, c)
		names = append(names, jen.Id(id))
	}
	if len(consts) > 0 {
		g.out.Const().Defs(consts...)
	}

	g.out.Comment("Values lists the accepted values in declaration order.")
	g.out.Func().
		Params(jen.Id(name)).
		Id("Values").Params().
		Index().Id(name).
		Block(jen.Return(jen.Index().Id(name).Values(names...)))
}

func (g *generator) class(def *ir.ClassDef) {
	name := goName(def.Name)
	fields := make([]jen.Code, 0, len(def.Fields))
	for _, field := range def.Fields {
		f := jen.Id(goName(field.Name)).Add(g.goType(field.Type)).Tag(map[string]string{"json": field.Name})
		if field.Description != "" {
			f = jen.Comment(field.Description).Line().Add(f)
		}
		fields = append(fields, f)
	}

	if def.Description != "" {
		g.out.Comment(def.Description)
	}
	g.out.Type().Id(name).Struct(fields...)
}

// goType maps a field type to Go. Optional values become pointers, unions
// other than T | null and literal unions of one kind become any.
func (g *generator) goType(t ir.FieldType) *jen.Statement {
	switch t := t.(type) {
	case ir.Primitive:
		return primitive(t.Kind)
	case ir.Enum:
		return jen.Id(goName(t.Name))
	case ir.Class:
		return jen.Id(goName(t.Name))
	case ir.Literal:
		return literal(t.Value.Kind)
	case ir.List:
		return jen.Index().Add(g.goType(t.Elem))
	case ir.Map:
		key := jen.String()
		if e, ok := t.Key.(ir.Enum); ok {
			key = jen.Id(goName(e.Name))
		}
		return jen.Map(key).Add(g.goType(t.Value))
	case ir.Tuple:
		return jen.Index().Any()
	case ir.Optional:
		return g.nullable(t.Inner)
	case ir.Union:
		var rest []ir.FieldType
		for _, option := range t.Options {
			if p, ok := option.(ir.Primitive); ok && p.Kind == ir.TypeNull {
				continue
			}
			rest = append(rest, option)
		}
		if len(rest) == 0 {
			return jen.Any()
		}
		var inner *jen.Statement
		if len(rest) == 1 {
			inner = g.goType(rest[0])
		} else if kind, ok := literalKind(rest); ok {
			inner = literal(kind)
		} else {
			return jen.Any()
		}
		if len(rest) < len(t.Options) {
			return jen.Op("*").Add(inner)
		}
		return inner
	default:
		return jen.Any()
	}
}

func (g *generator) nullable(inner ir.FieldType) *jen.Statement {
	s := g.goType(inner)
	if p, ok := inner.(ir.Primitive); ok && p.Kind == ir.TypeNull {
		return s
	}
	if _, ok := inner.(ir.Tuple); ok {
		return s
	}
	return jen.Op("*").Add(s)
}

func primitive(kind ir.PrimitiveKind) *jen.Statement {
	switch kind {
	case ir.TypeString:
		return jen.String()
	case ir.TypeInt:
		return jen.Int64()
	case ir.TypeFloat:
		return jen.Float64()
	case ir.TypeBool:
		return jen.Bool()
	default:
		return jen.Any()
	}
}

func literal(kind ir.LiteralKind) *jen.Statement {
	switch kind {
	case ir.LiteralKindInt:
		return jen.Int64()
	case ir.LiteralKindBool:
		return jen.Bool()
	default:
		return jen.String()
	}
}

// literalKind reports the shared kind of a union made only of literals.
func literalKind(options []ir.FieldType) (ir.LiteralKind, bool) {
	kinds := make([]ir.LiteralKind, 0, len(options))
	for _, option := range options {
		lit, ok := option.(ir.Literal)
		if !ok {
			return 0, false
		}
		kinds = append(kinds, lit.Value.Kind)
	}
	kinds = slices.Compact(kinds)
	if len(kinds) != 1 {
		return 0, false
	}
	return kinds[0], true
}

func (g *generator) client() {
	g.out.Comment("Client calls the project's functions through a runtime.")
	g.out.Type().Id("Client").Struct(
		jen.Id("rt").Op("*").Qual(RuntimePkg, "Runtime"),
	)

	g.out.Func().Id("NewClient").
		Params(jen.Id("rt").Op("*").Qual(RuntimePkg, "Runtime")).
		Op("*").Id("Client").
		Block(jen.Return(jen.Op("&").Id("Client").Values(jen.Dict{jen.Id("rt"): jen.Id("rt")})))
}

func (g *generator) function(fn *ir.FunctionDef) {
	name := goName(fn.Name)
	inputName := name + "Input"

	fields := make([]jen.Code, 0, len(fn.Params)+1)
	for _, param := range fn.Params {
		var typ *jen.Statement
		if param.Media != nil {
			typ = jen.Op("*").Qual(BamlUtilsPkg, "MediaInput")
		} else {
			typ = g.goType(param.Type)
		}
		tag := param.Name
		if param.Media == nil && ir.IsOptional(param.Type) {
			tag += ",omitempty"
		}
		fields = append(fields, jen.Id(goName(param.Name)).Add(typ).Tag(map[string]string{"json": tag}))
	}
	fields = append(fields, jen.Id("Options").Op("*").Qual(BamlUtilsPkg, "BamlOptions").
		Tag(map[string]string{"json": "__baml_options__,omitempty"}))
	g.out.Type().Id(inputName).Struct(fields...)

	output := g.goType(fn.Output)
	self := jen.Id("c").Op("*").Id("Client")
	input := jen.Id("input").Op("*").Id(inputName)

	prelude := func(call jen.Code) []jen.Code {
		return []jen.Code{
			jen.Var().Id("out").Add(output.Clone()),
			jen.List(jen.Id("args"), jen.Id("opts"), jen.Err()).Op(":=").Qual(RuntimePkg, "EncodeArgs").Call(jen.Id("input")),
			jen.If(jen.Err().Op("!=").Nil()).Block(jen.Return(jen.Id("out"), jen.Err())),
			jen.List(jen.Id("result"), jen.Err()).Op(":=").Add(call),
			jen.If(jen.Err().Op("!=").Nil()).Block(jen.Return(jen.Id("out"), jen.Err())),
			jen.Err().Op("=").Qual(RuntimePkg, "DecodeValue").Call(jen.Id("result").Dot("Value"), jen.Op("&").Id("out")),
			jen.Return(jen.Id("out"), jen.Err()),
		}
	}

	if fn.Description != "" {
		g.out.Comment(fn.Description)
	}
	g.out.Func().Params(self.Clone()).Id(name).
		Params(jen.Id("ctx").Qual("context", "Context"), input.Clone()).
		Params(output.Clone(), jen.Error()).
		Block(prelude(
			jen.Id("c").Dot("rt").Dot("CallFunction").Call(jen.Id("ctx"), jen.Lit(fn.Name), jen.Id("args"), jen.Id("opts")),
		)...)

	// Partials are passed through untyped.
	g.out.Func().Params(self.Clone()).Id("Stream"+name).
		Params(
			jen.Id("ctx").Qual("context", "Context"),
			input.Clone(),
			jen.Id("handle").Op("*").Qual(OrchPkg, "CancelHandle"),
			jen.Id("onPartial").Qual(RuntimePkg, "PartialHandler"),
		).
		Params(output.Clone(), jen.Error()).
		Block(prelude(
			jen.Id("c").Dot("rt").Dot("StreamFunction").Call(jen.Id("ctx"), jen.Lit(fn.Name), jen.Id("args"), jen.Id("opts"), jen.Id("handle"), jen.Id("onPartial")),
		)...)
}
