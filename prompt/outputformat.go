package prompt

import (
	"strings"

	"github.com/invakid404/baml-runtime/ir"
)

// OutputFormat describes target in the form the model is asked to answer in.
// Strings need no instructions and render as the empty string.
func OutputFormat(reg *ir.Registry, target ir.FieldType) string {
	f := &formatter{reg: reg, visiting: make(map[string]bool)}

	switch t := target.(type) {
	case ir.Primitive:
		switch t.Kind {
		case ir.TypeString:
			return ""
		case ir.TypeInt:
			return "Answer as an int"
		case ir.TypeFloat:
			return "Answer as a float"
		case ir.TypeBool:
			return "Answer as a bool"
		default:
			return "Answer with null"
		}
	case ir.Enum:
		def, err := reg.FindEnum(t.Name)
		if err != nil {
			return ""
		}
		var sb strings.Builder
		sb.WriteString("Answer with any of the categories:\n")
		sb.WriteString(def.RenderedName())
		sb.WriteString("\n----\n")
		for _, v := range def.ActiveValues() {
			sb.WriteString("- ")
			sb.WriteString(v.RenderedName())
			if v.Description != "" {
				sb.WriteString(": ")
				sb.WriteString(v.Description)
			}
			sb.WriteByte('\n')
		}
		return strings.TrimRight(sb.String(), "\n")
	case ir.Class:
		return "Answer in JSON using this schema:\n" + f.render(t, 0)
	case ir.List:
		return "Answer with a JSON Array using this schema:\n" + f.render(t, 0)
	case ir.Literal:
		return "Answer using this specific value:\n" + t.Value.String()
	default:
		return "Answer in JSON using this schema:\n" + f.render(t, 0)
	}
}

type formatter struct {
	reg      *ir.Registry
	visiting map[string]bool
}

func (f *formatter) render(t ir.FieldType, indent int) string {
	switch t := t.(type) {
	case ir.Primitive:
		return t.String()
	case ir.Literal:
		return t.Value.String()
	case ir.Enum:
		def, err := f.reg.FindEnum(t.Name)
		if err != nil {
			return t.Name
		}
		values := def.ActiveValues()
		quoted := make([]string, len(values))
		for i, v := range values {
			quoted[i] = `"` + v.RenderedName() + `"`
		}
		return strings.Join(quoted, " or ")
	case ir.Class:
		return f.renderClass(t, indent)
	case ir.List:
		inner := f.render(t.Elem, indent)
		if _, ok := t.Elem.(ir.Union); ok {
			return "(" + inner + ")[]"
		}
		return inner + "[]"
	case ir.Optional:
		return f.render(t.Inner, indent) + " or null"
	case ir.Union:
		parts := make([]string, len(t.Options))
		for i, option := range t.Options {
			parts[i] = f.render(option, indent)
		}
		return strings.Join(parts, " or ")
	case ir.Map:
		return "map<" + f.render(t.Key, indent) + ", " + f.render(t.Value, indent) + ">"
	case ir.Tuple:
		parts := make([]string, len(t.Items))
		for i, item := range t.Items {
			parts[i] = f.render(item, indent)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return t.String()
	}
}

func (f *formatter) renderClass(t ir.Class, indent int) string {
	def, err := f.reg.FindClass(t.Name)
	if err != nil || f.visiting[t.Name] {
		return t.Name
	}
	f.visiting[t.Name] = true
	defer delete(f.visiting, t.Name)

	pad := strings.Repeat("  ", indent+1)
	var sb strings.Builder
	sb.WriteString("{\n")
	for _, field := range def.Fields {
		if field.Description != "" {
			for _, line := range strings.Split(field.Description, "\n") {
				sb.WriteString(pad + "// " + strings.TrimSpace(line) + "\n")
			}
		}
		sb.WriteString(pad)
		sb.WriteString(field.RenderedName())
		sb.WriteString(": ")
		sb.WriteString(f.render(field.Type, indent+1))
		sb.WriteString(",\n")
	}
	sb.WriteString(strings.Repeat("  ", indent))
	sb.WriteString("}")
	return sb.String()
}
