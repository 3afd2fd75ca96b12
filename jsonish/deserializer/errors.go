package deserializer

import (
	"fmt"
	"strings"

	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish"
)

// ParsingError is a coercion failure qualified by the field path at which it
// happened. Causes holds the failures of alternatives that were tried.
type ParsingError struct {
	Scope  []string
	Reason string
	Causes []*ParsingError
}

func (e *ParsingError) Error() string {
	var sb strings.Builder
	e.write(&sb, nil, 0)
	return sb.String()
}

func (e *ParsingError) write(sb *strings.Builder, parent []string, indent int) {
	pad := strings.Repeat("  ", indent)
	sb.WriteString(pad)
	if rel := stripPrefix(e.Scope, parent); len(rel) > 0 {
		sb.WriteString(strings.Join(rel, "."))
		sb.WriteString(": ")
	} else if indent == 0 && len(e.Scope) == 0 {
		sb.WriteString("<root>: ")
	}
	sb.WriteString(e.Reason)
	for _, cause := range e.Causes {
		sb.WriteByte('\n')
		cause.write(sb, e.Scope, indent+1)
	}
}

func stripPrefix(scope, prefix []string) []string {
	n := 0
	for n < len(scope) && n < len(prefix) && scope[n] == prefix[n] {
		n++
	}
	return scope[n:]
}

func (c *Context) errorf(format string, args ...any) *ParsingError {
	return &ParsingError{Scope: c.scopeCopy(), Reason: fmt.Sprintf(format, args...)}
}

func (c *Context) errorUnexpectedType(target ir.FieldType, value jsonish.Value) *ParsingError {
	return c.errorf("Expected %s, got %s", target, describe(value))
}

func (c *Context) errorUnexpectedNull(target ir.FieldType) *ParsingError {
	return c.errorf("Expected %s, got null", target)
}

func (c *Context) errorMissingRequiredFields(fields []string) *ParsingError {
	if len(fields) == 1 {
		return c.errorf("Missing required field: %s", fields[0])
	}
	return c.errorf("Missing required fields: %s", strings.Join(fields, ", "))
}

func (c *Context) errorTooManyMatches(target ir.FieldType, matches []MatchCount) *ParsingError {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf("%s (%d)", m.Value, m.Count)
	}
	return c.errorf("Too many matches for %s: %s", target, strings.Join(parts, ", "))
}

func (c *Context) errorEmptyArray() *ParsingError {
	return c.errorf("No candidates to choose from")
}

func (c *Context) errorInternal(format string, args ...any) *ParsingError {
	return c.errorf("Internal error: "+format, args...)
}

func (c *Context) errorMergeMultiple(summary string, errs []*ParsingError) *ParsingError {
	causes := make([]*ParsingError, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			causes = append(causes, err)
		}
	}
	return &ParsingError{Scope: c.scopeCopy(), Reason: summary, Causes: causes}
}

func describe(value jsonish.Value) string {
	if value == nil {
		return "nothing"
	}
	return value.Type() + " " + truncate(value.JSON())
}
