package deserializer

import (
	"strings"

	"github.com/invakid404/baml-runtime/ir"
)

// maxScopeDepth bounds recursion through self-referencing classes.
const maxScopeDepth = 64

// Context carries the state of one top-level coercion. Enter returns a
// child; the parent is never mutated.
type Context struct {
	Scope    []string
	Registry *ir.Registry
	// Env resolves enum aliases written as env.NAME.
	Env map[string]string
	// Partial relaxes required fields while a response is still streaming.
	Partial bool
}

func NewContext(reg *ir.Registry, env map[string]string, partial bool) *Context {
	return &Context{Registry: reg, Env: env, Partial: partial}
}

func (c *Context) Enter(scope string) *Context {
	next := *c
	next.Scope = append(c.scopeCopy(), scope)
	return &next
}

func (c *Context) scopeCopy() []string {
	out := make([]string, len(c.Scope))
	copy(out, c.Scope)
	return out
}

func (c *Context) Path() string {
	return strings.Join(c.Scope, ".")
}

// resolveAlias expands env.NAME aliases.
func (c *Context) resolveAlias(alias string) string {
	name, ok := strings.CutPrefix(alias, "env.")
	if !ok {
		return alias
	}
	if v, ok := c.Env[name]; ok {
		return v
	}
	return alias
}
