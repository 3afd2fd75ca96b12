package bamlutils

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var typeExprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Int", Pattern: `-?\d+`},
	{Name: "ListSuffix", Pattern: `\[\s*\]`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[<>(),|?]`},
})

// TypeExpr is a parsed type expression such as `map<string, Person[]> | null`.
type TypeExpr struct {
	Options []*PostfixExpr `parser:"@@ ( \"|\" @@ )*"`
}

// PostfixExpr is an atom followed by any number of `[]` and `?` suffixes,
// applied left to right.
type PostfixExpr struct {
	Atom      *AtomExpr `parser:"@@"`
	Modifiers []string  `parser:"( @ListSuffix | @\"?\" )*"`
}

type AtomExpr struct {
	Map    *MapExpr   `parser:"  @@"`
	Group  *GroupExpr `parser:"| @@"`
	String *string    `parser:"| @String"`
	Int    *int64     `parser:"| @Int"`
	Bool   *string    `parser:"| @( \"true\" | \"false\" )"`
	Ident  string     `parser:"| @Ident"`
}

type MapExpr struct {
	Key   *TypeExpr `parser:"\"map\" \"<\" @@"`
	Value *TypeExpr `parser:"\",\" @@ \">\""`
}

// GroupExpr is a parenthesised expression; more than one item makes it a tuple.
type GroupExpr struct {
	Items []*TypeExpr `parser:"\"(\" @@ ( \",\" @@ )* \")\""`
}

var typeExprParser = participle.MustBuild[TypeExpr](
	participle.Lexer(typeExprLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.UseLookahead(4),
)

// ParseTypeExpr parses a type expression.
func ParseTypeExpr(src string) (*TypeExpr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty type expression")
	}
	expr, err := typeExprParser.ParseString("", src)
	if err != nil {
		return nil, err
	}
	return expr, nil
}

// IsListModifier reports whether a PostfixExpr modifier is a `[]` suffix
// rather than `?`.
func IsListModifier(modifier string) bool {
	return strings.HasPrefix(modifier, "[")
}
