package jsonish

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

// maxNesting stops descending into containers on adversarial input. Anything
// deeper is kept as an unparsed string.
const maxNesting = 512

var numberPattern = regexp.MustCompile(`^-?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// position tells a string or bare-word reader where it sits, which decides
// what terminates it.
type position int

const (
	posTop position = iota
	posKey
	posObjectValue
	posArrayItem
)

type fixedValue struct {
	value Value
	fixes []Fix
}

type fixingParser struct {
	src   string
	pos   int
	depth int
	fixes []Fix
}

// parseFixed runs the fixing parser and wraps its results. It reports
// ok=false when the text contains nothing at all.
func parseFixed(text string) (Value, bool) {
	items := fixingParse(text)
	switch len(items) {
	case 0:
		return nil, false
	case 1:
		return &AnyOf{
			Candidates: []Value{&FixedJSON{Inner: items[0].value, Fixes: items[0].fixes}},
			Original:   text,
		}, true
	}

	candidates := make([]Value, 0, len(items)+1)
	values := make([]Value, 0, len(items))
	for _, item := range items {
		candidates = append(candidates, &FixedJSON{Inner: item.value, Fixes: item.fixes})
		values = append(values, item.value)
	}
	candidates = append(candidates, &FixedJSON{
		Inner: &Array{Items: values, State: values[len(values)-1].Completion()},
		Fixes: []Fix{FixInferredArray},
	})
	return &AnyOf{Candidates: candidates, Original: text}, true
}

// fixingParse reads every top-level value in text, repairing malformed JSON
// along the way. Bare prose between structured values is dropped; input made
// only of prose yields a single string.
func fixingParse(text string) []fixedValue {
	p := &fixingParser{src: text}

	var items []fixedValue
	for {
		p.fixes = nil
		p.skipSpace()
		if p.eof() {
			break
		}

		var v Value
		switch c := p.peek(); c {
		case '{':
			v = p.parseObject()
		case '[':
			v = p.parseArray()
		case '"', '\'', '`':
			v = p.parseString(posTop)
		case '}', ']', ',', ':':
			p.pos++
			continue
		default:
			v = p.parseBareWord(posTop)
		}
		if v != nil {
			items = append(items, fixedValue{value: v, fixes: p.fixes})
		}
	}

	structured := slices.ContainsFunc(items, func(item fixedValue) bool {
		_, isString := item.value.(*String)
		return !isString
	})
	if structured {
		return slices.DeleteFunc(items, func(item fixedValue) bool {
			_, isString := item.value.(*String)
			return isString
		})
	}
	if len(items) > 1 {
		last := items[len(items)-1].value
		return []fixedValue{{
			value: &String{Value: strings.TrimSpace(text), State: last.Completion()},
			fixes: []Fix{FixUnquotedValue},
		}}
	}
	return items
}

func (p *fixingParser) eof() bool { return p.pos >= len(p.src) }

func (p *fixingParser) peek() byte { return p.src[p.pos] }

func (p *fixingParser) fix(f Fix) {
	if !slices.Contains(p.fixes, f) {
		p.fixes = append(p.fixes, f)
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isQuote(c byte) bool {
	return c == '"' || c == '\'' || c == '`'
}

// skipSpace skips whitespace, // line comments and /* */ block comments.
func (p *fixingParser) skipSpace() {
	for !p.eof() {
		c := p.peek()
		switch {
		case isSpace(c):
			p.pos++
		case strings.HasPrefix(p.src[p.pos:], "//"):
			p.fix(FixStrippedComment)
			end := strings.IndexByte(p.src[p.pos:], '\n')
			if end < 0 {
				p.pos = len(p.src)
				return
			}
			p.pos += end + 1
		case strings.HasPrefix(p.src[p.pos:], "/*"):
			p.fix(FixStrippedComment)
			end := strings.Index(p.src[p.pos+2:], "*/")
			if end < 0 {
				p.pos = len(p.src)
				return
			}
			p.pos += end + 4
		default:
			return
		}
	}
}

func (p *fixingParser) parseValue(pos position) Value {
	switch c := p.peek(); {
	case c == '{':
		return p.parseObject()
	case c == '[':
		return p.parseArray()
	case isQuote(c):
		return p.parseString(pos)
	default:
		return p.parseBareWord(pos)
	}
}

// tooDeep consumes the rest of the input as a string.
func (p *fixingParser) tooDeep() Value {
	rest := p.src[p.pos:]
	p.pos = len(p.src)
	return &String{Value: rest, State: Incomplete}
}

func (p *fixingParser) parseObject() Value {
	if p.depth >= maxNesting {
		return p.tooDeep()
	}
	p.depth++
	defer func() { p.depth-- }()

	p.pos++ // '{'
	obj := &Object{State: Incomplete}
	for {
		p.skipSpace()
		if p.eof() {
			p.fix(FixUnterminatedContainer)
			return obj
		}

		switch p.peek() {
		case '}':
			p.pos++
			obj.State = Complete
			return obj
		case ']':
			p.pos++
			p.fix(FixStrayToken)
			obj.State = Complete
			return obj
		case ',':
			p.pos++
			p.skipSpace()
			if !p.eof() && p.peek() == '}' {
				p.fix(FixTrailingComma)
			}
			continue
		}

		var key string
		if isQuote(p.peek()) {
			k := p.parseString(posKey).(*String)
			if k.State == Incomplete {
				return obj
			}
			key = k.Value
		} else {
			key = p.parseBareKey()
			if key == "" {
				p.pos++
				p.fix(FixStrayToken)
				continue
			}
			p.fix(FixUnquotedKey)
		}

		p.skipSpace()
		if p.eof() {
			p.fix(FixUnterminatedContainer)
			return obj
		}
		if p.peek() == ':' {
			p.pos++
		}
		p.skipSpace()
		if p.eof() {
			p.fix(FixUnterminatedContainer)
			return obj
		}
		if c := p.peek(); c == ',' || c == '}' {
			continue
		}

		value := p.parseValue(posObjectValue)
		obj.Fields = append(obj.Fields, Field{Key: key, Value: value})

		p.skipSpace()
		if !p.eof() {
			if c := p.peek(); c != ',' && c != '}' && c != ']' {
				p.fix(FixMissingComma)
			}
		}
	}
}

func (p *fixingParser) parseArray() Value {
	if p.depth >= maxNesting {
		return p.tooDeep()
	}
	p.depth++
	defer func() { p.depth-- }()

	p.pos++ // '['
	arr := &Array{State: Incomplete}
	for {
		p.skipSpace()
		if p.eof() {
			p.fix(FixUnterminatedContainer)
			return arr
		}

		switch p.peek() {
		case ']':
			p.pos++
			arr.State = Complete
			return arr
		case '}':
			p.pos++
			p.fix(FixStrayToken)
			arr.State = Complete
			return arr
		case ',':
			p.pos++
			p.skipSpace()
			if !p.eof() && p.peek() == ']' {
				p.fix(FixTrailingComma)
			}
			continue
		}

		arr.Items = append(arr.Items, p.parseValue(posArrayItem))

		p.skipSpace()
		if !p.eof() {
			if c := p.peek(); c != ',' && c != ']' && c != '}' {
				p.fix(FixMissingComma)
			}
		}
	}
}

// parseBareKey reads an unquoted object key up to ':'.
func (p *fixingParser) parseBareKey() string {
	start := p.pos
	for !p.eof() {
		c := p.peek()
		if c == ':' || c == ',' || c == '}' || c == '\n' {
			break
		}
		p.pos++
	}
	return strings.TrimSpace(p.src[start:p.pos])
}

// parseBareWord reads an unquoted value. It ends at a newline, at the
// separator or closer of the enclosing container, or at a comment.
func (p *fixingParser) parseBareWord(pos position) Value {
	start := p.pos
	state := Incomplete
	for !p.eof() {
		c := p.peek()
		if c == '\n' ||
			(pos == posObjectValue && (c == ',' || c == '}')) ||
			(pos == posArrayItem && (c == ',' || c == ']')) {
			state = Complete
			break
		}
		if p.pos > start && isSpace(p.src[p.pos-1]) &&
			(strings.HasPrefix(p.src[p.pos:], "//") || strings.HasPrefix(p.src[p.pos:], "/*")) {
			state = Complete
			break
		}
		p.pos++
	}

	raw := strings.TrimSpace(p.src[start:p.pos])
	switch strings.ToLower(raw) {
	case "true":
		return &Boolean{Value: true}
	case "false":
		return &Boolean{Value: false}
	case "null", "none", "undefined":
		return &Null{}
	}
	if numberPattern.MatchString(raw) {
		return &Number{Raw: raw, State: state}
	}
	p.fix(FixUnquotedValue)
	return &String{Value: raw, State: state}
}

func (p *fixingParser) parseString(pos position) Value {
	q := p.peek()
	if q != '"' {
		p.fix(FixAlternateQuotes)
	}

	triple := strings.Repeat(string(q), 3)
	if strings.HasPrefix(p.src[p.pos:], triple) {
		p.pos += 3
		end := strings.Index(p.src[p.pos:], triple)
		if end < 0 {
			s := p.src[p.pos:]
			p.pos = len(p.src)
			p.fix(FixUnterminatedString)
			return &String{Value: dedent(s), State: Incomplete}
		}
		s := p.src[p.pos : p.pos+end]
		p.pos += end + 3
		return &String{Value: dedent(s)}
	}

	p.pos++
	var sb strings.Builder
	for !p.eof() {
		c := p.peek()
		if c == '\\' && p.pos+1 < len(p.src) {
			p.pos++
			p.readEscape(&sb)
			continue
		}
		if c == q && p.shouldCloseString(pos) {
			p.pos++
			return &String{Value: sb.String()}
		}
		sb.WriteByte(c)
		p.pos++
	}

	p.fix(FixUnterminatedString)
	return &String{Value: sb.String(), State: Incomplete}
}

// readEscape decodes the escape sequence whose introducing backslash has
// just been consumed.
func (p *fixingParser) readEscape(sb *strings.Builder) {
	e := p.peek()
	p.pos++
	switch e {
	case 'n':
		sb.WriteByte('\n')
	case 't':
		sb.WriteByte('\t')
	case 'r':
		sb.WriteByte('\r')
	case 'b':
		sb.WriteByte('\b')
	case 'f':
		sb.WriteByte('\f')
	case '"', '\'', '`', '\\', '/':
		sb.WriteByte(e)
	case 'u':
		r, ok := p.readHex4()
		if !ok {
			sb.WriteString(`\u`)
			return
		}
		if utf16.IsSurrogate(r) && strings.HasPrefix(p.src[p.pos:], `\u`) {
			save := p.pos
			p.pos += 2
			if r2, ok := p.readHex4(); ok {
				r = utf16.DecodeRune(r, r2)
			} else {
				p.pos = save
			}
		}
		sb.WriteRune(r)
	default:
		sb.WriteByte('\\')
		sb.WriteByte(e)
	}
}

func (p *fixingParser) readHex4() (rune, bool) {
	if p.pos+4 > len(p.src) {
		return 0, false
	}
	n, err := strconv.ParseUint(p.src[p.pos:p.pos+4], 16, 32)
	if err != nil {
		return 0, false
	}
	p.pos += 4
	return rune(n), true
}

// shouldCloseString decides whether the quote at the current position ends
// the string. Inside containers a quote only closes the string when what
// follows could legally follow a string; otherwise it is kept as content.
func (p *fixingParser) shouldCloseString(pos position) bool {
	if pos == posTop {
		return true
	}

	j := p.pos + 1
	sawNewline := false
	for j < len(p.src) && isSpace(p.src[j]) {
		if p.src[j] == '\n' {
			sawNewline = true
		}
		j++
	}
	if j >= len(p.src) {
		return true
	}

	switch next := p.src[j]; next {
	case ',', '}', ']', ':':
		return true
	case '/':
		return j+1 < len(p.src) && (p.src[j+1] == '/' || p.src[j+1] == '*')
	default:
		// A quote or key on the next line means a comma was left out.
		return sawNewline && pos != posKey
	}
}

// dedent strips the indentation shared by all lines of a triple-quoted
// string along with its leading and trailing blank lines.
func dedent(s string) string {
	lines := strings.Split(strings.Trim(s, "\n"), "\n")
	prefix := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if prefix < 0 || indent < prefix {
			prefix = indent
		}
	}
	if prefix <= 0 {
		return strings.Join(lines, "\n")
	}
	for i, line := range lines {
		if len(line) >= prefix {
			lines[i] = line[prefix:]
		} else {
			lines[i] = strings.TrimLeft(line, " \t")
		}
	}
	return strings.Join(lines, "\n")
}
