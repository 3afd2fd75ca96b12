package deserializer

import (
	"slices"
	"strings"
	"unicode"

	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish"
)

// candidate is one possible outcome of a string match together with every
// spelling that selects it.
type candidate struct {
	name  string
	valid []string
}

// matchString picks the candidate described by value. It tries exact
// case-insensitive equality, then equality after stripping punctuation, then
// counts non-overlapping substring occurrences. A tie on the highest count is
// an error.
func matchString(ctx *Context, target ir.FieldType, value jsonish.Value, candidates []candidate) (string, Conditions, *ParsingError) {
	var conds Conditions

	var text string
	switch v := value.(type) {
	case nil, *jsonish.Null:
		return "", conds, ctx.errorUnexpectedNull(target)
	case *jsonish.String:
		text = v.Value
	default:
		text = jsonish.Text(v)
		conds.Add(Flag{Kind: ObjectToString, Detail: truncate(text)})
	}
	text = strings.TrimSpace(text)

	if name, ok := exactMatch(text, candidates, func(s string) string { return s }); ok {
		return name, conds, nil
	}
	if name, ok := exactMatch(text, candidates, stripPunctuation); ok {
		conds.Add(Flag{Kind: StrippedNonAlphaNumeric, Detail: text})
		return name, conds, nil
	}

	counts := substringCounts(text, candidates)
	if len(counts) == 0 {
		return "", conds, ctx.errorUnexpectedType(target, value)
	}

	best := counts[0]
	ties := []MatchCount{best}
	for _, c := range counts[1:] {
		if c.Count == best.Count {
			ties = append(ties, c)
		}
	}
	if len(ties) > 1 {
		return "", conds, ctx.errorTooManyMatches(target, ties)
	}

	conds.Add(Flag{Kind: SubstringMatch, Detail: truncate(text)})
	if len(counts) > 1 {
		conds.Add(Flag{Kind: StrMatchOneFromMany, Matches: counts})
	}
	return best.Value, conds, nil
}

func exactMatch(text string, candidates []candidate, normalize func(string) string) (string, bool) {
	needle := normalize(text)
	if needle == "" {
		return "", false
	}
	for _, c := range candidates {
		for _, valid := range c.valid {
			if strings.EqualFold(needle, normalize(valid)) {
				return c.name, true
			}
		}
	}
	return "", false
}

// stripPunctuation keeps letters, digits, '-' and '_'. Whitespace goes too,
// so "In Progress" reads as "InProgress".
func stripPunctuation(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

type occurrence struct {
	start, end int
	candidate  int
}

// substringCounts returns candidates with at least one occurrence in text,
// ordered by descending count and then by earliest occurrence. Overlapping
// occurrences are resolved in favour of the earliest, then the longest.
func substringCounts(text string, candidates []candidate) []MatchCount {
	haystack := strings.ToLower(text)

	var found []occurrence
	for ci, c := range candidates {
		for _, valid := range c.valid {
			needle := strings.ToLower(valid)
			if needle == "" {
				continue
			}
			for offset := 0; offset < len(haystack); {
				idx := strings.Index(haystack[offset:], needle)
				if idx < 0 {
					break
				}
				start := offset + idx
				found = append(found, occurrence{start: start, end: start + len(needle), candidate: ci})
				offset = start + 1
			}
		}
	}

	slices.SortStableFunc(found, func(a, b occurrence) int {
		if a.start != b.start {
			return a.start - b.start
		}
		return (b.end - b.start) - (a.end - a.start)
	})

	counts := make([]int, len(candidates))
	first := make([]int, len(candidates))
	lastEnd := 0
	for _, o := range found {
		if o.start < lastEnd {
			continue
		}
		if counts[o.candidate] == 0 {
			first[o.candidate] = o.start
		}
		counts[o.candidate]++
		lastEnd = o.end
	}

	type ranked struct {
		MatchCount
		first int
	}
	var out []ranked
	for ci, n := range counts {
		if n > 0 {
			out = append(out, ranked{MatchCount{Value: candidates[ci].name, Count: n}, first[ci]})
		}
	}
	slices.SortStableFunc(out, func(a, b ranked) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return a.first - b.first
	})

	result := make([]MatchCount, len(out))
	for i, r := range out {
		result[i] = r.MatchCount
	}
	return result
}
