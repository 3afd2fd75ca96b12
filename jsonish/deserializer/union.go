package deserializer

import (
	"cmp"
	"slices"

	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish"
)

func coerceUnion(ctx *Context, t ir.Union, value jsonish.Value) (*BamlValue, *ParsingError) {
	results := make([]result, len(t.Options))
	for i, option := range t.Options {
		results[i].value, results[i].err = coerce(ctx, option, value)
	}
	return pickBest(ctx, UnionMatch, results)
}

func coerceOptional(ctx *Context, t ir.Optional, value jsonish.Value) (*BamlValue, *ParsingError) {
	switch value.(type) {
	case nil:
		return newNull(t).withFlag(Flag{Kind: OptionalDefaultFromNoValue}), nil
	case *jsonish.Null:
		return newNull(t), nil
	}
	out, err := coerce(ctx, t.Inner, value)
	if err != nil {
		return newNull(t).withFlag(Flag{Kind: DefaultButHadUnparseableValue, Err: err}), nil
	}
	return out, nil
}

type result struct {
	value *BamlValue
	err   *ParsingError
}

// pickBest chooses among independent coercions of the same input. Values
// read from the input beat substituted defaults, then the lower score wins,
// then the earlier candidate. When there was a choice, the winner is tagged
// with kind.
func pickBest(ctx *Context, kind FlagKind, results []result) (*BamlValue, *ParsingError) {
	switch len(results) {
	case 0:
		return nil, ctx.errorEmptyArray()
	case 1:
		return results[0].value, results[0].err
	}

	type ranked struct {
		index       int
		defaultLike bool
		score       int
	}
	var ok []ranked
	var errs []*ParsingError
	for i, r := range results {
		if r.err != nil || r.value == nil {
			if r.err != nil {
				errs = append(errs, r.err)
			}
			continue
		}
		ok = append(ok, ranked{index: i, defaultLike: r.value.IsDefaultLike(), score: r.value.Score()})
	}

	if len(ok) == 0 {
		if len(errs) == 0 {
			return nil, ctx.errorInternal("no result among %d candidates", len(results))
		}
		return nil, ctx.errorMergeMultiple("Failed to match any of the candidates", errs)
	}

	slices.SortStableFunc(ok, func(a, b ranked) int {
		if a.defaultLike != b.defaultLike {
			if a.defaultLike {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(a.score, b.score); c != 0 {
			return c
		}
		return cmp.Compare(a.index, b.index)
	})

	best := ok[0]
	alternatives := make([]Alternative, 0, len(results)-1)
	for i, r := range results {
		if i == best.index {
			continue
		}
		alternatives = append(alternatives, Alternative{Index: i, Value: r.value, Err: r.err})
	}
	return results[best.index].value.withFlag(Flag{
		Kind:         kind,
		Index:        best.index,
		Candidates:   len(results),
		Alternatives: alternatives,
	}), nil
}
