package jsonish

import (
	"cmp"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"

	"github.com/goccy/go-json"
)

// FromGo converts a decoded Go value (as produced by JSON or YAML decoding)
// into a Value. Map keys are sorted since Go maps carry no order.
func FromGo(v any) Value {
	switch v := v.(type) {
	case nil:
		return &Null{}
	case Value:
		return v
	case string:
		return &String{Value: v}
	case bool:
		return &Boolean{Value: v}
	case json.Number:
		return &Number{Raw: v.String()}
	case float64:
		return &Number{Raw: strconv.FormatFloat(v, 'f', -1, 64)}
	case float32:
		return &Number{Raw: strconv.FormatFloat(float64(v), 'f', -1, 32)}
	case int:
		return &Number{Raw: strconv.Itoa(v)}
	case int64:
		return &Number{Raw: strconv.FormatInt(v, 10)}
	case int32:
		return &Number{Raw: strconv.FormatInt(int64(v), 10)}
	case uint64:
		return &Number{Raw: strconv.FormatUint(v, 10)}
	case []any:
		arr := &Array{Items: make([]Value, 0, len(v))}
		for _, item := range v {
			arr.Items = append(arr.Items, FromGo(item))
		}
		return arr
	case map[string]any:
		obj := &Object{Fields: make([]Field, 0, len(v))}
		for _, key := range slices.Sorted(maps.Keys(v)) {
			obj.Fields = append(obj.Fields, Field{Key: key, Value: FromGo(v[key])})
		}
		return obj
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		arr := &Array{Items: make([]Value, 0, rv.Len())}
		for i := 0; i < rv.Len(); i++ {
			arr.Items = append(arr.Items, FromGo(rv.Index(i).Interface()))
		}
		return arr
	case reflect.Map:
		keys := rv.MapKeys()
		fields := make([]Field, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, Field{Key: fmt.Sprint(k.Interface()), Value: FromGo(rv.MapIndex(k).Interface())})
		}
		slices.SortFunc(fields, func(a, b Field) int { return cmp.Compare(a.Key, b.Key) })
		return &Object{Fields: fields}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return &Number{Raw: fmt.Sprint(v)}
	default:
		return &String{Value: fmt.Sprint(v)}
	}
}
