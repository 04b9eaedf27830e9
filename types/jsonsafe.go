package types

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/shopspring/decimal"
)

// JSONSafe returns a deep copy of v that encoding/json can always encode and
// that any document store can persist.
//
// Credits and decimals become float64, times become RFC 3339 strings, maps
// and slices are copied recursively (map keys are stringified) and anything
// that is not a plain scalar is rendered with fmt.Sprint. NaN and infinities
// have no JSON form and become nil. The input is never mutated.
func JSONSafe(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return x
	case float32:
		return finite(float64(x), x)
	case float64:
		return finite(x, x)
	case []byte:
		return string(x)
	case Credits:
		return x.Float64()
	case decimal.Decimal:
		return x.InexactFloat64()
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		return x.InexactFloat64()
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = JSONSafe(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = JSONSafe(val)
		}
		return out
	case error:
		if isNilPointer(x) {
			return nil
		}
		return x.Error()
	case fmt.Stringer:
		if isNilPointer(x) {
			return nil
		}
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = JSONSafe(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = JSONSafe(rv.Index(i).Interface())
		}
		return out
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return finite(rv.Float(), rv.Float())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return JSONSafe(rv.Elem().Interface())
	default:
		return fmt.Sprint(v)
	}
}

// finite returns v, or nil when f is NaN or infinite.
func finite(f float64, v any) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return v
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// JSONSafeMap is JSONSafe specialised for metadata maps.
func JSONSafeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := JSONSafe(m).(map[string]any) //nolint:errcheck // JSONSafe always returns a map for a map input
	return out
}
