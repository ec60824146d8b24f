package codec

import (
	"fmt"
	"math"
	"reflect"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	mapsetPath = "github.com/deckarep/golang-set/v2"
	anyKind    = "any"
)

// kindTypes are the member types Set and Map encodings can restore exactly.
var kindTypes = map[string]reflect.Type{
	anyKind:   reflect.TypeFor[any](),
	"bool":    reflect.TypeFor[bool](),
	"string":  reflect.TypeFor[string](),
	"int":     reflect.TypeFor[int](),
	"int8":    reflect.TypeFor[int8](),
	"int16":   reflect.TypeFor[int16](),
	"int32":   reflect.TypeFor[int32](),
	"int64":   reflect.TypeFor[int64](),
	"uint":    reflect.TypeFor[uint](),
	"uint8":   reflect.TypeFor[uint8](),
	"uint16":  reflect.TypeFor[uint16](),
	"uint32":  reflect.TypeFor[uint32](),
	"uint64":  reflect.TypeFor[uint64](),
	"float32": reflect.TypeFor[float32](),
	"float64": reflect.TypeFor[float64](),
}

var setBuilders = map[string]func([]reflect.Value) any{
	anyKind:   buildSet[any],
	"bool":    buildSet[bool],
	"string":  buildSet[string],
	"int":     buildSet[int],
	"int8":    buildSet[int8],
	"int16":   buildSet[int16],
	"int32":   buildSet[int32],
	"int64":   buildSet[int64],
	"uint":    buildSet[uint],
	"uint8":   buildSet[uint8],
	"uint16":  buildSet[uint16],
	"uint32":  buildSet[uint32],
	"uint64":  buildSet[uint64],
	"float32": buildSet[float32],
	"float64": buildSet[float64],
}

func buildSet[T comparable](members []reflect.Value) any {
	set := mapset.NewSet[T]()
	for _, m := range members {
		item, _ := m.Interface().(T)
		set.Add(item)
	}
	return set
}

func kindName(t reflect.Type) (string, bool) {
	for name, kt := range kindTypes {
		if t == kt {
			return name, true
		}
	}
	return "", false
}

func kindField(obj map[string]any, field string) (reflect.Type, error) {
	name, ok := obj[field].(string)
	if !ok {
		name = anyKind
	}
	t, ok := kindTypes[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s type %q", errMalformed, field, name)
	}
	return t, nil
}

// memberKinds names the dynamic type of every member that JSON would not
// bring back as itself. It returns nil when none needs one.
func memberKinds(values []any) []any {
	var kinds []any
	for i, v := range values {
		if v == nil {
			continue
		}
		name, ok := kindName(reflect.TypeOf(v))
		if !ok || name == "string" || name == "bool" || name == "float64" {
			continue
		}
		if kinds == nil {
			kinds = make([]any, len(values))
			for j := range kinds {
				kinds[j] = ""
			}
		}
		kinds[i] = name
	}
	return kinds
}

// revertKind converts a parsed JSON member back to t, or to the type named
// by kinds[i] when t is any.
func revertKind(raw any, t reflect.Type, kinds []any, i int) (reflect.Value, error) {
	if t.Kind() == reflect.Interface && i < len(kinds) {
		if name, _ := kinds[i].(string); name != "" {
			kt, ok := kindTypes[name]
			if !ok {
				return reflect.Value{}, fmt.Errorf("%w: unknown member type %q", errMalformed, name)
			}
			t = kt
		}
	}
	return basicValue(raw, t)
}

// basicValue converts a parsed JSON scalar to t exactly. Fractional or out
// of range numbers are rejected rather than truncated.
func basicValue(raw any, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.Interface {
		if raw == nil {
			return reflect.Zero(t), nil
		}
		return reflect.ValueOf(raw), nil
	}
	out := reflect.New(t).Elem()
	f, isNum := raw.(float64)
	switch t.Kind() {
	case reflect.String:
		if s, ok := raw.(string); ok {
			out.SetString(s)
			return out, nil
		}
	case reflect.Bool:
		if b, ok := raw.(bool); ok {
			out.SetBool(b)
			return out, nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if isNum && f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 && !out.OverflowInt(int64(f)) {
			out.SetInt(int64(f))
			return out, nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if isNum && f >= 0 && f == math.Trunc(f) && f < math.MaxUint64 && !out.OverflowUint(uint64(f)) {
			out.SetUint(uint64(f))
			return out, nil
		}
	case reflect.Float32, reflect.Float64:
		if isNum && !out.OverflowFloat(f) {
			out.SetFloat(f)
			return out, nil
		}
	}
	return reflect.Value{}, fmt.Errorf("%w: %v is not a %s", errMalformed, raw, t)
}
