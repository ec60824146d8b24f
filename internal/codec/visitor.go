package codec

import (
	"encoding"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// errSkip marks values that have no transit form (funcs, channels).
// Object members holding them are omitted; list slots become nil.
var errSkip = errors.New("codec: skip value")

// Strip returns v with every object key rejected by exclude removed, at any
// depth. Only generic trees (map[string]any, []any) are visited; maps are
// rewritten in place.
func Strip(v any, exclude KeyFilter) any {
	if exclude == nil {
		return v
	}
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			if exclude(k) {
				delete(node, k)
				continue
			}
			node[k] = Strip(child, exclude)
		}
		return node
	case []any:
		for i, child := range node {
			node[i] = Strip(child, exclude)
		}
		return node
	default:
		return v
	}
}

// encodeNode turns an arbitrary Go value into a generic tree, replacing
// every value claimed by a serializer with its tagged encoding.
func (r *Registry) encodeNode(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if scalar, ok := scalarValue(rv); ok {
		return scalar, nil
	}
	if name, s, ok := r.match(v); ok {
		obj, err := s.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("codec: encode %s: %w", name, err)
		}
		node, err := r.encodeMap(reflect.ValueOf(obj), depth+1)
		if err != nil {
			return nil, err
		}
		node[TagKey] = name
		return node, nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return r.encodeNode(rv.Elem().Interface(), depth+1)
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		return r.encodeMap(rv, depth+1)
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		return r.encodeList(rv, depth+1)
	case reflect.Array:
		return r.encodeList(rv, depth+1)
	case reflect.Struct:
		out := make(map[string]any)
		if err := r.encodeStruct(rv, out, depth+1); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, errSkip
	}
}

func (r *Registry) encodeMap(rv reflect.Value, depth int) (map[string]any, error) {
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key, err := mapKey(iter.Key())
		if err != nil {
			return nil, err
		}
		child, err := r.encodeNode(iter.Value().Interface(), depth)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = child
	}
	return out, nil
}

func (r *Registry) encodeList(rv reflect.Value, depth int) ([]any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		child, err := r.encodeNode(rv.Index(i).Interface(), depth)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = child
	}
	return out, nil
}

func (r *Registry) encodeStruct(rv reflect.Value, out map[string]any, depth int) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, omitEmpty := parseTag(tag)
		fv := rv.Field(i)
		if f.Anonymous && name == "" {
			if fv.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				fv = fv.Elem()
			}
			if fv.Kind() == reflect.Struct {
				if err := r.encodeStruct(fv, out, depth); err != nil {
					return err
				}
				continue
			}
		}
		if name == "" {
			name = f.Name
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		child, err := r.encodeNode(fv.Interface(), depth)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return err
		}
		out[name] = child
	}
	return nil
}

func parseTag(tag string) (string, bool) {
	name, opts, _ := strings.Cut(tag, ",")
	omitEmpty := false
	for _, opt := range strings.Split(opts, ",") {
		if opt == "omitempty" || opt == "omitzero" {
			omitEmpty = true
		}
	}
	return name, omitEmpty
}

func mapKey(k reflect.Value) (string, error) {
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		b, err := tm.MarshalText()
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	default:
		return fmt.Sprint(k.Interface()), nil
	}
}

// scalarValue reports JSON scalars. Non-finite floats become nil.
func scalarValue(rv reflect.Value) (any, bool) {
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Interface(), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, true
		}
		return rv.Interface(), true
	default:
		return nil, false
	}
}
