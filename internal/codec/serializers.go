package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

var errMalformed = errors.New("malformed encoded value")

// ErrorSerializer carries any error as {name, message, fileName, lineNumber, stack}.
func ErrorSerializer() Serializer {
	return Serializer{
		Match: func(v any) bool {
			_, ok := v.(error)
			return ok
		},
		Encode: func(v any) (map[string]any, error) {
			err := v.(error)
			out := map[string]any{
				"name":       ErrorName(err),
				"message":    err.Error(),
				"fileName":   "",
				"lineNumber": "",
				"stack":      "",
			}
			if e, ok := err.(*Error); ok {
				out["message"] = e.Message
				out["stack"] = e.Stack
			}
			return out, nil
		},
		Decode: func(obj map[string]any) (any, error) {
			name, _ := obj["name"].(string)
			message, _ := obj["message"].(string)
			stack, _ := obj["stack"].(string)
			e := NewError(name, message)
			e.Stack = stack
			return e, nil
		},
	}
}

// DateSerializer carries time.Time with nanosecond precision.
func DateSerializer() Serializer {
	return Serializer{
		Match: func(v any) bool {
			_, ok := v.(time.Time)
			return ok
		},
		Encode: func(v any) (map[string]any, error) {
			return map[string]any{"time": v.(time.Time).Format(time.RFC3339Nano)}, nil
		},
		Decode: func(obj map[string]any) (any, error) {
			raw, ok := obj["time"].(string)
			if !ok {
				return nil, fmt.Errorf("%w: missing time", errMalformed)
			}
			return time.Parse(time.RFC3339Nano, raw)
		},
	}
}

// BytesSerializer carries raw byte buffers as base64.
func BytesSerializer() Serializer {
	return Serializer{
		Match: func(v any) bool {
			_, ok := v.([]byte)
			return ok
		},
		Encode: func(v any) (map[string]any, error) {
			return map[string]any{"base64": base64.StdEncoding.EncodeToString(v.([]byte))}, nil
		},
		Decode: func(obj map[string]any) (any, error) {
			raw, ok := obj["base64"].(string)
			if !ok {
				return nil, fmt.Errorf("%w: missing base64", errMalformed)
			}
			return base64.StdEncoding.DecodeString(raw)
		},
	}
}

// SetSerializer carries golang-set sets whose members are booleans, strings,
// numbers or any. The member type travels with the values so a
// mapset.Set[int] decodes to a mapset.Set[int]. Sets of other member types
// fail to encode.
func SetSerializer() Serializer {
	return Serializer{
		Match: isSet,
		Encode: func(v any) (map[string]any, error) {
			members := reflect.ValueOf(v).MethodByName("ToSlice").Call(nil)[0]
			elem, ok := kindName(members.Type().Elem())
			if !ok {
				return nil, fmt.Errorf("%w: set of %s", ErrUnsupportedContainer, members.Type().Elem())
			}
			values := make([]any, members.Len())
			for i := range values {
				values[i] = members.Index(i).Interface()
			}
			out := map[string]any{"values": values, "elem": elem}
			if elem == anyKind {
				if kinds := memberKinds(values); kinds != nil {
					out["kinds"] = kinds
				}
			}
			return out, nil
		},
		Decode: func(obj map[string]any) (any, error) {
			values, ok := obj["values"].([]any)
			if !ok {
				return nil, fmt.Errorf("%w: missing values", errMalformed)
			}
			elem := anyKind
			if name, ok := obj["elem"].(string); ok {
				elem = name
			}
			build, ok := setBuilders[elem]
			if !ok {
				return nil, fmt.Errorf("%w: unknown set member type %q", errMalformed, elem)
			}
			kinds, _ := obj["kinds"].([]any)
			members := make([]reflect.Value, len(values))
			for i, raw := range values {
				member, err := revertKind(raw, kindTypes[elem], kinds, i)
				if err != nil {
					return nil, err
				}
				if !member.Comparable() {
					return nil, fmt.Errorf("%w: set member %T is not comparable", errMalformed, raw)
				}
				members[i] = member
			}
			return build(members), nil
		},
	}
}

func isSet(v any) bool {
	t := reflect.TypeOf(v)
	if t == nil {
		return false
	}
	base := t
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base.PkgPath() != mapsetPath {
		return false
	}
	m, ok := t.MethodByName("ToSlice")
	return ok && m.Type.NumOut() == 1 && m.Type.Out(0).Kind() == reflect.Slice
}

// MapSerializer carries maps whose keys are not strings as [key, value]
// pairs. Maps keyed and valued by booleans, strings, numbers or any decode
// to the same map type; other non-string keyed maps are left to the plain
// object encoding.
func MapSerializer() Serializer {
	return Serializer{
		Match: func(v any) bool {
			t := reflect.TypeOf(v)
			if t == nil || t.Kind() != reflect.Map || t.Key().Kind() == reflect.String {
				return false
			}
			_, keyOK := kindName(t.Key())
			_, elemOK := kindName(t.Elem())
			return keyOK && elemOK
		},
		Encode: func(v any) (map[string]any, error) {
			rv := reflect.ValueOf(v)
			keyKind, _ := kindName(rv.Type().Key())
			elemKind, _ := kindName(rv.Type().Elem())
			entries := make([]any, 0, rv.Len())
			keys := make([]any, 0, rv.Len())
			values := make([]any, 0, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				k, val := iter.Key().Interface(), iter.Value().Interface()
				entries = append(entries, []any{k, val})
				keys = append(keys, k)
				values = append(values, val)
			}
			out := map[string]any{"entries": entries, "key": keyKind, "elem": elemKind}
			if keyKind == anyKind {
				if kinds := memberKinds(keys); kinds != nil {
					out["keyKinds"] = kinds
				}
			}
			if elemKind == anyKind {
				if kinds := memberKinds(values); kinds != nil {
					out["elemKinds"] = kinds
				}
			}
			return out, nil
		},
		Decode: func(obj map[string]any) (any, error) {
			entries, ok := obj["entries"].([]any)
			if !ok {
				return nil, fmt.Errorf("%w: missing entries", errMalformed)
			}
			keyType, err := kindField(obj, "key")
			if err != nil {
				return nil, err
			}
			elemType, err := kindField(obj, "elem")
			if err != nil {
				return nil, err
			}
			keyKinds, _ := obj["keyKinds"].([]any)
			elemKinds, _ := obj["elemKinds"].([]any)
			out := reflect.MakeMapWithSize(reflect.MapOf(keyType, elemType), len(entries))
			for i, raw := range entries {
				pair, ok := raw.([]any)
				if !ok || len(pair) != 2 {
					return nil, fmt.Errorf("%w: bad map entry", errMalformed)
				}
				k, err := revertKind(pair[0], keyType, keyKinds, i)
				if err != nil {
					return nil, err
				}
				if !k.Comparable() {
					return nil, fmt.Errorf("%w: map key %T is not comparable", errMalformed, pair[0])
				}
				val, err := revertKind(pair[1], elemType, elemKinds, i)
				if err != nil {
					return nil, err
				}
				out.SetMapIndex(k, val)
			}
			return out.Interface(), nil
		},
	}
}

// UUIDSerializer carries uuid.UUID in canonical text form.
func UUIDSerializer() Serializer {
	return Serializer{
		Match: func(v any) bool {
			_, ok := v.(uuid.UUID)
			return ok
		},
		Encode: func(v any) (map[string]any, error) {
			return map[string]any{"uuid": v.(uuid.UUID).String()}, nil
		},
		Decode: func(obj map[string]any) (any, error) {
			raw, ok := obj["uuid"].(string)
			if !ok {
				return nil, fmt.Errorf("%w: missing uuid", errMalformed)
			}
			return uuid.Parse(raw)
		},
	}
}

// Rect is a box in the coordinate space of the context holding it.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Right() float64  { return r.Left + r.Width }
func (r Rect) Bottom() float64 { return r.Top + r.Height }

// FrameOffset reports where the embedded frame's content box sits in the
// parent's coordinate space. Only the parent side supplies one.
type FrameOffset func() (x, y float64)

// RectSerializer carries Rect values, translating between the parent's
// coordinate space and the frame's when an offset is known.
func RectSerializer(offset FrameOffset) Serializer {
	shift := func() (float64, float64) {
		if offset == nil {
			return 0, 0
		}
		return offset()
	}
	return Serializer{
		Match: func(v any) bool {
			_, ok := v.(Rect)
			return ok
		},
		Encode: func(v any) (map[string]any, error) {
			r := v.(Rect)
			x, y := shift()
			return map[string]any{
				"left":   r.Left - x,
				"top":    r.Top - y,
				"width":  r.Width,
				"height": r.Height,
			}, nil
		},
		Decode: func(obj map[string]any) (any, error) {
			var r Rect
			if err := DecodeInto(obj, &r); err != nil {
				return nil, err
			}
			x, y := shift()
			r.Left += x
			r.Top += y
			return r, nil
		},
	}
}
