package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
)

// TagKey marks an encoded node with the name of the serializer that produced it.
const TagKey = "_serializerKey"

var (
	ErrDuplicateSerializer = errors.New("codec: serializer already registered")
	ErrInvalidSerializer   = errors.New("codec: invalid serializer")
	ErrTooDeep             = errors.New("codec: value nesting too deep")
	// ErrUnsupportedContainer is returned for sets whose member type has no
	// wire form.
	ErrUnsupportedContainer = errors.New("codec: container member type cannot be carried")
)

const maxDepth = 256

// Serializer converts one family of values to and from a plain object.
// Encode output is itself walked, so it may contain other serializable values.
type Serializer struct {
	Match  func(v any) bool
	Encode func(v any) (map[string]any, error)
	Decode func(obj map[string]any) (any, error)
}

func (s Serializer) valid() bool {
	return s.Match != nil && s.Encode != nil && s.Decode != nil
}

// KeyFilter reports whether an object key must be dropped.
type KeyFilter func(key string) bool

// PrivateKey is the default filter: any "_" prefixed key except TagKey.
func PrivateKey(key string) bool {
	return key != TagKey && strings.HasPrefix(key, "_")
}

type Option func(*Registry)

// WithKeyFilter replaces the transport-private key rule.
func WithKeyFilter(f KeyFilter) Option {
	return func(r *Registry) {
		if f != nil {
			r.exclude = f
		}
	}
}

// WithFrameOffset sets the embedded frame position used by the default rect codec.
func WithFrameOffset(fn FrameOffset) Option {
	return func(r *Registry) {
		r.frameOffset = fn
	}
}

// Registry is an ordered set of named serializers.
type Registry struct {
	mu          sync.RWMutex
	names       []string
	entries     map[string]Serializer
	exclude     KeyFilter
	frameOffset FrameOffset
}

// NewRegistry returns a registry without any serializer.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]Serializer),
		exclude: PrivateKey,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefaultRegistry returns a registry with the built-in codecs loaded.
func NewDefaultRegistry(opts ...Option) *Registry {
	r := NewRegistry(opts...)
	builtins := []struct {
		name string
		s    Serializer
	}{
		{"RectSerializer", RectSerializer(r.frameOffset)},
		{"SetSerializer", SetSerializer()},
		{"MapSerializer", MapSerializer()},
		{"BytesSerializer", BytesSerializer()},
		{"ErrorSerializer", ErrorSerializer()},
		{"DateSerializer", DateSerializer()},
		{"UUIDSerializer", UUIDSerializer()},
	}
	for _, b := range builtins {
		if err := r.AddSerializer(b.name, b.s); err != nil {
			panic(err)
		}
	}
	return r
}

// AddSerializer appends s under a unique name.
func (r *Registry) AddSerializer(name string, s Serializer) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSerializer)
	}
	if !s.valid() {
		return fmt.Errorf("%w: %q needs Match, Encode and Decode", ErrInvalidSerializer, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateSerializer, name)
	}
	r.entries[name] = s
	r.names = append(r.names, name)
	return nil
}

// Names lists serializer names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Registry) match(v any) (string, Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.names {
		s := r.entries[name]
		if s.Match(v) {
			return name, s, true
		}
	}
	return "", Serializer{}, false
}

func (r *Registry) lookup(name string) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[name]
	return s, ok
}

// Stringify encodes v into its transit text form.
func (r *Registry) Stringify(v any) (string, error) {
	node, err := r.encodeNode(v, 0)
	if err != nil && !errors.Is(err, errSkip) {
		return "", err
	}
	b, err := json.Marshal(Strip(node, r.exclude))
	if err != nil {
		return "", fmt.Errorf("codec: marshal: %w", err)
	}
	return string(b), nil
}

// Parse decodes text produced by Stringify. Empty text parses to nil.
func (r *Registry) Parse(text string) (any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var raw any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("codec: unmarshal: %w", err)
	}
	return r.revive(Strip(raw, r.exclude))
}

func (r *Registry) revive(v any) (any, error) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			revived, err := r.revive(child)
			if err != nil {
				return nil, err
			}
			node[k] = revived
		}
		name, tagged := node[TagKey].(string)
		if !tagged || name == "" {
			return node, nil
		}
		s, ok := r.lookup(name)
		if !ok {
			return nil, nil
		}
		delete(node, TagKey)
		out, err := s.Decode(node)
		if err != nil {
			return nil, fmt.Errorf("codec: decode %s: %w", name, err)
		}
		return out, nil
	case []any:
		for i, child := range node {
			revived, err := r.revive(child)
			if err != nil {
				return nil, err
			}
			node[i] = revived
		}
		return node, nil
	default:
		return v, nil
	}
}

// DecodeInto maps a parsed payload onto a typed value using json field names.
func DecodeInto(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("codec: decode into %T: %w", out, err)
	}
	return nil
}
