// Package modules is the composition root: named modules built once against
// a shared channel and the registry itself.
package modules

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/emitter"
)

var (
	ErrModuleExists   = errors.New("modules: module already registered")
	ErrModuleRequired = errors.New("modules: module is required")
	ErrNilConstructor = errors.New("modules: nil constructor")
	ErrInvalidName    = errors.New("modules: invalid module name")
	ErrModuleType     = errors.New("modules: module has unexpected type")
)

const eventAdd = "add"

// Deps is handed to every constructor.
type Deps struct {
	Channel  *channel.Channel
	Registry *Registry
}

// Constructor builds one module instance. config is passed through as given
// to Load.
type Constructor func(deps Deps, config any) (any, error)

// Entry is one loaded module.
type Entry struct {
	Name     string
	Instance any
	Ready    bool
}

// Registry stores modules by name in load order.
type Registry struct {
	ch *channel.Channel

	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry

	events *emitter.Emitter[string]
}

func NewRegistry(ch *channel.Channel) *Registry {
	return &Registry{
		ch:      ch,
		entries: make(map[string]*Entry),
		events:  emitter.New[string](),
	}
}

// Load constructs the module under name exactly once. The name is reserved
// while the constructor runs, so a constructor may load its own
// dependencies but never itself.
func (r *Registry) Load(name string, ctor Constructor, config any) (any, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}
	if ctor == nil {
		return nil, fmt.Errorf("%w: %q", ErrNilConstructor, name)
	}

	r.mu.Lock()
	if _, ok := r.entries[name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrModuleExists, name)
	}
	entry := &Entry{Name: name}
	r.entries[name] = entry
	r.mu.Unlock()

	instance, err := ctor(Deps{Channel: r.ch, Registry: r}, config)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, name)
		r.mu.Unlock()
		return nil, fmt.Errorf("modules: load %q: %w", name, err)
	}

	r.mu.Lock()
	entry.Instance = instance
	entry.Ready = true
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.events.Emit(eventAdd, name)
	return instance, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.Ready
}

// Get returns the module under name, or (nil, false).
func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || !e.Ready {
		return nil, false
	}
	return e.Instance, true
}

// List returns module names in load order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Require(name string) (any, error) {
	instance, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleRequired, name)
	}
	return instance, nil
}

// OnAdd registers fn for every successful Load.
func (r *Registry) OnAdd(fn func(name string)) emitter.ID {
	return r.events.On(eventAdd, fn)
}

func (r *Registry) OffAdd(id emitter.ID) bool {
	return r.events.Off(eventAdd, id)
}

func (r *Registry) Channel() *channel.Channel {
	return r.ch
}

// As requires the module under name and asserts its type.
func As[T any](r *Registry, name string) (T, error) {
	var zero T
	instance, err := r.Require(name)
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T", ErrModuleType, name, instance)
	}
	return typed, nil
}
