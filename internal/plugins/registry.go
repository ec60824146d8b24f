// Package plugins holds named, lazily built helpers that share the link's
// channel. A plugin may fetch other plugins while it is being built; they
// are instantiated on demand.
package plugins

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/logging"
	"github.com/danmuck/framelink/internal/modules"
)

var (
	ErrNilFactory = errors.New("plugins: nil factory")
	ErrCycle      = errors.New("plugins: dependency cycle")

	errUnknown = errors.New("plugins: unknown plugin")
)

// Deps is handed to every factory.
type Deps struct {
	Channel *channel.Channel
	Plugins *Registry
}

type Factory func(deps Deps) (any, error)

// Builder replaces the default instantiation (calling the factory) for
// every plugin.
type Builder func(name string, factory Factory, deps Deps) (any, error)

type Config struct {
	Builder Builder
	Logger  zerolog.Logger
}

func DefaultConfig() Config {
	return Config{Logger: logging.Component("plugins")}
}

type state int

const (
	pending state = iota
	building
	ready
)

type entry struct {
	factory  Factory
	state    state
	instance any
}

type Registry struct {
	ch      *channel.Channel
	builder Builder
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func New(ch *channel.Channel, cfg Config) *Registry {
	return &Registry{
		ch:      ch,
		builder: cfg.Builder,
		log:     cfg.Logger,
		entries: make(map[string]*entry),
	}
}

// Module loads the registry through a module registry. config may be a
// Config or nil.
func Module(deps modules.Deps, config any) (any, error) {
	cfg := DefaultConfig()
	if c, ok := config.(Config); ok {
		cfg = c
	}
	return New(deps.Channel, cfg), nil
}

// Register adds every plugin whose name is not taken yet, then builds the
// new ones in name order. Build failures are joined; a failed plugin stays
// registered and is retried by Get.
func (r *Registry) Register(factories map[string]Factory) error {
	var added []string
	var err error
	r.mu.Lock()
	for name, f := range factories {
		if f == nil {
			err = multierr.Append(err, fmt.Errorf("%w: %q", ErrNilFactory, name))
			continue
		}
		if _, ok := r.entries[name]; ok {
			continue
		}
		r.entries[name] = &entry{factory: f}
		added = append(added, name)
	}
	r.mu.Unlock()

	slices.Sort(added)
	for _, name := range added {
		if _, buildErr := r.build(name); buildErr != nil {
			err = multierr.Append(err, buildErr)
		}
	}
	return err
}

// Add registers and builds one plugin. It reports false when name is
// already registered.
func (r *Registry) Add(name string, f Factory) (bool, error) {
	if f == nil {
		return false, fmt.Errorf("%w: %q", ErrNilFactory, name)
	}
	r.mu.Lock()
	if _, ok := r.entries[name]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.entries[name] = &entry{factory: f}
	r.mu.Unlock()

	_, err := r.build(name)
	return true, err
}

// Get returns the instance under name, building it first if needed.
func (r *Registry) Get(name string) (any, bool) {
	instance, err := r.build(name)
	if err != nil {
		if !errors.Is(err, errUnknown) {
			r.log.Error().Err(err).Str("plugin", name).Msg("plugin unavailable")
		}
		return nil, false
	}
	return instance, true
}

// Names returns registered plugin names, built or not.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Instances returns every built plugin by name without building the rest.
func (r *Registry) Instances() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any)
	for name, e := range r.entries {
		if e.state == ready {
			out[name] = e.instance
		}
	}
	return out
}

func (r *Registry) build(name string) (any, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, errUnknown
	}
	switch e.state {
	case ready:
		r.mu.Unlock()
		return e.instance, nil
	case building:
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrCycle, name)
	}
	e.state = building
	r.mu.Unlock()

	deps := Deps{Channel: r.ch, Plugins: r}
	var instance any
	var err error
	if r.builder != nil {
		instance, err = r.builder(name, e.factory, deps)
	} else {
		instance, err = e.factory(deps)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		e.state = pending
		return nil, fmt.Errorf("plugins: build %q: %w", name, err)
	}
	e.instance = instance
	e.state = ready
	r.log.Debug().Str("plugin", name).Msg("plugin ready")
	return instance, nil
}
