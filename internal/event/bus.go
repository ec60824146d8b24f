// Package event is namespaced publish/subscribe over a channel.
package event

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/emitter"
	"github.com/danmuck/framelink/internal/logging"
	"github.com/danmuck/framelink/internal/modules"
)

// WireEvent carries every bus event between peers.
const WireEvent = "<=> event"

// Wildcard suffixes a namespace prefix; on its own it is the global listener.
const Wildcard = "*"

// Direction tags who raised an event.
type Direction string

const (
	Internal Direction = "internal"
	External Direction = "external"
)

// Event is what listeners receive. Name is always the full emitted name,
// also for wildcard listeners.
type Event struct {
	Name      string
	Args      []any
	Direction Direction
}

type Config struct {
	// Separator splits names into namespaces; empty disables wildcards.
	Separator      string
	GlobalListener bool
	Logger         zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Separator:      ":",
		GlobalListener: true,
		Logger:         logging.Component("event"),
	}
}

type Bus struct {
	ch        *channel.Channel
	cfg       Config
	listeners *emitter.Emitter[Event]
}

// New attaches a bus to ch.
func New(ch *channel.Channel, cfg Config) *Bus {
	b := &Bus{
		ch:        ch,
		cfg:       cfg,
		listeners: emitter.New[Event](),
	}
	ch.On(WireEvent, b.receive)
	return b
}

// Module loads a bus through a module registry. config may be a Config or nil.
func Module(deps modules.Deps, config any) (any, error) {
	cfg := DefaultConfig()
	if c, ok := config.(Config); ok {
		cfg = c
	}
	return New(deps.Channel, cfg), nil
}

type wirePayload struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// Emit sends the event to the peer (once connected) and then runs local
// listeners tagged Internal. There is no echo of the peer's copy.
func (b *Bus) Emit(name string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	err := b.ch.Send(WireEvent, wirePayload{Name: name, Args: args})
	b.dispatch(Event{Name: name, Args: args, Direction: Internal})
	return err
}

func (b *Bus) receive(data any) {
	m, ok := data.(map[string]any)
	if !ok {
		b.cfg.Logger.Debug().Msg("malformed event frame")
		return
	}
	name, _ := m["name"].(string)
	if name == "" {
		b.cfg.Logger.Debug().Msg("event frame without name")
		return
	}
	args, _ := m["args"].([]any)
	if args == nil {
		args = []any{}
	}
	b.dispatch(Event{Name: name, Args: args, Direction: External})
}

// dispatch fires prefix wildcards from the shortest namespace down, then the
// global listener, then the exact name.
func (b *Bus) dispatch(ev Event) {
	if sep := b.cfg.Separator; sep != "" {
		chunks := strings.Split(ev.Name, sep)
		for i := 0; i < len(chunks)-1; i++ {
			glob := strings.Join(append(append([]string{}, chunks[:i+1]...), Wildcard), sep)
			b.listeners.Emit(glob, ev)
		}
	}
	if b.cfg.GlobalListener {
		b.listeners.Emit(Wildcard, ev)
	}
	b.listeners.Emit(ev.Name, ev)
}

func (b *Bus) On(name string, fn func(Event)) emitter.ID {
	return b.listeners.On(name, fn)
}

func (b *Bus) Once(name string, fn func(Event)) emitter.ID {
	return b.listeners.Once(name, fn)
}

func (b *Bus) Off(name string, id emitter.ID) bool {
	return b.listeners.Off(name, id)
}
