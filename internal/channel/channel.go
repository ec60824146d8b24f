package channel

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/framelink/internal/codec"
	"github.com/danmuck/framelink/internal/emitter"
	"github.com/danmuck/framelink/internal/observability"
)

var (
	ErrBadOrigin      = errors.New("channel: bad message origin")
	ErrNoTarget       = errors.New("channel: no target set")
	ErrConnected      = errors.New("channel: cannot change target while connected")
	ErrNotParentFrame = errors.New("channel: only callable from the parent frame")
	ErrNotChildFrame  = errors.New("channel: only callable from the child frame")
)

// StateEvent names a connection lifecycle transition.
type StateEvent string

const (
	StateConnected    StateEvent = "connected"
	StateReconnected  StateEvent = "reconnected"
	StateDisconnected StateEvent = "disconnected"
)

// Handler receives the decoded payload of one named inbound event.
type Handler func(data any)

// SendOptions controls what happens to a send issued while disconnected.
// WaitConnected queues it until the next connected transition;
// SkipDisconnected drops it. With neither set the frame is posted anyway.
type SendOptions struct {
	WaitConnected    bool
	SkipDisconnected bool
}

// Channel multiplexes named events over one peer target.
type Channel struct {
	ctx     Context
	codec   *codec.Registry
	role    Role
	version string
	url     *url.URL
	origin  string
	log     zerolog.Logger

	mu                  sync.Mutex
	target              Target
	connected           bool
	previouslyConnected bool
	detach              []func()
	stop                chan struct{}

	wire  *emitter.Emitter[any]
	state *emitter.Emitter[struct{}]
}

// New builds a channel bound to ctx that talks to target, accepting only
// frames from rawURL's origin. A nil target is allowed; Connect then fails
// until SetTarget is called.
func New(ctx Context, target Target, rawURL string, cfg Config) (*Channel, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: missing context", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, origin, err := ParseOrigin(rawURL)
	if err != nil {
		return nil, err
	}
	version := cfg.Version
	if version == "" {
		version = Version
	}

	c := &Channel{
		ctx:     ctx,
		codec:   cfg.Codec,
		role:    cfg.Role,
		version: version,
		url:     u,
		origin:  origin,
		log:     cfg.Logger.With().Str("role", cfg.Role.String()).Str("peer", origin).Logger(),
		target:  target,
		wire:    emitter.New[any](),
		state:   emitter.New[struct{}](),
	}
	c.wire.On(EventSYN, c.onSYN)
	c.wire.On(EventACK, func(any) { c.onAccepted(StateConnected) })
	c.wire.On(EventRST, func(any) { c.onAccepted(StateReconnected) })
	c.wire.On(EventFIN, c.onFIN)

	c.mu.Lock()
	c.attachLocked()
	c.mu.Unlock()

	if cfg.AutoConnect && target != nil {
		if _, err := c.Connect(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Channel) attachLocked() {
	if c.detach != nil {
		return
	}
	c.stop = make(chan struct{})
	c.detach = []func(){
		c.ctx.AddMessageListener(c.HandleMessage),
		c.ctx.AddUnloadListener(c.onUnload),
	}
}

// Close removes the channel's message and unload listeners. A later Connect
// re-attaches them.
func (c *Channel) Close() error {
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()
	for _, remove := range detach {
		remove()
	}
	return nil
}

// Connect starts the handshake. It reports false without sending anything
// when already connected.
func (c *Channel) Connect() (bool, error) {
	c.mu.Lock()
	target := c.target
	if target == nil {
		c.mu.Unlock()
		return false, ErrNoTarget
	}
	c.attachLocked()
	if c.connected {
		c.mu.Unlock()
		return false, nil
	}
	stop := c.stop
	c.mu.Unlock()

	if deferred, ok := target.(DeferredTarget); ok {
		select {
		case <-deferred.Ready():
		default:
			c.log.Debug().Msg("target not ready, deferring SYN")
			go func() {
				select {
				case <-deferred.Ready():
					c.sendControl(EventSYN, synPayload{Version: c.version})
				case <-stop:
				}
			}()
			return true, nil
		}
	}
	c.sendControl(EventSYN, synPayload{Version: c.version})
	return true, nil
}

// Disconnect sends FIN{api:true} and raises disconnected locally without
// waiting for the peer. It reports false when not connected.
func (c *Channel) Disconnect() bool {
	return c.disconnect(true)
}

// Drop goes disconnected without a FIN, for when the transport to the peer
// is already gone. It reports false when not connected.
func (c *Channel) Drop() bool {
	return c.disconnect(false)
}

func (c *Channel) disconnect(notify bool) bool {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if notify {
		c.sendControl(EventFIN, finPayload{API: true})
	}
	c.transition(StateDisconnected)

	c.mu.Lock()
	c.previouslyConnected = false
	c.mu.Unlock()
	return true
}

// SetTarget swaps the peer handle. It fails with ErrConnected while connected.
func (c *Channel) SetTarget(target Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return ErrConnected
	}
	c.target = target
	return nil
}

func (c *Channel) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Send posts data once connected.
func (c *Channel) Send(name string, data any) error {
	return c.SendWith(name, data, SendOptions{WaitConnected: true})
}

// SendWith posts data under name. Payloads are serialized when the frame is
// actually posted, so a queued send carries the value as of connection time.
func (c *Channel) SendWith(name string, data any, opts SendOptions) error {
	c.mu.Lock()
	if !c.connected {
		if opts.WaitConnected {
			// registered under mu so a concurrent transition cannot slip between
			// the check and the registration
			c.state.Once(string(StateConnected), func(struct{}) {
				if err := c.post(name, data); err != nil {
					c.log.Error().Err(err).Str("event", name).Msg("deferred send failed")
				}
			})
			c.mu.Unlock()
			return nil
		}
		if opts.SkipDisconnected {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()
	return c.post(name, data)
}

func (c *Channel) sendControl(name string, payload any) {
	if err := c.post(name, payload); err != nil {
		c.log.Error().Err(err).Str("event", name).Msg("control frame not sent")
	}
}

func (c *Channel) post(name string, data any) error {
	text, err := c.codec.Stringify(data)
	if err != nil {
		return fmt.Errorf("channel: serialize %s: %w", name, err)
	}
	raw, err := encodeEnvelope(Envelope{
		EventName: name,
		EventData: text,
		SentAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	target := c.Target()
	if target == nil {
		return ErrNoTarget
	}
	if err := target.PostMessage(raw, c.origin); err != nil {
		return fmt.Errorf("channel: post %s: %w", name, err)
	}
	observability.RecordFrame(c.role.String(), "out", metricEvent(name))
	c.log.Trace().Str("event", name).Msg("frame posted")
	return nil
}

// HandleMessage is the context's message listener. Frames from any source
// other than the target are ignored, as are frames that are not envelopes.
// A frame from the target with the wrong origin fails with ErrBadOrigin.
func (c *Channel) HandleMessage(msg Inbound) error {
	target := c.Target()
	if target == nil || msg.Source != target {
		observability.RecordRejectedFrame(c.role.String(), "source")
		return nil
	}
	if msg.Origin != c.origin {
		observability.RecordRejectedFrame(c.role.String(), "origin")
		return fmt.Errorf("%w: %s != %s", ErrBadOrigin, msg.Origin, c.origin)
	}
	env, err := DecodeEnvelope(msg.Data)
	if err != nil {
		observability.RecordRejectedFrame(c.role.String(), "shape")
		return nil
	}
	data, err := c.codec.Parse(env.EventData)
	if err != nil {
		return fmt.Errorf("channel: parse %s: %w", env.EventName, err)
	}
	observability.RecordFrame(c.role.String(), "in", metricEvent(env.EventName))
	c.wire.Emit(env.EventName, data)
	return nil
}

// metricEvent folds per-call callback names into one label value.
func metricEvent(name string) string {
	if strings.HasPrefix(name, "<= query-") {
		return "<= query-*"
	}
	return name
}

func (c *Channel) onSYN(data any) {
	var syn synPayload
	_ = codec.DecodeInto(data, &syn)
	if syn.Version != c.version {
		remote := syn.Version
		if remote == "" {
			remote = "unknown"
		}
		c.log.Warn().
			Str("local_version", c.version).
			Str("remote_version", remote).
			Msg("version mismatch, both peers should run the same release")
	}

	c.mu.Lock()
	first := !c.previouslyConnected
	c.previouslyConnected = true
	c.mu.Unlock()

	if first {
		c.sendControl(EventACK, struct{}{})
		c.transition(StateConnected)
		return
	}
	c.sendControl(EventRST, struct{}{})
	c.transition(StateReconnected)
}

func (c *Channel) onAccepted(ev StateEvent) {
	c.mu.Lock()
	c.previouslyConnected = true
	c.mu.Unlock()
	c.transition(ev)
}

func (c *Channel) onFIN(data any) {
	var fin finPayload
	_ = codec.DecodeInto(data, &fin)
	c.transition(StateDisconnected)
	if fin.API {
		c.mu.Lock()
		c.previouslyConnected = false
		c.mu.Unlock()
	}
}

func (c *Channel) onUnload() {
	c.mu.Lock()
	target := c.target
	c.mu.Unlock()
	if target == nil {
		return
	}
	c.sendControl(EventFIN, finPayload{Unload: true})
}

func (c *Channel) transition(ev StateEvent) {
	c.mu.Lock()
	c.connected = ev != StateDisconnected
	c.mu.Unlock()
	observability.RecordTransition(c.role.String(), string(ev))
	c.log.Debug().Str("state", string(ev)).Msg("channel transition")
	c.state.Emit(string(ev), struct{}{})
}

// On registers h for every inbound event named name.
func (c *Channel) On(name string, h Handler) emitter.ID {
	return c.wire.On(name, h)
}

// Once registers h for the next inbound event named name.
func (c *Channel) Once(name string, h Handler) emitter.ID {
	return c.wire.Once(name, h)
}

func (c *Channel) Off(name string, id emitter.ID) bool {
	return c.wire.Off(name, id)
}

// OnState registers fn for a lifecycle transition.
func (c *Channel) OnState(ev StateEvent, fn func()) emitter.ID {
	return c.state.On(string(ev), func(struct{}) { fn() })
}

func (c *Channel) OnceState(ev StateEvent, fn func()) emitter.ID {
	return c.state.Once(string(ev), func(struct{}) { fn() })
}

func (c *Channel) OffState(ev StateEvent, id emitter.ID) bool {
	return c.state.Off(string(ev), id)
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) IsParentFrame() bool { return c.role == RoleParent }
func (c *Channel) IsChildFrame() bool  { return c.role == RoleChild }

func (c *Channel) ParentFrameCheck() error {
	if !c.IsParentFrame() {
		return ErrNotParentFrame
	}
	return nil
}

func (c *Channel) ChildFrameCheck() error {
	if !c.IsChildFrame() {
		return ErrNotChildFrame
	}
	return nil
}

func (c *Channel) Role() Role             { return c.role }
func (c *Channel) Version() string        { return c.version }
func (c *Channel) URL() string            { return c.url.String() }
func (c *Channel) Origin() string         { return c.origin }
func (c *Channel) Codec() *codec.Registry { return c.codec }
