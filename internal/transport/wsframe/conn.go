// Package wsframe carries channel envelopes over a websocket, so two peers
// in different processes can run the same handshake as two frames.
//
// A Conn is both ends of the channel contract for its side: the local
// context (message and unload listeners) and the target handle for the
// peer. Every text message is one envelope. Inbound messages are handed to
// listeners on the read goroutine, in order. Reading starts with Start, so a
// caller attaches its listeners first and loses nothing the peer sent early.
// Handler starts accepted connections once its accept callback returns.
//
// Closing a Conn is the local "unload": unload listeners run first, so a
// channel gets to send its FIN before the socket goes away.
package wsframe

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/emitter"
)

var ErrClosed = errors.New("wsframe: connection closed")

const (
	eventMessage = "message"
	eventUnload  = "unload"

	writeTimeout = 5 * time.Second
)

type Conn struct {
	ws     *websocket.Conn
	local  string
	remote string
	log    zerolog.Logger

	writeMu sync.Mutex

	messages *emitter.Emitter[channel.Inbound]
	unload   *emitter.Emitter[struct{}]

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	mu      sync.Mutex
	closing bool
	readErr error
}

func newConn(ws *websocket.Conn, local, remote string, log zerolog.Logger) *Conn {
	c := &Conn{
		ws:       ws,
		local:    local,
		remote:   remote,
		log:      log.With().Str("local", local).Str("remote", remote).Logger(),
		messages: emitter.New[channel.Inbound](),
		unload:   emitter.New[struct{}](),
		done:     make(chan struct{}),
	}
	return c
}

// Start begins reading. Later calls do nothing.
func (c *Conn) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

// Origin is the origin this side serves.
func (c *Conn) Origin() string { return c.local }

// RemoteOrigin is the origin frames from the peer are stamped with.
func (c *Conn) RemoteOrigin() string { return c.remote }

func (c *Conn) AddMessageListener(fn channel.MessageListener) func() {
	id := c.messages.On(eventMessage, func(msg channel.Inbound) {
		if err := fn(msg); err != nil {
			c.log.Error().Err(err).Msg("message listener failed")
		}
	})
	return func() { c.messages.Off(eventMessage, id) }
}

func (c *Conn) AddUnloadListener(fn func()) func() {
	id := c.unload.On(eventUnload, func(struct{}) { fn() })
	return func() { c.unload.Off(eventUnload, id) }
}

// PostMessage writes data as one text message. Frames addressed to an
// origin other than the peer's are dropped, as a browser would.
func (c *Conn) PostMessage(data, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != c.remote {
		c.log.Debug().Str("target_origin", targetOrigin).Msg("frame dropped, origin mismatch")
		return nil
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(data))
}

// Ready is closed from the start; a Conn exists only once the socket is open.
func (c *Conn) Ready() <-chan struct{} {
	ready := make(chan struct{})
	close(ready)
	return ready
}

// Done is closed when the read loop ends, or on Close when it never ran.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the read loop ended. It is nil after a local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close runs the unload listeners, then closes the socket and waits for the
// read loop.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		c.unload.Emit(eventUnload, struct{}{})

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		writeErr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		if errors.Is(writeErr, websocket.ErrCloseSent) {
			writeErr = nil
		}
		c.closeErr = multierr.Combine(writeErr, c.ws.Close())
		c.startOnce.Do(func() { close(c.done) })
		<-c.done
	})
	return c.closeErr
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closing && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.readErr = err
			}
			c.mu.Unlock()
			c.log.Debug().Err(err).Msg("read loop ended")
			return
		}
		if kind != websocket.TextMessage {
			c.log.Debug().Int("kind", kind).Msg("non-text message ignored")
			continue
		}
		c.messages.Emit(eventMessage, channel.Inbound{Source: c, Origin: c.remote, Data: string(data)})
	}
}
