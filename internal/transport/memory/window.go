// Package memory emulates cross-frame postMessage inside one process.
//
// Each Window owns a FIFO event loop goroutine: frames posted to it are
// queued and handed to its message listeners one at a time, in order.
// Windows talk through Proxy handles, which are cached per (from, to) pair
// so a receiver can compare a frame's source to its own handle by identity.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/logging"
)

var ErrClosed = errors.New("memory: window closed")

type listener struct {
	id uint64
	fn channel.MessageListener
}

type unloadListener struct {
	id uint64
	fn func()
}

type Option func(*Window)

// WithLogger sets where listener failures are reported.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Window) {
		w.log = l
	}
}

// Pending starts the window unloaded: proxies to it report not ready and
// frames posted to it are dropped until MarkLoaded.
func Pending() Option {
	return func(w *Window) {
		w.loaded = false
	}
}

// Window is one browsing context.
type Window struct {
	log     zerolog.Logger
	pending atomic.Int64

	mu       sync.Mutex
	cond     *sync.Cond
	origin   string
	loaded   bool
	ready    chan struct{}
	closed   bool
	queue    []channel.Inbound
	nextID   uint64
	messages []listener
	unload   []unloadListener
	proxies  map[*Window]*Proxy
}

// NewWindow starts a window serving origin.
func NewWindow(origin string, opts ...Option) *Window {
	w := &Window{
		log:     logging.Component("memory").With().Str("origin", origin).Logger(),
		origin:  origin,
		loaded:  true,
		ready:   make(chan struct{}),
		proxies: make(map[*Window]*Proxy),
	}
	w.cond = sync.NewCond(&w.mu)
	for _, opt := range opts {
		opt(w)
	}
	if w.loaded {
		close(w.ready)
	}
	go w.loop()
	return w
}

func (w *Window) Origin() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.origin
}

// Navigate moves the window to another origin. Frames it posts afterwards
// carry the new origin.
func (w *Window) Navigate(origin string) {
	w.mu.Lock()
	w.origin = origin
	w.mu.Unlock()
}

// MarkLoaded flips a pending window to loaded and releases deferred senders.
func (w *Window) MarkLoaded() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loaded {
		return
	}
	w.loaded = true
	close(w.ready)
}

func (w *Window) AddMessageListener(fn channel.MessageListener) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.messages = append(w.messages, listener{id: id, fn: fn})
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, l := range w.messages {
			if l.id == id {
				w.messages = append(w.messages[:i:i], w.messages[i+1:]...)
				return
			}
		}
	}
}

func (w *Window) AddUnloadListener(fn func()) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.unload = append(w.unload, unloadListener{id: id, fn: fn})
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, l := range w.unload {
			if l.id == id {
				w.unload = append(w.unload[:i:i], w.unload[i+1:]...)
				return
			}
		}
	}
}

// Proxy returns the handle w uses to post to peer.
func (w *Window) Proxy(peer *Window) *Proxy {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.proxies[peer]
	if !ok {
		p = &Proxy{from: w, to: peer}
		w.proxies[peer] = p
	}
	return p
}

// Unload runs the unload listeners, then closes the window.
func (w *Window) Unload() {
	w.mu.Lock()
	list := make([]unloadListener, len(w.unload))
	copy(list, w.unload)
	w.mu.Unlock()
	for _, l := range list {
		l.fn()
	}
	w.Close()
}

// Close stops the event loop. Queued frames are discarded.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.pending.Add(-int64(len(w.queue)))
	w.queue = nil
	w.cond.Broadcast()
}

func (w *Window) enqueue(msg channel.Inbound) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if !w.loaded {
		w.log.Debug().Str("from", msg.Origin).Msg("window not loaded, frame dropped")
		return nil
	}
	w.pending.Add(1)
	w.queue = append(w.queue, msg)
	w.cond.Signal()
	return nil
}

func (w *Window) loop() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		msg := w.queue[0]
		w.queue = w.queue[1:]
		list := make([]listener, len(w.messages))
		copy(list, w.messages)
		w.mu.Unlock()

		for _, l := range list {
			if err := l.fn(msg); err != nil {
				w.log.Error().Err(err).Msg("message listener failed")
			}
		}
		w.pending.Add(-1)
	}
}

// Idle reports whether the window has no queued or in-flight frame.
func (w *Window) Idle() bool {
	return w.pending.Load() == 0
}

// Settle blocks until every window stayed idle across two consecutive polls,
// or ctx ends.
func Settle(ctx context.Context, windows ...*Window) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	quiet := 0
	for quiet < 2 {
		idle := true
		for _, w := range windows {
			if !w.Idle() {
				idle = false
				break
			}
		}
		if idle {
			quiet++
		} else {
			quiet = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Proxy posts to one window on behalf of another.
type Proxy struct {
	from *Window
	to   *Window
}

// PostMessage queues data on the receiving window. Like the browser
// primitive, a frame whose targetOrigin does not match the receiver is
// silently dropped; "*" matches any origin.
func (p *Proxy) PostMessage(data string, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != p.to.Origin() {
		p.from.log.Debug().
			Str("target_origin", targetOrigin).
			Str("receiver_origin", p.to.Origin()).
			Msg("target origin mismatch, frame dropped")
		return nil
	}
	return p.to.enqueue(channel.Inbound{
		Source: p.to.Proxy(p.from),
		Origin: p.from.Origin(),
		Data:   data,
	})
}

// Ready is closed once the receiving window has loaded.
func (p *Proxy) Ready() <-chan struct{} {
	return p.to.ready
}

// Window returns the receiving window.
func (p *Proxy) Window() *Window {
	return p.to
}
