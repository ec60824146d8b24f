// Package rpc is promise-correlated request/response over a channel.
//
// There is no timeout and no cancellation: a call whose peer never answers
// stays pending and its callback listener stays registered. Callers that
// need a bound use Await with a context.
package rpc

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/codec"
	"github.com/danmuck/framelink/internal/logging"
	"github.com/danmuck/framelink/internal/modules"
	"github.com/danmuck/framelink/internal/observability"
)

const (
	// WireQuery carries every request.
	WireQuery = "=> query"
	// ListQuery is answered with the names registered on that side.
	ListQuery = "__getQueryList"

	callbackPrefix = "<= query-"
)

var (
	ErrInvalidHandler  = errors.New("rpc: invalid handler")
	ErrMalformedAnswer = errors.New("rpc: malformed response")
)

// Handler serves one named query. It must return a promise; returning nil
// is reported to the caller as a failure.
type Handler func(args ...any) *Promise

// FallbackHandler serves names that have no handler.
type FallbackHandler func(name string, args ...any) *Promise

type Config struct {
	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{Logger: logging.Component("rpc")}
}

type Layer struct {
	ch  *channel.Channel
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback FallbackHandler
	seq      int64
}

// New attaches a layer to ch.
func New(ch *channel.Channel, cfg Config) *Layer {
	l := &Layer{
		ch:       ch,
		log:      cfg.Logger,
		handlers: make(map[string]Handler),
	}
	l.handlers[ListQuery] = func(...any) *Promise {
		return Resolve(l.names())
	}
	ch.On(WireQuery, l.serve)
	return l
}

// Module loads a layer through a module registry. config may be a Config or nil.
func Module(deps modules.Deps, config any) (any, error) {
	cfg := DefaultConfig()
	if c, ok := config.(Config); ok {
		cfg = c
	}
	return New(deps.Channel, cfg), nil
}

type request struct {
	CallbackName string `json:"callbackName"`
	Name         string `json:"name"`
	Args         []any  `json:"args"`
}

// Register binds name to h, replacing any previous handler.
func (l *Layer) Register(name string, h Handler) error {
	if strings.TrimSpace(name) == "" || h == nil {
		return fmt.Errorf("%w: %q", ErrInvalidHandler, name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = h
	return nil
}

func (l *Layer) Remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, name)
}

// IsRegistered reports whether name has a local handler.
func (l *Layer) IsRegistered(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.handlers[name]
	return ok
}

// SetFallback installs a catch-all for unregistered names; nil removes it.
func (l *Layer) SetFallback(fb FallbackHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = fb
}

// IsAvailable asks the peer whether name is registered there. The promise
// resolves to a bool.
func (l *Layer) IsAvailable(name string) *Promise {
	list := l.Call(ListQuery)
	return Go(func() (any, error) {
		v, err := list.result()
		if err != nil {
			return nil, err
		}
		names, _ := v.([]any)
		return slices.Contains(names, any(name)), nil
	})
}

// Call sends name(args...) to the peer. It never blocks; the promise
// settles when the answer arrives.
func (l *Layer) Call(name string, args ...any) *Promise {
	if args == nil {
		args = []any{}
	}
	id := l.nextID()
	callback := fmt.Sprintf("%s%s-%d", callbackPrefix, name, id)
	p := NewPromise()
	start := time.Now()

	listener := l.ch.Once(callback, func(data any) {
		v, err := decodeAnswer(data)
		observability.RecordRPCSettled(name, err == nil, time.Since(start))
		p.Settle(v, err)
	})
	if err := l.ch.Send(WireQuery, request{CallbackName: callback, Name: name, Args: args}); err != nil {
		l.ch.Off(callback, listener)
		p.Settle(nil, err)
	}
	return p
}

// nextID wraps to math.MinInt64 instead of reaching math.MaxInt64.
func (l *Layer) nextID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	if l.seq == math.MaxInt64 {
		l.seq = math.MinInt64
	}
	return l.seq
}

func (l *Layer) names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.handlers))
	for name := range l.handlers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (l *Layer) serve(data any) {
	m, ok := data.(map[string]any)
	if !ok {
		l.log.Debug().Msg("malformed query frame")
		return
	}
	callback, _ := m["callbackName"].(string)
	name, _ := m["name"].(string)
	args, _ := m["args"].([]any)
	if callback == "" {
		l.log.Debug().Str("query", name).Msg("query frame without callback")
		return
	}

	l.mu.RLock()
	h, registered := l.handlers[name]
	fb := l.fallback
	l.mu.RUnlock()

	var run func() *Promise
	label := name
	switch {
	case registered:
		run = func() *Promise { return h(args...) }
	case fb != nil:
		label = "fallback"
		run = func() *Promise { return fb(name, args...) }
	default:
		observability.RecordRPCServed("unregistered", false)
		l.answer(callback, failure(fmt.Sprintf("Query %q not registered.", name), codec.KindTypeError))
		return
	}

	p := invoke(run)
	if p == nil {
		msg := fmt.Sprintf("Query %q doesn't return a promise.", name)
		observability.RecordRPCServed(label, false)
		l.log.Error().Str("query", name).Msg(msg)
		l.answer(callback, failure(msg, codec.KindError))
		return
	}

	go func() {
		v, err := p.result()
		observability.RecordRPCServed(label, err == nil)
		if err != nil {
			l.answer(callback, map[string]any{
				"error":     err,
				"errorType": codec.ErrorName(err),
				"resolve":   false,
			})
			return
		}
		l.answer(callback, map[string]any{"data": v, "resolve": true})
	}()
}

func (l *Layer) answer(callback string, payload map[string]any) {
	if err := l.ch.Send(callback, payload); err != nil {
		l.log.Error().Err(err).Str("callback", callback).Msg("query answer not sent")
	}
}

func failure(msg, kind string) map[string]any {
	return map[string]any{"error": msg, "errorType": kind, "resolve": false}
}

// invoke runs a handler, turning a panic into a rejection.
func invoke(run func() *Promise) (p *Promise) {
	defer func() {
		if r := recover(); r != nil {
			p = Reject(panicError(r))
		}
	}()
	return run()
}

// decodeAnswer rebuilds the result of one answer frame. String errors are
// rebuilt from errorType when the error codec did not carry them.
func decodeAnswer(data any) (any, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, ErrMalformedAnswer
	}
	if resolved, _ := m["resolve"].(bool); resolved {
		return m["data"], nil
	}
	switch e := m["error"].(type) {
	case error:
		return nil, e
	case string:
		kind, _ := m["errorType"].(string)
		if kind != codec.KindTypeError {
			kind = codec.KindError
		}
		return nil, codec.NewError(kind, e)
	default:
		return nil, codec.NewError(codec.KindError, fmt.Sprint(e))
	}
}
