package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/framelink/internal/codec"
)

// Promise is a value that settles once, from any goroutine.
type Promise struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// NewPromise returns a pending promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve returns a promise already fulfilled with v.
func Resolve(v any) *Promise {
	p := NewPromise()
	p.Settle(v, nil)
	return p
}

// Reject returns a promise already rejected with err.
func Reject(err error) *Promise {
	p := NewPromise()
	p.Settle(nil, err)
	return p
}

// Go runs fn on its own goroutine and settles with its result. A panic in
// fn rejects the promise.
func Go(fn func() (any, error)) *Promise {
	p := NewPromise()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.Settle(nil, panicError(r))
			}
		}()
		p.Settle(fn())
	}()
	return p
}

// Settle fulfills (err == nil) or rejects the promise. Only the first call
// has an effect; it reports whether this call settled it.
func (p *Promise) Settle(v any, err error) bool {
	settled := false
	p.once.Do(func() {
		p.value = v
		p.err = err
		settled = true
		close(p.done)
	})
	return settled
}

// Done is closed once the promise settled.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the promise settles or ctx ends. Giving up on ctx does
// not cancel anything on the peer.
func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Promise) result() (any, error) {
	<-p.done
	return p.value, p.err
}

// AwaitAs awaits p and converts the result to T, decoding generic trees
// with json field names.
func AwaitAs[T any](ctx context.Context, p *Promise) (T, error) {
	var out T
	v, err := p.Await(ctx)
	if err != nil {
		return out, err
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	if err := codec.DecodeInto(v, &out); err != nil {
		return out, err
	}
	return out, nil
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return codec.NewError(codec.KindInternalError, err.Error())
	}
	return codec.NewError(codec.KindInternalError, fmt.Sprint(r))
}
