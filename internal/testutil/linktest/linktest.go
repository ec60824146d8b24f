// Package linktest wires a parent and a child channel over in-memory windows
// for package tests.
package linktest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/codec"
	"github.com/danmuck/framelink/internal/transport/memory"
)

const (
	ParentURL = "https://host.example/app"
	ChildURL  = "https://embed.example/frame/index.html"

	ParentOrigin = "https://host.example"
	ChildOrigin  = "https://embed.example"
)

type Options struct {
	ParentLogger  *zerolog.Logger
	ChildLogger   *zerolog.Logger
	ParentVersion string
	ChildVersion  string
	// ChildPending starts the child window unloaded.
	ChildPending bool
}

type Pair struct {
	ParentWindow *memory.Window
	ChildWindow  *memory.Window
	Parent       *channel.Channel
	Child        *channel.Channel
}

// NewPair builds two unconnected channels. Windows are closed on cleanup.
func NewPair(t testing.TB, opts Options) *Pair {
	t.Helper()

	var childOpts []memory.Option
	if opts.ChildPending {
		childOpts = append(childOpts, memory.Pending())
	}
	parentWin := memory.NewWindow(ParentOrigin)
	childWin := memory.NewWindow(ChildOrigin, childOpts...)
	t.Cleanup(func() {
		parentWin.Close()
		childWin.Close()
	})

	parentCfg := channel.DefaultConfig()
	parentCfg.Role = channel.RoleParent
	parentCfg.AutoConnect = false
	parentCfg.Codec = codec.NewDefaultRegistry()
	parentCfg.Logger = pick(opts.ParentLogger, parentCfg.Logger)
	if opts.ParentVersion != "" {
		parentCfg.Version = opts.ParentVersion
	}
	parent, err := channel.New(parentWin, parentWin.Proxy(childWin), ChildURL, parentCfg)
	if err != nil {
		t.Fatalf("parent channel: %v", err)
	}

	childCfg := channel.DefaultConfig()
	childCfg.Role = channel.RoleChild
	childCfg.AutoConnect = false
	childCfg.Codec = codec.NewDefaultRegistry()
	childCfg.Logger = pick(opts.ChildLogger, childCfg.Logger)
	if opts.ChildVersion != "" {
		childCfg.Version = opts.ChildVersion
	}
	child, err := channel.New(childWin, childWin.Proxy(parentWin), ParentURL, childCfg)
	if err != nil {
		t.Fatalf("child channel: %v", err)
	}

	return &Pair{
		ParentWindow: parentWin,
		ChildWindow:  childWin,
		Parent:       parent,
		Child:        child,
	}
}

// Connect runs the child-initiated handshake to completion.
func (p *Pair) Connect(t testing.TB) {
	t.Helper()
	if _, err := p.Child.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.Settle(t)
	if !p.Parent.IsConnected() || !p.Child.IsConnected() {
		t.Fatalf("handshake incomplete: parent=%v child=%v", p.Parent.IsConnected(), p.Child.IsConnected())
	}
}

// Settle waits until both event loops drained.
func (p *Pair) Settle(t testing.TB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := memory.Settle(ctx, p.ParentWindow, p.ChildWindow); err != nil {
		t.Fatalf("settle: %v", err)
	}
}

// Context returns a bounded context for awaiting promises.
func Context(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pick(l *zerolog.Logger, fallback zerolog.Logger) zerolog.Logger {
	if l == nil {
		return fallback
	}
	return *l
}
