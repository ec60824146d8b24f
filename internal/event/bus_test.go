package event

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/danmuck/framelink/internal/testutil/linktest"
	"github.com/danmuck/framelink/internal/testutil/testlog"
)

type hit struct {
	Pattern   string
	Name      string
	Args      []any
	Direction Direction
}

type sink struct {
	mu   sync.Mutex
	hits []hit
}

func (s *sink) on(b *Bus, pattern string) {
	b.On(pattern, func(ev Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.hits = append(s.hits, hit{Pattern: pattern, Name: ev.Name, Args: ev.Args, Direction: ev.Direction})
	})
}

func (s *sink) take() []hit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.hits
	s.hits = nil
	return out
}

func TestNamespacedEmitFiresWildcardsLocallyAndRemotely(t *testing.T) {
	testlog.Start(t)
	p := linktest.NewPair(t, linktest.Options{})
	parent := New(p.Parent, DefaultConfig())
	child := New(p.Child, DefaultConfig())
	p.Connect(t)

	local, remote := &sink{}, &sink{}
	for _, pattern := range []string{"a:b:c", "a:b:*", "a:*", "*", "a:b", "z:*"} {
		local.on(parent, pattern)
		remote.on(child, pattern)
	}

	if err := parent.Emit("a:b:c", 1.0, "x"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	args := []any{1.0, "x"}
	want := func(dir Direction) []hit {
		return []hit{
			{Pattern: "a:*", Name: "a:b:c", Args: args, Direction: dir},
			{Pattern: "a:b:*", Name: "a:b:c", Args: args, Direction: dir},
			{Pattern: "*", Name: "a:b:c", Args: args, Direction: dir},
			{Pattern: "a:b:c", Name: "a:b:c", Args: args, Direction: dir},
		}
	}
	if diff := cmp.Diff(want(Internal), local.take()); diff != "" {
		t.Fatalf("local listeners (-want +got):\n%s", diff)
	}

	p.Settle(t)
	if diff := cmp.Diff(want(External), remote.take()); diff != "" {
		t.Fatalf("remote listeners (-want +got):\n%s", diff)
	}
	if got := local.take(); len(got) != 0 {
		t.Fatalf("emit must not echo back to the sender, got %v", got)
	}
}

func TestSeparatorAndGlobalListenerCanBeDisabled(t *testing.T) {
	testlog.Start(t)
	p := linktest.NewPair(t, linktest.Options{})
	cfg := DefaultConfig()
	cfg.Separator = ""
	cfg.GlobalListener = false
	bus := New(p.Parent, cfg)

	s := &sink{}
	for _, pattern := range []string{"a:b", "a:*", "*"} {
		s.on(bus, pattern)
	}
	_ = bus.Emit("a:b")

	got := s.take()
	if len(got) != 1 || got[0].Pattern != "a:b" {
		t.Fatalf("only the exact listener should fire, got %+v", got)
	}
	if got[0].Args == nil || len(got[0].Args) != 0 {
		t.Fatalf("argument list should be empty, got %#v", got[0].Args)
	}
}

func TestEmitBeforeConnectIsDeliveredAfterHandshake(t *testing.T) {
	testlog.Start(t)
	p := linktest.NewPair(t, linktest.Options{})
	parent := New(p.Parent, DefaultConfig())
	child := New(p.Child, DefaultConfig())

	once := 0
	child.Once("boot", func(Event) { once++ })
	when := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	var gotAt any
	child.On("boot", func(ev Event) { gotAt = ev.Args[0] })

	_ = parent.Emit("boot", when)
	_ = parent.Emit("boot", when)
	p.Connect(t)
	p.Settle(t)

	if once != 1 {
		t.Fatalf("once listener should fire exactly once, got %d", once)
	}
	if at, ok := gotAt.(time.Time); !ok || !at.Equal(when) {
		t.Fatalf("time argument should survive the trip, got %#v", gotAt)
	}
}

func TestOffRemovesListener(t *testing.T) {
	testlog.Start(t)
	p := linktest.NewPair(t, linktest.Options{})
	bus := New(p.Parent, DefaultConfig())
	count := 0
	id := bus.On("x", func(Event) { count++ })
	_ = bus.Emit("x")
	if !bus.Off("x", id) {
		t.Fatalf("off should report removal")
	}
	_ = bus.Emit("x")
	if count != 1 {
		t.Fatalf("expected one call, got %d", count)
	}
}
