package store

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/testutil/linktest"
	"github.com/danmuck/framelink/internal/testutil/testlog"
)

type frameCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func countFrames(p *linktest.Pair) *frameCounter {
	fc := &frameCounter{counts: map[string]int{}}
	p.ChildWindow.AddMessageListener(func(msg channel.Inbound) error {
		env, err := channel.DecodeEnvelope(msg.Data)
		if err != nil {
			return nil
		}
		fc.mu.Lock()
		fc.counts[env.EventName]++
		fc.mu.Unlock()
		return nil
	})
	return fc
}

func (fc *frameCounter) get(name string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.counts[name]
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (c *changeLog) watch(s *Store, key string) {
	s.On(key, func(ch Change) {
		c.mu.Lock()
		c.changes = append(c.changes, ch)
		c.mu.Unlock()
	})
}

func (c *changeLog) take() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.changes
	c.changes = nil
	return out
}

type stores struct {
	pair   *linktest.Pair
	parent *Store
	child  *Store
}

func connectedStores(t *testing.T, parentCfg, childCfg Config) *stores {
	t.Helper()
	p := linktest.NewPair(t, linktest.Options{})
	s := &stores{pair: p, parent: New(p.Parent, parentCfg), child: New(p.Child, childCfg)}
	p.Connect(t)
	return s
}

func TestSetFiresInternalThenExternalOnce(t *testing.T) {
	testlog.Start(t)
	s := connectedStores(t, DefaultConfig(), DefaultConfig())
	frames := countFrames(s.pair)
	local, remote := &changeLog{}, &changeLog{}
	local.watch(s.parent, "theme")
	remote.watch(s.child, "theme")

	if err := s.parent.Set("theme", "dark"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if diff := cmp.Diff([]Change{{Key: "theme", Value: "dark", Direction: Internal}}, local.take()); diff != "" {
		t.Fatalf("local change must fire synchronously (-want +got):\n%s", diff)
	}
	s.pair.Settle(t)

	if diff := cmp.Diff([]Change{{Key: "theme", Value: "dark", Direction: External}}, remote.take()); diff != "" {
		t.Fatalf("remote change (-want +got):\n%s", diff)
	}
	if got, _ := s.child.Get("theme"); got != "dark" {
		t.Fatalf("child value %v", got)
	}
	if n := frames.get(WireSet); n != 1 {
		t.Fatalf("expected one store frame, got %d", n)
	}
}

func TestSetSameScalarIsSilent(t *testing.T) {
	testlog.Start(t)
	s := connectedStores(t, DefaultConfig(), DefaultConfig())
	_ = s.parent.Set("count", 3)
	s.pair.Settle(t)

	frames := countFrames(s.pair)
	local, remote := &changeLog{}, &changeLog{}
	local.watch(s.parent, "count")
	remote.watch(s.child, "count")

	_ = s.parent.Set("count", 3)
	_ = s.parent.SetBulk(map[string]any{"count": 3})
	s.pair.Settle(t)

	if got := local.take(); len(got) != 0 {
		t.Fatalf("unchanged scalar must not fire locally, got %v", got)
	}
	if got := remote.take(); len(got) != 0 {
		t.Fatalf("unchanged scalar must not fire remotely, got %v", got)
	}
	if frames.get(WireSet)+frames.get(WireBulk) != 0 {
		t.Fatalf("unchanged scalar must not send a frame")
	}

	// objects are always treated as changed
	_ = s.parent.Set("obj", map[string]any{"a": 1})
	_ = s.parent.Set("obj", map[string]any{"a": 1})
	_ = s.parent.Set("nothing", nil)
	_ = s.parent.Set("nothing", nil)
	s.pair.Settle(t)
	if n := frames.get(WireSet); n != 4 {
		t.Fatalf("expected 4 store frames for objects and nil, got %d", n)
	}
}

func TestSetSameNumberAfterRemoteUpdateIsSilent(t *testing.T) {
	testlog.Start(t)
	s := connectedStores(t, DefaultConfig(), DefaultConfig())
	_ = s.child.Set("count", 3)
	s.pair.Settle(t)
	if got, _ := s.parent.Get("count"); got != 3.0 {
		t.Fatalf("remote number should arrive as float64, got %#v", got)
	}

	frames := countFrames(s.pair)
	local, remote := &changeLog{}, &changeLog{}
	local.watch(s.parent, "count")
	remote.watch(s.child, "count")

	_ = s.parent.Set("count", 3)
	_ = s.parent.SetBulk(map[string]any{"count": int64(3)})
	s.pair.Settle(t)

	if got := local.take(); len(got) != 0 {
		t.Fatalf("int equal to the held float64 must not fire, got %v", got)
	}
	if got := remote.take(); len(got) != 0 {
		t.Fatalf("peer must not hear an unchanged number, got %v", got)
	}
	if frames.get(WireSet)+frames.get(WireBulk) != 0 {
		t.Fatalf("unchanged number must not send a frame")
	}

	_ = s.parent.Set("count", 4)
	if diff := cmp.Diff([]Change{{Key: "count", Value: 4, Direction: Internal}}, local.take()); diff != "" {
		t.Fatalf("a different number is a change (-want +got):\n%s", diff)
	}
}

func TestSetBulkSendsOneFrame(t *testing.T) {
	testlog.Start(t)
	s := connectedStores(t, DefaultConfig(), DefaultConfig())
	_ = s.parent.Set("keep", "same")
	s.pair.Settle(t)
	frames := countFrames(s.pair)
	remote := &changeLog{}
	remote.watch(s.child, "a")
	remote.watch(s.child, "b")
	remote.watch(s.child, "keep")

	if err := s.parent.SetBulk(map[string]any{"a": "x", "b": true, "keep": "same"}); err != nil {
		t.Fatalf("bulk: %v", err)
	}
	s.pair.Settle(t)

	if n := frames.get(WireBulk); n != 1 {
		t.Fatalf("expected one bulk frame, got %d", n)
	}
	if got := len(remote.take()); got != 2 {
		t.Fatalf("expected two external changes, got %d", got)
	}
	want := map[string]any{"a": "x", "b": true, "keep": "same"}
	if diff := cmp.Diff(want, s.child.GetAll()); diff != "" {
		t.Fatalf("child store (-want +got):\n%s", diff)
	}
}

func TestRemoteUpdateOverwritesUnconditionally(t *testing.T) {
	testlog.Start(t)
	s := connectedStores(t, DefaultConfig(), DefaultConfig())
	_ = s.child.Set("k", "mine")
	s.pair.Settle(t)
	remote := &changeLog{}
	remote.watch(s.child, "k")

	_ = s.parent.Set("k", "theirs")
	s.pair.Settle(t)
	if got, _ := s.child.Get("k"); got != "theirs" {
		t.Fatalf("remote write should win, got %v", got)
	}
	if got := remote.take(); len(got) != 1 || got[0].Direction != External {
		t.Fatalf("expected one external change, got %v", got)
	}
}

func TestReconcileWithoutMergeChildWins(t *testing.T) {
	testlog.Start(t)
	s := connectedStores(t, DefaultConfig(), DefaultConfig())
	parentLog, childLog := &changeLog{}, &changeLog{}
	parentLog.watch(s.parent, "k")
	childLog.watch(s.child, "k")

	s.parent.mu.Lock()
	s.parent.values["k"] = "parent"
	s.parent.mu.Unlock()
	s.child.mu.Lock()
	s.child.values["k"] = "child"
	s.child.mu.Unlock()

	s.parent.receiveSync(map[string]any{"k": map[string]any{"value": "child"}})
	s.child.receiveSync(map[string]any{"k": map[string]any{"value": "parent"}})

	if got, _ := s.parent.Get("k"); got != "child" {
		t.Fatalf("parent should adopt the child's value, got %v", got)
	}
	if got, _ := s.child.Get("k"); got != "child" {
		t.Fatalf("child should keep its value, got %v", got)
	}
	if diff := cmp.Diff([]Change{{Key: "k", Value: "child", Direction: External}}, parentLog.take()); diff != "" {
		t.Fatalf("parent changes (-want +got):\n%s", diff)
	}
	if got := childLog.take(); len(got) != 0 {
		t.Fatalf("child must not fire when keeping its value, got %v", got)
	}
}

func TestReconcileWithMerge(t *testing.T) {
	testlog.Start(t)
	sum := func(_ string, local, remote any) any {
		return local.(float64) + remote.(float64)
	}
	keepLocal := func(_ string, local, _ any) any { return local }
	s := connectedStores(t, Config{Merge: sum, Logger: DefaultConfig().Logger}, Config{Merge: keepLocal, Logger: DefaultConfig().Logger})
	parentLog, childLog := &changeLog{}, &changeLog{}
	parentLog.watch(s.parent, "n")
	childLog.watch(s.child, "n")

	s.parent.mu.Lock()
	s.parent.values["n"] = 2.0
	s.parent.mu.Unlock()
	s.child.mu.Lock()
	s.child.values["n"] = 5.0
	s.child.mu.Unlock()

	s.parent.receiveSync(map[string]any{"n": map[string]any{"value": 5.0}})
	s.child.receiveSync(map[string]any{"n": map[string]any{"value": 2.0}})

	if got, _ := s.parent.Get("n"); got != 7.0 {
		t.Fatalf("parent should hold the merged value, got %v", got)
	}
	if got, _ := s.child.Get("n"); got != 5.0 {
		t.Fatalf("merge returning local must leave the child untouched, got %v", got)
	}
	if got := parentLog.take(); len(got) != 1 {
		t.Fatalf("expected one parent change, got %v", got)
	}
	if got := childLog.take(); len(got) != 0 {
		t.Fatalf("unchanged merge result must not fire, got %v", got)
	}
}

func TestReconcileAdoptsMissingAndIgnoresEqual(t *testing.T) {
	testlog.Start(t)
	s := connectedStores(t, DefaultConfig(), DefaultConfig())
	log := &changeLog{}
	log.watch(s.child, "new")
	log.watch(s.child, "same")

	s.child.mu.Lock()
	s.child.values["same"] = 1
	s.child.mu.Unlock()
	s.child.receiveSync(map[string]any{
		"new":  map[string]any{"value": "x"},
		"same": map[string]any{"value": 1.0},
	})

	if diff := cmp.Diff([]Change{{Key: "new", Value: "x", Direction: External}}, log.take()); diff != "" {
		t.Fatalf("changes (-want +got):\n%s", diff)
	}
	if got, _ := s.child.Get("same"); got != 1 {
		t.Fatalf("equal value must be left as is, got %#v", got)
	}
}

func TestReconcileExplicitNilIsAConflict(t *testing.T) {
	testlog.Start(t)
	s := connectedStores(t, DefaultConfig(), DefaultConfig())
	parentLog, childLog := &changeLog{}, &changeLog{}
	parentLog.watch(s.parent, "k")
	childLog.watch(s.child, "k")

	s.parent.mu.Lock()
	s.parent.values["k"] = "parent"
	s.parent.mu.Unlock()
	s.child.mu.Lock()
	s.child.values["k"] = nil
	s.child.mu.Unlock()

	s.child.receiveSync(map[string]any{"k": map[string]any{"value": "parent"}})
	s.parent.receiveSync(map[string]any{"k": map[string]any{"value": nil}})

	if got, ok := s.child.Get("k"); !ok || got != nil {
		t.Fatalf("child should keep its explicit nil, got %v %v", got, ok)
	}
	if got, ok := s.parent.Get("k"); !ok || got != nil {
		t.Fatalf("parent should adopt the child's nil, got %v %v", got, ok)
	}
	if got := childLog.take(); len(got) != 0 {
		t.Fatalf("child must not fire when keeping nil, got %v", got)
	}
	if diff := cmp.Diff([]Change{{Key: "k", Value: nil, Direction: External}}, parentLog.take()); diff != "" {
		t.Fatalf("parent changes (-want +got):\n%s", diff)
	}
}

func TestReloadedChildResyncsFromSnapshot(t *testing.T) {
	testlog.Start(t)
	s := connectedStores(t, DefaultConfig(), DefaultConfig())
	_ = s.parent.SetBulk(map[string]any{"theme": "dark", "ratio": 1.5})
	s.pair.Settle(t)

	if err := s.pair.Child.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	cfg := channel.DefaultConfig()
	cfg.Role = channel.RoleChild
	cfg.AutoConnect = false
	fresh, err := channel.New(s.pair.ChildWindow, s.pair.ChildWindow.Proxy(s.pair.ParentWindow), linktest.ParentURL, cfg)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	reloaded := New(fresh, DefaultConfig())
	log := &changeLog{}
	log.watch(reloaded, "theme")

	if _, err := fresh.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.pair.Settle(t)

	if diff := cmp.Diff(s.parent.GetAll(), reloaded.GetAll()); diff != "" {
		t.Fatalf("reloaded child should match parent (-parent +child):\n%s", diff)
	}
	if got := log.take(); len(got) != 1 || got[0].Direction != External {
		t.Fatalf("expected one external change for theme, got %v", got)
	}
}
