package modules

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danmuck/framelink/internal/testutil/testlog"
)

type counter struct {
	deps  Deps
	label string
}

func newCounter(deps Deps, config any) (any, error) {
	label, _ := config.(string)
	return &counter{deps: deps, label: label}, nil
}

func TestLoadOnceAndAccessors(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(nil)

	var added []string
	r.OnAdd(func(name string) { added = append(added, name) })

	got, err := r.Load("query", newCounter, "q")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c := got.(*counter)
	if c.deps.Registry != r || c.label != "q" {
		t.Fatalf("constructor did not receive deps and config: %+v", c)
	}
	if _, err := r.Load("store", newCounter, nil); err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := r.Load("query", newCounter, nil); !errors.Is(err, ErrModuleExists) {
		t.Fatalf("expected ErrModuleExists, got %v", err)
	}
	if !r.Has("query") || r.Has("event") {
		t.Fatalf("has mismatch")
	}
	if v, ok := r.Get("event"); ok || v != nil {
		t.Fatalf("get of unknown module should be (nil, false), got (%v, %v)", v, ok)
	}
	if _, err := r.Require("event"); !errors.Is(err, ErrModuleRequired) {
		t.Fatalf("expected ErrModuleRequired, got %v", err)
	}
	if diff := cmp.Diff([]string{"query", "store"}, r.List()); diff != "" {
		t.Fatalf("list (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"query", "store"}, added); diff != "" {
		t.Fatalf("add notifications (-want +got):\n%s", diff)
	}

	typed, err := As[*counter](r, "store")
	if err != nil || typed == nil {
		t.Fatalf("as: %v", err)
	}
	if _, err := As[string](r, "store"); !errors.Is(err, ErrModuleType) {
		t.Fatalf("expected ErrModuleType, got %v", err)
	}
}

func TestLoadRejectsBadInputAndReleasesFailedName(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(nil)

	if _, err := r.Load("", newCounter, nil); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := r.Load("x", nil, nil); !errors.Is(err, ErrNilConstructor) {
		t.Fatalf("expected ErrNilConstructor, got %v", err)
	}

	boom := errors.New("boom")
	if _, err := r.Load("x", func(Deps, any) (any, error) { return nil, boom }, nil); !errors.Is(err, boom) {
		t.Fatalf("expected constructor error, got %v", err)
	}
	if r.Has("x") {
		t.Fatalf("failed module must not be visible")
	}
	if _, err := r.Load("x", newCounter, nil); err != nil {
		t.Fatalf("name should be free after a failed load: %v", err)
	}
}

func TestConstructorMayLoadDependencies(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(nil)

	_, err := r.Load("outer", func(deps Deps, _ any) (any, error) {
		if _, err := deps.Registry.Load("outer", newCounter, nil); !errors.Is(err, ErrModuleExists) {
			t.Errorf("self load should fail with ErrModuleExists, got %v", err)
		}
		return deps.Registry.Load("inner", newCounter, nil)
	}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]string{"inner", "outer"}, r.List()); diff != "" {
		t.Fatalf("list (-want +got):\n%s", diff)
	}
}
