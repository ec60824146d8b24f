package emitter

import (
	"reflect"
	"testing"

	"github.com/danmuck/framelink/internal/testutil/testlog"
)

func TestEmitOrderAndOff(t *testing.T) {
	testlog.Start(t)
	e := New[int]()
	var got []string
	e.On("a", func(v int) { got = append(got, "first") })
	id := e.On("a", func(v int) { got = append(got, "second") })
	e.On("a", func(v int) { got = append(got, "third") })

	if !e.Emit("a", 1) {
		t.Fatalf("expected listeners for a")
	}
	if !e.Off("a", id) {
		t.Fatalf("expected off to remove listener")
	}
	if e.Off("a", id) {
		t.Fatalf("second off should report missing listener")
	}
	e.Emit("a", 2)

	want := []string{"first", "second", "third", "first", "third"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order mismatch: got=%v want=%v", got, want)
	}
}

func TestOnceFiresOnceUnderReentrancy(t *testing.T) {
	testlog.Start(t)
	e := New[string]()
	calls := 0
	e.Once("x", func(v string) {
		calls++
		e.Emit("x", "again")
	})
	e.Emit("x", "first")
	e.Emit("x", "third")
	if calls != 1 {
		t.Fatalf("once listener called %d times", calls)
	}
	if e.Count("x") != 0 {
		t.Fatalf("once listener still registered")
	}
}

func TestEmitWithoutListeners(t *testing.T) {
	testlog.Start(t)
	e := New[struct{}]()
	if e.Emit("missing", struct{}{}) {
		t.Fatalf("expected no listeners")
	}
	e.On("y", func(struct{}) {})
	e.RemoveAll("y")
	if e.Count("y") != 0 {
		t.Fatalf("RemoveAll left listeners")
	}
}
