package registry

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type widget struct{ name string }

func TestAddAndGet(t *testing.T) {
	r := New[widget]()
	w := &widget{name: "w1"}
	r.Add("id-1", w)

	got, ok := r.Get("id-1")
	require.True(t, ok)
	require.Same(t, w, got)
}

func TestGetMissingReturnsFalse(t *testing.T) {
	r := New[widget]()
	_, ok := r.Get("nope")
	require.False(t, ok)
}

func TestRemoveDropsEntry(t *testing.T) {
	r := New[widget]()
	r.Add("id-1", &widget{name: "w1"})
	r.Remove("id-1")
	_, ok := r.Get("id-1")
	require.False(t, ok)
}

func TestDistributeIsAliasForAdd(t *testing.T) {
	r := New[widget]()
	w := &widget{name: "w1"}
	r.Distribute("id-1", w)
	got, ok := r.Get("id-1")
	require.True(t, ok)
	require.Same(t, w, got)
}

// TestSweepReclaimsUnreachableEntries exercises the weak-GC property
// (spec §8): once the caller drops its only strong reference, the
// registry must stop reporting the entry as live after a GC pass.
func TestSweepReclaimsUnreachableEntries(t *testing.T) {
	r := New[widget]()
	func() {
		w := &widget{name: "ephemeral"}
		r.Add("id-1", w)
		runtime.KeepAlive(w)
	}()

	var ok bool
	for i := 0; i < 20; i++ {
		runtime.GC()
		time.Sleep(time.Millisecond)
		_, ok = r.Get("id-1")
		if !ok {
			break
		}
	}
	require.False(t, ok, "entry should become unreachable once its strong reference is dropped")
	require.Equal(t, 0, r.Len())
}

func TestAllReturnsLiveEntries(t *testing.T) {
	r := New[widget]()
	r.Add("a", &widget{name: "a"})
	r.Add("b", &widget{name: "b"})
	require.Len(t, r.All(), 2)
}
