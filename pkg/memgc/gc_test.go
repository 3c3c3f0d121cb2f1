package memgc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ty/pkg/value"
)

func newTrackedArray(h *Heap, items ...*value.Value) *value.Value {
	v := &value.Value{Kind: value.KArray, Arr: &value.ArrayData{Items: items}}
	h.Register(v, KindArray, 64)
	return v
}

func TestCollectFreesUnreachable(t *testing.T) {
	h := NewHeap(1 << 20)
	reachable := newTrackedArray(h, value.NewInt(1))
	_ = newTrackedArray(h) // unreachable from the start

	require.NoError(t, h.Collect(nil, []RootSet{{Explicit: []*value.Value{reachable}}}))
	require.Equal(t, 1, h.Stats.Freed)
	require.Equal(t, 1, h.allocs.Len())
}

func TestCollectMarksNestedReachability(t *testing.T) {
	h := NewHeap(1 << 20)
	inner := newTrackedArray(h, value.NewInt(7))
	outer := newTrackedArray(h, inner)

	require.NoError(t, h.Collect(nil, []RootSet{{Explicit: []*value.Value{outer}}}))
	require.Equal(t, 0, h.Stats.Freed)
	require.Equal(t, 2, h.allocs.Len())
}

func TestHoldSurvivesCollectionWithoutRoot(t *testing.T) {
	h := NewHeap(1 << 20)
	v := newTrackedArray(h)
	a := h.byPtr[ptrFor(v)]
	Hold(a)

	require.NoError(t, h.Collect(nil, nil))
	require.Equal(t, 0, h.Stats.Freed)

	Release(a)
	require.NoError(t, h.Collect(nil, nil))
	require.Equal(t, 1, h.Stats.Freed)
}

func TestDoublingTrigger(t *testing.T) {
	h := NewHeap(10)
	require.False(t, h.ShouldCollect())
	h.Register(newTrackedArray(h), KindArray, 20)
	require.True(t, h.ShouldCollect())
}

func TestNoGCPausesCollection(t *testing.T) {
	h := NewHeap(1 << 20)
	_ = newTrackedArray(h)
	h.NoGC()
	require.NoError(t, h.Collect(nil, nil))
	require.Equal(t, 0, h.Stats.Collections)
	h.OkGC()
	require.NoError(t, h.Collect(nil, nil))
	require.Equal(t, 1, h.Stats.Collections)
}

func TestFinalizerRunsOnceThenErrorsOnResurrection(t *testing.T) {
	h := NewHeap(1 << 20)
	var calls int
	h.SetFinalizer(func(obj *value.Value) error {
		calls++
		return nil
	})

	obj := &value.Value{Kind: value.KObject, Obj: &value.ObjectData{}}
	a := h.Register(obj, KindObject, 32)

	require.NoError(t, h.Collect(nil, nil))
	require.Equal(t, 1, calls)
	require.True(t, a.finalized)

	// Simulate resurrection: the finalizer rooted it again, then it goes
	// unreachable a second time without being re-registered.
	a.freed = false
	a.marked = false
	h.allocs.Push(a)
	h.byPtr[a.ptr] = a

	err := h.Collect(nil, nil)
	require.Error(t, err)
}
