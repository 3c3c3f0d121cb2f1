package memgc

import (
	"fmt"
	"unsafe"

	"ty/pkg/value"
)

// Kind is the GC allocation kind enumerated in §3.3.
type Kind uint8

const (
	KindString Kind = iota
	KindArray
	KindDict
	KindObject
	KindRegex
	KindBlob
	KindGenerator
	KindThread
	KindFunEnv
	KindFFIAuto
	KindValueCell
)

// Alloc records (pointer, kind, size, mark, hard) for one GC-managed
// block, per §3.3.
type Alloc struct {
	ptr     unsafe.Pointer
	owner   *value.Value // set for KindObject, so sweep can hand the real object to FinalizerFunc
	Kind    Kind
	Size    int
	marked  bool
	hard    int32 // hard-held count; >=1 survives collection regardless of reachability
	freed   bool

	// finalized guards Design Notes open question (b): a finalizer that
	// resurrects its object by rooting it must not be re-run if the
	// object becomes unreachable again — that is raised as an error
	// instead of silently re-invoked.
	finalized bool
}

func (a *Alloc) Hard() bool { return a.hard > 0 }

// FinalizerFunc invokes a class's __free__ under a fresh VM frame
// (§4.3); injected by the VM package to avoid an import cycle (memgc
// cannot import vm, which imports memgc).
type FinalizerFunc func(obj *value.Value) error

// Heap is the per-thread-group GC allocation list and trigger state
// (§3.3/§4.3). Grounded on the teacher's region.go RegionContext for the
// "one allocator, one registry, explicit lifecycle" shape; the tracing
// mark/sweep algorithm itself has no teacher analogue and is written
// fresh from §3.3/§4.3.
type Heap struct {
	allocs     *GCVec[*Alloc]
	byPtr      map[unsafe.Pointer]*Alloc
	memUsed    int64
	memLimit   int64
	gcOffCount int32
	finalize   FinalizerFunc
	Stats      Stats
}

// Stats tracks collection counters for diagnostics and tests (not part
// of §8's invariants); cmd/ty does not print them.
type Stats struct {
	Collections int
	Freed       int
	Finalized   int
}

// NewHeap creates a heap with the given initial memory_limit (§3.3).
func NewHeap(initialLimit int64) *Heap {
	return &Heap{
		allocs:   NewGCVec[*Alloc](),
		byPtr:    make(map[unsafe.Pointer]*Alloc),
		memLimit: initialLimit,
	}
}

// SetFinalizer installs the callback used to run a class's finalizer
// during sweep.
func (h *Heap) SetFinalizer(f FinalizerFunc) { h.finalize = f }

// NoGC increments the GC_OFF_COUNT pause counter (§3.3); balanced by OkGC.
func (h *Heap) NoGC() { h.gcOffCount++ }

// OkGC decrements the pause counter.
func (h *Heap) OkGC() {
	if h.gcOffCount > 0 {
		h.gcOffCount--
	}
}

func (h *Heap) paused() bool { return h.gcOffCount > 0 }

// MemoryUsed reports bytes currently attributed to live allocations.
func (h *Heap) MemoryUsed() int64 { return h.memUsed }

// MemoryLimit reports the current trigger threshold.
func (h *Heap) MemoryLimit() int64 { return h.memLimit }

// ShouldCollect implements the trigger rule: memory_used > memory_limit.
func (h *Heap) ShouldCollect() bool {
	return !h.paused() && h.memUsed > h.memLimit
}

func ptrFor(v *value.Value) unsafe.Pointer {
	switch v.Kind {
	case value.KString:
		if v.Root != nil {
			return nil // slice of another string; not separately tracked
		}
		return unsafe.Pointer(v)
	case value.KArray:
		return unsafe.Pointer(v.Arr)
	case value.KDict:
		return unsafe.Pointer(v.Dct)
	case value.KObject:
		return unsafe.Pointer(v.Obj)
	case value.KRegex:
		return unsafe.Pointer(v.Rx)
	case value.KBlob:
		return unsafe.Pointer(v.Blob)
	case value.KGenerator:
		return unsafe.Pointer(v.Gen)
	case value.KThread:
		return unsafe.Pointer(v.Thr)
	default:
		return nil
	}
}

// Register records a fresh allocation for v respecting GC_OFF_COUNT.
// Respects §4.3 "gc_alloc ... Respects GC_OFF_COUNT" by always
// registering (pausing only stops collection, never allocation).
func (h *Heap) Register(v *value.Value, kind Kind, size int) *Alloc {
	p := ptrFor(v)
	a := &Alloc{ptr: p, Kind: kind, Size: size}
	if kind == KindObject {
		a.owner = v
	}
	h.allocs.Push(a)
	if p != nil {
		h.byPtr[p] = a
	}
	h.memUsed += int64(size)
	return a
}

// RegisterCell registers a ValueCell box (closures' shared upvalues).
func (h *Heap) RegisterCell(c *value.ValueCell) *Alloc {
	p := unsafe.Pointer(c)
	a := &Alloc{ptr: p, Kind: KindValueCell, Size: 24}
	h.allocs.Push(a)
	h.byPtr[p] = a
	h.memUsed += 24
	return a
}

// Hold increments the hard-hold counter, protecting an allocation from
// collection regardless of reachability (NOGC/OKGC brackets, §3.3).
func Hold(a *Alloc) {
	if a != nil {
		a.hard++
	}
}

// Release decrements the hard-hold counter.
func Release(a *Alloc) {
	if a != nil && a.hard > 0 {
		a.hard--
	}
}

// mark walks v and every Value reachable from it, flagging the backing
// Alloc (if any) as marked and recursing into embedded Value vectors per
// kind (gc_mark, §4.3).
func (h *Heap) mark(v *value.Value) {
	if v == nil {
		return
	}
	p := ptrFor(v)
	if p != nil {
		a, ok := h.byPtr[p]
		if !ok || a.marked {
			return
		}
		a.marked = true
	}

	switch v.Kind {
	case value.KArray:
		for _, item := range v.Arr.Items {
			h.mark(item)
		}
	case value.KDict:
		v.Dct.Each(func(k, val *value.Value) {
			h.mark(k)
			h.mark(val)
		})
	case value.KTuple:
		for _, item := range v.Tup.Items {
			h.mark(item)
		}
	case value.KObject:
		for _, slot := range v.Obj.Slots {
			h.mark(slot)
		}
	case value.KFunction:
		if v.Fn != nil {
			for _, cell := range v.Fn.Env {
				if cell != nil {
					if cp, ok := h.byPtr[unsafe.Pointer(cell)]; ok {
						cp.marked = true
					}
					h.mark(cell.V)
				}
			}
		}
	case value.KMethod, value.KBuiltinMethod, value.KBuiltinFunction:
		if v.Method != nil {
			h.mark(v.Method.Receiver)
			h.mark(v.Method.Callee)
		}
	case value.KString:
		if v.Root != nil {
			h.mark(v.Root)
		}
	}
}

// RootSet is every documented root source for one thread (§3.3): value
// stack, target stack, call stack, try-stack, defer stack, global
// variable table (passed separately since it's shared, see Collect),
// every live generator's saved stack, and the explicit gc root set
// vector used by builtins holding a Value outside of any structure.
type RootSet struct {
	ValueStack  []*value.Value
	TargetStack []*value.Value
	CallStack   []*value.Value // frame function Values
	TryStack    []*value.Value
	DeferStack  []*value.Value
	Generators  []*value.Value
	Explicit    []*value.Value // builtin-protected roots
}

func (r RootSet) all() [][]*value.Value {
	return [][]*value.Value{
		r.ValueStack, r.TargetStack, r.CallStack,
		r.TryStack, r.DeferStack, r.Generators, r.Explicit,
	}
}

// Collect runs phases (b)-(d) of §4.3's stop-the-world mark-and-sweep:
// mark from every root, sweep unmarked allocations (invoking the
// finalizer for unmarked Objects first), then reset marks. Phase (a),
// parking other threads at a safepoint, is the caller's responsibility
// (pkg/concurrent coordinates that before calling Collect).
func (h *Heap) Collect(globals []*value.Value, roots []RootSet) error {
	if h.paused() {
		return nil
	}
	h.Stats.Collections++

	// (b) mark
	for _, g := range globals {
		h.mark(g)
	}
	for _, rs := range roots {
		for _, stack := range rs.all() {
			for _, v := range stack {
				h.mark(v)
			}
		}
	}
	// Hard-held allocations survive regardless of reachability.
	for _, a := range h.allocs.Items() {
		if a.Hard() {
			a.marked = true
		}
	}

	// (c) sweep
	var kept []*Alloc
	for _, a := range h.allocs.Items() {
		if a.marked || a.freed {
			kept = append(kept, a)
			continue
		}
		if a.Kind == KindObject {
			if err := h.finalizeAlloc(a); err != nil {
				return err
			}
		}
		a.freed = true
		h.memUsed -= int64(a.Size)
		h.Stats.Freed++
		if a.ptr != nil {
			delete(h.byPtr, a.ptr)
		}
	}
	h.allocs.Replace(kept)

	// (d) reset marks, raise the limit (doubling trigger, §3.3)
	for _, a := range h.allocs.Items() {
		a.marked = false
	}
	if h.memUsed > 0 {
		h.memLimit = 2 * h.memUsed
	}
	return nil
}

func (h *Heap) finalizeAlloc(a *Alloc) error {
	if h.finalize == nil {
		return nil
	}
	if a.finalized {
		return fmt.Errorf("memgc: double finalization of %p", a.ptr)
	}
	a.finalized = true
	h.Stats.Finalized++
	// The finalizer runs under a fresh try-frame (§4.3); the VM's
	// FinalizerFunc implementation is responsible for catching a thrown
	// exception so it aborts only the finalizer, not the collector.
	return h.finalize(a.owner)
}
