package memgc

// Two explicit, mutually incompatible vector categories, resolving
// Design Notes open question (a) (the original's vv*/xv*/sv* macro
// families, whose mixing is "subtle" and undocumented — original_source
// include/vec.h). Making them distinct Go generic types means mixing
// them is a compile error instead of a runtime footgun. ArenaVec backs
// pkg/asm's compile-time constant pool; GCVec backs Heap's own
// allocation list below — a third, ScratchVec, stack-discipline
// category was drafted for compile-time temporaries but had no caller
// anywhere in this port and was removed rather than left dead.

// ArenaVec is a growable vector for compile-time data whose backing
// storage is never individually freed — it is dropped with the vector.
type ArenaVec[T any] struct {
	items []T
}

func NewArenaVec[T any]() *ArenaVec[T] { return &ArenaVec[T]{} }

func (v *ArenaVec[T]) Push(x T)   { v.items = append(v.items, x) }
func (v *ArenaVec[T]) Len() int   { return len(v.items) }
func (v *ArenaVec[T]) At(i int) T { return v.items[i] }
func (v *ArenaVec[T]) Slice() []T { return v.items }
func (v *ArenaVec[T]) Reset()     { v.items = v.items[:0] }

// GCVec is a growable vector of values the tracing GC must walk and
// compact during sweep (e.g. Heap's own allocation list, below).
type GCVec[T any] struct {
	items []T
}

func NewGCVec[T any]() *GCVec[T] { return &GCVec[T]{} }

func (v *GCVec[T]) Push(x T)       { v.items = append(v.items, x) }
func (v *GCVec[T]) Len() int       { return len(v.items) }
func (v *GCVec[T]) At(i int) T     { return v.items[i] }
func (v *GCVec[T]) Set(i int, x T) { v.items[i] = x }
func (v *GCVec[T]) Each(f func(T)) {
	for _, x := range v.items {
		f(x)
	}
}

// Items exposes the backing slice for callers (Heap's sweep) that need
// to iterate with early-exit/error-propagation Each can't express.
func (v *GCVec[T]) Items() []T { return v.items }

// Replace swaps in a new backing slice, e.g. after an in-place filter.
func (v *GCVec[T]) Replace(items []T) { v.items = items }
