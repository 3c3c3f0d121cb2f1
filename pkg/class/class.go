// Package class implements the nominal class/tag/trait registry (C2,
// §3.2/§4.2). Nothing in the teacher repo has methods, inheritance, or
// traits (ast.TUserType is a flat field bag — see DESIGN.md); this
// package is new, grounded on original_source's itable.c/itable.h for
// the interned-id-indexed instance slot vector, and on the teacher's
// registry-with-cache idiom (pkg/analysis/summary.go's SummaryRegistry)
// for the offset-cache shape.
package class

import (
	"fmt"
	"sync"

	"ty/pkg/intern"
	"ty/pkg/value"
)

// OffsetFlag marks which table an offset was resolved from.
type OffsetFlag uint8

const (
	FlagField OffsetFlag = iota // slot is an index into Fields/instance Slots
	FlagMethod                  // slot is a member-name id, look up in InstMethods
	FlagGetter
	FlagSetter
	FlagStaticField
	FlagStaticMethod
	FlagStaticGetter
	FlagStaticSetter
	flagShift = 24
)

// Offset packs (flags<<shift)|slot-index as described in §3.2. The low
// 24 bits hold either a small instance-slot index (FlagField) or an
// interned member-name id (everything else, since method/getter/setter
// tables are keyed by name id, not by a dense slot).
type Offset int32

func packOffset(flag OffsetFlag, slot int) Offset {
	return Offset(int32(flag)<<flagShift | int32(slot&0xFFFFFF))
}

func (o Offset) Flag() OffsetFlag { return OffsetFlag(int32(o) >> flagShift) }
func (o Offset) Slot() int        { return int(int32(o) & 0xFFFFFF) }

const noOffset Offset = -1

// Field is one instance field slot.
type Field struct {
	NameID int64
	Name   string
}

// Method is an instance or static method/getter/setter value.
type Method struct {
	NameID int64
	Name   string
	Fn     *value.Value // KFunction/KBuiltinFunction
}

// ID uniquely identifies a class within a Registry.
type ID int32

// Class is a record per §3.2: id, name, AST pointer (opaque — out of
// scope collaborator, kept only as an interface{} tag), super, traits,
// instance/static tables, finalizer, constructor, and the two offset
// caches (method+getter+setter folded into one cache keyed by flag+id).
type Class struct {
	ID    ID
	Name  string
	Def   interface{} // AST definition handle; opaque (parser is out of scope)
	Super *Class

	IsTrait    bool
	TraitIndex int // assigned when IsTrait; -1 otherwise

	traitBits  []uint64 // bit-vector of implemented trait indices
	traitOrder []*Class // traits in implementation order, for BFS resolution

	Fields        []Field
	InstMethods   map[int64]*Method
	Getters       map[int64]*Method
	Setters       map[int64]*Method
	StaticFields  map[int64]*value.Value
	StaticMethods map[int64]*Method
	StaticGetters map[int64]*Method
	StaticSetters map[int64]*Method

	Finalizer *value.Value // __free__, captured at finalisation time
	Init      *value.Value // constructor, captured at finalisation time

	mu         sync.RWMutex
	offsets    map[int64]Offset // method-offset cache, §4.2
	finalised  bool
	finalizing bool // cycle guard during ResolveAll
}

func newClass(id ID, name string) *Class {
	return &Class{
		ID:            id,
		Name:          name,
		TraitIndex:    -1,
		InstMethods:   make(map[int64]*Method),
		Getters:       make(map[int64]*Method),
		Setters:       make(map[int64]*Method),
		StaticFields:  make(map[int64]*value.Value),
		StaticMethods: make(map[int64]*Method),
		StaticGetters: make(map[int64]*Method),
		StaticSetters: make(map[int64]*Method),
		offsets:       make(map[int64]Offset),
	}
}

func (c *Class) bitSetHas(idx int) bool {
	w, b := idx/64, uint(idx%64)
	if w >= len(c.traitBits) {
		return false
	}
	return c.traitBits[w]&(1<<b) != 0
}

func (c *Class) bitSetAdd(idx int) {
	w, b := idx/64, uint(idx%64)
	for w >= len(c.traitBits) {
		c.traitBits = append(c.traitBits, 0)
	}
	c.traitBits[w] |= 1 << b
}

// ImplementsTrait answers in O(1) after Finalize, per §3.2.
func (c *Class) ImplementsTrait(t *Class) bool {
	if t == nil || t.TraitIndex < 0 {
		return false
	}
	return c.bitSetHas(t.TraitIndex)
}

// NewInstance allocates slots for every field, Nil-initialised (§4.2).
func NewInstance(c *Class) *value.Value {
	slots := make([]*value.Value, len(c.Fields))
	for i := range slots {
		slots[i] = value.Nil
	}
	return &value.Value{
		Kind: value.KObject,
		Obj: &value.ObjectData{
			Class: &value.ClassRef{Handle: c},
			Slots: slots,
		},
	}
}

func (c *Class) fieldSlot(nameID int64) (int, bool) {
	for i, f := range c.Fields {
		if f.NameID == nameID {
			return i, true
		}
	}
	return 0, false
}

// lookupOffsetCold walks super/traits breadth-first (§4.2) without
// touching the cache; callers insert the result.
func (c *Class) lookupOffsetCold(nameID int64) (Offset, bool) {
	seen := map[*Class]bool{}
	queue := []*Class{c}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == nil || seen[cur] {
			continue
		}
		seen[cur] = true

		if slot, ok := cur.fieldSlot(nameID); ok {
			return packOffset(FlagField, slot), true
		}
		if _, ok := cur.InstMethods[nameID]; ok {
			return packOffset(FlagMethod, int(nameID)), true
		}
		if _, ok := cur.Getters[nameID]; ok {
			return packOffset(FlagGetter, int(nameID)), true
		}
		if _, ok := cur.Setters[nameID]; ok {
			return packOffset(FlagSetter, int(nameID)), true
		}

		if cur.Super != nil {
			queue = append(queue, cur.Super)
		}
		for _, ti := range cur.traitOrder {
			queue = append(queue, ti)
		}
	}
	return noOffset, false
}

func fieldError(c *Class, nameID int64) error {
	return fmt.Errorf("class %s: no member with id %d", c.Name, nameID)
}
