// Package value implements the uniform tagged Value representation (C1)
// shared by every other component of the runtime: the bytecode VM, the
// class registry, the GC, and the type checker's runtime bridge.
package value

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the variant carried by a Value.
type Kind uint8

const (
	KInteger Kind = iota
	KReal
	KBool
	KNil
	KSentinel
	KNone
	KBreak
	KUninitialized
	KIndex

	KString
	KBlob
	KArray
	KDict
	KTuple

	KObject
	KClass
	KTag
	KType

	KFunction
	KMethod
	KBuiltinMethod
	KBuiltinFunction

	KGenerator
	KThread
	KChannel
	KRegex
	KPtr
)

const maxTags = 16

// Value is the 24-byte-in-spirit tagged union of §3.1. Go cannot pack a
// union into 24 bytes the way the C original does, so this is a flat
// struct carrying every variant's fields; Kind says which are live. Every
// non-tag variant may additionally be wrapped by up to maxTags
// constructor tags (tags stack is LIFO, top at index len(Tags)-1).
type Value struct {
	Kind Kind

	Tags []int32 // constructor tag ids, stack order (top last), len<=maxTags
	Src  uint32  // location id for diagnostics

	I int64   // Integer, Char-as-Integer, Index cursor
	F float64 // Real

	B bool // Bool

	Str    string // String contents (immutable; slices share Root)
	StrOff int
	StrLen int
	Root   *Value // owning String this one is a slice of, or nil

	Blob *BlobData

	Arr *ArrayData
	Dct *DictData
	Tup *TupleData

	Obj *ObjectData

	Class *ClassRef
	TagC  *TagRef
	Typ   interface{} // *types.Type; interface{} avoids an import cycle

	Fn     *FunctionData
	Method *MethodData

	Gen *GeneratorRef
	Thr *ThreadRef
	Ch  *ChannelRef
	Rx  *RegexRef
	Ptr *PtrRef
}

// BlobData is a growable owned byte buffer.
type BlobData struct {
	Bytes []byte
}

// ArrayData is a growable vector of Values.
type ArrayData struct {
	Items []*Value
}

// dictEntry is one (hash, key, value) slot of an open-addressed Dict.
type dictEntry struct {
	hash    uint64
	key     *Value
	val     *Value
	deleted bool
}

// DictData is an open-addressed hash table with a default value.
type DictData struct {
	slots   []dictEntry
	count   int
	Default *Value
}

// TupleData is a heterogeneous vector plus parallel interned field ids
// (-1 for a positional entry).
type TupleData struct {
	Items []*Value
	Names []int32
}

// ObjectData is (class, instance slot vector indexed by the class layout).
type ObjectData struct {
	Class *ClassRef
	Slots []*Value
}

// ClassRef, TagRef are opaque handles into pkg/class; kept as interface{}
// here to avoid an import cycle (pkg/class imports pkg/value, not the
// reverse). Callers type-assert to *class.Class / *class.Tag.
type ClassRef struct{ Handle interface{} }
type TagRef struct{ Handle interface{} }

// FunctionInfo is the fixed-layout header preceding a function body —
// see SPEC_FULL §6 / original_source include/defs.h FUN_* constants.
type FunctionInfo struct {
	ParamCount int
	RestIndex  int16 // -1 if none
	KwargsIdx  int16 // -1 if none
	Captures   int
	ClassID    int32
	FromEval   bool
	Hidden     bool
	Proto      string
	Doc        string
	Name       string
}

// FunctionData is (code, info block, captured environment).
type FunctionData struct {
	Code *CodeRef
	Info *FunctionInfo
	Env  []*ValueCell
}

// CodeRef is an opaque handle to *vm.Code (avoids an import cycle).
type CodeRef struct{ Handle interface{} }

// ValueCell is a 1-Value GC-managed box shared between a closure and the
// scope that created it (upvalue capture).
type ValueCell struct {
	V *Value
}

// MethodData covers Method / BuiltinMethod / BuiltinFunction: a bound
// receiver plus a callee and an interned name id.
type MethodData struct {
	Receiver *Value
	Callee   *Value
	NameID   int32
	Native   func(recv *Value, args []*Value) (*Value, error)
}

// GeneratorRef, ThreadRef, ChannelRef, RegexRef, PtrRef are opaque
// handles into pkg/vm / pkg/concurrent, kept as interface{} for the same
// import-cycle reason as ClassRef/TagRef.
type GeneratorRef struct{ Handle interface{} }
type ThreadRef struct{ Handle interface{} }
type ChannelRef struct{ Handle interface{} }
type RegexRef struct{ Handle interface{} }
type PtrRef struct{ Handle interface{} }

// Singletons. Nil, None, Break and Sentinel are process-wide immutable
// markers; Uninitialized marks a declared-but-not-yet-assigned local.
var (
	Nil           = &Value{Kind: KNil}
	None          = &Value{Kind: KNone}
	Break         = &Value{Kind: KBreak}
	Sentinel      = &Value{Kind: KSentinel}
	Uninitialized = &Value{Kind: KUninitialized}
	True          = &Value{Kind: KBool, B: true}
	False         = &Value{Kind: KBool, B: false}
)

func NewInt(i int64) *Value   { return &Value{Kind: KInteger, I: i} }
func NewReal(f float64) *Value { return &Value{Kind: KReal, F: f} }
func NewBool(b bool) *Value {
	if b {
		return True
	}
	return False
}

func NewString(s string) *Value {
	return &Value{Kind: KString, Str: s, StrLen: len(s)}
}

// Slice returns an immutable slice sharing storage with parent.
func (v *Value) Slice(off, length int) *Value {
	root := v
	if v.Root != nil {
		root = v.Root
	}
	return &Value{Kind: KString, Str: root.Str, StrOff: v.StrOff + off, StrLen: length, Root: root}
}

func (v *Value) StringVal() string {
	return v.Str[v.StrOff : v.StrOff+v.StrLen]
}

func NewBlob() *Value { return &Value{Kind: KBlob, Blob: &BlobData{}} }

func NewArray(items ...*Value) *Value {
	return &Value{Kind: KArray, Arr: &ArrayData{Items: items}}
}

func NewDict() *Value {
	return &Value{Kind: KDict, Dct: &DictData{}}
}

func NewTuple(items []*Value, names []int32) *Value {
	return &Value{Kind: KTuple, Tup: &TupleData{Items: items, Names: names}}
}

// PushTag wraps v with constructor tag id, returning a new Value whose
// tag stack has id on top. It does not enforce maxTags; callers check
// TagDepthOK first.
func (v *Value) PushTag(id int32) *Value {
	tags := make([]int32, len(v.Tags), len(v.Tags)+1)
	copy(tags, v.Tags)
	tags = append(tags, id)
	cp := *v
	cp.Tags = tags
	return &cp
}

func (v *Value) TagDepthOK() bool { return len(v.Tags) < maxTags }

// Tagged reports whether v carries a non-empty tag stack.
func (v *Value) Tagged() bool { return len(v.Tags) > 0 }

// TopTag returns the top tag id, or -1 if untagged.
func (v *Value) TopTag() int32 {
	if len(v.Tags) == 0 {
		return -1
	}
	return v.Tags[len(v.Tags)-1]
}

// PopTag returns a copy of v with the top tag removed.
func (v *Value) PopTag() *Value {
	if len(v.Tags) == 0 {
		return v
	}
	cp := *v
	cp.Tags = v.Tags[:len(v.Tags)-1]
	return &cp
}

// Truthy implements §3.1: nil and false are falsy, everything else
// (including tagged nils — they carry a constructor) is truthy.
func (v *Value) Truthy() bool {
	if v == nil {
		return false
	}
	if v.Tagged() {
		return true
	}
	switch v.Kind {
	case KNil:
		return false
	case KBool:
		return v.B
	default:
		return true
	}
}

// Callable implements §3.1's callability rule.
func (v *Value) Callable() bool {
	switch v.Kind {
	case KFunction, KMethod, KBuiltinMethod, KBuiltinFunction,
		KClass, KTag, KType, KRegex, KGenerator:
		return true
	default:
		return false
	}
}

func (v *Value) String() string {
	if v == nil {
		return "nil"
	}
	if v.Tagged() {
		// Tags print outside-in: outermost (top of stack) wraps the rest.
		inner := v.PopTag().String()
		return fmt.Sprintf("tag#%d(%s)", v.TopTag(), inner)
	}
	switch v.Kind {
	case KInteger:
		return strconv.FormatInt(v.I, 10)
	case KReal:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KBool:
		if v.B {
			return "true"
		}
		return "false"
	case KNil:
		return "nil"
	case KSentinel:
		return "<sentinel>"
	case KNone:
		return "None"
	case KBreak:
		return "<break>"
	case KUninitialized:
		return "<uninitialized>"
	case KIndex:
		return fmt.Sprintf("<index %d>", v.I)
	case KString:
		return v.StringVal()
	case KBlob:
		return fmt.Sprintf("<blob %d bytes>", len(v.Blob.Bytes))
	case KArray:
		parts := make([]string, len(v.Arr.Items))
		for i, it := range v.Arr.Items {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KDict:
		return fmt.Sprintf("<dict %d entries>", v.Dct.count)
	case KTuple:
		parts := make([]string, len(v.Tup.Items))
		for i, it := range v.Tup.Items {
			parts[i] = it.String()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case KObject:
		return "<object>"
	case KClass:
		return "<class>"
	case KTag:
		return "<tag>"
	case KType:
		return "<type>"
	case KFunction:
		name := "?"
		if v.Fn != nil && v.Fn.Info != nil {
			name = v.Fn.Info.Name
		}
		return fmt.Sprintf("<function %s>", name)
	case KMethod:
		return "<method>"
	case KBuiltinMethod:
		return "<builtin-method>"
	case KBuiltinFunction:
		return "<builtin-function>"
	case KGenerator:
		return "<generator>"
	case KThread:
		return "<thread>"
	case KChannel:
		return "<channel>"
	case KRegex:
		return "<regex>"
	case KPtr:
		return "<ptr>"
	default:
		return "?"
	}
}

// Equal implements the language's `==` for primitive variants (Testable
// Property 1: value round-trip), structural for arrays and tuples, and
// identity for everything else (dict/blob/object/function/...). NaN never
// equals itself, matching IEEE-754 and the property's stated exception.
func Equal(a, b *Value) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KInteger:
		return a.I == b.I
	case KReal:
		return a.F == b.F // NaN != NaN falls out naturally
	case KBool:
		return a.B == b.B
	case KNil, KSentinel, KNone, KBreak, KUninitialized:
		return true
	case KString:
		return a.StringVal() == b.StringVal()
	case KArray:
		if len(a.Arr.Items) != len(b.Arr.Items) {
			return false
		}
		for i := range a.Arr.Items {
			if !Equal(a.Arr.Items[i], b.Arr.Items[i]) {
				return false
			}
		}
		return true
	case KTuple:
		if len(a.Tup.Items) != len(b.Tup.Items) {
			return false
		}
		for i := range a.Tup.Items {
			if a.Tup.Names[i] != b.Tup.Names[i] || !Equal(a.Tup.Items[i], b.Tup.Items[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
