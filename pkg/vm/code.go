package vm

import "ty/pkg/value"

// CaptureKind distinguishes the two capture-directive shapes of §4.4.3.
type CaptureKind uint8

const (
	CaptureLocal CaptureKind = iota // (local, slot): box a fresh local
	CaptureOuter                    // (outer, depth, slot): share enclosing cell
)

// CaptureDirective is one entry of a FUNCTION opcode's capture vector.
type CaptureDirective struct {
	Kind  CaptureKind
	Depth int // only meaningful for CaptureOuter
	Slot  int
}

// Code is a compiled function body: its instruction stream, constant
// pool, and the fixed-layout info header from §4.4.3/§6. Grounded on the
// teacher's pkg/eval bytecode-less closures generalised into a real flat
// instruction stream, and original_source include/defs.h's FUN_* layout
// constants for Info.
type Code struct {
	Name       string
	Instrs     []Instr
	Consts     []*value.Value
	Info       *value.FunctionInfo
	Captures   []CaptureDirective
	NumLocals  int
	LineTable  []int32 // parallel to Instrs, for TRAP/DEBUG and error reporting
}

// NewCode creates an empty function body named name.
func NewCode(name string) *Code {
	return &Code{Name: name, Info: &value.FunctionInfo{RestIndex: -1, KwargsIdx: -1, Name: name}}
}

// AsValue wraps c as a Function Value with the given captured env cells.
func (c *Code) AsValue(env []*value.ValueCell) *value.Value {
	return &value.Value{
		Kind: value.KFunction,
		Fn: &value.FunctionData{
			Code: &value.CodeRef{Handle: c},
			Info: c.Info,
			Env:  env,
		},
	}
}

// CodeOf unwraps the opaque CodeRef back to *Code; panics if fv is not a
// Function value produced by this package (a VM invariant violation).
func CodeOf(fv *value.Value) *Code {
	return fv.Fn.Code.Handle.(*Code)
}
