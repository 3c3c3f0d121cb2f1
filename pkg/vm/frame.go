package vm

import "ty/pkg/value"

// Frame is (fp, function value, saved ip) per §4.4.2, plus the locals
// slots a frame owns and the cells it has boxed for closures over them.
type Frame struct {
	Fn      *value.Value
	Code    *Code
	IP      int
	Locals  []*value.Value
	Cells   []*value.ValueCell // non-nil where a local has been promoted to a box
	GenName string             // set when this frame belongs to a generator, for diagnostics
}

func newFrame(fn *value.Value) *Frame {
	c := CodeOf(fn)
	return &Frame{
		Fn:     fn,
		Code:   c,
		Locals: make([]*value.Value, c.NumLocals),
		Cells:  make([]*value.ValueCell, c.NumLocals),
	}
}

// TryRecord is the landing-pad bookkeeping of §4.4.4, grounded on the
// teacher's pkg/codegen/exception.go landing-pad stack (adapted from a
// compile-time table into a runtime push/pop stack).
type TryRecord struct {
	StackDepth  int
	TargetDepth int
	CallDepth   int
	DeferDepth  int
	CatchPC     int
	FinallyPC   int
	EndPC       int
	FrameIdx    int // which call-stack frame owns this try-record

	Caught       bool         // CatchPC already taken once for this record
	FinallyRan   bool         // END_TRY/handleThrow already redirected into FinallyPC
	PendingThrow *value.Value // set when a throw inside the catch body must re-raise once FinallyPC's RESUME_TRY runs
}

// DeferGroup is one nested DEFER scope (§4.4.4); CLEANUP runs it LIFO.
type DeferGroup struct {
	Callables []*value.Value
}

// ThrownError wraps a language-level thrown Value as a Go error so it
// can propagate through ordinary Go control flow up to the dispatch
// loop's recover, matching THROW's "long-jump to nearest try-record"
// semantics without needing actual setjmp/longjmp.
type ThrownError struct {
	Val *value.Value
}

func (e *ThrownError) Error() string {
	if e.Val == nil {
		return "thrown nil"
	}
	return e.Val.String()
}
