package vm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ty/pkg/asm"
	"ty/pkg/class"
	"ty/pkg/intern"
	"ty/pkg/memgc"
	"ty/pkg/value"
	"ty/pkg/vm"
)

func newVM() *vm.VM {
	return vm.New(class.NewRegistry(), memgc.NewHeap(1<<20))
}

func TestAddFunction(t *testing.T) {
	b := asm.New("add", 2)
	b.EmitA(vm.LOAD_LOCAL, 0)
	b.EmitA(vm.LOAD_LOCAL, 1)
	b.Emit0(vm.ADD)
	b.Emit0(vm.RETURN)
	fn := asm.Func(b)

	m := newVM()
	res, err := m.Run(fn, []*value.Value{value.NewInt(3), value.NewInt(4)})
	require.NoError(t, err)
	require.True(t, value.Equal(res, value.NewInt(7)))
}

// TestFibonacciRecursion exercises Testable Property scenario S1: a
// recursive Fibonacci via global self-reference and CALL.
func TestFibonacciRecursion(t *testing.T) {
	b := asm.New("fib", 1)
	two := b.Const(value.NewInt(2))
	one := b.Const(value.NewInt(1))
	name := b.Const(value.NewString("fib"))

	b.EmitA(vm.LOAD_LOCAL, 0)
	b.EmitA(vm.INTEGER, 2)
	b.Emit0(vm.LT) // n < 2
	b.Jump(vm.JUMP_IF_NOT, "recurse")
	b.EmitA(vm.LOAD_LOCAL, 0)
	b.Emit0(vm.RETURN)
	b.Label("recurse")
	b.EmitA(vm.LOAD_GLOBAL, name)
	b.EmitA(vm.LOAD_LOCAL, 0)
	b.EmitA(vm.PUSH_CONST, one)
	b.Emit0(vm.SUB)
	b.Emit(vm.CALL, 1, 0)
	b.EmitA(vm.LOAD_GLOBAL, name)
	b.EmitA(vm.LOAD_LOCAL, 0)
	b.EmitA(vm.PUSH_CONST, two)
	b.Emit0(vm.SUB)
	b.Emit(vm.CALL, 1, 0)
	b.Emit0(vm.ADD)
	b.Emit0(vm.RETURN)
	fn := asm.Func(b)

	m := newVM()
	m.Globals["fib"] = fn

	res, err := m.Run(fn, []*value.Value{value.NewInt(10)})
	require.NoError(t, err)
	require.True(t, value.Equal(res, value.NewInt(55)))
}

// TestTryCatch exercises Testable Property scenario S4: a thrown value
// is caught and the catch body's result is returned (no finally attached).
func TestTryCatch(t *testing.T) {
	b := asm.New("risky", 0)
	msg := b.Const(value.NewString("boom"))
	caught := b.Const(value.NewString("caught: boom"))

	b.Jump(vm.TRY, "catch") // A operand patched to catch label; B (finally) left 0
	b.EmitA(vm.PUSH_CONST, msg)
	b.Emit0(vm.THROW)
	b.Label("catch")
	b.Emit0(vm.CATCH)
	b.Emit0(vm.POP) // discard the thrown value itself
	b.EmitA(vm.PUSH_CONST, caught)
	b.Emit0(vm.END_TRY)
	b.Emit0(vm.RETURN)
	fn := asm.Func(b)

	m := newVM()
	res, err := m.Run(fn, nil)
	require.NoError(t, err)
	require.Equal(t, "caught: boom", res.StringVal())
}

// TestTryCatchFinallyRunsOnNormalExit exercises spec.md's "FINALLY is
// always executed, including on normal exit": the try body never
// throws, so execution jumps straight past the catch block, and
// END_TRY must still redirect into the finally before returning.
func TestTryCatchFinallyRunsOnNormalExit(t *testing.T) {
	b := asm.New("safe", 0)
	result := b.Const(value.NewString("fine"))
	marker := b.Const(value.NewBool(true))
	gname := b.Const(value.NewString("finallyRan"))

	b.JumpAB(vm.TRY, "catch", "finally")
	b.EmitA(vm.PUSH_CONST, result)
	b.Jump(vm.JUMP, "end") // normal completion: skip the catch body entirely
	b.Label("catch")
	b.Emit0(vm.CATCH)
	b.Emit0(vm.POP)
	b.EmitA(vm.PUSH_CONST, result)
	b.Label("end")
	b.Emit0(vm.END_TRY)
	b.Label("finally")
	b.Emit0(vm.FINALLY)
	b.EmitA(vm.TARGET_GLOBAL, gname)
	b.EmitA(vm.PUSH_CONST, marker)
	b.Emit0(vm.ASSIGN)
	b.Emit0(vm.POP)
	b.Emit0(vm.RESUME_TRY)
	b.Emit0(vm.RETURN)
	fn := asm.Func(b)

	m := newVM()
	m.Globals["finallyRan"] = value.NewBool(false)

	res, err := m.Run(fn, nil)
	require.NoError(t, err)
	require.Equal(t, "fine", res.StringVal())
	require.True(t, m.Globals["finallyRan"].B)
}

// TestTryCatchFinallyRunsOnRethrow exercises Testable Property S4's
// "the finally runs even when catch re-throws": the catch body throws
// a fresh value instead of completing, and the finally must still run
// (setting the global marker) before the new value propagates as an
// uncaught error.
func TestTryCatchFinallyRunsOnRethrow(t *testing.T) {
	b := asm.New("rethrow", 0)
	msg := b.Const(value.NewString("boom"))
	msg2 := b.Const(value.NewString("boom2"))
	marker := b.Const(value.NewBool(true))
	gname := b.Const(value.NewString("finallyRan"))

	b.JumpAB(vm.TRY, "catch", "finally")
	b.EmitA(vm.PUSH_CONST, msg)
	b.Emit0(vm.THROW)
	b.Label("catch")
	b.Emit0(vm.CATCH)
	b.Emit0(vm.POP)
	b.EmitA(vm.PUSH_CONST, msg2)
	b.Emit0(vm.THROW) // rethrow a different value from inside the catch body
	b.Label("finally")
	b.Emit0(vm.FINALLY)
	b.EmitA(vm.TARGET_GLOBAL, gname)
	b.EmitA(vm.PUSH_CONST, marker)
	b.Emit0(vm.ASSIGN)
	b.Emit0(vm.POP)
	b.Emit0(vm.RESUME_TRY)
	b.Emit0(vm.RETURN)
	fn := asm.Func(b)

	m := newVM()
	m.Globals["finallyRan"] = value.NewBool(false)

	_, err := m.Run(fn, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom2")
	require.True(t, m.Globals["finallyRan"].B)
}

func TestUncaughtThrowPropagatesAsError(t *testing.T) {
	b := asm.New("boom", 0)
	msg := b.Const(value.NewString("oops"))
	b.EmitA(vm.PUSH_CONST, msg)
	b.Emit0(vm.THROW)
	fn := asm.Func(b)

	m := newVM()
	_, err := m.Run(fn, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "oops")
}

// TestGenerator exercises Testable Property scenario S2: a generator
// yields twice then returns, backed by a real parked goroutine.
func TestGenerator(t *testing.T) {
	b := asm.New("gen", 0)
	one := b.Const(value.NewInt(1))
	two := b.Const(value.NewInt(2))
	b.EmitA(vm.PUSH_CONST, one)
	b.Emit0(vm.YIELD)
	b.Emit0(vm.POP) // discard whatever NEXT sent back
	b.EmitA(vm.PUSH_CONST, two)
	b.Emit0(vm.YIELD)
	b.Emit0(vm.POP)
	b.Emit0(vm.NIL_OP)
	b.Emit0(vm.RETURN)
	fn := asm.Func(b)

	m := newVM()
	gv := m.NewGenerator(fn, nil)

	v1, err := m.GeneratorNext(gv, value.Nil)
	require.NoError(t, err)
	require.True(t, value.Equal(v1, value.NewInt(1)))

	v2, err := m.GeneratorNext(gv, value.Nil)
	require.NoError(t, err)
	require.True(t, value.Equal(v2, value.NewInt(2)))

	v3, err := m.GeneratorNext(gv, value.Nil)
	require.NoError(t, err)
	require.True(t, value.Equal(v3, value.None))

	v4, err := m.GeneratorNext(gv, value.Nil)
	require.NoError(t, err)
	require.True(t, value.Equal(v4, value.None))
}

// TestClassFieldAndMethod builds a two-field class with one instance
// method and exercises construction, field read (MEMBER_ACCESS), and a
// method call through VM.CallMethod.
func TestClassFieldAndMethod(t *testing.T) {
	reg := class.NewRegistry()
	point := reg.New("Point")
	xID := intern.Members.Intern("x").ID()
	yID := intern.Members.Intern("y").ID()
	point.Fields = []class.Field{{NameID: xID, Name: "x"}, {NameID: yID, Name: "y"}}

	sumID := intern.Members.Intern("sum").ID()
	mb := asm.New("sum", 1) // locals[0] = self
	mb.EmitA(vm.LOAD_LOCAL, 0)
	mb.EmitA(vm.MEMBER_ACCESS, int32(xID))
	mb.EmitA(vm.LOAD_LOCAL, 0)
	mb.EmitA(vm.MEMBER_ACCESS, int32(yID))
	mb.Emit0(vm.ADD)
	mb.Emit0(vm.RETURN)
	sumFn := asm.Func(mb)
	point.InstMethods[sumID] = &class.Method{NameID: sumID, Fn: sumFn}
	require.NoError(t, reg.Finalize(point))

	m := newVM()
	obj := class.NewInstance(point)
	obj.Obj.Slots[0] = value.NewInt(3)
	obj.Obj.Slots[1] = value.NewInt(4)

	res, err := m.CallMethod(obj, sumID, nil)
	require.NoError(t, err)
	require.True(t, value.Equal(res, value.NewInt(7)))
}
