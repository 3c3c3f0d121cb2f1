package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ty/pkg/asm"
	"ty/pkg/class"
	"ty/pkg/concurrent"
	"ty/pkg/intern"
	"ty/pkg/runtimectx"
	"ty/pkg/value"
	"ty/pkg/vm"
)

// demo bundles a short description with a runner closure built over a
// RuntimeCtx, mirroring the way pkg/vm/vm_test.go hand-assembles a
// program with pkg/asm and drives it through a *vm.VM — cmd/ty has no
// source compiler to lean on (SPEC_FULL §1), so every demo is built the
// same way the test suite's scenarios S1-S6 are.
type demo struct {
	desc string
	run  func(rc *runtimectx.RuntimeCtx) (*value.Value, error)
}

var demos = map[string]demo{
	"fib":      {desc: "recursive fibonacci via CALL (scenario S1)", run: runFib},
	"gen":      {desc: "generator yielding twice then returning (scenario S2)", run: runGenerator},
	"trycatch": {desc: "TRY/CATCH/THROW around a thrown string (scenario S4)", run: runTryCatch},
	"class":    {desc: "two-field class with an instance method", run: runClassMethod},
	"threads":  {desc: "producer/consumer over a channel, sum 1..100 (scenario S3)", run: runThreads},
}

func runFib(rc *runtimectx.RuntimeCtx) (*value.Value, error) {
	b := asm.New("fib", 1)
	two := b.Const(value.NewInt(2))
	one := b.Const(value.NewInt(1))
	name := b.Const(value.NewString("fib"))

	b.EmitA(vm.LOAD_LOCAL, 0)
	b.EmitA(vm.INTEGER, 2)
	b.Emit0(vm.LT)
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

	m := vm.New(rc.Classes, rc.Heap)
	m.Globals["fib"] = fn

	rc.Log.Info("running demo", zap.String("name", "fib"), zap.Int("n", 10))
	return m.Run(fn, []*value.Value{value.NewInt(10)})
}

func runGenerator(rc *runtimectx.RuntimeCtx) (*value.Value, error) {
	b := asm.New("gen", 0)
	one := b.Const(value.NewInt(1))
	two := b.Const(value.NewInt(2))
	b.EmitA(vm.PUSH_CONST, one)
	b.Emit0(vm.YIELD)
	b.Emit0(vm.POP)
	b.EmitA(vm.PUSH_CONST, two)
	b.Emit0(vm.YIELD)
	b.Emit0(vm.POP)
	b.Emit0(vm.NIL_OP)
	b.Emit0(vm.RETURN)
	fn := asm.Func(b)

	m := vm.New(rc.Classes, rc.Heap)
	gv := m.NewGenerator(fn, nil)

	var last *value.Value
	for i := 0; i < 3; i++ {
		v, err := m.GeneratorNext(gv, value.Nil)
		if err != nil {
			return nil, err
		}
		rc.Log.Debug("generator step", zap.Int("step", i), zap.String("value", v.String()))
		last = v
	}
	return last, nil
}

func runTryCatch(rc *runtimectx.RuntimeCtx) (*value.Value, error) {
	b := asm.New("risky", 0)
	msg := b.Const(value.NewString("boom"))
	caught := b.Const(value.NewString("caught: boom"))

	b.Jump(vm.TRY, "catch")
	b.EmitA(vm.PUSH_CONST, msg)
	b.Emit0(vm.THROW)
	b.Label("catch")
	b.Emit0(vm.CATCH)
	b.Emit0(vm.POP)
	b.EmitA(vm.PUSH_CONST, caught)
	b.Emit0(vm.END_TRY)
	b.Emit0(vm.RETURN)
	fn := asm.Func(b)

	m := vm.New(rc.Classes, rc.Heap)
	return m.Run(fn, nil)
}

func runClassMethod(rc *runtimectx.RuntimeCtx) (*value.Value, error) {
	point := rc.Classes.New("Point")
	xID := intern.Members.Intern("x").ID()
	yID := intern.Members.Intern("y").ID()
	point.Fields = []class.Field{{NameID: xID, Name: "x"}, {NameID: yID, Name: "y"}}

	sumID := intern.Members.Intern("sum").ID()
	mb := asm.New("sum", 1)
	mb.EmitA(vm.LOAD_LOCAL, 0)
	mb.EmitA(vm.MEMBER_ACCESS, int32(xID))
	mb.EmitA(vm.LOAD_LOCAL, 0)
	mb.EmitA(vm.MEMBER_ACCESS, int32(yID))
	mb.Emit0(vm.ADD)
	mb.Emit0(vm.RETURN)
	sumFn := asm.Func(mb)
	point.InstMethods[sumID] = &class.Method{NameID: sumID, Fn: sumFn}
	if err := rc.Classes.Finalize(point); err != nil {
		return nil, err
	}

	m := vm.New(rc.Classes, rc.Heap)
	obj := class.NewInstance(point)
	obj.Obj.Slots[0] = value.NewInt(3)
	obj.Obj.Slots[1] = value.NewInt(4)

	return m.CallMethod(obj, sumID, nil)
}

// runThreads drives scenario S3 directly against pkg/concurrent rather
// than the VM's bytecode: thread spawn/join and channel send/recv are
// runtime-provided builtins a compiler would lower calls into, not
// opcodes of their own, so the cleanest demo of the primitive is
// exercising ThreadGroup/Channel as-is.
func runThreads(rc *runtimectx.RuntimeCtx) (*value.Value, error) {
	ch := concurrent.NewChannel(4)

	producer := rc.Threads.Create(func() (*value.Value, error) {
		for i := 1; i <= 100; i++ {
			if err := ch.Send(value.NewInt(int64(i))); err != nil {
				return nil, err
			}
		}
		ch.Close()
		return value.Nil, nil
	})

	var total int64
	consumer := rc.Threads.Create(func() (*value.Value, error) {
		for {
			v := ch.Recv()
			if v == concurrent.Closed {
				break
			}
			total += v.I
		}
		return value.NewInt(total), nil
	})

	if _, err := producer.Join(); err != nil {
		return nil, err
	}
	sum, err := consumer.Join()
	if err != nil {
		return nil, err
	}
	rc.Log.Info("threads demo complete", zap.Int64("sum", sum.I))
	return sum, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("config: bad log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
