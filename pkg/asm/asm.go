// Package asm is a bytecode-assembler builder API standing in for the
// out-of-scope source compiler (spec.md §1 excludes "concrete bytecode
// emission from a compiler" as an external collaborator). cmd/ty and
// tests build vm.Code values directly through this fluent builder,
// analogous to how the teacher's own test suite constructs ast.Value
// trees by hand instead of parsing source text.
package asm

import (
	"ty/pkg/memgc"
	"ty/pkg/value"
	"ty/pkg/vm"
)

// Builder assembles one function body's instruction stream. The
// constant pool is built up in an arena-backed vector (§3.3's
// compile-time arena allocator) since it is pure compile-time data that
// never outlives Build — a concrete instance of the `ArenaVec`/`GCVec`
// split memgc exposes for Design Notes open question (a).
type Builder struct {
	code   *vm.Code
	consts *memgc.ArenaVec[*value.Value]
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	instrIdx int
	operand  int // 0 = A, 1 = B
	label    string
}

// New starts a function body named name with numLocals local slots.
func New(name string, numLocals int) *Builder {
	c := vm.NewCode(name)
	c.NumLocals = numLocals
	c.Info.ParamCount = numLocals
	return &Builder{code: c, consts: memgc.NewArenaVec[*value.Value](), labels: make(map[string]int)}
}

// Const interns v into the constant pool, returning its index.
func (b *Builder) Const(v *value.Value) int32 {
	b.consts.Push(v)
	return int32(b.consts.Len() - 1)
}

// Label marks the current instruction position under name, resolvable
// by a later jump operand via LabelRef.
func (b *Builder) Label(name string) *Builder {
	b.labels[name] = len(b.code.Instrs)
	return b
}

// Emit appends one instruction with literal operands.
func (b *Builder) Emit(op vm.Op, a, b2 int32) *Builder {
	b.code.Instrs = append(b.code.Instrs, vm.Instr{Op: op, A: a, B: b2})
	return b
}

// Emit0 appends a zero-operand instruction.
func (b *Builder) Emit0(op vm.Op) *Builder { return b.Emit(op, 0, 0) }

// EmitA appends a one-operand instruction.
func (b *Builder) EmitA(op vm.Op, a int32) *Builder { return b.Emit(op, a, 0) }

// Jump appends a jump-family instruction whose A operand targets label,
// resolved when Build is called.
func (b *Builder) Jump(op vm.Op, label string) *Builder {
	idx := len(b.code.Instrs)
	b.code.Instrs = append(b.code.Instrs, vm.Instr{Op: op})
	b.fixups = append(b.fixups, fixup{instrIdx: idx, operand: 0, label: label})
	return b
}

// JumpB is like Jump but resolves the B operand (JLE/JLT/.../JNE's
// branch target).
func (b *Builder) JumpB(op vm.Op, aLiteral int32, label string) *Builder {
	idx := len(b.code.Instrs)
	b.code.Instrs = append(b.code.Instrs, vm.Instr{Op: op, A: aLiteral})
	b.fixups = append(b.fixups, fixup{instrIdx: idx, operand: 1, label: label})
	return b
}

// JumpAB appends a jump-family instruction whose A and B operands both
// target labels, resolved when Build is called — TRY's catch/finally
// pair (§4.4.4) is the sole user.
func (b *Builder) JumpAB(op vm.Op, labelA, labelB string) *Builder {
	idx := len(b.code.Instrs)
	b.code.Instrs = append(b.code.Instrs, vm.Instr{Op: op})
	b.fixups = append(b.fixups, fixup{instrIdx: idx, operand: 0, label: labelA})
	b.fixups = append(b.fixups, fixup{instrIdx: idx, operand: 1, label: labelB})
	return b
}

// SetCaptures installs fn's capture directives (§4.4.3).
func (b *Builder) SetCaptures(dirs []vm.CaptureDirective) *Builder {
	b.code.Captures = dirs
	return b
}

// Build resolves every pending label fixup and returns the finished Code.
func (b *Builder) Build() *vm.Code {
	b.code.Consts = b.consts.Slice()
	for _, fx := range b.fixups {
		target, ok := b.labels[fx.label]
		if !ok {
			panic("asm: undefined label " + fx.label)
		}
		if fx.operand == 0 {
			b.code.Instrs[fx.instrIdx].A = int32(target)
		} else {
			b.code.Instrs[fx.instrIdx].B = int32(target)
		}
	}
	return b.code
}

// Func is a convenience wrapper: build then wrap as a closed-over
// Function Value with no captures.
func Func(b *Builder) *value.Value {
	return b.Build().AsValue(nil)
}
