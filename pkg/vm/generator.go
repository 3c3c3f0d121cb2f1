package vm

import "ty/pkg/value"

// Generator backs §4.4.5's stackful-coroutine-style generators. Go has
// no stack-switch primitive, so a generator is a real parked goroutine:
// running vm.execFrame on its own Frame/stack, exchanging values with
// the resumer over a pair of unbuffered channels at each YIELD/NEXT.
// Grounded on the teacher's pkg/eval/green.go GreenScheduler (goroutine
// + channel handshake standing in for a cooperative scheduler slot).
type Generator struct {
	vm       *VM
	fn       *value.Value
	resumeCh chan *value.Value
	yieldCh  chan genResult
	started  bool
	done     bool
}

type genResult struct {
	val  *value.Value
	err  error
	done bool
}

// genYielder is installed on a Generator's private VM so a YIELD opcode
// reached inside it can find its way back to the handshake channels
// without threading them through every step() call.
type genYielder struct {
	resumeCh chan *value.Value
	yieldCh  chan genResult
}

// NewGenerator creates a suspended generator over fn, sharing this VM's
// class registry and GC heap but owning an independent value/call stack
// (its own *VM).
func (vm *VM) NewGenerator(fn *value.Value, args []*value.Value) *value.Value {
	gvm := New(vm.Classes, vm.Heap)
	gvm.Globals = vm.Globals
	gvm.Thread = vm.Thread
	g := &Generator{
		vm:       gvm,
		fn:       fn,
		resumeCh: make(chan *value.Value),
		yieldCh:  make(chan genResult),
	}
	gvm.yielder = &genYielder{resumeCh: g.resumeCh, yieldCh: g.yieldCh}
	return &value.Value{Kind: value.KGenerator, Gen: &value.GeneratorRef{Handle: g}}
}

// GeneratorNext implements the NEXT opcode: resumes the generator with
// sent, returning the next yielded value, or None once it has returned.
// A NEXT on an already-done generator keeps returning None (§4.4.5).
func (vm *VM) GeneratorNext(gv *value.Value, sent *value.Value) (*value.Value, error) {
	g := gv.Gen.Handle.(*Generator)
	if g.done {
		return value.None, nil
	}
	if !g.started {
		g.started = true
		go g.run()
	} else {
		g.resumeCh <- sent
	}
	r := <-g.yieldCh
	if r.err != nil {
		g.done = true
		return nil, r.err
	}
	if r.done {
		g.done = true
		return value.None, nil
	}
	return r.val, nil
}

func (g *Generator) run() {
	f := newFrame(g.fn)
	res, err := g.vm.execFrame(f)
	g.yieldCh <- genResult{val: res, err: err, done: true}
}

// yield is invoked by the YIELD family of opcodes when running inside a
// generator's own VM: it hands v back to the resumer and blocks until
// NEXT sends a value in.
func (vm *VM) yield(v *value.Value) *value.Value {
	vm.yielder.yieldCh <- genResult{val: v}
	return <-vm.yielder.resumeCh
}
