package vm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ty/pkg/asm"
	"ty/pkg/concurrent"
	"ty/pkg/value"
	"ty/pkg/vm"
)

// TestBoundThreadObservesCancelMidLoop exercises §5's "Suspension
// points": a VM bound to a concurrent.Thread must unwind with
// ErrCanceled shortly after Cancel is called, even mid-infinite-loop,
// because execFrame checks the safepoint once per instruction.
func TestBoundThreadObservesCancelMidLoop(t *testing.T) {
	b := asm.New("spin", 0)
	one := b.Const(value.NewInt(1))
	b.Label("loop")
	b.EmitA(vm.PUSH_CONST, one)
	b.Emit0(vm.POP)
	b.Jump(vm.JUMP, "loop")
	fn := asm.Func(b)

	m := newVM()
	tg := concurrent.NewThreadGroup()

	// The thread's own goroutine body is irrelevant here — it exists
	// only to hand out a cancellation token the test drives directly,
	// while m.Run executes the spin loop on the test goroutine.
	target := tg.Create(func() (*value.Value, error) { return nil, nil })
	_, _ = target.Join()
	m.BindThread(target)

	done := make(chan error, 1)
	go func() {
		_, err := m.Run(fn, nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	target.Cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, concurrent.ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("VM did not observe cancellation")
	}
}

func TestUnboundVMIgnoresSafepoint(t *testing.T) {
	b := asm.New("add", 2)
	b.EmitA(vm.LOAD_LOCAL, 0)
	b.EmitA(vm.LOAD_LOCAL, 1)
	b.Emit0(vm.ADD)
	b.Emit0(vm.RETURN)
	fn := asm.Func(b)

	m := newVM()
	require.Nil(t, m.Thread)
	res, err := m.Run(fn, []*value.Value{value.NewInt(1), value.NewInt(2)})
	require.NoError(t, err)
	require.True(t, value.Equal(res, value.NewInt(3)))
}
