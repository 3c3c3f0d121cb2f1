// Package concurrent implements the OS-thread concurrency runtime (C6,
// §4.5): threads sharing a process-wide thread group, mutex/condvar
// primitives, channels, and cooperative cancellation/timeout handling.
// The teacher's runtime has no threads of its own (ast.TThread/TChan are
// inert Lisp values describing C pthread code to emit); this package
// promotes that description to real goroutines and sync primitives,
// coordinated through a ThreadGroup grounded on the teacher's
// ThreadLocality/shared-object bookkeeping.
package concurrent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"ty/pkg/value"
)

// ErrCanceled and ErrTimeout back TimeoutError/CanceledError at the
// language level (§5 "Cancellation / timeouts").
var (
	ErrCanceled = errors.New("CanceledError: thread canceled")
	ErrTimeout  = errors.New("TimeoutError: wait exceeded deadline")
)

// Locality mirrors analysis.ThreadLocality's classification, repurposed
// from a static pass into live bookkeeping of which Values a thread
// group currently considers shared.
type Locality int

const (
	LocalityThreadLocal Locality = iota
	LocalityShared
	LocalityTransferred
)

// ThreadGroup is the shared state every Thread in a process joins:
// the GC root-set rendezvous, the cancellation-safepoint mechanism, and
// the shared-value locality ledger (§4.3 "thread-group allocation
// list", §4.5 "GC coordination").
type ThreadGroup struct {
	mu        sync.Mutex
	parkCond  *sync.Cond
	members   map[string]*Thread
	parking   bool
	parked    int
	resumeSem *semaphore.Weighted

	localities map[string]Locality

	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc
}

// NewThreadGroup creates an empty group ready to spawn threads into.
func NewThreadGroup() *ThreadGroup {
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	tg := &ThreadGroup{
		members:    make(map[string]*Thread),
		localities: make(map[string]Locality),
		resumeSem:  semaphore.NewWeighted(1),
		eg:         eg,
		egCtx:      egCtx,
		cancel:     cancel,
	}
	tg.parkCond = sync.NewCond(&tg.mu)
	return tg
}

// MarkShared / MarkTransferred record a Value's locality by a caller-
// supplied stable key (typically an interned pointer identity encoded
// by the VM, since Value itself has no stable key) — see
// analysis/concurrent.go's MarkShared/MarkTransferred for the idiom this
// generalises.
func (tg *ThreadGroup) MarkShared(key string) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.localities[key] = LocalityShared
}

func (tg *ThreadGroup) MarkTransferred(key string) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.localities[key] = LocalityTransferred
}

func (tg *ThreadGroup) Locality(key string) Locality {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.localities[key]
}

// RequestPark begins a collection rendezvous (§4.3 phase a, §4.5 "GC
// coordination"): every live member is asked to park; RequestPark
// blocks until they all have. Call Resume to release them. resumeSem
// serializes rendezvous attempts — only one collection's park/resume
// cycle runs at a time, so a second goroutine calling RequestPark while
// one is already underway queues behind it instead of racing the same
// tg.parked counter.
func (tg *ThreadGroup) RequestPark() {
	tg.resumeSem.Acquire(context.Background(), 1)

	tg.mu.Lock()
	tg.parking = true
	n := len(tg.members)
	tg.mu.Unlock()

	for _, m := range tg.snapshotMembers() {
		m.requestPark()
	}

	tg.mu.Lock()
	for tg.parked < n {
		tg.parkCond.Wait()
	}
	tg.mu.Unlock()
}

// Resume ends the rendezvous, broadcasting every parked thread awake
// (§4.3 phase d), then releases resumeSem so the next RequestPark caller
// can proceed.
func (tg *ThreadGroup) Resume() {
	tg.mu.Lock()
	tg.parking = false
	tg.parked = 0
	tg.mu.Unlock()
	for _, m := range tg.snapshotMembers() {
		m.releasePark()
	}
	tg.resumeSem.Release(1)
}

func (tg *ThreadGroup) snapshotMembers() []*Thread {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	out := make([]*Thread, 0, len(tg.members))
	for _, m := range tg.members {
		out = append(out, m)
	}
	return out
}

func (tg *ThreadGroup) arrive() {
	tg.mu.Lock()
	tg.parked++
	tg.parkCond.Broadcast()
	tg.mu.Unlock()
}

func (tg *ThreadGroup) register(t *Thread) {
	tg.mu.Lock()
	tg.members[t.ID] = t
	tg.mu.Unlock()
}

func (tg *ThreadGroup) unregister(t *Thread) {
	tg.mu.Lock()
	delete(tg.members, t.ID)
	tg.mu.Unlock()
}

// Thread is a real OS thread (goroutine) with its own interpreter
// state, joined to a ThreadGroup, per §4.5 "Threads".
type Thread struct {
	ID       string
	group    *ThreadGroup
	canceled atomic.Bool
	parkReq  chan struct{}
	parkAck  chan struct{}

	done   chan struct{}
	result *value.Value
	err    error
}

// Create spawns fn on a new goroutine joined to tg, mirroring
// original_source's spawn_thread; Join (thread_join) blocks until fn
// returns and hands back its *value.Value result and error.
func (tg *ThreadGroup) Create(fn func() (*value.Value, error)) *Thread {
	t := &Thread{
		ID:      uuid.NewString(),
		group:   tg,
		parkReq: make(chan struct{}, 1),
		parkAck: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	tg.register(t)
	tg.eg.Go(func() error {
		defer tg.unregister(t)
		defer close(t.done)
		res, err := fn()
		t.result, t.err = res, err
		return err
	})
	return t
}

// Join blocks until the thread finishes, mirroring thread_join.
func (t *Thread) Join() (*value.Value, error) {
	<-t.done
	return t.result, t.err
}

// Cancel sets the cooperative cancellation flag (§5 "Cancellation").
func (t *Thread) Cancel() { t.canceled.Store(true) }

// CheckSafepoint observes cancellation/park requests; the VM calls this
// at call entry, loop-iteration opcodes, and explicit NEXT/YIELD, per
// §5 "Suspension points".
func (t *Thread) CheckSafepoint() error {
	if t.canceled.Load() {
		return ErrCanceled
	}
	select {
	case <-t.group.Done():
		return ErrCanceled
	default:
	}
	select {
	case <-t.parkReq:
		t.group.arrive()
		<-t.parkAck
	default:
	}
	return nil
}

func (t *Thread) requestPark() {
	select {
	case t.parkReq <- struct{}{}:
	default:
	}
}

func (t *Thread) releasePark() {
	select {
	case t.parkAck <- struct{}{}:
	default:
	}
}

// Mutex wraps sync.Mutex with TryLock (§4.5 "lock/unlock/tryLock").
type Mutex struct {
	mu sync.Mutex
}

func NewMutex() *Mutex { return &Mutex{} }

func (m *Mutex) Lock()          { m.mu.Lock() }
func (m *Mutex) Unlock()        { m.mu.Unlock() }
func (m *Mutex) TryLock() bool  { return m.mu.TryLock() }

// CondVar implements waitCond/signalCond/broadcastCond (§4.5) with an
// optional timeout that raises ErrTimeout on expiry, backed by
// sync.Cond's standard "atomically release m, block, reacquire m"
// contract plus a timer goroutine for the timeout case (sync.Cond has
// no native timeout, so a watcher goroutine broadcasts on expiry — the
// same technique the teacher's green scheduler uses for its own
// timer-driven wakeups).
type CondVar struct {
	cond *sync.Cond
}

func NewCondVar(m *Mutex) *CondVar {
	return &CondVar{cond: sync.NewCond(&m.mu)}
}

// Wait atomically releases m, blocks until Signal/Broadcast, then
// reacquires m. The caller must hold m's lock.
func (c *CondVar) Wait() { c.cond.Wait() }

// WaitTimeout additionally raises ErrTimeout if no signal arrives
// within d; the caller must hold m's lock on entry and still holds it
// (reacquired) on return in both cases. sync.Cond has no native
// timeout, so a timer goroutine broadcasts on expiry and we tell a real
// signal apart from the timeout broadcast by checking the deadline —
// the same watcher-goroutine trick the teacher's green scheduler uses
// for timer-driven wakeups.
func (c *CondVar) WaitTimeout(d time.Duration) error {
	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, c.cond.Broadcast)
	defer timer.Stop()
	c.cond.Wait()
	if time.Now().After(deadline) {
		return ErrTimeout
	}
	return nil
}

func (c *CondVar) Signal()    { c.cond.Signal() }
func (c *CondVar) Broadcast() { c.cond.Broadcast() }

// Wait blocks until every thread spawned via Create has returned,
// propagating the first non-nil error (errgroup fan-in, per
// SPEC_FULL's ambient-stack wiring of golang.org/x/sync/errgroup).
func (tg *ThreadGroup) Wait() error { return tg.eg.Wait() }

// Shutdown cancels the group's context; threads observe it through
// Done at their next safepoint check.
func (tg *ThreadGroup) Shutdown() { tg.cancel() }

// Done reports group-wide cancellation (propagated to every member's
// CheckSafepoint via the shared context).
func (tg *ThreadGroup) Done() <-chan struct{} { return tg.egCtx.Done() }
