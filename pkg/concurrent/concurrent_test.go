package concurrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ty/pkg/value"
)

// TestThreadGroupSumTo5050 covers scenario S3: a producer thread sends
// 1..100 over a channel and closes it, a consumer thread sums what it
// receives, and the joined total is 5050.
func TestThreadGroupSumTo5050(t *testing.T) {
	tg := NewThreadGroup()
	ch := NewChannel(16)

	const n = 100
	producer := tg.Create(func() (*value.Value, error) {
		for i := 1; i <= n; i++ {
			if err := ch.Send(value.NewInt(int64(i))); err != nil {
				return nil, err
			}
		}
		ch.Close()
		return value.Nil, nil
	})

	var total int64
	consumer := tg.Create(func() (*value.Value, error) {
		for {
			v := ch.Recv()
			if v == Closed {
				break
			}
			total += v.I
		}
		return value.NewInt(total), nil
	})

	_, err := producer.Join()
	require.NoError(t, err)
	result, err := consumer.Join()
	require.NoError(t, err)
	require.Equal(t, int64(5050), result.I)
}

func TestMutexTryLock(t *testing.T) {
	m := NewMutex()
	require.True(t, m.TryLock())
	require.False(t, m.TryLock())
	m.Unlock()
	require.True(t, m.TryLock())
	m.Unlock()
}

func TestCondVarSignal(t *testing.T) {
	m := NewMutex()
	cv := NewCondVar(m)
	ready := make(chan struct{})

	go func() {
		m.Lock()
		close(ready)
		cv.Wait()
		m.Unlock()
	}()

	<-ready
	time.Sleep(10 * time.Millisecond)
	m.Lock()
	cv.Signal()
	m.Unlock()
}

func TestCondVarWaitTimeout(t *testing.T) {
	m := NewMutex()
	cv := NewCondVar(m)
	m.Lock()
	err := cv.WaitTimeout(20 * time.Millisecond)
	m.Unlock()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestChannelCloseYieldsClosedSentinel(t *testing.T) {
	ch := NewChannel(1)
	require.NoError(t, ch.Send(value.NewInt(1)))
	ch.Close()

	v := ch.Recv()
	require.True(t, value.Equal(v, value.NewInt(1)))

	v2 := ch.Recv()
	require.Equal(t, Closed, v2)
}

func TestChannelSendOnClosedErrors(t *testing.T) {
	ch := NewChannel(1)
	ch.Close()
	err := ch.Send(value.NewInt(1))
	require.Error(t, err)
}

func TestThreadCancelObservedAtSafepoint(t *testing.T) {
	tg := NewThreadGroup()
	started := make(chan struct{})
	var th *Thread
	th = tg.Create(func() (*value.Value, error) {
		close(started)
		for {
			if err := th.CheckSafepoint(); err != nil {
				return nil, err
			}
			time.Sleep(time.Millisecond)
		}
	})
	<-started
	th.Cancel()
	_, err := th.Join()
	require.ErrorIs(t, err, ErrCanceled)
}

func TestThreadGroupParkRendezvous(t *testing.T) {
	tg := NewThreadGroup()
	parkedCheck := make(chan struct{})
	var th *Thread
	th = tg.Create(func() (*value.Value, error) {
		for i := 0; i < 50; i++ {
			if err := th.CheckSafepoint(); err != nil {
				return nil, err
			}
			time.Sleep(time.Millisecond)
		}
		close(parkedCheck)
		return value.Nil, nil
	})

	tg.RequestPark()
	tg.Resume()

	<-parkedCheck
	_, err := th.Join()
	require.NoError(t, err)
}
