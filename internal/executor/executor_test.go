package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndIdle(t *testing.T) {
	e := New(4)
	defer e.WaitUntilStopped()

	var count int64

	for i := 0; i < 100; i++ {
		e.Submit(func() {
			atomic.AddInt64(&count, 1)
		})
	}

	e.WaitUntilIdle()
	assert.EqualValues(t, 100, atomic.LoadInt64(&count))
}

func TestFIFOOrderSingleWorker(t *testing.T) {
	e := New(1)
	defer e.WaitUntilStopped()

	var (
		mu    sync.Mutex
		order []int
	)

	for i := 0; i < 10; i++ {
		e.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	e.WaitUntilIdle()

	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	e := New(2)

	var count int64

	for i := 0; i < 50; i++ {
		e.Submit(func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&count, 1)
		})
	}

	e.WaitUntilStopped()
	assert.EqualValues(t, 50, atomic.LoadInt64(&count), "stop must drain queued tasks")
}

func TestStopIdempotent(t *testing.T) {
	e := New(2)
	e.Submit(func() {})

	e.WaitUntilStopped()
	e.WaitUntilStopped()
}

func TestSubmitAfterStopDropped(t *testing.T) {
	e := New(1)
	e.WaitUntilStopped()

	// Must not panic or hang.
	e.Submit(func() {
		t.Error("task ran after stop")
	})

	time.Sleep(10 * time.Millisecond)
}

func TestTaskPanicDoesNotKillWorker(t *testing.T) {
	e := New(1)
	defer e.WaitUntilStopped()

	var ran int64

	e.Submit(func() { panic("boom") })
	e.Submit(func() { atomic.AddInt64(&ran, 1) })

	e.WaitUntilIdle()
	assert.EqualValues(t, 1, atomic.LoadInt64(&ran))
}
