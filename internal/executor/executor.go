// Package executor provides the fixed-size task pool that runs the object
// engine's asynchronous store operations. Tasks are executed in submission
// order across the pool's workers.
package executor

import (
	"container/list"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
)

// Task is a unit of work submitted to the pool.
type Task func()

// Executor is a cooperative worker pool. Submit never blocks; the queue is
// unbounded. WaitUntilIdle blocks until every submitted task has finished.
// WaitUntilStopped drains the queue, stops the workers and must be called
// before tearing down anything captured by in-flight tasks.
type Executor struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    *list.List
	inflight int
	stopping bool
	stopped  bool
	wg       sync.WaitGroup
}

// New creates an executor with n workers. n <= 0 selects one worker per CPU.
func New(n int) *Executor {
	if n <= 0 {
		n = runtime.NumCPU()
	}

	e := &Executor{queue: list.New()}
	e.cond = sync.NewCond(&e.mu)

	e.wg.Add(n)
	for i := 0; i < n; i++ {
		go e.run(i)
	}

	log.Debug().Int("workers", n).Msg("executor started")

	return e
}

// Submit enqueues a task. Submitting after WaitUntilStopped is a discarded
// no-op; the object engine never does it, but a late store callback might.
func (e *Executor) Submit(task Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopping {
		log.Warn().Msg("executor: task submitted after stop, dropping")
		return
	}

	e.queue.PushBack(task)
	e.cond.Broadcast()
}

// WaitUntilIdle blocks until the queue is empty and no task is running.
func (e *Executor) WaitUntilIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.queue.Len() > 0 || e.inflight > 0 {
		e.cond.Wait()
	}
}

// WaitUntilStopped drains all queued tasks, then stops and joins the
// workers. Safe to call more than once.
func (e *Executor) WaitUntilStopped() {
	e.mu.Lock()
	if e.stopping {
		for !e.stopped {
			e.cond.Wait()
		}
		e.mu.Unlock()

		return
	}

	e.stopping = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	e.stopped = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Executor) run(id int) {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		for e.queue.Len() == 0 && !e.stopping {
			e.cond.Wait()
		}

		front := e.queue.Front()
		if front == nil {
			// Stopping and drained.
			e.mu.Unlock()
			return
		}

		task := e.queue.Remove(front).(Task)
		e.inflight++
		e.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Int("worker", id).Interface("panic", r).Msg("executor task panicked")
				}
			}()
			task()
		}()

		e.mu.Lock()
		e.inflight--
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}
