package ucx

import (
	"sync"
	"time"
)

// progressFunc is the body of the progress thread: drive every worker
// until idle, publish staged notifications, then sleep on the shared wake
// signal with the configured delay.
func (e *Engine) progressFunc(ready *sync.WaitGroup) {
	defer e.pthrWg.Done()

	e.vramApplyCtx()
	ready.Done()

	for !e.pthrStop.Load() {
		made := false

		for _, w := range e.workers {
			for w.ProgressPthr() > 0 {
				made = true
			}
		}

		if made {
			e.notifProgress()
			continue
		}

		armed := true
		for _, w := range e.workers {
			if !w.Arm() {
				armed = false
				break
			}
		}

		if !armed || e.pthrStop.Load() {
			continue
		}

		select {
		case <-e.pthrWake:
		case <-time.After(e.pthrDelay):
		}
	}
}

// progressThreadStart launches the progress thread and waits until it has
// signalled readiness, so device-context inheritance is observed before
// the caller proceeds.
func (e *Engine) progressThreadStart() {
	e.pthrStop.Store(false)

	if !e.pthrOn {
		return
	}

	var ready sync.WaitGroup
	ready.Add(1)

	e.pthrWg.Add(1)
	go e.progressFunc(&ready)

	ready.Wait()
}

// progressThreadStop signals the thread and joins it.
func (e *Engine) progressThreadStop() {
	if !e.pthrOn {
		return
	}

	e.pthrStop.Store(true)
	e.wake()
	e.pthrWg.Wait()
}

// progressThreadRestart cycles the thread; invoked when the first
// device-memory registration adopts a device context the thread must
// inherit.
func (e *Engine) progressThreadRestart() {
	e.progressThreadStop()
	e.progressThreadStart()
}
