package ucx

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCanceled is the terminal error of a canceled request.
var ErrCanceled = errors.New("ucx: request canceled")

// ErrConnClosed is the terminal error of requests orphaned by a dropped
// endpoint connection.
var ErrConnClosed = errors.New("ucx: connection closed")

// Req tracks one in-flight transport operation. Put and active-message
// sends usually complete synchronously; get and flush complete when the
// peer's response arrives. Completion is observed with Completed/Err;
// the transport never blocks a caller on a Req.
type Req struct {
	done atomic.Bool

	errMu sync.Mutex
	err   error

	// onCancel detaches the request from its endpoint's pending table so a
	// late response cannot touch caller memory after cancellation.
	onCancel func()
}

// Completed reports whether the operation has finished (successfully or
// not).
func (r *Req) Completed() bool {
	return r.done.Load()
}

// Err returns the terminal error, nil while in flight or on success.
func (r *Req) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	return r.err
}

// complete marks the request finished with the given error (nil on
// success). The first completion wins.
func (r *Req) complete(err error) {
	r.errMu.Lock()
	if r.done.Load() {
		r.errMu.Unlock()
		return
	}

	r.err = err
	r.errMu.Unlock()
	r.done.Store(true)
}

func newCompletedReq() *Req {
	r := &Req{}
	r.done.Store(true)

	return r
}
