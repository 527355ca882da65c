package ucx

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nixl/internal/backend"
	"github.com/piwi3910/nixl/internal/chain"
	"github.com/piwi3910/nixl/internal/metrics"
	"github.com/piwi3910/nixl/internal/ucx"
	"github.com/piwi3910/nixl/pkg/nixl"
)

// intReq wraps one in-flight transport request as a chain element.
type intReq struct {
	chain.Node[intReq]
	req *ucx.Req
}

func newIntReq(req *ucx.Req) *intReq {
	r := &intReq{req: req}
	r.Init(r)

	return r
}

// reqHandle aggregates the sub-operations of one transfer. It is pinned to
// a single worker; all operations on the handle stay on that worker.
type reqHandle struct {
	id       uuid.UUID
	eng      *Engine
	workerID int
	head     chain.Node[intReq]
	latched  nixl.Status
	op       nixl.XferOp
	released bool
}

// WorkerID returns the worker this handle is pinned to.
func (h *reqHandle) WorkerID() int {
	return h.workerID
}

func (h *reqHandle) append(r *intReq) {
	h.head.Link(&r.Node)
}

// status walks the chain, advances incomplete requests, removes completed
// ones and returns the aggregate state. The first observed error latches.
func (h *reqHandle) status() nixl.Status {
	if h.latched.IsError() {
		return h.latched
	}

	if h.head.Empty() {
		return nixl.Success
	}

	w := h.eng.getWorker(h.workerID)
	out := nixl.Success

	for node := h.head.NextNode(); node != nil; node = node.NextNode() {
		r := node.Value()
		if node.IsComplete() {
			continue
		}

		done, err := w.Test(r.req)
		switch {
		case err != nil:
			h.latched = nixl.ErrBackend
			metrics.RecordFailure(BackendName, h.op.String())
			log.Error().Err(err).Str("handle", h.id.String()).Msg("transfer sub-operation failed")

			return h.latched
		case done:
			node.SetComplete()
		default:
			out = nixl.InProgress
		}
	}

	// Drop completed requests, keeping pending ones chained.
	node := h.head.NextNode()
	for node != nil {
		next := node.NextNode()
		if node.IsComplete() {
			r := node.Value()
			node.Unlink()
			w.ReqRelease(r.req)
		}

		node = next
	}

	return out
}

// release cancels whatever is still pending and empties the chain.
func (h *reqHandle) release() nixl.Status {
	if h.head.Empty() {
		return nixl.Success
	}

	w := h.eng.getWorker(h.workerID)

	node := h.head.NextNode()
	for node != nil {
		r := node.Value()
		node = node.Unlink()

		if !r.Node.IsComplete() && !r.req.Completed() {
			w.ReqCancel(r.req)
		}

		w.ReqRelease(r.req)
	}

	return nixl.Success
}

// validateLists applies the engine's transfer preconditions: segment kinds
// it serves and per-index length pairing.
func (e *Engine) validateLists(local, remote *backend.DescList) nixl.Status {
	if local == nil || remote == nil {
		return nixl.ErrInvalidParam
	}

	kindOK := func(k nixl.MemKind) bool {
		return k == nixl.DRAMSeg || k == nixl.VRAMSeg
	}

	if !kindOK(local.Kind()) || !kindOK(remote.Kind()) {
		return nixl.ErrInvalidParam
	}

	if err := backend.Validate(local, remote); err != nil {
		log.Debug().Err(err).Msg("transfer validation failed")
		return nixl.ErrInvalidParam
	}

	return nixl.Success
}

// PrepXfer validates the transfer and allocates its handle, pinned to a
// worker.
func (e *Engine) PrepXfer(op nixl.XferOp, local, remote *backend.DescList, remoteAgent string) (backend.ReqH, nixl.Status) {
	if st := e.validateLists(local, remote); st != nixl.Success {
		return nil, st
	}

	h := &reqHandle{
		id:       uuid.New(),
		eng:      e,
		workerID: e.pickWorkerID(),
		op:       op,
	}

	metrics.ActiveHandles.WithLabelValues(BackendName).Inc()

	return h, nixl.Success
}

// retHelper files a sub-request outcome into the handle: pending requests
// join the chain, synchronous completions are dropped, errors release the
// handle's prior work.
func retHelper(h *reqHandle, w *ucx.Worker, req *ucx.Req, err error) nixl.Status {
	if err != nil {
		h.release()
		return nixl.ErrBackend
	}

	done, terr := w.Test(req)
	switch {
	case terr != nil:
		h.release()
		return nixl.ErrBackend
	case done:
		w.ReqRelease(req)
	default:
		h.append(newIntReq(req))
	}

	return nixl.Success
}

// PostXfer issues one one-sided operation per descriptor pair on the
// handle's worker, then a flush barrier and, when requested, the
// notification message.
func (e *Engine) PostXfer(op nixl.XferOp, local, remote *backend.DescList, remoteAgent string,
	handle backend.ReqH, opt *backend.OptArgs,
) nixl.Status {
	h, ok := handle.(*reqHandle)
	if !ok {
		return nixl.ErrInvalidParam
	}

	if h.released {
		return nixl.ErrRepost
	}

	// A handle with outstanding sub-operations cannot be posted again; a
	// completed handle can be reused for a follow-up transfer.
	if st := h.status(); st == nixl.InProgress || st.IsError() {
		return nixl.ErrRepost
	}

	if st := e.validateLists(local, remote); st != nixl.Success {
		return st
	}

	w := e.getWorker(h.workerID)

	var totalBytes uint64

	for i := 0; i < local.Len(); i++ {
		ld := local.At(i)
		rd := remote.At(i)

		lmd, lok := ld.MD.(*privateMD)
		rmd, rok := rd.MD.(*publicMD)

		if !lok || !rok {
			return nixl.ErrInvalidParam
		}

		ep := rmd.conn.getEp(h.workerID)
		rkey := rmd.getRkey(h.workerID)

		var (
			req *ucx.Req
			err error
		)

		switch op {
		case nixl.Read:
			req, err = ep.RmaGet(ld.Addr, lmd.mem, rd.Addr, rkey, ld.Len)
		case nixl.Write:
			req, err = ep.RmaPut(ld.Addr, lmd.mem, rd.Addr, rkey, ld.Len)
		default:
			return nixl.ErrInvalidParam
		}

		if st := retHelper(h, w, req, err); st != nixl.Success {
			return st
		}

		totalBytes += ld.Len
	}

	// The flush completion is the barrier: once it lands, every one-sided
	// operation above is visible at the target.
	rmd := remote.At(0).MD.(*publicMD)

	flushReq, err := rmd.conn.getEp(h.workerID).FlushNonBlocking()
	if st := retHelper(h, w, flushReq, err); st != nixl.Success {
		return st
	}

	if opt != nil && opt.HasNotif {
		notifReq, nerr := e.notifSendPriv(remoteAgent, opt.NotifMsg, h.workerID)
		if st := retHelper(h, w, notifReq, nerr); st != nixl.Success {
			return st
		}
	}

	metrics.RecordPost(BackendName, op.String(), totalBytes)

	return h.status()
}

// CheckXfer polls the handle's aggregate status. Monotonic.
func (e *Engine) CheckXfer(handle backend.ReqH) nixl.Status {
	h, ok := handle.(*reqHandle)
	if !ok {
		return nixl.ErrInvalidParam
	}

	return h.status()
}

// ReleaseReqH cancels outstanding sub-operations and reclaims the handle.
func (e *Engine) ReleaseReqH(handle backend.ReqH) nixl.Status {
	h, ok := handle.(*reqHandle)
	if !ok {
		return nixl.ErrInvalidParam
	}

	st := h.release()
	if !h.released {
		h.released = true

		metrics.ActiveHandles.WithLabelValues(BackendName).Dec()
	}

	return st
}
