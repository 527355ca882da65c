// Package obj implements the object-storage backend engine: it treats a
// key-addressed object store as a remote memory segment. Registration binds
// a device id to an object key; transfers become per-descriptor
// asynchronous PUT/GET operations whose completions aggregate under one
// handle. The engine is local-only: the remote agent of every transfer must
// be the agent that owns the engine.
package obj

import (
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nixl/internal/backend"
	"github.com/piwi3910/nixl/internal/executor"
	"github.com/piwi3910/nixl/internal/metrics"
	"github.com/piwi3910/nixl/pkg/nixl"
)

// BackendName is the registry name of this engine.
const BackendName = "obj"

func init() {
	backend.Register(BackendName, func(params *backend.InitParams) (backend.Engine, error) {
		return New(params)
	})
}

// objMD is the per-registration state: the segment kind, the device id and
// the object key it maps to.
type objMD struct {
	kind   nixl.MemKind
	devID  uint64
	objKey string
}

// IsPrivate marks registration state created by this engine.
func (*objMD) IsPrivate() bool { return true }

// future receives the outcome of one dispatched store operation. The
// dispatch closure owns the sending side; an abandoned future is simply
// garbage-collected after the send.
type future struct {
	ch chan nixl.Status
}

func newFuture() *future {
	return &future{ch: make(chan nixl.Status, 1)}
}

// settle resolves the future. Called at most once, from the executor.
func (f *future) settle(success bool) {
	st := nixl.Success
	if !success {
		st = nixl.ErrBackend
	}

	f.ch <- st
}

// poll is a zero-timeout wait.
func (f *future) poll() (nixl.Status, bool) {
	select {
	case st := <-f.ch:
		return st, true
	default:
		return nixl.InProgress, false
	}
}

// reqHandle aggregates the completion futures of one transfer.
type reqHandle struct {
	id      uuid.UUID
	futures []*future
	latched nixl.Status
	op      nixl.XferOp
	posted  bool
	dropped bool
}

// WorkerID satisfies the handle contract; the object engine has no
// workers.
func (h *reqHandle) WorkerID() int { return 0 }

// overallStatus polls futures from the tail: settled successes pop, the
// first settled failure latches and clears the rest, the first pending
// future reports in-progress.
func (h *reqHandle) overallStatus() nixl.Status {
	if h.latched.IsError() {
		return h.latched
	}

	for len(h.futures) > 0 {
		last := h.futures[len(h.futures)-1]

		st, ready := last.poll()
		if !ready {
			return nixl.InProgress
		}

		if st != nixl.Success {
			h.futures = nil
			h.latched = st
			metrics.RecordFailure(BackendName, h.op.String())

			return st
		}

		h.futures = h.futures[:len(h.futures)-1]
	}

	return nixl.Success
}

// Engine is the object-storage backend engine.
type Engine struct {
	localAgent string
	exec       *executor.Executor
	client     ObjectClient

	keyMu    sync.RWMutex
	devToKey map[uint64]string

	closed atomic.Bool
}

// New creates the engine and its object client. client_type selects the
// implementation: "aws" (default) or "minio".
func New(params *backend.InitParams) (*Engine, error) {
	var (
		client ObjectClient
		err    error
	)

	switch params.Custom.GetDefault("client_type", "aws") {
	case "minio":
		client, err = newMinioClient(params.Custom)
	default:
		client, err = newAwsClient(params.Custom)
	}

	if err != nil {
		return nil, err
	}

	return NewWithClient(params, client)
}

// NewWithClient creates the engine around an injected client. Tests use it
// with the mock.
func NewWithClient(params *backend.InitParams, client ObjectClient) (*Engine, error) {
	e := &Engine{
		localAgent: params.LocalAgent,
		exec:       executor.New(0),
		client:     client,
		devToKey:   make(map[uint64]string),
	}

	client.SetExecutor(e.exec)

	log.Info().Str("agent", params.LocalAgent).Msg("object storage engine initialized")

	return e, nil
}

// SupportsRemote reports remote-transfer capability; the object engine is
// local-only.
func (e *Engine) SupportsRemote() bool { return false }

// SupportsLocal reports loopback-transfer capability.
func (e *Engine) SupportsLocal() bool { return true }

// SupportsNotif reports notification capability.
func (e *Engine) SupportsNotif() bool { return false }

// SupportsProgTh reports progress-thread capability.
func (e *Engine) SupportsProgTh() bool { return false }

// SupportedMems lists the segment kinds this engine serves.
func (e *Engine) SupportedMems() []nixl.MemKind {
	return []nixl.MemKind{nixl.DRAMSeg, nixl.ObjSeg}
}

// RegisterMem binds a device id to an object key. Registrations of other
// segment kinds are accepted and return metadata holding only the kind and
// device id; they leave the key index untouched. An empty Meta derives the
// key from the device id.
func (e *Engine) RegisterMem(desc nixl.RegDesc, kind nixl.MemKind) (backend.MD, nixl.Status) {
	md := &objMD{kind: kind, devID: desc.DevID}

	if kind != nixl.ObjSeg {
		return md, nixl.Success
	}

	if len(desc.Meta) == 0 {
		md.objKey = strconv.FormatUint(desc.DevID, 10)
	} else {
		md.objKey = string(desc.Meta)
	}

	e.keyMu.Lock()
	e.devToKey[desc.DevID] = md.objKey
	e.keyMu.Unlock()

	return md, nixl.Success
}

// DeregisterMem removes an object registration from the key index.
func (e *Engine) DeregisterMem(md backend.MD) nixl.Status {
	m, ok := md.(*objMD)
	if !ok {
		return nixl.ErrInvalidParam
	}

	if m.kind == nixl.ObjSeg {
		e.keyMu.Lock()
		delete(e.devToKey, m.devID)
		e.keyMu.Unlock()
	}

	return nixl.Success
}

// GetPublicData exports the object key.
func (e *Engine) GetPublicData(md backend.MD) ([]byte, nixl.Status) {
	m, ok := md.(*objMD)
	if !ok {
		return nil, nixl.ErrInvalidParam
	}

	return []byte(m.objKey), nixl.Success
}

// LoadRemoteMD accepts metadata only for this agent: the object store is
// not reachable through peers.
func (e *Engine) LoadRemoteMD(desc nixl.RegDesc, kind nixl.MemKind, remoteAgent string) (backend.MD, nixl.Status) {
	if remoteAgent != e.localAgent {
		return nil, nixl.ErrInvalidParam
	}

	md := &objMD{kind: kind, devID: desc.DevID, objKey: string(desc.Meta)}
	if md.objKey == "" {
		md.objKey = strconv.FormatUint(desc.DevID, 10)
	}

	return md, nixl.Success
}

// LoadLocalMD returns the registration itself; local and imported state
// coincide for a local-only engine.
func (e *Engine) LoadLocalMD(md backend.MD) (backend.MD, nixl.Status) {
	if _, ok := md.(*objMD); !ok {
		return nil, nixl.ErrInvalidParam
	}

	return md, nixl.Success
}

// UnloadMD releases imported metadata.
func (e *Engine) UnloadMD(md backend.MD) nixl.Status {
	if _, ok := md.(*objMD); !ok {
		return nixl.ErrInvalidParam
	}

	return nixl.Success
}

// GetConnInfo returns an empty bootstrap blob: there is no peer state to
// exchange.
func (e *Engine) GetConnInfo() ([]byte, nixl.Status) {
	return []byte{}, nixl.Success
}

// LoadRemoteConnInfo accepts only this agent's own name.
func (e *Engine) LoadRemoteConnInfo(remoteAgent string, blob []byte) nixl.Status {
	if remoteAgent != e.localAgent {
		return nixl.ErrNotSupported
	}

	return nixl.Success
}

// Connect is a no-op for the local agent.
func (e *Engine) Connect(remoteAgent string) nixl.Status {
	if remoteAgent != e.localAgent {
		return nixl.ErrInvalidParam
	}

	return nixl.Success
}

// Disconnect is a no-op for the local agent.
func (e *Engine) Disconnect(remoteAgent string) nixl.Status {
	if remoteAgent != e.localAgent {
		return nixl.ErrInvalidParam
	}

	return nixl.Success
}

// validPrepParams checks the object engine's transfer contract: same
// agent, host-memory local side, object remote side.
func (e *Engine) validPrepParams(local, remote *backend.DescList, remoteAgent string) bool {
	if remoteAgent != e.localAgent {
		log.Error().Str("remote", remoteAgent).Str("local", e.localAgent).
			Msg("remote agent must match the requesting agent")

		return false
	}

	if local == nil || remote == nil {
		return false
	}

	if local.Kind() != nixl.DRAMSeg {
		log.Error().Stringer("kind", local.Kind()).Msg("local memory type must be DRAM_SEG")
		return false
	}

	if remote.Kind() != nixl.ObjSeg {
		log.Error().Stringer("kind", remote.Kind()).Msg("remote memory type must be OBJ_SEG")
		return false
	}

	return true
}

// PrepXfer validates the transfer and allocates an empty handle. Size
// mismatches between paired descriptors are fatal here.
func (e *Engine) PrepXfer(op nixl.XferOp, local, remote *backend.DescList, remoteAgent string) (backend.ReqH, nixl.Status) {
	if !e.validPrepParams(local, remote, remoteAgent) {
		return nil, nixl.ErrInvalidParam
	}

	if err := backend.Validate(local, remote); err != nil {
		log.Error().Err(err).Msg("transfer validation failed")
		return nil, nixl.ErrInvalidParam
	}

	h := &reqHandle{id: uuid.New(), op: op}

	metrics.ActiveHandles.WithLabelValues(BackendName).Inc()

	return h, nixl.Success
}

// bufFromDesc views the descriptor's memory as a byte slice.
func bufFromDesc(d nixl.Desc) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(d.Addr))), d.Len)
}

// PostXfer dispatches one asynchronous store operation per descriptor
// pair: the local descriptor supplies the buffer, the remote descriptor
// the object key (by device id) and the byte offset (its address).
func (e *Engine) PostXfer(op nixl.XferOp, local, remote *backend.DescList, remoteAgent string,
	handle backend.ReqH, opt *backend.OptArgs,
) nixl.Status {
	h, ok := handle.(*reqHandle)
	if !ok {
		return nixl.ErrInvalidParam
	}

	if h.dropped {
		return nixl.ErrRepost
	}

	if st := h.overallStatus(); st == nixl.InProgress || st.IsError() {
		return nixl.ErrRepost
	}

	if !e.validPrepParams(local, remote, remoteAgent) {
		return nixl.ErrInvalidParam
	}

	if err := backend.Validate(local, remote); err != nil {
		log.Error().Err(err).Msg("transfer validation failed")
		return nixl.ErrInvalidParam
	}

	var totalBytes uint64

	for i := 0; i < local.Len(); i++ {
		ld := local.At(i)
		rd := remote.At(i)

		e.keyMu.RLock()
		objKey, found := e.devToKey[rd.DevID]
		e.keyMu.RUnlock()

		if !found {
			log.Error().Uint64("dev", rd.DevID).Msg("no object key registered for device id")
			return nixl.ErrInvalidParam
		}

		fut := newFuture()
		h.futures = append(h.futures, fut)

		buf := bufFromDesc(ld.Desc)
		offset := rd.Addr

		switch op {
		case nixl.Write:
			e.client.PutAsync(objKey, buf, offset, fut.settle)
		case nixl.Read:
			e.client.GetAsync(objKey, buf, offset, fut.settle)
		default:
			return nixl.ErrInvalidParam
		}

		totalBytes += ld.Len
	}

	h.posted = true

	metrics.RecordPost(BackendName, op.String(), totalBytes)

	return nixl.InProgress
}

// CheckXfer polls the handle's aggregate status. Monotonic.
func (e *Engine) CheckXfer(handle backend.ReqH) nixl.Status {
	h, ok := handle.(*reqHandle)
	if !ok {
		return nixl.ErrInvalidParam
	}

	return h.overallStatus()
}

// ReleaseReqH drops the handle's futures. Store operations still in flight
// settle into abandoned promises and are discarded.
func (e *Engine) ReleaseReqH(handle backend.ReqH) nixl.Status {
	h, ok := handle.(*reqHandle)
	if !ok {
		return nixl.ErrInvalidParam
	}

	h.futures = nil

	if !h.dropped {
		h.dropped = true

		metrics.ActiveHandles.WithLabelValues(BackendName).Dec()
	}

	return nixl.Success
}

// GetNotifs is not supported: the object store delivers no notifications.
func (e *Engine) GetNotifs(out *[]nixl.Notification) nixl.Status {
	return nixl.ErrNotSupported
}

// GenNotif is not supported.
func (e *Engine) GenNotif(remoteAgent string, payload []byte) nixl.Status {
	return nixl.ErrNotSupported
}

// Progress has nothing to drive: completions arrive on the executor.
func (e *Engine) Progress() int { return 0 }

// Close drains and stops the executor. In-flight callbacks finish first.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.exec.WaitUntilStopped()

	return nil
}
