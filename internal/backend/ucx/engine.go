// Package ucx implements the network backend engine: one-sided transfers
// between agents over the ucx transport, with ordered out-of-band
// notifications delivered through active messages. Each engine owns a pool
// of transport workers; a transfer handle is pinned to one worker at prep
// time and every operation on that handle stays on it.
package ucx

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nixl/internal/backend"
	"github.com/piwi3910/nixl/internal/ucx"
	"github.com/piwi3910/nixl/pkg/nixl"
)

// BackendName is the registry name of this engine.
const BackendName = "ucx"

// Active-message opcodes.
const (
	opConnCheck  = uint8(1)
	opDisconnect = uint8(2)
	opNotifStr   = uint8(3)
)

func init() {
	backend.Register(BackendName, func(params *backend.InitParams) (backend.Engine, error) {
		return New(params)
	})
}

// Engine is the network backend engine.
type Engine struct {
	localAgent string

	ctx        *ucx.Context
	workers    []*ucx.Worker
	workerAddr []byte

	connMu sync.RWMutex
	conns  map[string]*connection

	notifMu       sync.Mutex
	notifMain     []nixl.Notification
	notifPthr     []nixl.Notification
	notifPthrPriv []nixl.Notification // progress thread only

	pthrOn    bool
	pthrDelay time.Duration
	pthrStop  atomic.Bool
	pthrWake  chan struct{}
	pthrWg    sync.WaitGroup

	nextWorker atomic.Uint64

	devCtx     *deviceCtx
	cudaAddrWA bool

	closed atomic.Bool
}

// New creates the engine from its init parameters. NumWorkers must be
// positive; the progress thread requires worker-level transport
// multithreading.
func New(params *backend.InitParams) (*Engine, error) {
	if params.NumWorkers <= 0 {
		return nil, fmt.Errorf("ucx engine: worker count must be positive, got %d", params.NumWorkers)
	}

	if params.EnableProgTh && !ucx.MTLevelSupported(ucx.MTWorker) {
		return nil, fmt.Errorf("ucx engine: progress thread requires worker-level multithreading")
	}

	var devices []string
	if list, ok := params.Custom.Get("device_list"); ok {
		devices = strings.FieldsFunc(list, func(r rune) bool {
			return r == ',' || r == ' '
		})
	}

	ctx, err := ucx.NewContext(devices, ucx.MTWorker)
	if err != nil {
		return nil, fmt.Errorf("ucx engine: %w", err)
	}

	e := &Engine{
		localAgent: params.LocalAgent,
		ctx:        ctx,
		conns:      make(map[string]*connection),
		pthrDelay:  params.PthrDelay,
		pthrWake:   make(chan struct{}, 1),
		devCtx:     newDeviceCtx(),
	}

	for i := 0; i < params.NumWorkers; i++ {
		w, werr := ucx.NewWorker(ctx)
		if werr != nil {
			for _, prev := range e.workers {
				prev.Close()
			}

			return nil, fmt.Errorf("ucx engine: worker %d: %w", i, werr)
		}

		w.SetAmRecvHandler(opConnCheck, e.connCheckAmCb)
		w.SetAmRecvHandler(opDisconnect, e.connTermAmCb)
		w.SetAmRecvHandler(opNotifStr, e.notifAmCb)
		w.SetWakeHook(e.wake)

		e.workers = append(e.workers, w)
	}

	e.workerAddr = e.workers[0].Addr()

	if params.EnableProgTh {
		e.pthrOn = true
		if e.pthrDelay <= 0 {
			e.pthrDelay = 100 * time.Millisecond
		}
	}

	// Device-address workaround: track the device context adopted by the
	// first VRAM registration so the progress thread can inherit it.
	if _, disabled := os.LookupEnv("NIXL_DISABLE_CUDA_ADDR_WA"); disabled {
		log.Warn().Msg("ucx engine: device address workaround disabled")
		e.cudaAddrWA = false
	} else {
		e.cudaAddrWA = true
	}

	e.progressThreadStart()

	log.Info().
		Str("agent", params.LocalAgent).
		Int("workers", params.NumWorkers).
		Bool("progress_thread", e.pthrOn).
		Msg("ucx engine initialized")

	return e, nil
}

// SupportsRemote reports remote-transfer capability.
func (e *Engine) SupportsRemote() bool { return true }

// SupportsLocal reports loopback-transfer capability.
func (e *Engine) SupportsLocal() bool { return true }

// SupportsNotif reports notification capability.
func (e *Engine) SupportsNotif() bool { return true }

// SupportsProgTh reports progress-thread capability.
func (e *Engine) SupportsProgTh() bool { return true }

// SupportedMems lists the segment kinds this engine serves.
func (e *Engine) SupportedMems() []nixl.MemKind {
	return []nixl.MemKind{nixl.DRAMSeg, nixl.VRAMSeg}
}

// Progress drives all workers once and returns the number of events
// handled. The entry point for callers running without a progress thread.
func (e *Engine) Progress() int {
	n := 0
	for _, w := range e.workers {
		n += w.Progress()
	}

	return n
}

// getWorker returns the worker a handle is pinned to.
func (e *Engine) getWorker(id int) *ucx.Worker {
	return e.workers[id]
}

// pickWorkerID selects the worker for a new handle. The original pins by a
// hash of the calling thread; goroutine identity is opaque in Go, so the
// engine spreads handles round-robin, which preserves the property that
// matters: one handle, one worker.
func (e *Engine) pickWorkerID() int {
	return int(e.nextWorker.Add(1) % uint64(len(e.workers)))
}

func (e *Engine) wake() {
	select {
	case e.pthrWake <- struct{}{}:
	default:
	}
}

// Close stops the progress thread, tears down connections and workers.
// All transfer handles and registrations must have been released.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.progressThreadStop()

	e.connMu.Lock()
	for name, conn := range e.conns {
		conn.closeEps()
		delete(e.conns, name)
	}
	e.connMu.Unlock()

	var firstErr error
	for _, w := range e.workers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
