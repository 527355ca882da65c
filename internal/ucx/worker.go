package ucx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// WorkerAddrSize is the length of a worker address blob: IPv4 + port.
const WorkerAddrSize = 6

// AmRecvAttr describes how an active message was delivered.
type AmRecvAttr struct {
	// Rndv is set when the message arrived through a rendezvous protocol.
	// The TCP wire always delivers eagerly, so receivers treating Rndv as
	// a protocol error never fire on this transport.
	Rndv bool

	// FromProgressThread is set when the callback runs on the worker's
	// progress thread rather than on a caller thread.
	FromProgressThread bool
}

// AmCallback handles one received active message. The callback runs on
// whichever goroutine is progressing the worker.
type AmCallback func(hdr, payload []byte, attr AmRecvAttr) error

type amEvent struct {
	op      uint8
	hdr     []byte
	payload []byte
}

// Worker is an independent transport progress context. It owns a listener
// that peers connect endpoints to, dispatches received active messages from
// Progress(), and hosts the endpoints created with Connect.
type Worker struct {
	ctx  *Context
	ln   net.Listener
	addr []byte

	cbMu  sync.RWMutex
	amCbs map[uint8]AmCallback

	amMu     sync.Mutex
	amQueue  []amEvent
	amSignal chan struct{}
	wakeHook func()

	progressMu sync.Mutex

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewWorker creates a worker with its listener bound to the loopback
// interface. The worker address blob from Addr() is what peers feed to
// Connect.
func NewWorker(ctx *Context) (*Worker, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("ucx: worker listen: %w", err)
	}

	tcpAddr := ln.Addr().(*net.TCPAddr)
	ip := tcpAddr.IP.To4()
	if ip == nil {
		ln.Close()
		return nil, fmt.Errorf("ucx: worker bound to non-IPv4 address %s", tcpAddr)
	}

	addr := make([]byte, WorkerAddrSize)
	copy(addr, ip)
	binary.LittleEndian.PutUint16(addr[4:], uint16(tcpAddr.Port))

	w := &Worker{
		ctx:      ctx,
		ln:       ln,
		addr:     addr,
		amCbs:    make(map[uint8]AmCallback),
		amSignal: make(chan struct{}, 1),
		conns:    make(map[net.Conn]struct{}),
	}

	w.wg.Add(1)
	go w.acceptLoop()

	return w, nil
}

// Addr returns the worker address blob.
func (w *Worker) Addr() []byte {
	return w.addr
}

// SetAmRecvHandler registers the callback for active messages with the
// given opcode.
func (w *Worker) SetAmRecvHandler(op uint8, cb AmCallback) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()

	w.amCbs[op] = cb
}

// Progress dispatches queued active messages on the calling goroutine and
// returns the number of events handled.
func (w *Worker) Progress() int {
	return w.progress(false)
}

// ProgressPthr is Progress for the engine's progress thread: callbacks see
// FromProgressThread set.
func (w *Worker) ProgressPthr() int {
	return w.progress(true)
}

func (w *Worker) progress(pthr bool) int {
	w.progressMu.Lock()
	defer w.progressMu.Unlock()

	w.amMu.Lock()
	events := w.amQueue
	w.amQueue = nil
	w.amMu.Unlock()

	for _, ev := range events {
		w.cbMu.RLock()
		cb := w.amCbs[ev.op]
		w.cbMu.RUnlock()

		if cb == nil {
			log.Error().Uint8("op", ev.op).Msg("ucx: active message with unknown opcode dropped")
			continue
		}

		attr := AmRecvAttr{FromProgressThread: pthr}
		if err := cb(ev.hdr, ev.payload, attr); err != nil {
			log.Error().Err(err).Uint8("op", ev.op).Msg("ucx: active message callback failed")
		}
	}

	return len(events)
}

// SetWakeHook installs a function invoked whenever an event is queued.
// The progress thread uses one hook across all workers to sleep on a
// single wakeup source. Set before traffic flows; not safe to change
// concurrently with it.
func (w *Worker) SetWakeHook(hook func()) {
	w.wakeHook = hook
}

// Arm prepares the worker for Wait. Returns false when events are already
// pending, in which case the caller should progress instead of waiting.
func (w *Worker) Arm() bool {
	w.amMu.Lock()
	defer w.amMu.Unlock()

	return len(w.amQueue) == 0
}

// Wait blocks until an event arrives or the timeout elapses. Returns true
// when an event is ready.
func (w *Worker) Wait(timeout time.Duration) bool {
	select {
	case <-w.amSignal:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Test reports the completion state of a request. A true done with nil err
// is success; false done means the operation is still in flight.
func (w *Worker) Test(r *Req) (done bool, err error) {
	if !r.Completed() {
		return false, nil
	}

	return true, r.Err()
}

// ReqCancel cancels an in-flight request. A request that already completed
// keeps its outcome.
func (w *Worker) ReqCancel(r *Req) {
	if r.onCancel != nil {
		r.onCancel()
	}

	r.complete(ErrCanceled)
}

// ReqRelease releases a request slot. Requests are garbage-collected; the
// method keeps the release call sites explicit.
func (w *Worker) ReqRelease(r *Req) {}

// Close shuts the listener and all accepted connections down and waits for
// the worker's goroutines.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := w.ln.Close()

	w.connMu.Lock()
	for c := range w.conns {
		c.Close()
	}
	w.connMu.Unlock()

	w.wg.Wait()

	return err
}

func (w *Worker) acceptLoop() {
	defer w.wg.Done()

	for {
		conn, err := w.ln.Accept()
		if err != nil {
			if !w.closed.Load() {
				log.Error().Err(err).Msg("ucx: worker accept failed")
			}

			return
		}

		w.connMu.Lock()
		w.conns[conn] = struct{}{}
		w.connMu.Unlock()

		w.wg.Add(1)
		go w.serveConn(conn)
	}
}

// serveConn applies one-sided operations from a peer endpoint and queues
// its active messages. Put and get execute here, without the worker being
// progressed, the way RMA bypasses the remote CPU; only active messages
// wait for Progress().
func (w *Worker) serveConn(conn net.Conn) {
	defer w.wg.Done()
	defer func() {
		w.connMu.Lock()
		delete(w.conns, conn)
		w.connMu.Unlock()
		conn.Close()
	}()

	var wmu sync.Mutex

	failed := false

	for {
		ftype, body, err := readFrame(conn)
		if err != nil {
			if !w.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("ucx: peer connection dropped")
			}

			return
		}

		switch ftype {
		case framePut:
			if !w.applyPut(body) {
				failed = true
			}

		case frameGet:
			reqID, data, ok := w.applyGet(body)
			wmu.Lock()
			err = writeFrame(conn, frameGetResp, encodeGetResp(reqID, ok, data))
			wmu.Unlock()

		case frameFlush:
			if len(body) < 8 {
				log.Error().Msg("ucx: short flush frame")
				return
			}

			reqID := binary.LittleEndian.Uint64(body)
			ack := encodeGetResp(reqID, !failed, nil)
			failed = false

			wmu.Lock()
			err = writeFrame(conn, frameFlushAck, ack)
			wmu.Unlock()

		case frameAm:
			op, hdr, payload, decErr := decodeAm(body)
			if decErr != nil {
				log.Error().Err(decErr).Msg("ucx: dropping malformed active message")
				continue
			}

			w.amMu.Lock()
			w.amQueue = append(w.amQueue, amEvent{op: op, hdr: hdr, payload: payload})
			w.amMu.Unlock()

			select {
			case w.amSignal <- struct{}{}:
			default:
			}

			if w.wakeHook != nil {
				w.wakeHook()
			}

		default:
			log.Error().Uint8("frame", ftype).Msg("ucx: unknown frame type, closing connection")
			return
		}

		if err != nil {
			log.Debug().Err(err).Msg("ucx: response write failed")
			return
		}
	}
}

func (w *Worker) applyPut(body []byte) bool {
	if len(body) < 24 {
		log.Error().Msg("ucx: short put frame")
		return false
	}

	memID := binary.LittleEndian.Uint64(body)
	raddr := binary.LittleEndian.Uint64(body[8:])
	n := binary.LittleEndian.Uint64(body[16:])
	data := body[24:]

	if uint64(len(data)) != n {
		log.Error().Msg("ucx: put frame length mismatch")
		return false
	}

	mem, ok := w.ctx.lookupMem(memID)
	if !ok || !mem.contains(raddr, n) {
		log.Error().Uint64("mem", memID).Uint64("addr", raddr).Uint64("len", n).
			Msg("ucx: put outside registered memory")

		return false
	}

	copy(mem.bytes(raddr, n), data)

	return true
}

func (w *Worker) applyGet(body []byte) (uint64, []byte, bool) {
	if len(body) < 32 {
		log.Error().Msg("ucx: short get frame")
		return 0, nil, false
	}

	reqID := binary.LittleEndian.Uint64(body)
	memID := binary.LittleEndian.Uint64(body[8:])
	raddr := binary.LittleEndian.Uint64(body[16:])
	n := binary.LittleEndian.Uint64(body[24:])

	mem, ok := w.ctx.lookupMem(memID)
	if !ok || !mem.contains(raddr, n) {
		log.Error().Uint64("mem", memID).Uint64("addr", raddr).Uint64("len", n).
			Msg("ucx: get outside registered memory")

		return reqID, nil, false
	}

	data := make([]byte, n)
	copy(data, mem.bytes(raddr, n))

	return reqID, data, true
}
