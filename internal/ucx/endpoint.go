package ucx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrAmTooLarge is returned when an active-message payload exceeds the
// eager limit.
var ErrAmTooLarge = errors.New("ucx: active message exceeds eager limit")

// ErrBadRemoteAddr is returned when a one-sided operation targets an
// address range outside the imported key's region.
var ErrBadRemoteAddr = errors.New("ucx: remote address outside rkey region")

// ErrBadLocalAddr is returned when the local side of a one-sided operation
// falls outside its registered region.
var ErrBadLocalAddr = errors.New("ucx: local address outside registered memory")

// ErrOpTooLarge is returned when a single one-sided operation exceeds the
// frame limit.
var ErrOpTooLarge = errors.New("ucx: operation exceeds frame size limit")

type pendingGet struct {
	req   *Req
	laddr uint64
	n     uint64
	lmem  *Mem
}

// Ep is a connection from a worker to a remote worker's address. One-sided
// put completes when its frame is on the wire; get and flush complete when
// the peer responds. All operations are non-blocking from the engine's
// point of view: they either complete synchronously or hand back an
// in-flight Req.
type Ep struct {
	w    *Worker
	conn net.Conn

	wmu sync.Mutex

	pendMu  sync.Mutex
	gets    map[uint64]pendingGet
	flushes map[uint64]*Req

	nextReq atomic.Uint64
	closed  atomic.Bool
}

// Connect dials the remote worker address blob and returns the endpoint.
func (w *Worker) Connect(addr []byte) (*Ep, error) {
	if len(addr) != WorkerAddrSize {
		return nil, fmt.Errorf("ucx: worker address must be %d bytes, got %d", WorkerAddrSize, len(addr))
	}

	ip := net.IPv4(addr[0], addr[1], addr[2], addr[3])
	port := binary.LittleEndian.Uint16(addr[4:])

	conn, err := net.Dial("tcp4", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, fmt.Errorf("ucx: endpoint connect: %w", err)
	}

	ep := &Ep{
		w:       w,
		conn:    conn,
		gets:    make(map[uint64]pendingGet),
		flushes: make(map[uint64]*Req),
	}

	w.wg.Add(1)
	go ep.readLoop()

	return ep, nil
}

// SendAm sends an eager active message. The payload is copied onto the
// wire before return, so the request completes synchronously.
func (e *Ep) SendAm(op uint8, hdr, payload []byte) (*Req, error) {
	if len(payload) > MaxEagerAm {
		return nil, ErrAmTooLarge
	}

	if err := e.write(frameAm, encodeAm(op, hdr, payload)); err != nil {
		return nil, err
	}

	return newCompletedReq(), nil
}

// RmaPut writes [laddr, laddr+n) of local registered memory to raddr in
// the peer region named by rk.
func (e *Ep) RmaPut(laddr uint64, lmem *Mem, raddr uint64, rk *Rkey, n uint64) (*Req, error) {
	if n > maxFrame-24 {
		return nil, ErrOpTooLarge
	}

	if !lmem.contains(laddr, n) {
		return nil, ErrBadLocalAddr
	}

	if !rkContains(rk, raddr, n) {
		return nil, ErrBadRemoteAddr
	}

	if err := e.write(framePut, encodePut(rk, raddr, lmem.bytes(laddr, n))); err != nil {
		return nil, err
	}

	return newCompletedReq(), nil
}

// RmaGet reads n bytes at raddr of the peer region named by rk into local
// registered memory at laddr. Completes when the response arrives.
func (e *Ep) RmaGet(laddr uint64, lmem *Mem, raddr uint64, rk *Rkey, n uint64) (*Req, error) {
	if n > maxFrame-32 {
		return nil, ErrOpTooLarge
	}

	if !lmem.contains(laddr, n) {
		return nil, ErrBadLocalAddr
	}

	if !rkContains(rk, raddr, n) {
		return nil, ErrBadRemoteAddr
	}

	req := &Req{}
	id := e.nextReq.Add(1)
	req.onCancel = func() { e.dropGet(id) }

	e.pendMu.Lock()
	e.gets[id] = pendingGet{req: req, laddr: laddr, n: n, lmem: lmem}
	e.pendMu.Unlock()

	if err := e.write(frameGet, encodeGet(id, rk, raddr, n)); err != nil {
		e.dropGet(id)
		return nil, err
	}

	return req, nil
}

// FlushNonBlocking inserts a barrier: its request completes once every
// operation submitted on this endpoint before it has been applied at the
// target.
func (e *Ep) FlushNonBlocking() (*Req, error) {
	req := &Req{}
	id := e.nextReq.Add(1)
	req.onCancel = func() {
		e.pendMu.Lock()
		delete(e.flushes, id)
		e.pendMu.Unlock()
	}

	e.pendMu.Lock()
	e.flushes[id] = req
	e.pendMu.Unlock()

	if err := e.write(frameFlush, encodeFlush(id)); err != nil {
		e.pendMu.Lock()
		delete(e.flushes, id)
		e.pendMu.Unlock()

		return nil, err
	}

	return req, nil
}

// Close tears the endpoint down. Outstanding requests fail with
// ErrConnClosed.
func (e *Ep) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	return e.conn.Close()
}

func (e *Ep) write(ftype uint8, body []byte) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()

	return writeFrame(e.conn, ftype, body)
}

func (e *Ep) dropGet(id uint64) {
	e.pendMu.Lock()
	delete(e.gets, id)
	e.pendMu.Unlock()
}

func (e *Ep) readLoop() {
	defer e.w.wg.Done()

	for {
		ftype, body, err := readFrame(e.conn)
		if err != nil {
			if !e.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("ucx: endpoint connection dropped")
			}

			e.failPending()

			return
		}

		if len(body) < 9 {
			log.Error().Uint8("frame", ftype).Msg("ucx: short response frame")
			e.failPending()

			return
		}

		reqID := binary.LittleEndian.Uint64(body)
		ok := body[8] == 1
		data := body[9:]

		switch ftype {
		case frameGetResp:
			e.completeGet(reqID, ok, data)

		case frameFlushAck:
			e.pendMu.Lock()
			req := e.flushes[reqID]
			delete(e.flushes, reqID)
			e.pendMu.Unlock()

			if req != nil {
				if ok {
					req.complete(nil)
				} else {
					req.complete(fmt.Errorf("ucx: flush found failed operations"))
				}
			}

		default:
			log.Error().Uint8("frame", ftype).Msg("ucx: unexpected response frame")
		}
	}
}

func (e *Ep) completeGet(reqID uint64, ok bool, data []byte) {
	e.pendMu.Lock()
	pg, found := e.gets[reqID]
	delete(e.gets, reqID)
	e.pendMu.Unlock()

	if !found {
		// Canceled and forgotten.
		return
	}

	if !ok {
		pg.req.complete(fmt.Errorf("ucx: get rejected by target"))
		return
	}

	if uint64(len(data)) != pg.n || !pg.lmem.contains(pg.laddr, pg.n) {
		pg.req.complete(fmt.Errorf("ucx: get response length mismatch"))
		return
	}

	copy(pg.lmem.bytes(pg.laddr, pg.n), data)
	pg.req.complete(nil)
}

func (e *Ep) failPending() {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()

	for id, pg := range e.gets {
		pg.req.complete(ErrConnClosed)
		delete(e.gets, id)
	}

	for id, req := range e.flushes {
		req.complete(ErrConnClosed)
		delete(e.flushes, id)
	}
}
