package ucx

import (
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nixl/internal/ucx"
	"github.com/piwi3910/nixl/pkg/nixl"
)

// connection is the per-remote-agent state: one endpoint per worker, all
// targeting the peer's advertised worker address.
type connection struct {
	remoteAgent string
	eps         []*ucx.Ep
	connected   bool
}

func (c *connection) getEp(workerID int) *ucx.Ep {
	return c.eps[workerID]
}

func (c *connection) closeEps() {
	for _, ep := range c.eps {
		ep.Close()
	}
}

func (e *Engine) lookupConn(remoteAgent string) (*connection, bool) {
	e.connMu.RLock()
	defer e.connMu.RUnlock()

	conn, ok := e.conns[remoteAgent]

	return conn, ok
}

// GetConnInfo returns the worker address blob peers feed to
// LoadRemoteConnInfo.
func (e *Engine) GetConnInfo() ([]byte, nixl.Status) {
	out := make([]byte, len(e.workerAddr))
	copy(out, e.workerAddr)

	return out, nixl.Success
}

// LoadRemoteConnInfo creates this engine's endpoints toward the remote
// agent's worker address. Partial endpoint failures roll back.
func (e *Engine) LoadRemoteConnInfo(remoteAgent string, blob []byte) nixl.Status {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	if _, exists := e.conns[remoteAgent]; exists {
		return nixl.ErrInvalidParam
	}

	conn := &connection{remoteAgent: remoteAgent}

	for i, w := range e.workers {
		ep, err := w.Connect(blob)
		if err != nil {
			log.Error().Err(err).Str("agent", remoteAgent).Int("worker", i).
				Msg("endpoint setup failed, rolling back")
			conn.closeEps()

			return nixl.ErrBackend
		}

		conn.eps = append(conn.eps, ep)
	}

	e.conns[remoteAgent] = conn

	return nixl.Success
}

// Connect verifies liveness of a loaded connection by sending a CONN_CHECK
// active message from every worker. Connecting to the local agent loads a
// loopback connection first.
func (e *Engine) Connect(remoteAgent string) nixl.Status {
	if remoteAgent == e.localAgent {
		if _, ok := e.lookupConn(remoteAgent); !ok {
			if st := e.LoadRemoteConnInfo(remoteAgent, e.workerAddr); st != nixl.Success {
				return st
			}
		}
	}

	conn, ok := e.lookupConn(remoteAgent)
	if !ok {
		return nixl.ErrNotFound
	}

	hdr := []byte{opConnCheck}

	for i := range e.workers {
		req, err := conn.getEp(i).SendAm(opConnCheck, hdr, []byte(e.localAgent))
		if err != nil {
			log.Error().Err(err).Str("agent", remoteAgent).Int("worker", i).
				Msg("connection check send failed")

			return nixl.ErrBackend
		}

		// Eager sends complete synchronously; wait out any stragglers.
		for {
			done, terr := e.getWorker(i).Test(req)
			if terr != nil {
				return nixl.ErrBackend
			}

			if done {
				break
			}
		}
	}

	return nixl.Success
}

// Disconnect notifies the peer with best-effort DISCONNECT messages and
// tears the connection down.
func (e *Engine) Disconnect(remoteAgent string) nixl.Status {
	if remoteAgent != e.localAgent {
		conn, ok := e.lookupConn(remoteAgent)
		if !ok {
			return nixl.ErrNotFound
		}

		hdr := []byte{opDisconnect}

		for i := range e.workers {
			req, err := conn.getEp(i).SendAm(opDisconnect, hdr, []byte(e.localAgent))
			if err != nil {
				log.Debug().Err(err).Str("agent", remoteAgent).Msg("disconnect send failed")
				continue
			}

			e.getWorker(i).ReqRelease(req)
		}
	}

	return e.endConn(remoteAgent)
}

func (e *Engine) endConn(remoteAgent string) nixl.Status {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	conn, ok := e.conns[remoteAgent]
	if !ok {
		return nixl.ErrNotFound
	}

	conn.closeEps()
	delete(e.conns, remoteAgent)

	return nixl.Success
}

// connCheckAmCb acknowledges a peer's connection check. Runs on the worker
// that received the message.
func (e *Engine) connCheckAmCb(hdr, payload []byte, attr ucx.AmRecvAttr) error {
	if len(hdr) < 1 || hdr[0] != opConnCheck {
		return errBadOpcode(hdr)
	}

	if attr.Rndv {
		return errRndvDelivery
	}

	remoteAgent := string(payload)

	e.connMu.Lock()
	defer e.connMu.Unlock()

	conn, ok := e.conns[remoteAgent]
	if !ok {
		log.Warn().Str("agent", remoteAgent).Msg("connection check from unknown agent")
		return errUnknownAgent
	}

	conn.connected = true

	return nil
}

// connTermAmCb handles a peer's disconnect message.
func (e *Engine) connTermAmCb(hdr, payload []byte, attr ucx.AmRecvAttr) error {
	if len(hdr) < 1 || hdr[0] != opDisconnect {
		return errBadOpcode(hdr)
	}

	if attr.Rndv {
		return errRndvDelivery
	}

	log.Debug().Str("agent", string(payload)).Msg("peer disconnected")

	return nil
}
