package ucx

import (
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nixl/internal/backend"
	"github.com/piwi3910/nixl/internal/ucx"
	"github.com/piwi3910/nixl/pkg/nixl"
)

// privateMD is the state of a local registration: the pinned region and
// its exported remote key.
type privateMD struct {
	mem      *ucx.Mem
	rkeyBlob []byte
	kind     nixl.MemKind
}

// IsPrivate marks local registration state.
func (*privateMD) IsPrivate() bool { return true }

// publicMD is the state of imported remote metadata: the owning
// connection and one imported key per worker.
type publicMD struct {
	conn  *connection
	rkeys []*ucx.Rkey
}

// IsPrivate marks imported metadata.
func (*publicMD) IsPrivate() bool { return false }

func (md *publicMD) getRkey(workerID int) *ucx.Rkey {
	return md.rkeys[workerID]
}

// RegisterMem pins a local region and exports its remote key. VRAM
// registrations run the device-context workaround first; adopting a new
// device context restarts the progress thread so it inherits the context.
func (e *Engine) RegisterMem(desc nixl.RegDesc, kind nixl.MemKind) (backend.MD, nixl.Status) {
	switch kind {
	case nixl.DRAMSeg:
	case nixl.VRAMSeg:
		restart, err := e.vramUpdateCtx(uintptr(desc.Addr), desc.DevID)
		if err != nil {
			log.Error().Err(err).Uint64("dev", desc.DevID).Msg("device context check failed")
			return nil, nixl.ErrNotSupported
		}

		if restart {
			e.progressThreadRestart()
		}
	default:
		return nil, nixl.ErrNotSupported
	}

	mem, err := e.ctx.MemReg(uintptr(desc.Addr), desc.Len)
	if err != nil {
		log.Error().Err(err).Msg("memory registration failed")
		return nil, nixl.ErrBackend
	}

	return &privateMD{
		mem:      mem,
		rkeyBlob: e.ctx.PackRkey(mem),
		kind:     kind,
	}, nixl.Success
}

// DeregisterMem releases a local registration.
func (e *Engine) DeregisterMem(md backend.MD) nixl.Status {
	priv, ok := md.(*privateMD)
	if !ok {
		return nixl.ErrInvalidParam
	}

	e.ctx.MemDereg(priv.mem)

	return nixl.Success
}

// GetPublicData exports a local registration's packed remote key.
func (e *Engine) GetPublicData(md backend.MD) ([]byte, nixl.Status) {
	priv, ok := md.(*privateMD)
	if !ok {
		return nil, nixl.ErrInvalidParam
	}

	out := make([]byte, len(priv.rkeyBlob))
	copy(out, priv.rkeyBlob)

	return out, nixl.Success
}

// importMD imports a packed remote key once per worker against the named
// agent's connection.
func (e *Engine) importMD(blob []byte, agent string) (backend.MD, nixl.Status) {
	conn, ok := e.lookupConn(agent)
	if !ok {
		return nil, nixl.ErrNotFound
	}

	md := &publicMD{conn: conn}

	for workerID := range e.workers {
		rkey, err := ucx.RkeyImport(conn.getEp(workerID), blob)
		if err != nil {
			log.Error().Err(err).Str("agent", agent).Int("worker", workerID).
				Msg("rkey import failed")

			for _, rk := range md.rkeys {
				rk.Destroy()
			}

			return nil, nixl.ErrBackend
		}

		md.rkeys = append(md.rkeys, rkey)
	}

	return md, nixl.Success
}

// LoadRemoteMD imports a peer's exported registration metadata.
func (e *Engine) LoadRemoteMD(desc nixl.RegDesc, kind nixl.MemKind, remoteAgent string) (backend.MD, nixl.Status) {
	return e.importMD(desc.Meta, remoteAgent)
}

// LoadLocalMD imports this agent's own registration for loopback
// transfers. Requires a loopback connection (Connect to self).
func (e *Engine) LoadLocalMD(md backend.MD) (backend.MD, nixl.Status) {
	priv, ok := md.(*privateMD)
	if !ok {
		return nil, nixl.ErrInvalidParam
	}

	return e.importMD(priv.rkeyBlob, e.localAgent)
}

// UnloadMD releases imported metadata.
func (e *Engine) UnloadMD(md backend.MD) nixl.Status {
	pub, ok := md.(*publicMD)
	if !ok {
		return nixl.ErrInvalidParam
	}

	for _, rk := range pub.rkeys {
		rk.Destroy()
	}

	return nixl.Success
}
