package ucx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// RkeySize is the length of a packed remote key.
const RkeySize = 24

// ErrBadRkey is returned for a malformed packed key.
var ErrBadRkey = errors.New("ucx: malformed rkey blob")

// Mem is a registered local memory region. Incoming one-sided operations
// may only touch addresses inside a registered region.
type Mem struct {
	id   uint64
	base uintptr
	size uint64
	ctx  *Context
}

// MemReg registers the region [addr, addr+size) with the context and
// returns its handle.
func (c *Context) MemReg(addr uintptr, size uint64) (*Mem, error) {
	if addr == 0 || size == 0 {
		return nil, fmt.Errorf("ucx: cannot register region addr=%#x size=%d", addr, size)
	}

	m := &Mem{
		id:   c.nextMem.Add(1),
		base: addr,
		size: size,
		ctx:  c,
	}
	c.registerMem(m)

	return m, nil
}

// MemDereg removes the registration. Outstanding operations that still
// reference the region fail at the target.
func (c *Context) MemDereg(m *Mem) {
	c.dropMem(m.id)
}

// contains reports whether [addr, addr+n) lies inside the region.
func (m *Mem) contains(addr uint64, n uint64) bool {
	base := uint64(m.base)

	return addr >= base && addr+n >= addr && addr+n <= base+m.size
}

// bytes returns the registered region's backing bytes for [addr, addr+n).
// The caller must have validated containment.
func (m *Mem) bytes(addr uint64, n uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// PackRkey exports the region's remote key: the blob a peer imports to
// target this region with one-sided operations.
func (c *Context) PackRkey(m *Mem) []byte {
	out := make([]byte, 0, RkeySize)
	out = binary.LittleEndian.AppendUint64(out, m.id)
	out = binary.LittleEndian.AppendUint64(out, uint64(m.base))
	out = binary.LittleEndian.AppendUint64(out, m.size)

	return out
}

// Rkey is an imported remote key: the peer region's id and bounds. It keeps
// no reference to the endpoint it was imported on.
type Rkey struct {
	memID uint64
	base  uint64
	size  uint64
}

// RkeyImport unpacks a peer's exported key for use on ep.
func RkeyImport(ep *Ep, blob []byte) (*Rkey, error) {
	if len(blob) != RkeySize {
		return nil, ErrBadRkey
	}

	return &Rkey{
		memID: binary.LittleEndian.Uint64(blob),
		base:  binary.LittleEndian.Uint64(blob[8:]),
		size:  binary.LittleEndian.Uint64(blob[16:]),
	}, nil
}

// Destroy releases the imported key. No transport state is held; the method
// exists so callers release keys symmetrically with importing them.
func (rk *Rkey) Destroy() {}

// rkContains reports whether [addr, addr+n) lies inside the imported
// region.
func rkContains(rk *Rkey, addr, n uint64) bool {
	return addr >= rk.base && addr+n >= addr && addr+n <= rk.base+rk.size
}
