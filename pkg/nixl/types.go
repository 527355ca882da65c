// Package nixl defines the shared value types of the NIXL data-movement
// substrate: status codes, memory segment kinds, transfer operations,
// descriptors and notifications. Backend engines and the test drivers all
// speak these types; they carry no behavior beyond validation helpers.
package nixl

import "strconv"

// MemKind identifies the kind of memory segment a descriptor addresses.
type MemKind int

const (
	// DRAMSeg is host memory.
	DRAMSeg MemKind = iota
	// VRAMSeg is device (GPU) memory.
	VRAMSeg
	// BlockSeg is block-device storage. Reserved.
	BlockSeg
	// ObjSeg is key-addressed object storage.
	ObjSeg
	// FileSeg is file storage. Reserved.
	FileSeg
)

// String returns the segment kind name.
func (k MemKind) String() string {
	switch k {
	case DRAMSeg:
		return "DRAM_SEG"
	case VRAMSeg:
		return "VRAM_SEG"
	case BlockSeg:
		return "BLK_SEG"
	case ObjSeg:
		return "OBJ_SEG"
	case FileSeg:
		return "FILE_SEG"
	default:
		return "UNKNOWN_SEG(" + strconv.Itoa(int(k)) + ")"
	}
}

// XferOp selects the direction of a transfer.
type XferOp int

const (
	// Read pulls bytes from the remote (or object) side into local memory.
	Read XferOp = iota
	// Write pushes local bytes to the remote (or object) side.
	Write
)

// String returns the operation name.
func (op XferOp) String() string {
	switch op {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	default:
		return "UNKNOWN_OP(" + strconv.Itoa(int(op)) + ")"
	}
}

// Desc identifies a slice of memory: a base address, a length and the id of
// the device (or object) that owns it. Addresses are raw process addresses
// for DRAM/VRAM segments and byte offsets for object segments.
type Desc struct {
	Addr  uint64
	Len   uint64
	DevID uint64
}

// Overlaps reports whether two descriptors cover overlapping address ranges
// on the same device.
func (d Desc) Overlaps(o Desc) bool {
	if d.DevID != o.DevID {
		return false
	}

	return d.Addr < o.Addr+o.Len && o.Addr < d.Addr+d.Len
}

// RegDesc is the input to memory registration. Meta is opaque to the caller:
// for object segments it carries the object key (empty means "derive the key
// from DevID"); for network segments it carries the peer's exported rkey when
// loading remote metadata.
type RegDesc struct {
	Desc
	Meta []byte
}

// Notification is a small out-of-band message delivered reliably and in
// order per sender after the transfer it was attached to has been flushed.
type Notification struct {
	Agent   string
	Payload []byte
}
