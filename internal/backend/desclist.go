package backend

import (
	"fmt"

	"github.com/piwi3910/nixl/pkg/nixl"
)

// MetaDesc is one element of a transfer descriptor list: a memory slice
// plus the registration state that backs it.
type MetaDesc struct {
	nixl.Desc
	MD MD
}

// DescList is an ordered sequence of descriptors sharing one memory
// segment kind.
type DescList struct {
	kind  nixl.MemKind
	descs []MetaDesc
}

// NewDescList creates an empty list of the given kind.
func NewDescList(kind nixl.MemKind) *DescList {
	return &DescList{kind: kind}
}

// Kind returns the list's memory segment kind.
func (l *DescList) Kind() nixl.MemKind {
	return l.kind
}

// Add appends a descriptor.
func (l *DescList) Add(d MetaDesc) *DescList {
	l.descs = append(l.descs, d)

	return l
}

// Len returns the number of descriptors.
func (l *DescList) Len() int {
	return len(l.descs)
}

// At returns the descriptor at index i.
func (l *DescList) At(i int) MetaDesc {
	return l.descs[i]
}

// Validate checks the structural invariants shared by both engines: equal
// element counts and per-index length pairing between local and remote
// lists.
func Validate(local, remote *DescList) error {
	if local == nil || remote == nil {
		return fmt.Errorf("nil descriptor list")
	}

	if local.Len() != remote.Len() {
		return fmt.Errorf("descriptor count mismatch: local=%d remote=%d", local.Len(), remote.Len())
	}

	for i := 0; i < local.Len(); i++ {
		if local.At(i).Len != remote.At(i).Len {
			return fmt.Errorf("descriptor %d: length mismatch local=%d remote=%d",
				i, local.At(i).Len, remote.At(i).Len)
		}
	}

	return nil
}
