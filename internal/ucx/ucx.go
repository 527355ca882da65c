// Package ucx implements the connection-oriented, memory-registration-based
// transport consumed by the network backend engine. It follows the UCP
// programming model: a process-wide Context owns registered memory, Workers
// are independent progress contexts hosting per-peer endpoints, data moves
// through one-sided put/get with exported remote keys, and small control
// messages travel as eager active messages dispatched by Progress().
//
// The wire is TCP. A stream per endpoint gives the same ordering guarantee
// the engine relies on: a flush acknowledgement implies every one-sided
// operation submitted before the flush has been applied at the target.
package ucx

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MTLevel is the thread-safety level the transport is initialized with.
type MTLevel int

const (
	// MTSingle serializes all calls externally.
	MTSingle MTLevel = iota
	// MTContext serializes per context.
	MTContext
	// MTWorker serializes per worker; required for the progress thread.
	MTWorker
)

// MTLevelSupported reports whether the transport supports the given
// thread-safety level.
func MTLevelSupported(level MTLevel) bool {
	return level >= MTSingle && level <= MTWorker
}

// Context is the process-level transport state: the device filter, the
// thread-safety level and the table of registered memory regions that
// incoming one-sided operations resolve against.
type Context struct {
	devices []string
	mt      MTLevel

	memMu   sync.RWMutex
	mems    map[uint64]*Mem
	nextMem atomic.Uint64
}

// NewContext creates a transport context. The device list is advisory: the
// TCP wire has no devices to select, but the filter is kept for parity with
// configurations that name them.
func NewContext(devices []string, mt MTLevel) (*Context, error) {
	if !MTLevelSupported(mt) {
		return nil, fmt.Errorf("ucx: unsupported thread-safety level %d", mt)
	}

	return &Context{
		devices: devices,
		mt:      mt,
		mems:    make(map[uint64]*Mem),
	}, nil
}

// Devices returns the configured device filter.
func (c *Context) Devices() []string {
	return c.devices
}

func (c *Context) registerMem(m *Mem) {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	c.mems[m.id] = m
}

func (c *Context) dropMem(id uint64) {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	delete(c.mems, id)
}

func (c *Context) lookupMem(id uint64) (*Mem, bool) {
	c.memMu.RLock()
	defer c.memMu.RUnlock()

	m, ok := c.mems[id]

	return m, ok
}
