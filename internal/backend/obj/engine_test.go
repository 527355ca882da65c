package obj

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nixl/internal/backend"
	"github.com/piwi3910/nixl/pkg/nixl"
)

const testAgent = "test-agent"

func bufAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func newTestEngine(t *testing.T) (*Engine, *MockClient) {
	t.Helper()

	mock := NewMockClient()

	e, err := NewWithClient(&backend.InitParams{LocalAgent: testAgent}, mock)
	require.NoError(t, err)

	t.Cleanup(func() { e.Close() })

	return e, mock
}

// setup registers a DRAM buffer (device 1) and an object key (device 2)
// and returns matching descriptor lists.
func setup(t *testing.T, e *Engine, buf []byte, objKey string, offset uint64) (*backend.DescList, *backend.DescList, backend.MD, backend.MD) {
	t.Helper()

	dramDesc := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(buf), Len: uint64(len(buf)), DevID: 1}}
	objDesc := nixl.RegDesc{Desc: nixl.Desc{DevID: 2}, Meta: []byte(objKey)}

	dramMD, st := e.RegisterMem(dramDesc, nixl.DRAMSeg)
	require.Equal(t, nixl.Success, st)

	objMD, st := e.RegisterMem(objDesc, nixl.ObjSeg)
	require.Equal(t, nixl.Success, st)

	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: dramDesc.Desc, MD: dramMD})
	remote := backend.NewDescList(nixl.ObjSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: offset, Len: uint64(len(buf)), DevID: 2}, MD: objMD})

	return local, remote, dramMD, objMD
}

func TestWriteLifecycle(t *testing.T) {
	e, mock := newTestEngine(t)

	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = byte(i)
	}

	local, remote, _, _ := setup(t, e, buf, "k", 0)

	h, st := e.PrepXfer(nixl.Write, local, remote, testAgent)
	require.Equal(t, nixl.Success, st)

	st = e.PostXfer(nixl.Write, local, remote, testAgent, h, nil)
	assert.Equal(t, nixl.InProgress, st)
	assert.Equal(t, 1, mock.Pending())

	assert.Equal(t, nixl.InProgress, e.CheckXfer(h))

	mock.ExecOne()

	assert.Equal(t, nixl.Success, e.CheckXfer(h))

	stored, ok := mock.Object("k")
	require.True(t, ok)
	assert.Equal(t, buf, stored)

	assert.Equal(t, nixl.Success, e.ReleaseReqH(h))

	runtime.KeepAlive(buf)
}

func TestReadFillsBuffer(t *testing.T) {
	e, mock := newTestEngine(t)

	buf := make([]byte, 26)

	local, remote, _, _ := setup(t, e, buf, "k", 0)

	data := make([]byte, 26)
	for i := range data {
		data[i] = byte('A' + i)
	}
	mock.Seed("k", data)

	h, st := e.PrepXfer(nixl.Read, local, remote, testAgent)
	require.Equal(t, nixl.Success, st)

	require.Equal(t, nixl.InProgress, e.PostXfer(nixl.Read, local, remote, testAgent, h, nil))

	mock.ExecAll()

	assert.Equal(t, nixl.Success, e.CheckXfer(h))
	assert.Equal(t, byte('A'), buf[0])
	assert.Equal(t, data, buf)

	e.ReleaseReqH(h)

	runtime.KeepAlive(buf)
}

func TestReleaseBeforeCallbacks(t *testing.T) {
	e, mock := newTestEngine(t)

	buf := make([]byte, 64)

	local, remote, dramMD, objMD := setup(t, e, buf, "k", 0)

	h, st := e.PrepXfer(nixl.Write, local, remote, testAgent)
	require.Equal(t, nixl.Success, st)

	require.Equal(t, nixl.InProgress, e.PostXfer(nixl.Write, local, remote, testAgent, h, nil))

	// Release while the operation is still pending.
	assert.Equal(t, nixl.Success, e.ReleaseReqH(h))

	assert.Equal(t, nixl.Success, e.DeregisterMem(objMD))
	assert.Equal(t, nixl.Success, e.DeregisterMem(dramMD))

	// The orphaned callback settles into an abandoned promise.
	mock.ExecAll()

	runtime.KeepAlive(buf)
}

func TestRemoteAgentMustMatch(t *testing.T) {
	e, _ := newTestEngine(t)

	buf := make([]byte, 16)
	local, remote, _, _ := setup(t, e, buf, "k", 0)

	h, st := e.PrepXfer(nixl.Write, local, remote, "other")
	assert.Equal(t, nixl.ErrInvalidParam, st)
	assert.Nil(t, h)

	runtime.KeepAlive(buf)
}

func TestDeregisterRemovesKey(t *testing.T) {
	e, _ := newTestEngine(t)

	buf := make([]byte, 16)
	local, remote, _, objMD := setup(t, e, buf, "k", 0)

	require.Equal(t, nixl.Success, e.DeregisterMem(objMD))

	h, st := e.PrepXfer(nixl.Write, local, remote, testAgent)
	require.Equal(t, nixl.Success, st)

	assert.Equal(t, nixl.ErrInvalidParam, e.PostXfer(nixl.Write, local, remote, testAgent, h, nil))

	runtime.KeepAlive(buf)
}

func TestPutAtOffsetLatchesBackendError(t *testing.T) {
	e, _ := newTestEngine(t)

	buf := make([]byte, 32)
	local, remote, _, _ := setup(t, e, buf, "k", 100)

	h, st := e.PrepXfer(nixl.Write, local, remote, testAgent)
	require.Equal(t, nixl.Success, st)

	e.PostXfer(nixl.Write, local, remote, testAgent, h, nil)

	// The offset rejection settles synchronously.
	assert.Equal(t, nixl.ErrBackend, e.CheckXfer(h))

	// Terminal status latches.
	assert.Equal(t, nixl.ErrBackend, e.CheckXfer(h))

	runtime.KeepAlive(buf)
}

func TestGetRange(t *testing.T) {
	e, mock := newTestEngine(t)

	buf := make([]byte, 10)
	local, remote, _, _ := setup(t, e, buf, "k", 5)

	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	mock.Seed("k", data)

	h, st := e.PrepXfer(nixl.Read, local, remote, testAgent)
	require.Equal(t, nixl.Success, st)

	require.Equal(t, nixl.InProgress, e.PostXfer(nixl.Read, local, remote, testAgent, h, nil))

	mock.ExecAll()

	require.Equal(t, nixl.Success, e.CheckXfer(h))

	// Bytes [5, 14] of the object.
	assert.Equal(t, data[5:15], buf)

	runtime.KeepAlive(buf)
}

func TestMultiDescriptorPost(t *testing.T) {
	e, mock := newTestEngine(t)

	bufA := make([]byte, 16)
	bufB := make([]byte, 24)
	for i := range bufA {
		bufA[i] = 0xA0
	}
	for i := range bufB {
		bufB[i] = 0xB0
	}

	dramA := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(bufA), Len: 16, DevID: 1}}
	dramB := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(bufB), Len: 24, DevID: 1}}
	objA := nixl.RegDesc{Desc: nixl.Desc{DevID: 10}, Meta: []byte("obj-a")}
	objB := nixl.RegDesc{Desc: nixl.Desc{DevID: 11}, Meta: []byte("obj-b")}

	mdA, _ := e.RegisterMem(dramA, nixl.DRAMSeg)
	mdB, _ := e.RegisterMem(dramB, nixl.DRAMSeg)
	omdA, _ := e.RegisterMem(objA, nixl.ObjSeg)
	omdB, _ := e.RegisterMem(objB, nixl.ObjSeg)

	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: dramA.Desc, MD: mdA}).
		Add(backend.MetaDesc{Desc: dramB.Desc, MD: mdB})
	remote := backend.NewDescList(nixl.ObjSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Len: 16, DevID: 10}, MD: omdA}).
		Add(backend.MetaDesc{Desc: nixl.Desc{Len: 24, DevID: 11}, MD: omdB})

	h, st := e.PrepXfer(nixl.Write, local, remote, testAgent)
	require.Equal(t, nixl.Success, st)

	require.Equal(t, nixl.InProgress, e.PostXfer(nixl.Write, local, remote, testAgent, h, nil))
	assert.Equal(t, 2, mock.Pending())

	mock.ExecOne()
	assert.Equal(t, nixl.InProgress, e.CheckXfer(h))

	mock.ExecOne()
	assert.Equal(t, nixl.Success, e.CheckXfer(h))

	storedA, _ := mock.Object("obj-a")
	storedB, _ := mock.Object("obj-b")
	assert.Equal(t, bufA, storedA)
	assert.Equal(t, bufB, storedB)

	runtime.KeepAlive(bufA)
	runtime.KeepAlive(bufB)
}

func TestSizeMismatchFatalAtPrep(t *testing.T) {
	e, _ := newTestEngine(t)

	buf := make([]byte, 16)
	local, _, _, objMD := setup(t, e, buf, "k", 0)

	remote := backend.NewDescList(nixl.ObjSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Len: 8, DevID: 2}, MD: objMD})

	_, st := e.PrepXfer(nixl.Write, local, remote, testAgent)
	assert.Equal(t, nixl.ErrInvalidParam, st)

	runtime.KeepAlive(buf)
}

func TestKindGating(t *testing.T) {
	e, _ := newTestEngine(t)

	buf := make([]byte, 16)
	_, remote, _, _ := setup(t, e, buf, "k", 0)

	// VRAM local side is not served by the object engine.
	vram := backend.NewDescList(nixl.VRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(buf), Len: 16}})

	_, st := e.PrepXfer(nixl.Write, vram, remote, testAgent)
	assert.Equal(t, nixl.ErrInvalidParam, st)

	runtime.KeepAlive(buf)
}

func TestDerivedKeyFromDevID(t *testing.T) {
	e, mock := newTestEngine(t)

	buf := []byte("derived")

	dramDesc := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(buf), Len: uint64(len(buf)), DevID: 1}}
	objDesc := nixl.RegDesc{Desc: nixl.Desc{DevID: 42}} // no Meta: key derives from dev id

	dramMD, _ := e.RegisterMem(dramDesc, nixl.DRAMSeg)
	objMD, _ := e.RegisterMem(objDesc, nixl.ObjSeg)

	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: dramDesc.Desc, MD: dramMD})
	remote := backend.NewDescList(nixl.ObjSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Len: uint64(len(buf)), DevID: 42}, MD: objMD})

	h, st := e.PrepXfer(nixl.Write, local, remote, testAgent)
	require.Equal(t, nixl.Success, st)

	e.PostXfer(nixl.Write, local, remote, testAgent, h, nil)
	mock.ExecAll()

	require.Equal(t, nixl.Success, e.CheckXfer(h))

	_, ok := mock.Object("42")
	assert.True(t, ok, "key must derive from the device id")

	runtime.KeepAlive(buf)
}

func TestFailedOpLatches(t *testing.T) {
	e, mock := newTestEngine(t)

	buf := make([]byte, 16)
	local, remote, _, _ := setup(t, e, buf, "k", 0)

	mock.FailAll(true)

	h, st := e.PrepXfer(nixl.Write, local, remote, testAgent)
	require.Equal(t, nixl.Success, st)

	e.PostXfer(nixl.Write, local, remote, testAgent, h, nil)
	mock.ExecAll()

	assert.Equal(t, nixl.ErrBackend, e.CheckXfer(h))
	assert.Equal(t, nixl.ErrBackend, e.CheckXfer(h))

	runtime.KeepAlive(buf)
}

func TestCapabilities(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.False(t, e.SupportsRemote())
	assert.True(t, e.SupportsLocal())
	assert.False(t, e.SupportsNotif())
	assert.False(t, e.SupportsProgTh())
	assert.ElementsMatch(t, []nixl.MemKind{nixl.DRAMSeg, nixl.ObjSeg}, e.SupportedMems())

	assert.Equal(t, nixl.ErrNotSupported, e.GetNotifs(new([]nixl.Notification)))
	assert.Equal(t, nixl.ErrNotSupported, e.GenNotif(testAgent, nil))

	assert.Equal(t, nixl.Success, e.Connect(testAgent))
	assert.Equal(t, nixl.ErrInvalidParam, e.Connect("other"))
}
