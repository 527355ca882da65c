package ucx

import (
	"bytes"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nixl/internal/backend"
	"github.com/piwi3910/nixl/pkg/nixl"
)

func bufAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func newEngine(t *testing.T, agent string, progTh bool) *Engine {
	t.Helper()

	e, err := New(&backend.InitParams{
		LocalAgent:   agent,
		NumWorkers:   2,
		EnableProgTh: progTh,
		PthrDelay:    5 * time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() { e.Close() })

	return e
}

// newPair wires two engines to each other through their bootstrap blobs.
func newPair(t *testing.T, progTh bool) (*Engine, *Engine) {
	t.Helper()

	a := newEngine(t, "agent-a", progTh)
	b := newEngine(t, "agent-b", progTh)

	infoA, st := a.GetConnInfo()
	require.Equal(t, nixl.Success, st)

	infoB, st := b.GetConnInfo()
	require.Equal(t, nixl.Success, st)

	require.Equal(t, nixl.Success, a.LoadRemoteConnInfo("agent-b", infoB))
	require.Equal(t, nixl.Success, b.LoadRemoteConnInfo("agent-a", infoA))

	require.Equal(t, nixl.Success, a.Connect("agent-b"))
	require.Equal(t, nixl.Success, b.Connect("agent-a"))

	return a, b
}

// register pins buf on owner and imports its key on peer.
func register(t *testing.T, owner, peer *Engine, buf []byte, devID uint64) (backend.MD, backend.MD) {
	t.Helper()

	desc := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(buf), Len: uint64(len(buf)), DevID: devID}}

	priv, st := owner.RegisterMem(desc, nixl.DRAMSeg)
	require.Equal(t, nixl.Success, st)

	blob, st := owner.GetPublicData(priv)
	require.Equal(t, nixl.Success, st)

	pub, st := peer.LoadRemoteMD(nixl.RegDesc{Meta: blob}, nixl.DRAMSeg, owner.localAgent)
	require.Equal(t, nixl.Success, st)

	return priv, pub
}

func pollDone(t *testing.T, e *Engine, h backend.ReqH) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		st := e.CheckXfer(h)
		if st == nixl.Success {
			return
		}

		require.Equal(t, nixl.InProgress, st, "transfer latched an error")

		if time.Now().After(deadline) {
			t.Fatal("transfer did not complete")
		}

		time.Sleep(time.Millisecond)
	}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func TestWriteHalfBuffer(t *testing.T) {
	a, b := newPair(t, false)

	const n = 256

	bufA := make([]byte, n)
	bufB := make([]byte, n)
	fill(bufA[:n/2], 0xDA)
	fill(bufA[n/2:], 0xBB)
	fill(bufB, 0xBB)

	privA, _ := register(t, a, b, bufA, 0)
	_, pubB := register(t, b, a, bufB, 0)

	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufA), Len: n / 2}, MD: privA})
	remote := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufB), Len: n / 2}, MD: pubB})

	h, st := a.PrepXfer(nixl.Write, local, remote, "agent-b")
	require.Equal(t, nixl.Success, st)

	st = a.PostXfer(nixl.Write, local, remote, "agent-b", h, nil)
	require.Contains(t, []nixl.Status{nixl.Success, nixl.InProgress}, st)

	pollDone(t, a, h)
	assert.Equal(t, nixl.Success, a.ReleaseReqH(h))

	for i := 0; i < n/2; i++ {
		require.Equal(t, byte(0xDA), bufB[i], "byte %d", i)
	}

	for i := n / 2; i < n; i++ {
		require.Equal(t, byte(0xBB), bufB[i], "byte %d", i)
	}

	runtime.KeepAlive(bufA)
	runtime.KeepAlive(bufB)
}

func TestReadWholeBuffer(t *testing.T) {
	a, b := newPair(t, false)

	const n = 512

	bufA := make([]byte, n)
	bufB := make([]byte, n)
	for i := range bufB {
		bufB[i] = byte(i % 251)
	}

	privA, _ := register(t, a, b, bufA, 0)
	_, pubB := register(t, b, a, bufB, 0)

	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufA), Len: n}, MD: privA})
	remote := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufB), Len: n}, MD: pubB})

	h, st := a.PrepXfer(nixl.Read, local, remote, "agent-b")
	require.Equal(t, nixl.Success, st)

	st = a.PostXfer(nixl.Read, local, remote, "agent-b", h, nil)
	require.Contains(t, []nixl.Status{nixl.Success, nixl.InProgress}, st)

	pollDone(t, a, h)
	assert.Equal(t, nixl.Success, a.ReleaseReqH(h))

	assert.True(t, bytes.Equal(bufA, bufB), "read must byte-equal the remote buffer")

	runtime.KeepAlive(bufA)
	runtime.KeepAlive(bufB)
}

func TestNotificationDelivered(t *testing.T) {
	a, b := newPair(t, false)

	buf := make([]byte, 64)
	peerBuf := make([]byte, 64)

	privA, _ := register(t, a, b, buf, 0)
	_, pubB := register(t, b, a, peerBuf, 0)

	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(buf), Len: 64}, MD: privA})
	remote := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(peerBuf), Len: 64}, MD: pubB})

	h, st := a.PrepXfer(nixl.Write, local, remote, "agent-b")
	require.Equal(t, nixl.Success, st)

	opt := &backend.OptArgs{HasNotif: true, NotifMsg: []byte("xfer-done")}
	st = a.PostXfer(nixl.Write, local, remote, "agent-b", h, opt)
	require.Contains(t, []nixl.Status{nixl.Success, nixl.InProgress}, st)

	pollDone(t, a, h)
	a.ReleaseReqH(h)

	var notifs []nixl.Notification

	deadline := time.Now().Add(5 * time.Second)
	for len(notifs) == 0 {
		require.Equal(t, nixl.Success, b.GetNotifs(&notifs))

		if time.Now().After(deadline) {
			t.Fatal("notification not delivered")
		}

		time.Sleep(time.Millisecond)
	}

	require.Len(t, notifs, 1, "notification must arrive exactly once")
	assert.Equal(t, "agent-a", notifs[0].Agent)
	assert.Equal(t, []byte("xfer-done"), notifs[0].Payload)

	// Drained: a second call returns nothing.
	var again []nixl.Notification
	require.Equal(t, nixl.Success, b.GetNotifs(&again))
	assert.Empty(t, again)

	runtime.KeepAlive(buf)
	runtime.KeepAlive(peerBuf)
}

func TestNotificationWithProgressThread(t *testing.T) {
	a, b := newPair(t, true)

	require.Equal(t, nixl.Success, a.GenNotif("agent-b", []byte("ping")))

	var notifs []nixl.Notification

	deadline := time.Now().Add(5 * time.Second)
	for len(notifs) == 0 {
		require.Equal(t, nixl.Success, b.GetNotifs(&notifs))

		if time.Now().After(deadline) {
			t.Fatal("progress thread did not deliver the notification")
		}

		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, "agent-a", notifs[0].Agent)
	assert.Equal(t, []byte("ping"), notifs[0].Payload)
}

func TestNotificationOrderPerSender(t *testing.T) {
	a, b := newPair(t, false)

	for _, msg := range []string{"n1", "n2", "n3"} {
		require.Equal(t, nixl.Success, a.GenNotif("agent-b", []byte(msg)))
	}

	var notifs []nixl.Notification

	deadline := time.Now().Add(5 * time.Second)
	for len(notifs) < 3 {
		var batch []nixl.Notification
		require.Equal(t, nixl.Success, b.GetNotifs(&batch))
		notifs = append(notifs, batch...)

		if time.Now().After(deadline) {
			t.Fatalf("expected 3 notifications, got %d", len(notifs))
		}

		time.Sleep(time.Millisecond)
	}

	for i, want := range []string{"n1", "n2", "n3"} {
		assert.Equal(t, want, string(notifs[i].Payload))
	}
}

func TestPairLengthInvariant(t *testing.T) {
	a, b := newPair(t, false)

	bufA := make([]byte, 64)
	bufB := make([]byte, 64)

	privA, _ := register(t, a, b, bufA, 0)
	_, pubB := register(t, b, a, bufB, 0)

	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufA), Len: 64}, MD: privA})
	remote := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufB), Len: 32}, MD: pubB})

	_, st := a.PrepXfer(nixl.Write, local, remote, "agent-b")
	assert.Equal(t, nixl.ErrInvalidParam, st)

	runtime.KeepAlive(bufA)
	runtime.KeepAlive(bufB)
}

func TestKindGating(t *testing.T) {
	a, _ := newPair(t, false)

	local := backend.NewDescList(nixl.ObjSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Len: 8}})
	remote := backend.NewDescList(nixl.ObjSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Len: 8}})

	_, st := a.PrepXfer(nixl.Write, local, remote, "agent-b")
	assert.Equal(t, nixl.ErrInvalidParam, st)
}

func TestReleaseBeforePost(t *testing.T) {
	a, b := newPair(t, false)

	bufA := make([]byte, 16)
	bufB := make([]byte, 16)

	privA, _ := register(t, a, b, bufA, 0)
	_, pubB := register(t, b, a, bufB, 0)

	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufA), Len: 16}, MD: privA})
	remote := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufB), Len: 16}, MD: pubB})

	h, st := a.PrepXfer(nixl.Write, local, remote, "agent-b")
	require.Equal(t, nixl.Success, st)

	assert.Equal(t, nixl.Success, a.ReleaseReqH(h))

	// A released handle cannot be posted.
	assert.Equal(t, nixl.ErrRepost, a.PostXfer(nixl.Write, local, remote, "agent-b", h, nil))

	runtime.KeepAlive(bufA)
	runtime.KeepAlive(bufB)
}

func TestCapabilityConsistency(t *testing.T) {
	a := newEngine(t, "solo", false)

	assert.True(t, a.SupportsRemote())
	assert.True(t, a.SupportsLocal())
	assert.True(t, a.SupportsNotif())
	assert.True(t, a.SupportsProgTh())
	assert.ElementsMatch(t, []nixl.MemKind{nixl.DRAMSeg, nixl.VRAMSeg}, a.SupportedMems())
}

func TestGetNotifsRejectsNonEmptyList(t *testing.T) {
	a := newEngine(t, "solo", false)

	pre := []nixl.Notification{{Agent: "x"}}
	assert.Equal(t, nixl.ErrInvalidParam, a.GetNotifs(&pre))
}

func TestConnectUnknownAgent(t *testing.T) {
	a := newEngine(t, "solo", false)

	assert.Equal(t, nixl.ErrNotFound, a.Connect("nobody"))
	assert.Equal(t, nixl.ErrNotFound, a.Disconnect("nobody"))
	assert.Equal(t, nixl.ErrNotFound, a.GenNotif("nobody", []byte("x")))
}

func TestLoadRemoteConnInfoTwice(t *testing.T) {
	a, b := newEngine(t, "a2", false), newEngine(t, "b2", false)

	info, _ := b.GetConnInfo()
	require.Equal(t, nixl.Success, a.LoadRemoteConnInfo("b2", info))
	assert.Equal(t, nixl.ErrInvalidParam, a.LoadRemoteConnInfo("b2", info))
}

func TestLoopbackTransfer(t *testing.T) {
	a := newEngine(t, "loop", false)

	require.Equal(t, nixl.Success, a.Connect("loop"))

	src := []byte("loopback payload")
	dst := make([]byte, len(src))

	srcDesc := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(src), Len: uint64(len(src))}}
	dstDesc := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(dst), Len: uint64(len(dst))}}

	privSrc, st := a.RegisterMem(srcDesc, nixl.DRAMSeg)
	require.Equal(t, nixl.Success, st)

	privDst, st := a.RegisterMem(dstDesc, nixl.DRAMSeg)
	require.Equal(t, nixl.Success, st)

	pubDst, st := a.LoadLocalMD(privDst)
	require.Equal(t, nixl.Success, st)

	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: srcDesc.Desc, MD: privSrc})
	remote := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: dstDesc.Desc, MD: pubDst})

	h, st := a.PrepXfer(nixl.Write, local, remote, "loop")
	require.Equal(t, nixl.Success, st)

	st = a.PostXfer(nixl.Write, local, remote, "loop", h, nil)
	require.Contains(t, []nixl.Status{nixl.Success, nixl.InProgress}, st)

	pollDone(t, a, h)
	a.ReleaseReqH(h)

	assert.Equal(t, src, dst)

	runtime.KeepAlive(src)
	runtime.KeepAlive(dst)
}

func TestRegisterDeregisterRestoresState(t *testing.T) {
	a := newEngine(t, "solo", false)

	buf := make([]byte, 32)
	desc := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(buf), Len: 32}}

	md, st := a.RegisterMem(desc, nixl.DRAMSeg)
	require.Equal(t, nixl.Success, st)
	assert.True(t, md.IsPrivate())

	assert.Equal(t, nixl.Success, a.DeregisterMem(md))

	// The cycle is repeatable.
	md2, st := a.RegisterMem(desc, nixl.DRAMSeg)
	require.Equal(t, nixl.Success, st)
	assert.Equal(t, nixl.Success, a.DeregisterMem(md2))

	runtime.KeepAlive(buf)
}

func TestDeviceCtxTracker(t *testing.T) {
	d := newDeviceCtx()

	// Host addresses never adopt a context.
	updated, err := d.update(0x1000, 0)
	require.NoError(t, err)
	assert.False(t, updated)

	// Device addresses adopt on first sight, then must stay consistent.
	d.query = func(addr uintptr) (bool, int64, uintptr, error) {
		return true, 1, 0xCAFE, nil
	}

	updated, err = d.update(0x2000, 1)
	require.NoError(t, err)
	assert.True(t, updated, "first device registration must request a restart")

	updated, err = d.update(0x3000, 1)
	require.NoError(t, err)
	assert.False(t, updated, "same context must not request another restart")

	_, err = d.update(0x4000, 2)
	assert.Error(t, err, "device id mismatch must be rejected")

	d.query = func(addr uintptr) (bool, int64, uintptr, error) {
		return true, 1, 0xBEEF, nil
	}
	_, err = d.update(0x5000, 1)
	assert.Error(t, err, "context change must be rejected")
}
