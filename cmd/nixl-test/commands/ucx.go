package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nixl/internal/backend"
	"github.com/piwi3910/nixl/pkg/nixl"
)

func newUcxCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "ucx",
		Short: "Network engine in-process pair test",
		Long: `Creates two agents in one process, connects them through their
bootstrap blobs and runs a write, a read and a notification between them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUcxTest(size)
		},
	}

	cmd.Flags().IntVar(&size, "size", 4096, "Transfer buffer size in bytes")

	return cmd
}

func runUcxTest(size int) error {
	if size < 2 {
		return errors.New("buffer size must be at least 2 bytes")
	}

	params := cfg.InitParams()

	makeEngine := func(agent string) (backend.Engine, error) {
		p := *params
		p.LocalAgent = agent

		return backend.New("ucx", &p)
	}

	a, err := makeEngine("agent-a")
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := makeEngine("agent-b")
	if err != nil {
		return err
	}
	defer b.Close()

	infoA, _ := a.GetConnInfo()
	infoB, _ := b.GetConnInfo()

	if st := a.LoadRemoteConnInfo("agent-b", infoB); st != nixl.Success {
		return fmt.Errorf("load conn info on a: %s", st)
	}

	if st := b.LoadRemoteConnInfo("agent-a", infoA); st != nixl.Success {
		return fmt.Errorf("load conn info on b: %s", st)
	}

	if st := a.Connect("agent-b"); st != nixl.Success {
		return fmt.Errorf("connect a->b: %s", st)
	}

	if st := b.Connect("agent-a"); st != nixl.Success {
		return fmt.Errorf("connect b->a: %s", st)
	}

	bufA := make([]byte, size)
	bufB := make([]byte, size)

	for i := 0; i < size/2; i++ {
		bufA[i] = 0xDA
	}

	for i := size / 2; i < size; i++ {
		bufA[i] = 0xBB
	}

	for i := range bufB {
		bufB[i] = 0xBB
	}

	descA := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(bufA), Len: uint64(size)}}
	descB := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(bufB), Len: uint64(size)}}

	privA, st := a.RegisterMem(descA, nixl.DRAMSeg)
	if st != nixl.Success {
		return fmt.Errorf("register on a: %s", st)
	}
	defer a.DeregisterMem(privA)

	privB, st := b.RegisterMem(descB, nixl.DRAMSeg)
	if st != nixl.Success {
		return fmt.Errorf("register on b: %s", st)
	}
	defer b.DeregisterMem(privB)

	blobB, st := b.GetPublicData(privB)
	if st != nixl.Success {
		return fmt.Errorf("export rkey on b: %s", st)
	}

	pubB, st := a.LoadRemoteMD(nixl.RegDesc{Meta: blobB}, nixl.DRAMSeg, "agent-b")
	if st != nixl.Success {
		return fmt.Errorf("import rkey on a: %s", st)
	}
	defer a.UnloadMD(pubB)

	// Drive both agents while the transfer scenario runs.
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
				a.Progress()
				b.Progress()
				time.Sleep(time.Millisecond)
			}
		}
	})

	g.Go(func() error {
		defer cancel()

		if err := ucxWriteHalf(a, bufA, bufB, privA, pubB, size); err != nil {
			return err
		}

		if err := ucxReadBack(a, bufA, bufB, privA, pubB, size); err != nil {
			return err
		}

		return ucxNotify(a, b)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Msg("network engine test passed")

	return nil
}

func ucxWriteHalf(a backend.Engine, bufA, bufB []byte, privA, pubB backend.MD, size int) error {
	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufA), Len: uint64(size / 2)}, MD: privA})
	remote := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufB), Len: uint64(size / 2)}, MD: pubB})

	h, st := a.PrepXfer(nixl.Write, local, remote, "agent-b")
	if st != nixl.Success {
		return fmt.Errorf("prep write: %s", st)
	}

	if st = a.PostXfer(nixl.Write, local, remote, "agent-b", h, nil); st.IsError() {
		a.ReleaseReqH(h)
		return fmt.Errorf("post write: %s", st)
	}

	if st = pollXfer(a, h, 30*time.Second); st != nixl.Success {
		a.ReleaseReqH(h)
		return fmt.Errorf("write transfer: %s", st)
	}

	a.ReleaseReqH(h)

	for i := 0; i < size/2; i++ {
		if bufB[i] != 0xDA {
			return fmt.Errorf("byte %d not written: %#x", i, bufB[i])
		}
	}

	for i := size / 2; i < size; i++ {
		if bufB[i] != 0xBB {
			return fmt.Errorf("byte %d clobbered: %#x", i, bufB[i])
		}
	}

	log.Info().Int("bytes", size/2).Msg("write verified")

	return nil
}

func ucxReadBack(a backend.Engine, bufA, bufB []byte, privA, pubB backend.MD, size int) error {
	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufA), Len: uint64(size)}, MD: privA})
	remote := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Addr: bufAddr(bufB), Len: uint64(size)}, MD: pubB})

	h, st := a.PrepXfer(nixl.Read, local, remote, "agent-b")
	if st != nixl.Success {
		return fmt.Errorf("prep read: %s", st)
	}

	if st = a.PostXfer(nixl.Read, local, remote, "agent-b", h, nil); st.IsError() {
		a.ReleaseReqH(h)
		return fmt.Errorf("post read: %s", st)
	}

	if st = pollXfer(a, h, 30*time.Second); st != nixl.Success {
		a.ReleaseReqH(h)
		return fmt.Errorf("read transfer: %s", st)
	}

	a.ReleaseReqH(h)

	if !bytes.Equal(bufA, bufB) {
		return errors.New("read-back buffer does not match remote")
	}

	log.Info().Int("bytes", size).Msg("read verified")

	return nil
}

func ucxNotify(a, b backend.Engine) error {
	if st := a.GenNotif("agent-b", []byte("pair-test-done")); st != nixl.Success {
		return fmt.Errorf("send notification: %s", st)
	}

	deadline := time.Now().Add(30 * time.Second)

	for {
		var notifs []nixl.Notification
		if st := b.GetNotifs(&notifs); st != nixl.Success {
			return fmt.Errorf("drain notifications: %s", st)
		}

		if len(notifs) > 0 {
			if notifs[0].Agent != "agent-a" || string(notifs[0].Payload) != "pair-test-done" {
				return fmt.Errorf("unexpected notification %q from %q",
					notifs[0].Payload, notifs[0].Agent)
			}

			log.Info().Msg("notification verified")

			return nil
		}

		if time.Now().After(deadline) {
			return errors.New("notification not delivered")
		}

		time.Sleep(time.Millisecond)
	}
}
