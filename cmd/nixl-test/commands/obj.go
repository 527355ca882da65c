package commands

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/nixl/internal/backend"
	"github.com/piwi3910/nixl/pkg/nixl"
)

func bufAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// pollXfer polls a handle to its terminal state.
func pollXfer(e backend.Engine, h backend.ReqH, timeout time.Duration) nixl.Status {
	deadline := time.Now().Add(timeout)

	for {
		st := e.CheckXfer(h)
		if st != nixl.InProgress {
			return st
		}

		if time.Now().After(deadline) {
			return nixl.ErrBackend
		}

		e.Progress()
		time.Sleep(time.Millisecond)
	}
}

func newObjCmd() *cobra.Command {
	var (
		accessKey string
		secretKey string
		token     string
		bucket    string
		endpoint  string
		key       string
	)

	cmd := &cobra.Command{
		Use:   "obj",
		Short: "Object engine smoke test",
		Long: `Writes a test payload to the object store, reads it back into a
separate buffer and verifies the bytes match.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Backend = "obj"

			if accessKey != "" {
				cfg.Obj.AccessKey = accessKey
			}

			if secretKey != "" {
				cfg.Obj.SecretKey = secretKey
			}

			if token != "" {
				cfg.Obj.SessionToken = token
			}

			if bucket != "" {
				cfg.Obj.Bucket = bucket
			}

			if endpoint != "" {
				cfg.Obj.Endpoint = endpoint
			}

			return runObjTest(key)
		},
	}

	cmd.Flags().StringVarP(&accessKey, "access-key", "a", "", "Store access key")
	cmd.Flags().StringVarP(&secretKey, "secret-key", "s", "", "Store secret key")
	cmd.Flags().StringVarP(&token, "session-token", "t", "", "Store session token")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Bucket name (falls back to AWS_DEFAULT_BUCKET)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Endpoint override")
	cmd.Flags().StringVar(&key, "key", "test-key", "Object key to use")

	return cmd
}

func runObjTest(objKey string) error {
	params := cfg.InitParams()

	e, err := backend.New(cfg.Backend, params)
	if err != nil {
		return err
	}
	defer e.Close()

	payload := []byte("nixl object engine test payload")
	readBack := make([]byte, len(payload))

	dramOut := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(payload), Len: uint64(len(payload)), DevID: 0}}
	dramIn := nixl.RegDesc{Desc: nixl.Desc{Addr: bufAddr(readBack), Len: uint64(len(readBack)), DevID: 1}}
	objDesc := nixl.RegDesc{Desc: nixl.Desc{DevID: 2}, Meta: []byte(objKey)}

	mdOut, st := e.RegisterMem(dramOut, nixl.DRAMSeg)
	if st != nixl.Success {
		return fmt.Errorf("register write buffer: %s", st)
	}
	defer e.DeregisterMem(mdOut)

	mdIn, st := e.RegisterMem(dramIn, nixl.DRAMSeg)
	if st != nixl.Success {
		return fmt.Errorf("register read buffer: %s", st)
	}
	defer e.DeregisterMem(mdIn)

	mdObj, st := e.RegisterMem(objDesc, nixl.ObjSeg)
	if st != nixl.Success {
		return fmt.Errorf("register object key: %s", st)
	}
	defer e.DeregisterMem(mdObj)

	agent := params.LocalAgent

	// Write.
	local := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: dramOut.Desc, MD: mdOut})
	remote := backend.NewDescList(nixl.ObjSeg).
		Add(backend.MetaDesc{Desc: nixl.Desc{Len: uint64(len(payload)), DevID: 2}, MD: mdObj})

	h, st := e.PrepXfer(nixl.Write, local, remote, agent)
	if st != nixl.Success {
		return fmt.Errorf("prep write: %s", st)
	}

	if st = e.PostXfer(nixl.Write, local, remote, agent, h, nil); st.IsError() {
		e.ReleaseReqH(h)
		return fmt.Errorf("post write: %s", st)
	}

	if st = pollXfer(e, h, 30*time.Second); st != nixl.Success {
		e.ReleaseReqH(h)
		return fmt.Errorf("write transfer: %s", st)
	}

	e.ReleaseReqH(h)
	log.Info().Str("key", objKey).Int("bytes", len(payload)).Msg("write completed")

	// Read back.
	localIn := backend.NewDescList(nixl.DRAMSeg).
		Add(backend.MetaDesc{Desc: dramIn.Desc, MD: mdIn})

	h, st = e.PrepXfer(nixl.Read, localIn, remote, agent)
	if st != nixl.Success {
		return fmt.Errorf("prep read: %s", st)
	}

	if st = e.PostXfer(nixl.Read, localIn, remote, agent, h, nil); st.IsError() {
		e.ReleaseReqH(h)
		return fmt.Errorf("post read: %s", st)
	}

	if st = pollXfer(e, h, 30*time.Second); st != nixl.Success {
		e.ReleaseReqH(h)
		return fmt.Errorf("read transfer: %s", st)
	}

	e.ReleaseReqH(h)

	if string(readBack) != string(payload) {
		return errors.New("read-back data does not match written payload")
	}

	log.Info().Msg("object engine test passed")

	return nil
}
