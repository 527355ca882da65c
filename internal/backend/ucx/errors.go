package ucx

import (
	"errors"
	"fmt"
)

var (
	errRndvDelivery = errors.New("control message delivered via rendezvous protocol")
	errUnknownAgent = errors.New("message from unknown agent")
)

func errBadOpcode(hdr []byte) error {
	if len(hdr) == 0 {
		return errors.New("active message with empty header")
	}

	return fmt.Errorf("unexpected active message opcode %d", hdr[0])
}
