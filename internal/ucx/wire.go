package ucx

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types. Put, get and flush frames flow from the endpoint owner to
// the listening worker; responses flow back on the same stream.
const (
	framePut      = uint8(1)
	frameGet      = uint8(2)
	frameGetResp  = uint8(3)
	frameFlush    = uint8(4)
	frameFlushAck = uint8(5)
	frameAm       = uint8(6)
)

// MaxEagerAm is the largest active-message payload the transport delivers
// eagerly. Larger payloads would need a rendezvous protocol, which control
// messages must never use.
const MaxEagerAm = 8 << 10

// maxFrame bounds a single frame body; a put carries at most this much
// data minus its fixed header.
const maxFrame = 64 << 20

// writeFrame writes [type][u32 body length][body] to w.
func writeFrame(w io.Writer, ftype uint8, body []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = ftype
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(body)))

	if _, err := w.Write(hdr); err != nil {
		return err
	}

	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}

	return nil
}

// readFrame reads one frame from r.
func readFrame(r io.Reader) (uint8, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}

	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > maxFrame {
		return 0, nil, fmt.Errorf("ucx: frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	return hdr[0], body, nil
}

// put body: [u64 memID][u64 raddr][u64 len][data]
func encodePut(rk *Rkey, raddr uint64, data []byte) []byte {
	body := make([]byte, 0, 24+len(data))
	body = binary.LittleEndian.AppendUint64(body, rk.memID)
	body = binary.LittleEndian.AppendUint64(body, raddr)
	body = binary.LittleEndian.AppendUint64(body, uint64(len(data)))
	body = append(body, data...)

	return body
}

// get body: [u64 reqID][u64 memID][u64 raddr][u64 len]
func encodeGet(reqID uint64, rk *Rkey, raddr uint64, n uint64) []byte {
	body := make([]byte, 0, 32)
	body = binary.LittleEndian.AppendUint64(body, reqID)
	body = binary.LittleEndian.AppendUint64(body, rk.memID)
	body = binary.LittleEndian.AppendUint64(body, raddr)
	body = binary.LittleEndian.AppendUint64(body, n)

	return body
}

// get response body: [u64 reqID][u8 ok][data]
func encodeGetResp(reqID uint64, ok bool, data []byte) []byte {
	body := make([]byte, 0, 9+len(data))
	body = binary.LittleEndian.AppendUint64(body, reqID)

	if ok {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}

	return append(body, data...)
}

// flush / flush-ack body: [u64 reqID]
func encodeFlush(reqID uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), reqID)
}

// am body: [u8 op][u32 hdr len][hdr][payload]
func encodeAm(op uint8, hdr, payload []byte) []byte {
	body := make([]byte, 0, 5+len(hdr)+len(payload))
	body = append(body, op)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(hdr)))
	body = append(body, hdr...)
	body = append(body, payload...)

	return body
}

func decodeAm(body []byte) (op uint8, hdr, payload []byte, err error) {
	if len(body) < 5 {
		return 0, nil, nil, fmt.Errorf("ucx: short am frame (%d bytes)", len(body))
	}

	op = body[0]
	hlen := binary.LittleEndian.Uint32(body[1:])
	body = body[5:]

	if uint32(len(body)) < hlen {
		return 0, nil, nil, fmt.Errorf("ucx: am header truncated")
	}

	return op, body[:hlen], body[hlen:], nil
}
