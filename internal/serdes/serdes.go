// Package serdes implements the tagged key/value wire format used for
// notification payloads:
//
//	[uint32 tag_count] ( [uint32 len][tag bytes] [uint32 len][value bytes] ) * tag_count
//
// All integers are little-endian. Values are arbitrary bytes; tags are short
// ASCII names. Decoding a truncated buffer, or one with a field longer than
// maxFieldLen, fails rather than returning partial data. Bytes after the
// last field are ignored.
package serdes

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a blob ends mid-field.
var ErrTruncated = errors.New("serdes: truncated input")

// maxFieldLen bounds a single tag or value. Payloads travel as eager active
// messages, so anything near this limit is a protocol violation upstream.
const maxFieldLen = 1 << 30

// Encoder accumulates tagged fields and renders them to a byte blob.
type Encoder struct {
	tags   []string
	values [][]byte
}

// AddString appends a string-valued tag.
func (e *Encoder) AddString(tag, value string) {
	e.AddBytes(tag, []byte(value))
}

// AddBytes appends a byte-valued tag.
func (e *Encoder) AddBytes(tag string, value []byte) {
	e.tags = append(e.tags, tag)
	e.values = append(e.values, value)
}

// Bytes renders the accumulated fields.
func (e *Encoder) Bytes() []byte {
	size := 4
	for i, tag := range e.tags {
		size += 8 + len(tag) + len(e.values[i])
	}

	out := make([]byte, 0, size)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(e.tags)))

	for i, tag := range e.tags {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(tag)))
		out = append(out, tag...)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(e.values[i])))
		out = append(out, e.values[i]...)
	}

	return out
}

// Decoder gives access to the fields of an encoded blob.
type Decoder struct {
	fields map[string][]byte
}

// Decode parses blob into a Decoder.
func Decode(blob []byte) (*Decoder, error) {
	if len(blob) < 4 {
		return nil, ErrTruncated
	}

	count := binary.LittleEndian.Uint32(blob)
	blob = blob[4:]
	fields := make(map[string][]byte, count)

	for i := uint32(0); i < count; i++ {
		tag, rest, err := readField(blob)
		if err != nil {
			return nil, err
		}

		value, rest, err := readField(rest)
		if err != nil {
			return nil, err
		}

		fields[string(tag)] = value
		blob = rest
	}

	return &Decoder{fields: fields}, nil
}

func readField(blob []byte) ([]byte, []byte, error) {
	if len(blob) < 4 {
		return nil, nil, ErrTruncated
	}

	n := binary.LittleEndian.Uint32(blob)
	if n > maxFieldLen {
		return nil, nil, fmt.Errorf("serdes: field length %d exceeds limit", n)
	}

	blob = blob[4:]
	if uint32(len(blob)) < n {
		return nil, nil, ErrTruncated
	}

	return blob[:n], blob[n:], nil
}

// Bytes returns the value of tag, or nil when absent.
func (d *Decoder) Bytes(tag string) []byte {
	return d.fields[tag]
}

// String returns the value of tag as a string.
func (d *Decoder) String(tag string) string {
	return string(d.fields[tag])
}

// Has reports whether tag is present.
func (d *Decoder) Has(tag string) bool {
	_, ok := d.fields[tag]

	return ok
}
