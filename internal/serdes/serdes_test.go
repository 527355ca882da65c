package serdes

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var enc Encoder
	enc.AddString("name", "agent-a")
	enc.AddBytes("msg", []byte{0x00, 0xff, 0x10, 0x20})

	dec, err := Decode(enc.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got := dec.String("name"); got != "agent-a" {
		t.Errorf("expected name %q, got %q", "agent-a", got)
	}

	if got := dec.Bytes("msg"); !bytes.Equal(got, []byte{0x00, 0xff, 0x10, 0x20}) {
		t.Errorf("unexpected msg bytes: %v", got)
	}

	if dec.Has("other") {
		t.Error("expected 'other' to be absent")
	}
}

func TestEmptyValues(t *testing.T) {
	var enc Encoder
	enc.AddString("name", "")

	dec, err := Decode(enc.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if !dec.Has("name") {
		t.Error("expected empty-valued tag to be present")
	}

	if got := dec.String("name"); got != "" {
		t.Errorf("expected empty value, got %q", got)
	}
}

func TestTruncated(t *testing.T) {
	var enc Encoder
	enc.AddString("name", "agent-a")
	enc.AddString("msg", "hello")

	blob := enc.Bytes()

	for cut := 1; cut < len(blob); cut++ {
		_, err := Decode(blob[:len(blob)-cut])
		if err == nil {
			t.Fatalf("expected error decoding blob truncated by %d bytes", cut)
		}
	}
}

func TestTooShort(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected error for short blob")
	}
}
