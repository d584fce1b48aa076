package medium

import (
	"bytes"
	"testing"

	"github.com/jmorgan1/go-mscan-server/internal/can"
)

func TestSerialCodecRoundTrip(t *testing.T) {
	codec := SerialCodec{}
	in := can.Frame{ID: 0x123, Len: 3, Priority: 5, Data: [8]byte{1, 2, 3}}

	buf := bytes.NewBuffer(codec.Encode(in))
	var got []can.Frame
	codec.DecodeStream(buf, func(f can.Frame) { got = append(got, f) })

	if len(got) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(got))
	}
	f := got[0]
	if f.ID != 0x123 || f.Len != 3 || f.Priority != 5 {
		t.Fatalf("frame = %+v", f)
	}
	if f.Data[0] != 1 || f.Data[1] != 2 || f.Data[2] != 3 {
		t.Fatalf("payload = %v", f.Data[:3])
	}
	if buf.Len() != 0 {
		t.Fatalf("%d bytes left in buffer", buf.Len())
	}
}

func TestSerialCodecZeroLength(t *testing.T) {
	codec := SerialCodec{}
	buf := bytes.NewBuffer(codec.Encode(can.Frame{ID: 0x7FF}))
	var got []can.Frame
	codec.DecodeStream(buf, func(f can.Frame) { got = append(got, f) })
	if len(got) != 1 || got[0].ID != 0x7FF || got[0].Len != 0 {
		t.Fatalf("decoded %+v", got)
	}
}

func TestSerialCodecResyncOnGarbage(t *testing.T) {
	codec := SerialCodec{}
	buf := bytes.NewBuffer([]byte{0x00, 0xFF, 0xC5, 0x11})
	buf.Write(codec.Encode(can.Frame{ID: 0x101, Len: 1, Data: [8]byte{0x42}}))

	var got []can.Frame
	codec.DecodeStream(buf, func(f can.Frame) { got = append(got, f) })
	if len(got) != 1 || got[0].ID != 0x101 || got[0].Data[0] != 0x42 {
		t.Fatalf("decoded %+v after garbage prefix", got)
	}
}

func TestSerialCodecBadChecksumSkipped(t *testing.T) {
	codec := SerialCodec{}
	bad := codec.Encode(can.Frame{ID: 0x200, Len: 2, Data: [8]byte{7, 7}})
	bad[len(bad)-1] ^= 0xFF
	buf := bytes.NewBuffer(bad)
	buf.Write(codec.Encode(can.Frame{ID: 0x201, Len: 1, Data: [8]byte{8}}))

	var got []can.Frame
	codec.DecodeStream(buf, func(f can.Frame) { got = append(got, f) })
	if len(got) != 1 || got[0].ID != 0x201 {
		t.Fatalf("decoded %+v, want only the intact frame", got)
	}
}

func TestSerialCodecPartialFrameStaysBuffered(t *testing.T) {
	codec := SerialCodec{}
	wire := codec.Encode(can.Frame{ID: 0x321, Len: 4, Data: [8]byte{1, 2, 3, 4}})

	buf := bytes.NewBuffer(wire[:5]) // preamble + length + partial body
	var got []can.Frame
	codec.DecodeStream(buf, func(f can.Frame) { got = append(got, f) })
	if len(got) != 0 {
		t.Fatalf("decoded %d frames from a partial buffer", len(got))
	}

	buf.Write(wire[5:])
	codec.DecodeStream(buf, func(f can.Frame) { got = append(got, f) })
	if len(got) != 1 || got[0].ID != 0x321 || got[0].Len != 4 {
		t.Fatalf("decoded %+v after completing the frame", got)
	}
}

func TestSerialCodecRejectsWideIdentifier(t *testing.T) {
	codec := SerialCodec{}
	// Hand-build a frame with a 12-bit identifier and a valid checksum.
	body := []byte{0x0F, 0xFF, 0x00} // id 0xFFF, priority 0
	ln := byte(len(body) + 1)
	sum := ln
	for _, b := range body {
		sum += b
	}
	buf := bytes.NewBuffer([]byte{0xC5, 0xA7, ln})
	buf.Write(body)
	buf.WriteByte(sum)

	var got []can.Frame
	codec.DecodeStream(buf, func(f can.Frame) { got = append(got, f) })
	if len(got) != 0 {
		t.Fatalf("decoded %+v, want rejection", got)
	}
}
