package medium

import (
	"bytes"

	"github.com/jmorgan1/go-mscan-server/internal/can"
	"github.com/jmorgan1/go-mscan-server/internal/metrics"
)

// SerialCodec frames CAN messages for the UART bus bridge. Stateless
// and safe for concurrent use.
//
// Wire layout:
//
//	C5 A7       preamble
//	LL          length = 3 (id+prio) + payload (0..8) + 1 (checksum)
//	II II       11-bit identifier, big endian
//	PP          transmit priority
//	DD ...      payload bytes (0..8)
//	CK          checksum = LL + sum of id/prio/payload bytes, mod 256
type SerialCodec struct{}

const (
	serialPre0 = 0xC5
	serialPre1 = 0xA7

	serialMinLn = 3 + 0 + 1 // zero-length payload
	serialMaxLn = 3 + 8 + 1 // full classic payload
)

// Encode builds the wire representation of one frame. Payload lengths
// above 8 are clamped, mirroring the controller.
func (SerialCodec) Encode(f can.Frame) []byte {
	n := int(f.Len)
	if n > can.MaxDataLen {
		n = can.MaxDataLen
	}
	out := make([]byte, 0, 4+3+n+1)
	ln := byte(3 + n + 1)
	out = append(out, serialPre0, serialPre1, ln)
	out = append(out, byte(f.ID>>8), byte(f.ID), f.Priority)
	out = append(out, f.Data[:n]...)
	sum := ln
	for _, b := range out[3:] {
		sum += b
	}
	return append(out, sum)
}

// DecodeStream consumes complete frames from in and emits them via
// out, resynchronizing on garbage. Partial frames stay buffered for
// the next read.
func (SerialCodec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) {
	header := []byte{serialPre0, serialPre1}
	for {
		data := in.Bytes()
		if len(data) < 3 { // need preamble + length
			return
		}

		// Align to the preamble.
		i := bytes.Index(data, header)
		if i < 0 {
			// Keep the last byte in case the next chunk starts with
			// the second preamble byte.
			last := data[len(data)-1]
			in.Reset()
			if last == serialPre0 {
				_ = in.WriteByte(last)
			}
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(data[2])
		if ln < serialMinLn || ln > serialMaxLn {
			metrics.IncMalformed()
			in.Next(1) // resync one byte at a time
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return
		}

		sum := data[2]
		for _, b := range data[3 : req-1] {
			sum += b
		}
		if sum != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		id := uint16(data[3])<<8 | uint16(data[4])
		if id > can.MaxID {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		var f can.Frame
		f.ID = id
		f.Priority = data[5]
		f.Len = uint8(ln - 4)
		copy(f.Data[:], data[6:req-1])

		out(f)
		metrics.IncSerialRx()
		in.Next(req)
	}
}
