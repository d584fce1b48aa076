// Package stream implements the TCP wire protocol spoken between the
// gateway and its logger clients.
package stream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jmorgan1/go-mscan-server/internal/can"
)

// Codec encodes/decodes gateway frames. Stateless and safe for
// concurrent use.
//
// Each frame is 4 + len bytes on the wire:
//
//	II II  11-bit identifier, big endian
//	PP     transmit priority
//	LL     payload length (0..8)
//	DD ... payload
type Codec struct{}

// ErrInvalidLength is returned for a payload length outside 0..8.
var ErrInvalidLength = errors.New("stream: invalid length")

// ErrBadIdentifier is returned for identifiers wider than 11 bits.
var ErrBadIdentifier = errors.New("stream: identifier exceeds 11 bits")

const headerSize = 4

// Encode packs frames into a single buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (headerSize + can.MaxDataLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns
// the number of bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	for i := range frames {
		f := &frames[i]
		n := f.Len
		if n > can.MaxDataLen {
			n = can.MaxDataLen
		}
		var hdr [headerSize]byte
		binary.BigEndian.PutUint16(hdr[0:2], f.ID&can.MaxID)
		hdr[2] = f.Priority
		hdr[3] = n
		wn, err := w.Write(hdr[:])
		total += wn
		if err != nil {
			return total, fmt.Errorf("stream encode header: %w", err)
		}
		if n > 0 {
			wn, err = w.Write(f.Data[:n])
			total += wn
			if err != nil {
				return total, fmt.Errorf("stream encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF when called
// at a clean frame boundary with no more data.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return f, err
	}
	id := binary.BigEndian.Uint16(hdr[0:2])
	if id > can.MaxID {
		return f, fmt.Errorf("%w: 0x%X", ErrBadIdentifier, id)
	}
	if hdr[3] > can.MaxDataLen {
		return f, fmt.Errorf("%w: %d", ErrInvalidLength, hdr[3])
	}
	f.ID = id
	f.Priority = hdr[2]
	f.Len = hdr[3]
	if f.Len > 0 {
		if _, err := io.ReadFull(r, f.Data[:f.Len]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return f, fmt.Errorf("stream decode data: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (0 = unlimited), invoking onFrame
// for each, and returns how many were decoded. An io.EOF after at
// least one frame is reported as a nil error.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		f, err := c.Decode(r)
		if err != nil {
			if err == io.EOF && n > 0 {
				return n, nil
			}
			return n, err
		}
		onFrame(f)
		n++
	}
	return n, nil
}
