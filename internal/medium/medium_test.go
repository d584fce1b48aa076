package medium

import (
	"testing"

	"github.com/jmorgan1/go-mscan-server/internal/can"
)

func TestWireDeliversToOtherTaps(t *testing.T) {
	w := NewWire()
	var a, b []can.Frame
	ta := w.Join(func(f can.Frame) { a = append(a, f) })
	tb := w.Join(func(f can.Frame) { b = append(b, f) })
	defer ta.Close()
	defer tb.Close()

	if err := ta.Transmit(can.Frame{ID: 0x10, Len: 1, Data: [8]byte{1}}); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if len(a) != 0 {
		t.Fatalf("sender tap heard its own frame")
	}
	if len(b) != 1 || b[0].ID != 0x10 {
		t.Fatalf("receiver got %+v", b)
	}
}

func TestWireClosedTapStops(t *testing.T) {
	w := NewWire()
	var got int
	ta := w.Join(nil)
	tb := w.Join(func(can.Frame) { got++ })

	tb.Close()
	_ = ta.Transmit(can.Frame{ID: 1})
	if got != 0 {
		t.Fatalf("closed tap received %d frames", got)
	}
}

func TestWireCloseDetachesAll(t *testing.T) {
	w := NewWire()
	var got int
	ta := w.Join(nil)
	w.Join(func(can.Frame) { got++ })

	_ = w.Close()
	_ = ta.Transmit(can.Frame{ID: 1})
	if got != 0 {
		t.Fatalf("tap on a closed wire received %d frames", got)
	}
}
