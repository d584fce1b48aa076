// Package medium implements the physical bus side of the simulated
// controller: an in-memory wire, a serial link and a SocketCAN
// interface can each play the CAN medium.
package medium

import (
	"sync"

	"github.com/jmorgan1/go-mscan-server/internal/can"
)

// Wire is an in-memory CAN bus joining any number of taps. A frame
// transmitted on one tap is delivered synchronously to every other
// tap, like a shared differential pair without arbitration loss.
type Wire struct {
	mu     sync.RWMutex
	closed bool
	taps   map[*Tap]struct{}
}

// NewWire creates an empty wire.
func NewWire() *Wire { return &Wire{taps: make(map[*Tap]struct{})} }

// Join attaches a new tap whose inbound frames go to recv.
func (w *Wire) Join(recv func(can.Frame)) *Tap {
	t := &Tap{wire: w, recv: recv}
	w.mu.Lock()
	if !w.closed {
		w.taps[t] = struct{}{}
	}
	w.mu.Unlock()
	return t
}

// Close detaches all taps.
func (w *Wire) Close() error {
	w.mu.Lock()
	w.closed = true
	w.taps = nil
	w.mu.Unlock()
	return nil
}

// Tap is one attachment point on a Wire.
type Tap struct {
	wire *Wire
	recv func(can.Frame)
}

// Transmit puts a frame on the wire; every other tap receives it.
func (t *Tap) Transmit(f can.Frame) error {
	t.wire.mu.RLock()
	others := make([]*Tap, 0, len(t.wire.taps))
	for o := range t.wire.taps {
		if o != t {
			others = append(others, o)
		}
	}
	t.wire.mu.RUnlock()
	for _, o := range others {
		if o.recv != nil {
			o.recv(f)
		}
	}
	return nil
}

// Close detaches the tap from its wire.
func (t *Tap) Close() {
	t.wire.mu.Lock()
	delete(t.wire.taps, t)
	t.wire.mu.Unlock()
}
