package mscan

import (
	"sync/atomic"

	"github.com/jmorgan1/go-mscan-server/internal/can"
)

// Message is the single-slot receive mailbox content: the payload
// bytes, the data length code reported by the controller and the
// 16-bit receive timestamp. Bytes at index >= Len are leftovers from
// an earlier message; trust Len, not the buffer size.
type Message struct {
	Data  [can.MaxDataLen]byte
	Len   uint8
	Stamp uint16
}

// availFlag is the mailbox availability indicator. The handler is the
// only setter, Consume the only clearer.
type availFlag struct{ v atomic.Bool }

func (a *availFlag) set()      { a.v.Store(true) }
func (a *availFlag) clear()    { a.v.Store(false) }
func (a *availFlag) get() bool { return a.v.Load() }

// HandleReceive is the receive interrupt body. The peripheral invokes
// it whenever a frame passed the acceptance filter and the receive
// buffer holds valid data. It copies exactly the reported number of
// payload bytes into the mailbox, latches the timestamp, raises the
// availability flag strictly after the copy and releases the hardware
// receive buffer.
//
// A second invocation before Consume overwrites the mailbox in place:
// at most one message is ever pending, older unread data is lost.
func (c *Controller) HandleReceive() {
	b := c.bus

	n := b.Load(RXDLR) & 0x0F
	if n > can.MaxDataLen {
		n = can.MaxDataLen
	}
	for i := uint8(0); i < n; i++ {
		c.mbox.Data[i] = b.Load(RXDSR0 + Reg(i))
	}
	c.mbox.Len = n
	c.mbox.Stamp = uint16(b.Load(RXTSRH))<<8 | uint16(b.Load(RXTSRL))

	// Flag only after the payload is fully copied, so a foreground
	// Poll that observes true is guaranteed a consistent mailbox.
	c.avail.set()

	b.Store(RFLG, RXF) // release the receive buffer for the next frame
}

// Poll reports whether an unconsumed message is available. No side
// effects.
func (c *Controller) Poll() bool { return c.avail.get() }

// Read copies the whole mailbox out under an interrupt-disable
// critical section so the handler cannot overwrite it mid-copy. The
// availability flag is advisory: Read returns the slot contents either
// way, callers are expected to Poll first.
func (c *Controller) Read() Message {
	c.irq.Disable()
	m := c.mbox
	c.irq.Enable()
	return m
}

// Consume clears the availability flag. The critical section prevents
// a lost update against a handler setting the flag concurrently.
func (c *Controller) Consume() {
	c.irq.Disable()
	c.avail.clear()
	c.irq.Enable()
}
