// Package sim provides an in-memory MSCAN peripheral. It implements
// the driver's register Bus with hardware-like side effects (init mode
// handshake, transmit buffer arbitration, acceptance filtering,
// receive interrupt dispatch) so the driver and the gateway run
// without silicon.
package sim

import (
	"sync"
	"sync/atomic"

	"github.com/jmorgan1/go-mscan-server/internal/can"
	"github.com/jmorgan1/go-mscan-server/internal/mscan"
)

// Transmit pushes a frame onto the attached bus medium.
type Transmit func(can.Frame) error

type txJob struct {
	buf   uint8 // TXE bit of the hardware buffer
	frame can.Frame
	loopb bool
	quiet bool // listen-only, nothing reaches the medium
}

// Peripheral is one simulated MSCAN controller.
type Peripheral struct {
	mu   sync.Mutex // register file
	irq  sync.Mutex // CPU interrupt mask; held while the vector runs
	regs [mscan.RegCount]uint8

	vector   func()
	transmit Transmit

	stamp    uint16
	holdTX   bool
	pending  []txJob
	overruns atomic.Uint64
	filtered atomic.Uint64
}

// New returns a peripheral in reset state: all transmit buffers empty,
// module disabled.
func New() *Peripheral {
	p := &Peripheral{}
	p.regs[mscan.TFLG] = mscan.TXEMask
	return p
}

// SetVector installs the receive interrupt handler. On hardware this
// is the linker placing the ISR on the receive vector; here the
// startup code wires the driver's HandleReceive explicitly.
func (p *Peripheral) SetVector(fn func()) {
	p.mu.Lock()
	p.vector = fn
	p.mu.Unlock()
}

// SetTransmit attaches the bus medium output.
func (p *Peripheral) SetTransmit(fn Transmit) {
	p.mu.Lock()
	p.transmit = fn
	p.mu.Unlock()
}

// Disable masks the receive interrupt. Blocks until a running handler
// returns, like clearing the CPU I bit on a single core.
func (p *Peripheral) Disable() { p.irq.Lock() }

// Enable unmasks the receive interrupt.
func (p *Peripheral) Enable() { p.irq.Unlock() }

// Overruns counts frames dropped because the receive buffer was still
// full when they arrived.
func (p *Peripheral) Overruns() uint64 { return p.overruns.Load() }

// Filtered counts frames rejected by the acceptance filters.
func (p *Peripheral) Filtered() uint64 { return p.filtered.Load() }

// HoldTransmit stops released transmit buffers from completing on
// their own; they stay busy until CompleteTransmit. Lets tests observe
// buffers-full behavior and priority arbitration.
func (p *Peripheral) HoldTransmit(on bool) {
	p.mu.Lock()
	p.holdTX = on
	p.mu.Unlock()
}

// PendingTransmits reports the number of held buffers.
func (p *Peripheral) PendingTransmits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// CompleteTransmit finishes the held transmission hardware arbitration
// would pick next: the numerically lowest priority value, ties to the
// lower buffer. Returns the transmitted frame.
func (p *Peripheral) CompleteTransmit() (can.Frame, bool) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return can.Frame{}, false
	}
	best := 0
	for i := 1; i < len(p.pending); i++ {
		pi, pb := p.pending[i], p.pending[best]
		if pi.frame.Priority < pb.frame.Priority ||
			(pi.frame.Priority == pb.frame.Priority && pi.buf < pb.buf) {
			best = i
		}
	}
	job := p.pending[best]
	p.pending = append(p.pending[:best], p.pending[best+1:]...)
	p.mu.Unlock()

	p.dispatchTX(job)
	return job.frame, true
}

// Load implements mscan.Bus.
func (p *Peripheral) Load(r mscan.Reg) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r == mscan.TBSEL {
		// Hardware resolves the selection to the lowest set bit.
		v := p.regs[r] & mscan.TXEMask
		return v & -v
	}
	return p.regs[r]
}

// Store implements mscan.Bus, applying register side effects.
func (p *Peripheral) Store(r mscan.Reg, v uint8) {
	var jobs []txJob

	p.mu.Lock()
	switch r {
	case mscan.CTL0:
		p.regs[r] = v
		if p.regs[mscan.CTL1]&mscan.CANE != 0 {
			if v&mscan.INITRQ != 0 {
				// Entering init mode aborts pending transmissions.
				p.regs[mscan.CTL1] |= mscan.INITAK
				p.regs[mscan.TFLG] = mscan.TXEMask
				p.pending = nil
			} else {
				p.regs[mscan.CTL1] &^= mscan.INITAK
			}
		}
	case mscan.CTL1:
		// CANE is write once; INITAK belongs to the state machine.
		keep := p.regs[r] & (mscan.CANE | mscan.INITAK)
		p.regs[r] = v&^mscan.INITAK | keep
	case mscan.TBSEL:
		p.regs[r] = v & p.regs[mscan.TFLG] & mscan.TXEMask
	case mscan.TFLG:
		// Writing a one to an empty flag clears it, releasing that
		// buffer to transmission.
		rel := v & p.regs[r] & mscan.TXEMask
		if rel != 0 {
			p.regs[r] &^= rel
			job := txJob{
				frame: p.txWindowFrame(),
				loopb: p.regs[mscan.CTL1]&mscan.LOOPB != 0,
				quiet: p.regs[mscan.CTL1]&mscan.LISTEN != 0,
			}
			for bit := mscan.TXE0; bit <= mscan.TXE2; bit <<= 1 {
				if rel&bit == 0 {
					continue
				}
				job.buf = bit
				if p.holdTX {
					p.pending = append(p.pending, job)
				} else {
					jobs = append(jobs, job)
				}
			}
		}
	case mscan.RFLG:
		p.regs[r] &^= v // write one to clear
	default:
		p.regs[r] = v
	}
	p.mu.Unlock()

	for _, job := range jobs {
		p.dispatchTX(job)
	}
}

// txWindowFrame snapshots the transmit buffer window. Caller holds mu.
func (p *Peripheral) txWindowFrame() can.Frame {
	var f can.Frame
	id := uint32(p.regs[mscan.TXIDR0])<<24 |
		uint32(p.regs[mscan.TXIDR0+1])<<16 |
		uint32(p.regs[mscan.TXIDR0+2])<<8 |
		uint32(p.regs[mscan.TXIDR0+3])
	f.ID = uint16(id>>(mscan.IDShift+16)) & can.MaxID
	f.Len = p.regs[mscan.TXDLR] & 0x0F
	if f.Len > can.MaxDataLen {
		f.Len = can.MaxDataLen
	}
	copy(f.Data[:], p.regs[mscan.TXDSR0:mscan.TXDSR0+can.MaxDataLen])
	f.Priority = p.regs[mscan.TXTBPR]
	return f
}

// dispatchTX completes one released buffer: the frame goes to the
// medium (or back into the receive path in loopback mode) and the
// empty flag returns.
func (p *Peripheral) dispatchTX(job txJob) {
	switch {
	case job.loopb:
		p.Receive(job.frame)
	case job.quiet:
		// listen-only: nothing leaves the controller
	default:
		p.mu.Lock()
		tx := p.transmit
		p.mu.Unlock()
		if tx != nil {
			_ = tx(job.frame)
		}
	}
	p.mu.Lock()
	p.regs[mscan.TFLG] |= job.buf
	p.mu.Unlock()
}

// Receive presents a frame from the bus medium to the controller. It
// runs the acceptance filters, fills the receive buffer window, sets
// RXF and dispatches the receive vector when the interrupt is enabled.
// A frame arriving while RXF is still set is an overrun and is lost.
func (p *Peripheral) Receive(f can.Frame) {
	if f.Len > can.MaxDataLen {
		f.Len = can.MaxDataLen
	}

	p.mu.Lock()
	if p.regs[mscan.CTL1]&mscan.CANE == 0 || p.regs[mscan.CTL0]&mscan.INITRQ != 0 {
		p.mu.Unlock()
		return
	}
	if !p.acceptsLocked(f.ID) {
		p.filtered.Add(1)
		p.mu.Unlock()
		return
	}
	if p.regs[mscan.RFLG]&mscan.RXF != 0 {
		p.regs[mscan.RFLG] |= mscan.OVRIF
		p.overruns.Add(1)
		p.mu.Unlock()
		return
	}

	id := uint32(f.ID) << (mscan.IDShift + 16)
	p.regs[mscan.RXIDR0] = uint8(id >> 24)
	p.regs[mscan.RXIDR0+1] = uint8(id >> 16)
	p.regs[mscan.RXIDR0+2] = uint8(id >> 8)
	p.regs[mscan.RXIDR0+3] = uint8(id)
	// Only the reported bytes are refreshed; the rest of the data
	// segment keeps old contents, exactly like the hardware window.
	copy(p.regs[mscan.RXDSR0:mscan.RXDSR0+mscan.Reg(f.Len)], f.Data[:f.Len])
	p.regs[mscan.RXDLR] = f.Len
	if p.regs[mscan.CTL0]&mscan.TIME != 0 {
		p.stamp++
		p.regs[mscan.RXTSRH] = uint8(p.stamp >> 8)
		p.regs[mscan.RXTSRL] = uint8(p.stamp)
	} else {
		p.regs[mscan.RXTSRH] = 0
		p.regs[mscan.RXTSRL] = 0
	}
	p.regs[mscan.RFLG] |= mscan.RXF
	fire := p.regs[mscan.RIER]&mscan.RXFIE != 0 && p.vector != nil
	vec := p.vector
	p.mu.Unlock()

	if fire {
		p.irq.Lock()
		vec()
		p.irq.Unlock()
	}
}

// acceptsLocked runs the programmed identifier acceptance filters.
// Caller holds mu. Only the combined 16-bit mode is modeled; a mask
// bit of one marks the position as don't care.
func (p *Peripheral) acceptsLocked(id uint16) bool {
	if p.regs[mscan.IDAC]&0x30 != mscan.IDAM4x16 {
		return true
	}
	value := id << mscan.IDShift
	banks := [4][2]mscan.Reg{
		{mscan.IDAR0, mscan.IDMR0},
		{mscan.IDAR0 + 2, mscan.IDMR0 + 2},
		{mscan.IDAR4, mscan.IDMR4},
		{mscan.IDAR4 + 2, mscan.IDMR4 + 2},
	}
	for _, bank := range banks {
		acc := uint16(p.regs[bank[0]])<<8 | uint16(p.regs[bank[0]+1])
		mask := uint16(p.regs[bank[1]])<<8 | uint16(p.regs[bank[1]+1])
		if (value^acc)&^mask == 0 {
			return true
		}
	}
	return false
}
