// Package mscan drives an MSCAN CAN controller through its memory
// mapped register block. The peripheral itself is abstracted behind the
// Bus interface so the driver runs unchanged against real silicon or
// the in-memory peripheral in internal/sim.
package mscan

// Reg is a byte offset into the controller register block.
type Reg uint8

// Register map. Offsets follow the MSCAN block layout: control and
// status first, acceptance filter banks, then the receive and transmit
// buffer windows.
const (
	CTL0  Reg = 0x00 // module control 0
	CTL1  Reg = 0x01 // module control 1
	BTR0  Reg = 0x02 // bus timing 0 (SJW, prescaler)
	BTR1  Reg = 0x03 // bus timing 1 (sample mode, segments)
	RFLG  Reg = 0x04 // receiver flags
	RIER  Reg = 0x05 // receiver interrupt enable
	TFLG  Reg = 0x06 // transmit buffer empty flags
	TIER  Reg = 0x07 // transmit interrupt enable
	TARQ  Reg = 0x08 // transmit abort request
	TAAK  Reg = 0x09 // transmit abort acknowledge
	TBSEL Reg = 0x0A // transmit buffer select
	IDAC  Reg = 0x0B // identifier acceptance control
	RXERR Reg = 0x0E // receive error counter
	TXERR Reg = 0x0F // transmit error counter

	IDAR0 Reg = 0x10 // acceptance registers, first bank
	IDMR0 Reg = 0x14 // mask registers, first bank
	IDAR4 Reg = 0x18 // acceptance registers, second bank
	IDMR4 Reg = 0x1C // mask registers, second bank

	// Receive buffer window.
	RXIDR0 Reg = 0x20 // identifier (4 bytes)
	RXDSR0 Reg = 0x24 // data segment (8 bytes)
	RXDLR  Reg = 0x2C // data length
	RXTSRH Reg = 0x2E // timestamp high
	RXTSRL Reg = 0x2F // timestamp low

	// Transmit buffer window (the buffer selected via TBSEL).
	TXIDR0 Reg = 0x30 // identifier (4 bytes)
	TXDSR0 Reg = 0x34 // data segment (8 bytes)
	TXDLR  Reg = 0x3C // data length
	TXTBPR Reg = 0x3D // transmit buffer priority
	TXTSRH Reg = 0x3E // timestamp high
	TXTSRL Reg = 0x3F // timestamp low

	RegCount = 0x40
)

// CTL0 bits.
const (
	INITRQ uint8 = 0x01 // request initialization mode
	SLPRQ  uint8 = 0x02
	WUPE   uint8 = 0x04
	TIME   uint8 = 0x08 // timestamp received frames
	SYNCH  uint8 = 0x10
	RXACT  uint8 = 0x40
	RXFRM  uint8 = 0x80
)

// CTL1 bits.
const (
	INITAK uint8 = 0x01 // initialization mode acknowledge
	SLPAK  uint8 = 0x02
	WUPM   uint8 = 0x04
	BORM   uint8 = 0x08
	LISTEN uint8 = 0x10 // listen-only mode
	LOOPB  uint8 = 0x20 // loopback self test mode
	CLKSRC uint8 = 0x40 // 1 = bus clock, 0 = oscillator
	CANE   uint8 = 0x80 // module enable (write once)
)

// RFLG / RIER bits.
const (
	RXF   uint8 = 0x01 // receive buffer full
	OVRIF uint8 = 0x02 // overrun interrupt flag
	RXFIE uint8 = 0x01 // receive buffer full interrupt enable
)

// TFLG holds one empty flag per hardware transmit buffer.
const (
	TXE0    uint8 = 0x01
	TXE1    uint8 = 0x02
	TXE2    uint8 = 0x04
	TXEMask uint8 = TXE0 | TXE1 | TXE2
)

// IDAC acceptance modes (IDAM field).
const (
	IDAM2x32   uint8 = 0x00
	IDAM4x16   uint8 = 0x10
	IDAM8x8    uint8 = 0x20
	IDAMClosed uint8 = 0x30
)

// An 11-bit identifier sits in the top bits of the 16-bit IDR pair,
// leaving RTR, IDE and one unused bit below it. Filters in 16-bit mode
// must treat those trailing bits as don't care.
const (
	IDShift   = 5
	IDTrailer = 0x0007
)

// Bus is the register access port of the peripheral. Implementations
// are expected to behave like hardware: reads and writes of individual
// registers with register-specific side effects.
type Bus interface {
	Load(Reg) uint8
	Store(Reg, uint8)
}

// IRQGate masks and unmasks the receive interrupt around foreground
// critical sections. On silicon this is the CPU interrupt disable; the
// simulated peripheral implements it with a lock the dispatcher holds
// while the handler runs.
type IRQGate interface {
	Disable()
	Enable()
}

// loadWord reads a big-endian register pair (hi at r).
func loadWord(b Bus, r Reg) uint16 {
	return uint16(b.Load(r))<<8 | uint16(b.Load(r+1))
}

// storeWord writes a big-endian register pair (hi at r).
func storeWord(b Bus, r Reg, v uint16) {
	b.Store(r, uint8(v>>8))
	b.Store(r+1, uint8(v))
}

// storeLong writes four consecutive registers big-endian.
func storeLong(b Bus, r Reg, v uint32) {
	b.Store(r, uint8(v>>24))
	b.Store(r+1, uint8(v>>16))
	b.Store(r+2, uint8(v>>8))
	b.Store(r+3, uint8(v))
}
