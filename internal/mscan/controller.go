package mscan

import (
	"fmt"
	"runtime"

	"github.com/jmorgan1/go-mscan-server/internal/can"
)

// DefaultAckAttempts bounds the busy-wait loops for mode transition
// acknowledges and transmit completion. The original firmware spun
// forever; a bound turns a dead controller into ErrNotResponding
// instead of a hang. Set Config.AckAttempts < 0 to restore the
// unbounded hardware-accurate spin.
const DefaultAckAttempts = 1 << 20

// Config carries the one-time controller setup.
type Config struct {
	Timing   BitTiming
	Loopback bool // self test mode, frames never reach the bus medium
	// AckAttempts bounds acknowledge/completion busy-waits.
	// 0 selects DefaultAckAttempts, negative disables the bound.
	AckAttempts int
}

// Controller drives one MSCAN peripheral. The foreground API (Init,
// Send, Poll, Read, Consume) is meant for a single application thread;
// HandleReceive is the receive interrupt body and is invoked by the
// peripheral's vector dispatch, never by application code.
type Controller struct {
	bus      Bus
	irq      IRQGate
	cfg      Config
	attempts int

	mbox  Message
	avail availFlag
}

// New wires a controller to its register block and interrupt gate.
// A zero Timing selects DefaultTiming.
func New(bus Bus, irq IRQGate, cfg Config) (*Controller, error) {
	if cfg.Timing == (BitTiming{}) {
		cfg.Timing = DefaultTiming
	}
	if err := cfg.Timing.Validate(); err != nil {
		return nil, err
	}
	attempts := cfg.AckAttempts
	if attempts == 0 {
		attempts = DefaultAckAttempts
	}
	return &Controller{bus: bus, irq: irq, cfg: cfg, attempts: attempts}, nil
}

// BitRate reports the configured bus bit rate.
func (c *Controller) BitRate() uint32 { return c.cfg.Timing.BitRate() }

// Init performs the one-time bus bring-up: enable the module, enter
// initialization mode, program clocking, bit timing and the acceptance
// filter for filterID, return to normal mode and enable the receive
// interrupt. Call exactly once, before any traffic and before the
// interrupt vector fires.
func (c *Controller) Init(filterID uint16) error {
	if filterID > can.MaxID {
		return fmt.Errorf("%w: 0x%X", ErrBadID, filterID)
	}
	b := c.bus

	b.Store(CTL1, CANE) // enable the module (write once)

	b.Store(CTL0, INITRQ)
	if err := c.waitInitAck(true); err != nil {
		return fmt.Errorf("enter init mode: %w", err)
	}

	ctl1 := CANE
	if c.cfg.Timing.Source == ClockBus {
		ctl1 |= CLKSRC
	}
	if c.cfg.Loopback {
		ctl1 |= LOOPB
	}
	// Listen-only stays off: the controller must acknowledge and send.
	b.Store(CTL1, ctl1)
	b.Store(BTR0, c.cfg.Timing.btr0())
	b.Store(BTR1, c.cfg.Timing.btr1())

	// Timestamp every received frame; INITRQ stays asserted until the
	// filter setup is done.
	b.Store(CTL0, INITRQ|TIME)

	// Four combined 16-bit acceptance filters; only the first bank is
	// programmed. The trailing bits below the identifier (RTR, IDE,
	// unused) are don't care in the mask.
	b.Store(IDAC, IDAM4x16)
	acc := filterID << IDShift
	storeWord(b, IDAR0, acc)
	storeWord(b, IDMR0, IDTrailer|^acc)

	b.Store(CTL0, TIME) // drop INITRQ, back to normal mode
	if err := c.waitInitAck(false); err != nil {
		return fmt.Errorf("leave init mode: %w", err)
	}

	b.Store(RIER, RXFIE)
	return nil
}

// waitInitAck spins until the INITAK bit matches want.
func (c *Controller) waitInitAck(want bool) error {
	for i := 0; ; i++ {
		if (c.bus.Load(CTL1)&INITAK != 0) == want {
			return nil
		}
		if c.attempts > 0 && i >= c.attempts {
			return ErrNotResponding
		}
		runtime.Gosched()
	}
}

// Send loads f into a free hardware transmit buffer and blocks until
// the controller reports the transmission complete. When every buffer
// is occupied it returns ErrTxBuffersFull immediately without touching
// any register. Payload lengths above 8 are clamped to 8; bytes past
// the clamp are never read. The caller keeps ownership of f.
func (c *Controller) Send(f *can.Frame) error {
	if f.ID > can.MaxID {
		return fmt.Errorf("%w: 0x%X", ErrBadID, f.ID)
	}
	b := c.bus

	txe := b.Load(TFLG) & TXEMask
	if txe == 0 {
		return ErrTxBuffersFull
	}

	// Writing the empty flags to TBSEL makes the hardware pick the
	// lowest numbered free buffer; reading it back tells us which one.
	b.Store(TBSEL, txe)
	sel := b.Load(TBSEL) & TXEMask

	// The 11-bit identifier occupies the top of the 32-bit IDR group.
	storeLong(b, TXIDR0, uint32(f.ID)<<(IDShift+16))

	n := f.Len
	if n > can.MaxDataLen {
		n = can.MaxDataLen
	}
	for i := uint8(0); i < n; i++ {
		b.Store(TXDSR0+Reg(i), f.Data[i])
	}
	b.Store(TXDLR, n)
	b.Store(TXTBPR, f.Priority)

	// Releasing the empty flag hands the buffer to hardware
	// arbitration; the numerically lowest priority transmits first.
	b.Store(TFLG, sel)

	for i := 0; ; i++ {
		if b.Load(TFLG)&sel == sel {
			return nil
		}
		if c.attempts > 0 && i >= c.attempts {
			return fmt.Errorf("transmit completion: %w", ErrNotResponding)
		}
		runtime.Gosched()
	}
}
