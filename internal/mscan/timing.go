package mscan

import "fmt"

// ClockSource selects the MSCAN clock input.
type ClockSource uint8

const (
	ClockOscillator ClockSource = iota // external oscillator
	ClockBus                           // internal bus clock
)

// Bit timing limits. One bit time is 1 + Seg1 + Seg2 quanta.
const (
	MinSeg1   = 4
	MaxSeg1   = 16
	MinSeg2   = 2
	MaxSeg2   = 8
	MinQuanta = 8
	MaxQuanta = 25
	MinSJW    = 1
	MaxSJW    = 4
	MaxBRP    = 64
)

// BitTiming describes the bus bit rate configuration:
//
//	bit rate = Clock / (Prescaler * (1 + Seg1 + Seg2))
//
// Seg1 and Seg2 are time segment lengths in quanta, SJW the
// synchronization jump width. ThreeSamples selects triple sampling per
// bit instead of single.
type BitTiming struct {
	Clock        uint32 // CAN clock frequency in Hz
	Source       ClockSource
	Prescaler    uint8 // 1..64
	Seg1         uint8 // 4..16 quanta
	Seg2         uint8 // 2..8 quanta
	SJW          uint8 // 1..4 quanta
	ThreeSamples bool
}

// DefaultTiming is the 1 Mbit/s setup used by the original board: 8 MHz
// bus clock, prescaler 1, 8 quanta per bit (1+4+3), widest jump width,
// single sample point.
var DefaultTiming = BitTiming{
	Clock:     8_000_000,
	Source:    ClockBus,
	Prescaler: 1,
	Seg1:      4,
	Seg2:      3,
	SJW:       4,
}

// Validate checks the segment, prescaler and quanta ranges the
// controller supports.
func (t BitTiming) Validate() error {
	if t.Clock == 0 {
		return fmt.Errorf("timing: clock must be > 0")
	}
	if t.Prescaler < 1 || t.Prescaler > MaxBRP {
		return fmt.Errorf("timing: prescaler %d out of range [1,%d]", t.Prescaler, MaxBRP)
	}
	if t.Seg1 < MinSeg1 || t.Seg1 > MaxSeg1 {
		return fmt.Errorf("timing: seg1 %d out of range [%d,%d]", t.Seg1, MinSeg1, MaxSeg1)
	}
	if t.Seg2 < MinSeg2 || t.Seg2 > MaxSeg2 {
		return fmt.Errorf("timing: seg2 %d out of range [%d,%d]", t.Seg2, MinSeg2, MaxSeg2)
	}
	if q := t.Quanta(); q < MinQuanta || q > MaxQuanta {
		return fmt.Errorf("timing: %d quanta per bit out of range [%d,%d]", q, MinQuanta, MaxQuanta)
	}
	if t.SJW < MinSJW || t.SJW > MaxSJW {
		return fmt.Errorf("timing: sjw %d out of range [%d,%d]", t.SJW, MinSJW, MaxSJW)
	}
	return nil
}

// Quanta returns the number of time quanta per bit.
func (t BitTiming) Quanta() int { return 1 + int(t.Seg1) + int(t.Seg2) }

// BitRate returns the resulting bus bit rate in bit/s.
func (t BitTiming) BitRate() uint32 {
	return t.Clock / (uint32(t.Prescaler) * uint32(t.Quanta()))
}

// btr0 encodes SJW and the prescaler. Both fields are stored minus one.
func (t BitTiming) btr0() uint8 {
	return (t.SJW-1)<<6 | (t.Prescaler - 1)
}

// btr1 encodes the sample mode and both time segments, stored minus one.
func (t BitTiming) btr1() uint8 {
	v := (t.Seg2-1)<<4 | (t.Seg1 - 1)
	if t.ThreeSamples {
		v |= 0x80
	}
	return v
}
