package mscan

import "errors"

// Sentinel errors so callers can classify failures via errors.Is.
var (
	// ErrTxBuffersFull is returned by Send when every hardware
	// transmit buffer is occupied. No register was written; the caller
	// may retry once a buffer drains.
	ErrTxBuffersFull = errors.New("mscan: all transmit buffers full")

	// ErrNotResponding is returned when the controller does not
	// acknowledge a mode transition or a transmit completion within
	// the configured attempt bound.
	ErrNotResponding = errors.New("mscan: controller not responding")

	// ErrBadID is returned for identifiers wider than 11 bits.
	ErrBadID = errors.New("mscan: identifier exceeds 11 bits")
)
