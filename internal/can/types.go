package can

// Classic CAN limits for standard (11-bit) frames.
const (
	MaxID      = 0x7FF // largest standard identifier
	MaxDataLen = 8     // classic CAN payload bytes
)

// Frame is a classic CAN message as handled across the gateway: an
// 11-bit standard identifier, 0..8 payload bytes and a transmit buffer
// priority (lower value wins hardware arbitration). Only the first Len
// bytes of Data are meaningful.
//
// Note: This is a convenience type. The driver and the wire codecs map
// this to/from their own layouts.
type Frame struct {
	ID       uint16
	Len      uint8
	Priority uint8
	Data     [MaxDataLen]byte
}

// Payload returns the valid portion of Data. Len values above
// MaxDataLen are treated as MaxDataLen, matching controller behavior.
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}
