//go:build linux

package medium

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/jmorgan1/go-mscan-server/internal/can"
)

// SocketCAN flag bits in can_id (as in <linux/can.h>).
const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canErrFlag = 0x20000000
	canSffMask = 0x7FF
)

// SocketCANDevice bridges the simulated controller onto a real Linux
// CAN interface through a raw AF_CAN socket.
type SocketCANDevice struct {
	fd int
}

// OpenSocketCAN binds a raw CAN socket to iface.
func OpenSocketCAN(iface string) (*SocketCANDevice, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT.
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &SocketCANDevice{fd: fd}, nil
}

func (d *SocketCANDevice) Close() error { return unix.Close(d.fd) }

// ReadFrame reads the next standard data frame from the socket.
// Extended, remote and error frames are skipped: the controller only
// handles 11-bit data frames.
func (d *SocketCANDevice) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte // classic CAN MTU = 16 bytes
	for {
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			return err
		}
		if n != unix.CAN_MTU {
			return fmt.Errorf("short read: %d", n)
		}

		// struct can_frame (linux/can.h):
		//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
		//   can_dlc u8    [4]
		//   pad     3B    [5:8]
		//   data    [8]   [8:16]
		// Fields are host byte order; little-endian on common archs.
		id := binary.LittleEndian.Uint32(buf[0:4])
		if id&(canEffFlag|canRtrFlag|canErrFlag) != 0 {
			continue
		}
		dlc := buf[4]
		if dlc > can.MaxDataLen {
			dlc = can.MaxDataLen
		}
		fr.ID = uint16(id & canSffMask)
		fr.Len = dlc
		fr.Priority = 0
		copy(fr.Data[:], buf[8:8+dlc])
		return nil
	}
}

// WriteFrame writes one classic CAN frame to the socket.
func (d *SocketCANDevice) WriteFrame(fr can.Frame) error {
	n := fr.Len
	if n > can.MaxDataLen {
		n = can.MaxDataLen
	}
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(fr.ID)&canSffMask)
	buf[4] = n
	copy(buf[8:], fr.Data[:n])
	_, err := unix.Write(d.fd, buf[:])
	return err
}
