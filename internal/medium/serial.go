package medium

import (
	"context"
	"errors"
	"time"

	"github.com/tarm/serial"

	"github.com/jmorgan1/go-mscan-server/internal/can"
	"github.com/jmorgan1/go-mscan-server/internal/logging"
	"github.com/jmorgan1/go-mscan-server/internal/metrics"
	"github.com/jmorgan1/go-mscan-server/internal/transport"
)

// ErrSerialTxOverflow reports a dropped frame on a full serial TX queue.
var ErrSerialTxOverflow = errors.New("serial tx overflow")

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenSerial opens the serial device carrying the bridged CAN bus.
func OpenSerial(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// SerialTXWriter funnels all serial writes through one goroutine.
type SerialTXWriter struct{ base *transport.AsyncTx }

// NewSerialTXWriter creates a serial TXWriter with queue size buf.
func NewSerialTXWriter(parent context.Context, sp Port, codec SerialCodec, buf int) *SerialTXWriter {
	send := func(fr can.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrSerialTxOverflow
		},
	}
	return &SerialTXWriter{base: transport.New(parent, buf, send, hooks)}
}

// SendFrame queues a frame for asynchronous write.
func (w *SerialTXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Close stops the writer and waits for the worker to exit.
func (w *SerialTXWriter) Close() { w.base.Close() }
