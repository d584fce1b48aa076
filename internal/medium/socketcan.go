package medium

import (
	"context"
	"errors"

	"github.com/jmorgan1/go-mscan-server/internal/can"
	"github.com/jmorgan1/go-mscan-server/internal/metrics"
	"github.com/jmorgan1/go-mscan-server/internal/transport"
)

// ErrSocketCANTxOverflow reports a dropped frame on a full SocketCAN
// TX queue.
var ErrSocketCANTxOverflow = errors.New("socketcan tx overflow")

// SocketCANDev is the minimal device surface used by the RX loop and
// TXWriter; implemented by *SocketCANDevice on linux and by fakes in
// tests.
type SocketCANDev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// SocketCANTXWriter funnels all SocketCAN writes through one
// goroutine, mirroring the serial TXWriter.
type SocketCANTXWriter struct{ base *transport.AsyncTx }

// NewSocketCANTXWriter creates a SocketCAN TXWriter with queue size buf.
func NewSocketCANTXWriter(parent context.Context, dev SocketCANDev, buf int) *SocketCANTXWriter {
	send := func(fr can.Frame) error { return dev.WriteFrame(fr) }
	hooks := transport.Hooks{
		OnError: func(err error) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnAfter: func() { metrics.IncSocketCANTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrSocketCANTxOverflow
		},
	}
	return &SocketCANTXWriter{base: transport.New(parent, buf, send, hooks)}
}

// SendFrame queues a frame for asynchronous device write.
func (w *SocketCANTXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Close stops the writer and waits for the worker to exit.
func (w *SocketCANTXWriter) Close() { w.base.Close() }
