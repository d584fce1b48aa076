package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jmorgan1/go-mscan-server/internal/can"
	"github.com/jmorgan1/go-mscan-server/internal/hub"
	"github.com/jmorgan1/go-mscan-server/internal/metrics"
)

// startReader launches the goroutine decoding client frames and handing
// them to the driver send path.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			count, err := s.Codec.DecodeN(conn, 16, func(fr can.Frame) {
				if s.frameFilter != nil && !s.frameFilter(&fr) {
					return
				}
				metrics.IncTCPRx()
				if err := s.Send(fr); err != nil {
					if isOverflow(err) {
						s.totalDriverOverflow.Add(1)
						logger.Debug("driver_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.ID), "len", fr.Len)
					} else {
						wrap := fmt.Errorf("%w: %v", ErrDriverTx, err)
						metrics.IncError(mapErrToMetric(wrap))
						s.setError(wrap)
						s.totalDriverErrors.Add(1)
						logger.Error("driver_tx_error", "error", wrap, "can_id", fmt.Sprintf("0x%X", fr.ID))
					}
				}
			})
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}
