package server

import (
	"errors"

	"github.com/jmorgan1/go-mscan-server/internal/medium"
	"github.com/jmorgan1/go-mscan-server/internal/metrics"
	"github.com/jmorgan1/go-mscan-server/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via
// errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrDriverTx  = errors.New("driver_tx")
	ErrContext   = errors.New("context_cancelled")
)

// isOverflow reports whether a driver send failed only because its
// queue was full (frame dropped, connection stays up).
func isOverflow(err error) bool {
	return errors.Is(err, transport.ErrOverflow) ||
		errors.Is(err, medium.ErrSerialTxOverflow) ||
		errors.Is(err, medium.ErrSocketCANTxOverflow)
}

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrDriverTx):
		return metrics.ErrDriverTx
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
