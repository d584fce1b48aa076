package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmorgan1/go-mscan-server/internal/can"
	"github.com/jmorgan1/go-mscan-server/internal/hub"
	"github.com/jmorgan1/go-mscan-server/internal/metrics"
	"github.com/jmorgan1/go-mscan-server/internal/mscan"
	"github.com/jmorgan1/go-mscan-server/internal/sim"
	"github.com/jmorgan1/go-mscan-server/internal/transport"
)

// initDriver creates the simulated peripheral, wires the receive vector
// and brings the controller onto the bus.
func initDriver(cfg *appConfig, l *slog.Logger) (*sim.Peripheral, *mscan.Controller, error) {
	periph := sim.New()
	ctrl, err := mscan.New(periph, periph, mscan.Config{
		Timing:   cfg.timing(),
		Loopback: cfg.loopbackMode,
	})
	if err != nil {
		return nil, nil, err
	}
	// The vector must be in place before Init enables the receive
	// interrupt.
	periph.SetVector(ctrl.HandleReceive)
	if err := ctrl.Init(uint16(cfg.filterID)); err != nil {
		return nil, nil, fmt.Errorf("controller init: %w", err)
	}
	l.Info("controller_up",
		"filter_id", fmt.Sprintf("0x%X", cfg.filterID),
		"bit_rate", ctrl.BitRate(),
		"loopback", cfg.loopbackMode,
	)
	return periph, ctrl, nil
}

// newDriverTx funnels client frames into the controller. Send blocks
// until the hardware buffer drains, so TCP readers enqueue here instead
// of calling the driver directly.
func newDriverTx(ctx context.Context, ctrl *mscan.Controller, l *slog.Logger) *transport.AsyncTx {
	send := func(fr can.Frame) error {
		f := fr
		return ctrl.Send(&f)
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			if errors.Is(err, mscan.ErrTxBuffersFull) {
				metrics.IncDriverReject()
				return
			}
			metrics.IncError(metrics.ErrDriverTx)
			l.Error("driver_tx_error", "error", err)
		},
		OnAfter: func() { metrics.IncDriverTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrDriverOverflow)
			return fmt.Errorf("driver queue: %w", transport.ErrOverflow)
		},
	}
	return transport.New(ctx, txQueueSize, send, hooks)
}

// startMailboxPump polls the receive mailbox and fans consumed messages
// out to the connected clients. The mailbox does not latch the frame
// identifier; everything it holds passed the acceptance filter, so the
// broadcast carries the configured filter identifier.
func startMailboxPump(ctx context.Context, ctrl *mscan.Controller, h *hub.Hub, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("mailbox_pump_end")
		rxID := uint16(cfg.filterID)
		t := time.NewTicker(cfg.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			for ctrl.Poll() {
				m := ctrl.Read()
				ctrl.Consume()
				var fr can.Frame
				fr.ID = rxID
				fr.Len = m.Len
				copy(fr.Data[:], m.Data[:])
				metrics.IncMailboxRx()
				l.Debug("mailbox_rx", "len", m.Len, "stamp", m.Stamp)
				h.Broadcast(fr)
			}
		}
	}()
}
