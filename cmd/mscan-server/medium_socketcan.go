//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmorgan1/go-mscan-server/internal/can"
	"github.com/jmorgan1/go-mscan-server/internal/medium"
	"github.com/jmorgan1/go-mscan-server/internal/metrics"
	"github.com/jmorgan1/go-mscan-server/internal/sim"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (medium.SocketCANDev, error) {
	return medium.OpenSocketCAN(iface)
}

// initSocketCANMedium bridges the peripheral onto a real CAN interface,
// launching the RX loop feeding received frames into the controller.
func initSocketCANMedium(ctx context.Context, cfg *appConfig, p *sim.Peripheral, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return func() {}, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	tw := medium.NewSocketCANTXWriter(ctx, dev, txQueueSize)
	p.SetTransmit(tw.SendFrame)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end")
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
				continue
			}
			metrics.IncSocketCANRx()
			p.Receive(fr)
			backoff = rxBackoffMin
		}
	}()
	return func() { _ = dev.Close(); tw.Close() }, nil
}
