package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmorgan1/go-mscan-server/internal/can"
	"github.com/jmorgan1/go-mscan-server/internal/medium"
	"github.com/jmorgan1/go-mscan-server/internal/sim"
)

// initMedium attaches the configured bus medium to the peripheral,
// starting its RX loop where one exists. It returns an error instead of
// exiting the process to allow graceful handling by the caller.
func initMedium(ctx context.Context, cfg *appConfig, p *sim.Peripheral, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	switch cfg.medium {
	case "loopback":
		return initLoopbackMedium(p, l)
	case "serial":
		return initSerialMedium(ctx, cfg, p, l, wg)
	case "socketcan":
		return initSocketCANMedium(ctx, cfg, p, l, wg)
	default:
		return func() {}, fmt.Errorf("unknown medium %q (use loopback|serial|socketcan)", cfg.medium)
	}
}

// initLoopbackMedium wires an in-memory bus with an echo peer, so every
// transmitted frame comes back at the controller. Useful for demos and
// soak tests without hardware.
func initLoopbackMedium(p *sim.Peripheral, l *slog.Logger) (func(), error) {
	wire := medium.NewWire()
	tap := wire.Join(p.Receive)
	var peer *medium.Tap
	peer = wire.Join(func(f can.Frame) { _ = peer.Transmit(f) })
	p.SetTransmit(tap.Transmit)
	l.Info("loopback_medium_up")
	return func() { tap.Close(); peer.Close(); _ = wire.Close() }, nil
}
