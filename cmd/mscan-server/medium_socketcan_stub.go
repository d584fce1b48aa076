//go:build !linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmorgan1/go-mscan-server/internal/sim"
)

// Placeholder so non-linux builds compile; socketcan not supported.
func initSocketCANMedium(ctx context.Context, cfg *appConfig, p *sim.Peripheral, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	return func() {}, fmt.Errorf("socketcan medium unsupported on this platform")
}
