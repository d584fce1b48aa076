package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmorgan1/go-mscan-server/internal/can"
	"github.com/jmorgan1/go-mscan-server/internal/medium"
	"github.com/jmorgan1/go-mscan-server/internal/mscan"
	"github.com/jmorgan1/go-mscan-server/internal/sim"
)

// testLogger returns a no-op slog.Logger for tests.
func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestDriver(t *testing.T, cfg *appConfig) (*sim.Peripheral, *mscan.Controller) {
	t.Helper()
	periph, ctrl, err := initDriver(cfg, testLogger())
	if err != nil {
		t.Fatalf("initDriver: %v", err)
	}
	return periph, ctrl
}

// fakeSerialPort implements medium.Port for tests.
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes [][]byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reads) {
		// after delivering all data, block briefly then return EOF repeatedly
		time.Sleep(10 * time.Millisecond)
		return 0, io.EOF
	}
	chunk := f.reads[f.idx]
	f.idx++
	n := copy(p, chunk)
	return n, nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}
func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// TestInitSerialMediumBasic runs a frame through the serial RX loop
// into the controller mailbox, and a controller transmit back out to
// the port.
func TestInitSerialMediumBasic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wire := medium.SerialCodec{}.Encode(can.Frame{ID: 0x123, Len: 2, Data: [8]byte{0xAA, 0xBB}})
	fp := &fakeSerialPort{reads: [][]byte{wire}}
	openSerialPort = func(name string, baud int, to time.Duration) (medium.Port, error) {
		return fp, nil
	}
	defer func() { openSerialPort = medium.OpenSerial }()

	cfg := baseConfig()
	cfg.medium = "serial"
	periph, ctrl := newTestDriver(t, cfg)
	var wg sync.WaitGroup
	cleanup, err := initSerialMedium(ctx, cfg, periph, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialMedium: %v", err)
	}
	defer cleanup()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && !ctrl.Poll() {
		time.Sleep(2 * time.Millisecond)
	}
	if !ctrl.Poll() {
		t.Fatal("timeout waiting for mailbox frame")
	}
	m := ctrl.Read()
	if m.Len != 2 || m.Data[0] != 0xAA || m.Data[1] != 0xBB {
		t.Fatalf("mailbox = %+v", m)
	}

	// Controller transmit must reach the port through the TX writer.
	f := can.Frame{ID: 0x123, Len: 1, Data: [8]byte{0x42}}
	if err := ctrl.Send(&f); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deadline = time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && fp.writeCount() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.writes) == 0 {
		t.Fatal("timeout waiting for serial write")
	}
	if w := fp.writes[0]; len(w) < 2 || w[0] != 0xC5 || w[1] != 0xA7 {
		t.Fatalf("serial write = % X, want preamble C5 A7", w)
	}
}

// fakeErrPort always returns a synthetic error to trigger backoff.
type fakeErrPort struct{}

func (f *fakeErrPort) Read(p []byte) (int, error)  { return 0, io.ErrNoProgress }
func (f *fakeErrPort) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeErrPort) Close() error                { return nil }

func TestSerialMediumBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openSerialPort = func(name string, baud int, to time.Duration) (medium.Port, error) {
		return &fakeErrPort{}, nil
	}
	defer func() { openSerialPort = medium.OpenSerial }()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		if len(seen) < 6 { // capture first few entries
			seen = append(seen, d)
			if len(seen) == 6 {
				cancel()
			}
		}
		mu.Unlock()
	}
	defer func() { sleepFn = time.Sleep }()

	cfg := baseConfig()
	cfg.medium = "serial"
	var wg sync.WaitGroup
	cleanup, err := initSerialMedium(ctx, cfg, sim.New(), testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialMedium: %v", err)
	}
	cleanup()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 {
		t.Fatalf("expected at least 3 backoff samples, got %d", len(seen))
	}
	// Validate non-decreasing, starts at min, and never exceeds max.
	prev := rxBackoffMin / 4 // allow first comparison
	for i, d := range seen {
		if d < prev {
			t.Fatalf("backoff decreased at %d: prev=%v cur=%v", i, prev, d)
		}
		if d > rxBackoffMax {
			t.Fatalf("backoff exceeded max at %d: %v > %v", i, d, rxBackoffMax)
		}
		prev = d
	}
	if seen[0] != rxBackoffMin {
		t.Fatalf("expected first backoff %v got %v", rxBackoffMin, seen[0])
	}
}

func TestInitMediumUnknown(t *testing.T) {
	cfg := baseConfig()
	cfg.medium = "floppy"
	var wg sync.WaitGroup
	cleanup, err := initMedium(context.Background(), cfg, sim.New(), testLogger(), &wg)
	defer cleanup()
	if err == nil {
		t.Fatal("expected error for unknown medium")
	}
}

// TestInitLoopbackMediumEcho sends a frame out through the wire and
// expects the echo peer to bounce it back into the mailbox.
func TestInitLoopbackMediumEcho(t *testing.T) {
	cfg := baseConfig()
	periph, ctrl := newTestDriver(t, cfg)
	cleanup, err := initLoopbackMedium(periph, testLogger())
	if err != nil {
		t.Fatalf("initLoopbackMedium: %v", err)
	}
	defer cleanup()

	f := can.Frame{ID: 0x123, Len: 3, Data: [8]byte{1, 2, 3}}
	if err := ctrl.Send(&f); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ctrl.Poll() {
		t.Fatal("echo frame did not reach the mailbox")
	}
	if m := ctrl.Read(); m.Len != 3 || m.Data[0] != 1 {
		t.Fatalf("mailbox = %+v", m)
	}
}
