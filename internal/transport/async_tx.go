// Package transport provides the asynchronous frame transmit funnel
// shared by the bus media and the driver send path.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jmorgan1/go-mscan-server/internal/can"
)

// ErrClosed is returned by SendFrame after Close.
var ErrClosed = errors.New("async tx closed")

// ErrOverflow is a generic full-queue sentinel for funnels that need
// no medium-specific one (the media define their own).
var ErrOverflow = errors.New("tx queue overflow")

// Hooks customize AsyncTx accounting per consumer.
type Hooks struct {
	// OnError runs when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter runs after a successful send.
	OnAfter func()
	// OnDrop runs when the buffer is full; its error is returned from
	// SendFrame. Nil makes overflow silent.
	OnDrop func() error
}

// AsyncTx funnels frame writes through a single goroutine with
// non-blocking enqueue: a full buffer invokes OnDrop instead of
// stalling the producer. The driver's Send blocks until the hardware
// buffer drains, so TCP readers and media feed it through this funnel
// rather than directly.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// New constructs an AsyncTx with a buffered channel of size buf and
// starts its worker.
func New(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendFrame queues a frame for asynchronous transmission, or returns
// the drop error when the buffer is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for it to finish.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
