/*
dispatcher.go - Asynchronous notification delivery

DESIGN:
  - A bounded channel buffers notifications; Send never blocks
  - One background goroutine drains the queue and calls the Gateway
  - Each delivery gets its own timeout, detached from the request context
  - When the queue is full the notification is dropped and logged
  - Delivery errors are logged and counted, never returned

USAGE:
  d := notify.NewDispatcher(gateway, log, metrics)
  d.Start()
  defer d.Stop() // drains what is already queued
*/
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/session-ledger/telemetry"
)

const (
	DefaultQueueSize = 256
	DefaultTimeout   = 10 * time.Second
)

type Dispatcher struct {
	Gateway   Gateway
	Log       *slog.Logger
	Metrics   *telemetry.Metrics
	QueueSize int
	Timeout   time.Duration

	queue   chan Notification
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	closed  bool
}

func NewDispatcher(gateway Gateway, log *slog.Logger, metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{
		Gateway:   gateway,
		Log:       log,
		Metrics:   metrics,
		QueueSize: DefaultQueueSize,
		Timeout:   DefaultTimeout,
	}
}

// Start launches the worker. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}
	size := d.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	d.queue = make(chan Notification, size)
	d.started = true
	d.wg.Add(1)
	go d.run()

	d.Log.Info("notification dispatcher started", "queue_size", size)
}

// Stop closes the queue and waits until queued notifications are delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.Log.Info("notification dispatcher stopped")
}

// Send enqueues n without blocking.
func (d *Dispatcher) Send(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.closed {
		d.drop(n, "dispatcher not running")
		return
	}
	select {
	case d.queue <- n:
	default:
		d.drop(n, "queue full")
	}
}

func (d *Dispatcher) drop(n Notification, reason string) {
	d.Metrics.ObserveNotification("dropped")
	d.Log.Warn("notification dropped",
		"reason", reason,
		"recipient_id", n.RecipientID,
		"booking_id", n.BookingID,
	)
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.Metrics.ObserveNotification("failed")
			d.Log.Error("notification gateway panicked", "booking_id", n.BookingID, "panic", r)
		}
	}()

	if err := d.Gateway.Notify(ctx, n); err != nil {
		d.Metrics.ObserveNotification("failed")
		d.Log.Error("notification delivery failed",
			"recipient_id", n.RecipientID,
			"booking_id", n.BookingID,
			"err", err,
		)
		return
	}
	d.Metrics.ObserveNotification("delivered")
}
