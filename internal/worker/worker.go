// Package worker runs the single persistence task that drains the queue into
// device files. Being the only writer is what keeps rows from interleaving.
// Forwarders run on a separate goroutine fed by their own queue, so the file
// writer never waits on a network backend.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/sweeney/andon/internal/event"
	"github.com/sweeney/andon/internal/queue"
)

// DefaultPollInterval bounds how long one receive waits before the loop
// re-checks for shutdown.
const DefaultPollInterval = 100 * time.Millisecond

// DefaultForwardTimeout caps each forwarder call. After shutdown starts it
// also bounds the whole drain of records still waiting to be forwarded.
const DefaultForwardTimeout = 5 * time.Second

// Appender persists one record for a device.
type Appender interface {
	Append(device string, rec event.Record) error
}

// Forwarder receives each record after it has been written to its device
// file, in persistence order. Errors are logged and otherwise ignored.
type Forwarder interface {
	Forward(ctx context.Context, item event.Item) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, item event.Item) error

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, item event.Item) error {
	return f(ctx, item)
}

// Observer is told the outcome of every dequeued item.
type Observer interface {
	Persisted(item event.Item)
	Dropped(item event.Item, err error)
	ForwardFailed(name string, item event.Item, err error)
}

type namedForwarder struct {
	name string
	f    Forwarder
}

// Worker drains a queue into an Appender.
type Worker struct {
	queue          *queue.Queue
	sink           Appender
	logger         *slog.Logger
	pollInterval   time.Duration
	forwardTimeout time.Duration
	forwarders     []namedForwarder
	forwardQueue   *queue.Queue
	observer       Observer
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithForwardTimeout overrides DefaultForwardTimeout.
func WithForwardTimeout(d time.Duration) Option {
	return func(w *Worker) { w.forwardTimeout = d }
}

// WithForwarder registers f under name. Forwarders run in registration order.
func WithForwarder(name string, f Forwarder) Option {
	return func(w *Worker) { w.forwarders = append(w.forwarders, namedForwarder{name: name, f: f}) }
}

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(w *Worker) { w.observer = o }
}

// New creates a Worker. logger may be nil.
func New(q *queue.Queue, sink Appender, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		queue:          q,
		sink:           sink,
		logger:         logger,
		pollInterval:   DefaultPollInterval,
		forwardTimeout: DefaultForwardTimeout,
		forwardQueue:   queue.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Forwarding returns the number of persisted records not yet forwarded.
func (w *Worker) Forwarding() int {
	return w.forwardQueue.Len()
}

// Run consumes items until ctx is done. It closes the queue on return so
// late submissions are refused; whatever is still queued is not written.
// Records already written are still forwarded for up to the forward timeout
// after ctx is done, and Run returns once that drain ends.
func (w *Worker) Run(ctx context.Context) error {
	defer w.queue.Close()
	w.logger.Info("persistence worker started")

	persistDone := make(chan struct{})
	forwardDone := make(chan struct{})
	if len(w.forwarders) > 0 {
		go func() {
			defer close(forwardDone)
			w.forwardLoop(ctx, persistDone)
		}()
	} else {
		close(forwardDone)
	}

	for ctx.Err() == nil {
		item, ok := w.queue.Pop(ctx, w.pollInterval)
		if !ok {
			continue
		}
		w.persist(item)
	}

	if n := w.queue.Len(); n > 0 {
		w.logger.Warn("persistence worker stopped with records still queued", "discarded", n)
	} else {
		w.logger.Info("persistence worker stopped")
	}
	w.forwardQueue.Close()
	close(persistDone)
	<-forwardDone
	return nil
}

func (w *Worker) persist(item event.Item) {
	if err := w.sink.Append(item.Device, item.Record); err != nil {
		w.logger.Error("failed to persist record", "device", item.Device, "error", err)
		if w.observer != nil {
			w.observer.Dropped(item, err)
		}
		return
	}
	w.logger.Info("record persisted", "device", item.Device, "pin", event.PinLabel(item.Record.Pin), "state", item.Record.State)
	if w.observer != nil {
		w.observer.Persisted(item)
	}
	if len(w.forwarders) > 0 {
		// The forward queue is closed only after persistence has stopped.
		w.forwardQueue.Push(item)
	}
}

// forwardLoop hands persisted records to every forwarder until ctx is done.
// Once persistence has stopped it drains what is left until the forward
// timeout runs out.
func (w *Worker) forwardLoop(ctx context.Context, persistDone <-chan struct{}) {
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() { time.AfterFunc(w.forwardTimeout, cancel) })
	defer stop()

	for ctx.Err() == nil {
		item, ok := w.forwardQueue.Pop(ctx, w.pollInterval)
		if !ok {
			continue
		}
		w.forward(drainCtx, item)
	}

	<-persistDone
	for drainCtx.Err() == nil {
		item, ok := w.forwardQueue.TryPop()
		if !ok {
			return
		}
		w.forward(drainCtx, item)
	}
	if n := w.forwardQueue.Len(); n > 0 {
		w.logger.Warn("forwarding stopped with records not forwarded", "abandoned", n)
	}
}

func (w *Worker) forward(ctx context.Context, item event.Item) {
	for _, nf := range w.forwarders {
		fctx, cancel := context.WithTimeout(ctx, w.forwardTimeout)
		err := nf.f.Forward(fctx, item)
		cancel()
		if err != nil {
			w.logger.Warn("forward failed", "forwarder", nf.name, "device", item.Device, "error", err)
			if w.observer != nil {
				w.observer.ForwardFailed(nf.name, item, err)
			}
		}
	}
}
