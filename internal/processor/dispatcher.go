package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/slotpay/internal/jobs"
	"github.com/onnwee/slotpay/internal/ledger"
)

// Handler processes one ledger event.
type Handler interface {
	Process(ctx context.Context, ev *ledger.Event) error
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// DefaultDispatcherConfig returns 4 workers, a 256 deep queue and a 30s job timeout.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:    4,
		QueueSize:  256,
		JobTimeout: 30 * time.Second,
	}
}

// Dispatcher runs ledger events on a bounded worker pool so webhook
// acknowledgement never waits on provider calls.
type Dispatcher struct {
	handler Handler
	config  DispatcherConfig
	logger  *slog.Logger
	metrics *jobs.Metrics

	queue    chan *ledger.Event
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	started  bool
	stopped  bool
}

// NewDispatcher creates a Dispatcher. Zero config values use defaults.
func NewDispatcher(handler Handler, config DispatcherConfig, logger *slog.Logger, metrics *jobs.Metrics) *Dispatcher {
	def := DefaultDispatcherConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handler:  handler,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan *ledger.Event, config.QueueSize),
		stopChan: make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the workers. It is a no-op after the first call.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	d.logger.Info("starting webhook dispatcher",
		slog.Int("workers", d.config.Workers),
		slog.Int("queue_size", d.config.QueueSize),
	)
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

// Stop stops accepting events and waits for in-flight work. Queued events
// that were not started stay in the received state for the recovery sweep.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("webhook dispatcher stopped", slog.Int("abandoned", len(d.queue)))
}

// Submit enqueues ev without blocking. It returns false when the queue is
// full, the dispatcher is stopped, or ev is already queued or running.
func (d *Dispatcher) Submit(ev *ledger.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}
	if _, ok := d.inflight[ev.ID]; ok {
		return false
	}
	select {
	case d.queue <- ev:
		d.inflight[ev.ID] = struct{}{}
		d.metrics.SetQueueDepth(len(d.queue))
		return true
	default:
		d.logger.Warn("webhook queue full, leaving event for recovery",
			slog.String("event_id", ev.ID),
			slog.String("provider", string(ev.Provider)),
		)
		d.metrics.IncWebhookEvents(string(ev.Provider), jobs.OutcomeDropped)
		return false
	}
}

// Pending reports the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case ev := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.run(ctx, ev)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, ev *ledger.Event) {
	defer func() {
		d.mu.Lock()
		delete(d.inflight, ev.ID)
		d.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("webhook processing panicked",
				slog.String("event_id", ev.ID),
				slog.Any("panic", r),
			)
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, d.config.JobTimeout)
	defer cancel()
	if err := d.handler.Process(jobCtx, ev); err != nil {
		d.logger.Debug("webhook processing failed",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}
