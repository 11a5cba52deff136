// Package accounting records actual token usage after response delivery.
//
// Recording happens off the response path: a bounded queue feeds a fixed
// worker pool. Accounting is best-effort toward the caller (a full queue
// drops the update with a warning) but deliberate toward the store
// (transient failures are retried, and workers run on a background context
// so a vanished caller cannot cancel an update for tokens already spent).
package accounting

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coreason-ai/gateway/internal/services/budget"
)

type job struct {
	projectID string
	tokens    int64
	traceID   string
}

// Config tunes the dispatcher. Zero values pick the defaults.
type Config struct {
	QueueSize  int
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// Dispatcher is the background accounting task queue.
type Dispatcher struct {
	budget *budget.Manager
	logger *zap.Logger
	cfg    Config

	queue chan job
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewDispatcher(budgetManager *budget.Manager, logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	d := &Dispatcher{
		budget: budgetManager,
		logger: logger,
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueSize),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	return d
}

// Record enqueues a usage update. Non-blocking: returns false when the
// queue is full or the dispatcher is shut down, in which case the update is
// dropped and logged. Never reaches the caller either way.
func (d *Dispatcher) Record(projectID string, tokens int64, traceID string) bool {
	if tokens <= 0 {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("accounting dispatcher closed, dropping usage update",
			zap.String("project_id", projectID),
			zap.Int64("tokens", tokens))
		return false
	}

	select {
	case d.queue <- job{projectID: projectID, tokens: tokens, traceID: traceID}:
		return true
	default:
		d.logger.Warn("accounting queue full, dropping usage update",
			zap.String("project_id", projectID),
			zap.Int64("tokens", tokens),
			zap.String("trace_id", traceID))
		return false
	}
}

// Close stops intake and drains queued updates before returning.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for j := range d.queue {
		d.process(j)
	}
}

func (d *Dispatcher) process(j job) {
	log := d.logger
	if j.traceID != "" {
		log = log.With(zap.String("trace_id", j.traceID))
	}

	// Background context: the caller's request is long gone and the tokens
	// are already spent upstream.
	ctx := context.Background()

	var err error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if err = d.budget.Record(ctx, j.projectID, j.tokens); err == nil {
			return
		}
		if attempt < d.cfg.MaxRetries {
			time.Sleep(d.cfg.RetryDelay)
		}
	}

	log.Warn("accounting update dropped after retries",
		zap.String("project_id", j.projectID),
		zap.Int64("tokens", j.tokens),
		zap.Int("attempts", d.cfg.MaxRetries),
		zap.Error(err))
}
