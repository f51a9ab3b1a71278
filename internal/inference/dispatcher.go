package inference

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Analyzer analyses a single image.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (Result, error)
}

// DispatcherConfig holds dispatcher configuration.
type DispatcherConfig struct {
	MaxInFlight int64         // Concurrent collaborator calls (default: 16)
	Timeout     time.Duration // Per-call budget including queueing (default: 15s)
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxInFlight: 16,
		Timeout:     15 * time.Second,
	}
}

// DispatcherStats contains dispatcher statistics.
type DispatcherStats struct {
	Submitted int64
	Succeeded int64
	Fallbacks int64 // Neutral results substituted for failures or timeouts
	InFlight  int64
}

// Dispatcher runs analyses in the background with bounded concurrency.
type Dispatcher struct {
	cfg      DispatcherConfig
	analyzer Analyzer
	sem      *semaphore.Weighted
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Int64
	succeeded atomic.Int64
	fallbacks atomic.Int64
	inFlight  atomic.Int64
}

// NewDispatcher creates a Dispatcher. It is usable immediately; Stop
// cancels outstanding calls and waits for their callbacks.
func NewDispatcher(cfg DispatcherConfig, analyzer Analyzer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultDispatcherConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		analyzer: analyzer,
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit analyses image in the background and calls done exactly once with
// the result. On failure done receives NeutralResult and the error. Submit
// never blocks.
func (d *Dispatcher) Submit(image []byte, done func(Result, error)) {
	d.submitted.Add(1)
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
		defer cancel()

		result, err := d.run(ctx, image)
		if err != nil {
			d.fallbacks.Add(1)
			d.logger.Warn("inference failed, using neutral result", "error", err)
			done(NeutralResult(), err)
			return
		}
		d.succeeded.Add(1)
		done(result, nil)
	}()
}

func (d *Dispatcher) run(ctx context.Context, image []byte) (Result, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return Result{}, ErrUpstreamTimeout
	}
	defer d.sem.Release(1)

	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	return d.analyzer.Analyze(ctx, image)
}

// Stop cancels outstanding calls and waits for their callbacks.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("inference dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Submitted: d.submitted.Load(),
		Succeeded: d.succeeded.Load(),
		Fallbacks: d.fallbacks.Load(),
		InFlight:  d.inFlight.Load(),
	}
}
