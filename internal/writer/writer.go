package writer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/proctorhub/internal/database"
	"github.com/rickgao/proctorhub/internal/model"
	"github.com/rickgao/proctorhub/internal/router"
)

// Store is the durable store the writer flushes to.
type Store interface {
	WriteBatch(ctx context.Context, b database.Batch) (database.BatchResult, error)
}

// Config holds writer settings.
type Config struct {
	BatchSize     int           // Flush when this many records are pending
	FlushInterval time.Duration // Flush at least this often
	BufferSize    int           // Initial queue capacity
	MaxBuffered   int           // Queue limit; further records are dropped
	MaxRetries    int           // Retries after the first failed write
	RetryBackoff  time.Duration // Doubled after every retry
	WriteTimeout  time.Duration // Per attempt
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 500 * time.Millisecond,
		BufferSize:    1024,
		MaxBuffered:   100000,
		MaxRetries:    3,
		RetryBackoff:  200 * time.Millisecond,
		WriteTimeout:  5 * time.Second,
	}
}

// Metrics contains writer statistics.
type Metrics struct {
	Written   int64
	Conflicts int64
	Flushes   int64
	Retries   int64
	Errors    int64 // Batches dropped after exhausting retries
	Dropped   int64 // Records lost to a full queue or a dropped batch
	Queued    int
}

type kind uint8

const (
	kindSession kind = iota
	kindAlert
	kindSample
)

type record struct {
	kind    kind
	session model.Session
	alert   model.Alert
	sample  model.TelemetrySample
}

// pending accumulates records between flushes.
type pending struct {
	sessions   []model.Session
	sessionIdx map[uuid.UUID]int
	alerts     []model.Alert
	samples    []model.TelemetrySample
}

func newPending() *pending {
	return &pending{sessionIdx: make(map[uuid.UUID]int)}
}

func (p *pending) add(r record) {
	switch r.kind {
	case kindSession:
		if i, ok := p.sessionIdx[r.session.ID]; ok {
			p.sessions[i] = r.session
			return
		}
		p.sessionIdx[r.session.ID] = len(p.sessions)
		p.sessions = append(p.sessions, r.session)
	case kindAlert:
		p.alerts = append(p.alerts, r.alert)
	case kindSample:
		p.samples = append(p.samples, r.sample)
	}
}

func (p *pending) len() int {
	return len(p.sessions) + len(p.alerts) + len(p.samples)
}

func (p *pending) batch() database.Batch {
	return database.Batch{Sessions: p.sessions, Alerts: p.alerts, Samples: p.samples}
}

// Writer queues records and flushes them to a Store in the background.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	store  Store

	input *router.Queue[record]

	// Batching
	batch       *pending
	batchMu     sync.Mutex
	flushMu     sync.Mutex // Serializes writes
	flushTicker *time.Ticker

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	writeCtx context.Context // Survives Stop so the final flush can complete
	wg       sync.WaitGroup

	// Metrics
	written   atomic.Int64
	conflicts atomic.Int64
	flushes   atomic.Int64
	retries   atomic.Int64
	errors    atomic.Int64
	dropped   atomic.Int64
}

// New creates a Writer. A nil store discards every flushed batch.
func New(cfg Config, store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Writer{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		input:    router.NewQueue[record](cfg.BufferSize, cfg.MaxBuffered),
		batch:    newPending(),
		writeCtx: context.Background(),
	}
}

// PersistSession queues a session snapshot. It never blocks.
func (w *Writer) PersistSession(s model.Session) {
	w.enqueue(record{kind: kindSession, session: s})
}

// PersistAlert queues an alert. It never blocks.
func (w *Writer) PersistAlert(a model.Alert) {
	w.enqueue(record{kind: kindAlert, alert: a})
}

// PersistSample queues a sampled telemetry frame. It never blocks.
func (w *Writer) PersistSample(s model.TelemetrySample) {
	w.enqueue(record{kind: kindSample, sample: s})
}

func (w *Writer) enqueue(r record) {
	if w.input.Send(r) {
		return
	}
	n := w.dropped.Add(1)
	// First drop, then every thousandth.
	if n == 1 || n%1000 == 0 {
		w.logger.Warn("persistence queue full, record dropped",
			"dropped_total", n,
			"queued", w.input.Len(),
		)
	}
}

// Start begins consuming records and flushing to the store.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.writeCtx = context.WithoutCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("persistence writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"max_buffered", w.cfg.MaxBuffered,
	)
	return nil
}

// Stop shuts the writer down and flushes whatever is still queued.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping persistence writer")

	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("persistence writer stop timed out")
	}

	// Final flush
	w.drain()
	w.flush()

	m := w.Stats()
	w.logger.Info("persistence writer stopped",
		"written", m.Written,
		"errors", m.Errors,
		"dropped", m.Dropped,
	)
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	return Metrics{
		Written:   w.written.Load(),
		Conflicts: w.conflicts.Load(),
		Flushes:   w.flushes.Load(),
		Retries:   w.retries.Load(),
		Errors:    w.errors.Load(),
		Dropped:   w.dropped.Load(),
		Queued:    w.input.Len(),
	}
}

// consumeLoop moves queued records into the pending batch.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.input.Ready():
			w.drain()
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// drain empties the input queue, flushing whenever the batch fills.
func (w *Writer) drain() {
	for {
		records := w.input.DrainTo(w.cfg.BatchSize)
		if len(records) == 0 {
			return
		}
		for _, r := range records {
			w.handle(r)
		}
	}
}

// handle adds a record to the batch.
func (w *Writer) handle(r record) {
	w.batchMu.Lock()
	w.batch.add(r)
	shouldFlush := w.batch.len() >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// flush writes the current batch to the store.
func (w *Writer) flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if w.batch.len() == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	p := w.batch
	w.batch = newPending()
	w.batchMu.Unlock()

	n := p.len()
	if w.store == nil {
		w.flushes.Add(1)
		return
	}

	start := time.Now()
	res, err := w.writeWithRetry(p.batch())
	if err != nil {
		w.errors.Add(1)
		w.dropped.Add(int64(n))
		w.logger.Error("batch write failed, records dropped",
			"error", err,
			"sessions", len(p.sessions),
			"alerts", len(p.alerts),
			"samples", len(p.samples),
		)
		return
	}

	w.written.Add(int64(res.Written))
	w.conflicts.Add(int64(res.Conflicts))
	w.flushes.Add(1)

	w.logger.Debug("flushed records",
		"count", n,
		"conflicts", res.Conflicts,
		"duration", time.Since(start),
	)
}

// writeWithRetry attempts the write up to MaxRetries+1 times with doubling backoff.
func (w *Writer) writeWithRetry(b database.Batch) (database.BatchResult, error) {
	backoff := w.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			w.retries.Add(1)
			w.logger.Warn("retrying batch write",
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
			time.Sleep(backoff)
			backoff *= 2
		}

		ctx, cancel := context.WithTimeout(w.writeCtx, w.cfg.WriteTimeout)
		res, err := w.store.WriteBatch(ctx, b)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
	}

	return database.BatchResult{}, lastErr
}
