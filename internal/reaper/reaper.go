package reaper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/proctorhub/internal/registry"
	"github.com/rickgao/proctorhub/internal/router"
)

// Registry is the part of the connection registry the reaper sweeps.
type Registry interface {
	Stale(now time.Time, maxAge, idle time.Duration) []string
	EvictIfStale(id string, now time.Time, maxAge, idle time.Duration) (registry.Connection, bool)
}

// Rooms removes a connection from every room it joined.
type Rooms interface {
	LeaveAll(connID string) []router.Key
}

// EvictFunc is called once per evicted connection, after it has left its
// rooms.
type EvictFunc func(conn registry.Connection, rooms []router.Key)

// Config holds reaper configuration.
type Config struct {
	Interval    time.Duration // Sweep interval (default: 1m)
	MaxAge      time.Duration // Minimum connection age to be considered (default: 2h)
	IdleTimeout time.Duration // Minimum time since last activity (default: 5m)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		MaxAge:      2 * time.Hour,
		IdleTimeout: 5 * time.Minute,
	}
}

// Stats contains reaper statistics.
type Stats struct {
	Sweeps      int64
	Evicted     int64
	LastSweepAt time.Time
}

// Reaper periodically evicts stale registry entries.
type Reaper struct {
	cfg      Config
	registry Registry
	rooms    Rooms
	onEvict  EvictFunc
	logger   *slog.Logger
	now      func() time.Time

	afterSweep []func(now time.Time)

	sweeps    atomic.Int64
	evicted   atomic.Int64
	lastSweep atomic.Int64 // unix nanos

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		r.now = now
	}
}

// WithSweepHook runs fn at the end of every sweep.
func WithSweepHook(fn func(now time.Time)) Option {
	return func(r *Reaper) {
		r.afterSweep = append(r.afterSweep, fn)
	}
}

// New creates a new Reaper. onEvict may be nil.
func New(cfg Config, reg Registry, rooms Rooms, onEvict EvictFunc, logger *slog.Logger, opts ...Option) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	r := &Reaper{
		cfg:      cfg,
		registry: reg,
		rooms:    rooms,
		onEvict:  onEvict,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the sweep loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("connection reaper started",
		"interval", r.cfg.Interval,
		"max_age", r.cfg.MaxAge,
		"idle_timeout", r.cfg.IdleTimeout,
	)

	return nil
}

// Stop gracefully shuts down the reaper.
func (r *Reaper) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("connection reaper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one eviction pass and returns the number of connections
// evicted. Candidates are re-checked atomically at eviction time, so a
// connection touched after the scan survives.
func (r *Reaper) Sweep() int {
	start := r.now()

	candidates := r.registry.Stale(start, r.cfg.MaxAge, r.cfg.IdleTimeout)

	evicted := 0
	for _, id := range candidates {
		conn, ok := r.registry.EvictIfStale(id, start, r.cfg.MaxAge, r.cfg.IdleTimeout)
		if !ok {
			continue
		}
		rooms := r.rooms.LeaveAll(id)
		if r.onEvict != nil {
			r.onEvict(conn, rooms)
		}
		evicted++

		r.logger.Info("evicted stale connection",
			"conn_id", id,
			"identity", conn.Identity,
			"role", conn.Role,
			"connected_for", start.Sub(conn.ConnectedAt),
			"idle_for", start.Sub(conn.LastActivityAt),
			"rooms", len(rooms),
		)
	}

	for _, fn := range r.afterSweep {
		fn(start)
	}

	r.sweeps.Add(1)
	r.evicted.Add(int64(evicted))
	r.lastSweep.Store(start.UnixNano())

	r.logger.Debug("sweep complete",
		"candidates", len(candidates),
		"evicted", evicted,
		"duration", r.now().Sub(start),
	)

	return evicted
}

// Stats returns reaper statistics.
func (r *Reaper) Stats() Stats {
	s := Stats{
		Sweeps:  r.sweeps.Load(),
		Evicted: r.evicted.Load(),
	}
	if ns := r.lastSweep.Load(); ns != 0 {
		s.LastSweepAt = time.Unix(0, ns)
	}
	return s
}
