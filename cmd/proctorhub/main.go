package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/proctorhub/internal/alert"
	"github.com/rickgao/proctorhub/internal/auth"
	"github.com/rickgao/proctorhub/internal/config"
	"github.com/rickgao/proctorhub/internal/connection"
	"github.com/rickgao/proctorhub/internal/coordinator"
	"github.com/rickgao/proctorhub/internal/database"
	"github.com/rickgao/proctorhub/internal/inference"
	"github.com/rickgao/proctorhub/internal/logging"
	"github.com/rickgao/proctorhub/internal/model"
	"github.com/rickgao/proctorhub/internal/reaper"
	"github.com/rickgao/proctorhub/internal/registry"
	"github.com/rickgao/proctorhub/internal/risk"
	"github.com/rickgao/proctorhub/internal/router"
	"github.com/rickgao/proctorhub/internal/sampling"
	"github.com/rickgao/proctorhub/internal/server"
	"github.com/rickgao/proctorhub/internal/session"
	"github.com/rickgao/proctorhub/internal/version"
	"github.com/rickgao/proctorhub/internal/writer"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "proctorhub:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("proctorhub", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "configs/proctorhub.yaml", "path to config file")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before the config; ignored when missing")
	logLevel := flags.String("log-level", "", "override logging.level (debug, info, warn, error)")
	logFormat := flags.String("log-format", "", "override logging.format (text, json)")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *showVersion {
		fmt.Println(version.String())
		return nil
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", *envFile, err)
	}

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer closer.Close()
	logger = logger.With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting proctorhub",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	verifier, err := auth.NewVerifier(auth.Config{
		Algorithm:     cfg.Auth.Algorithm,
		Secret:        cfg.Auth.Secret,
		PublicKeyPath: cfg.Auth.PublicKeyPath,
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		Leeway:        cfg.Auth.Leeway,
	})
	if err != nil {
		return fmt.Errorf("create token verifier: %w", err)
	}

	// Durable store
	var (
		store      *database.Store
		batchStore writer.Store
		pinger     server.Pinger
	)
	if cfg.Database.Disabled {
		logger.Warn("database disabled, nothing will be persisted")
	} else {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()

		store = database.NewStore(pool, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		batchStore, pinger = store, store
		logger.Info("database connected")
	}

	w := writer.New(writer.Config{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
		BufferSize:    cfg.Writer.BufferSize,
		MaxBuffered:   cfg.Writer.MaxBuffered,
		MaxRetries:    cfg.Writer.MaxRetries,
		RetryBackoff:  cfg.Writer.RetryBackoff,
		WriteTimeout:  cfg.Writer.WriteTimeout,
	}, batchStore, logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start writer: %w", err)
	}

	// Core components
	reg := registry.New(verifier, registry.WithLogger(logger))
	rt := router.New(reg, logger)
	sessions := session.NewManager(w, logger)

	if store != nil && !cfg.Session.SkipRestore {
		if _, err := sessions.Restore(ctx, store); err != nil {
			return fmt.Errorf("restore sessions: %w", err)
		}
	}

	engine := alert.New(alert.Config{
		HighThreshold:     cfg.Alerts.HighThreshold,
		CriticalThreshold: cfg.Alerts.CriticalThreshold,
		Cooldown:          cfg.Alerts.Cooldown,
	}, rt, w, sessions, logger)

	deps := coordinator.Deps{
		Registry:   reg,
		Router:     rt,
		Sessions:   sessions,
		Alerts:     engine,
		Aggregator: risk.NewAggregator(riskWeights(cfg.Risk), cfg.Risk.Alpha),
		Sampler: sampling.New(sampling.Policy{
			ScoreThreshold: cfg.Sampling.ScoreThreshold,
			Period:         cfg.Sampling.Period,
			RandomRate:     cfg.Sampling.RandomRate,
		}, nil),
		Samples: w,
	}

	var dispatcher *inference.Dispatcher
	if cfg.Inference.URL != "" {
		client := inference.NewClient(cfg.Inference.URL, cfg.Inference.APIKey,
			inference.WithLogger(logger),
			inference.WithTimeout(cfg.Inference.Timeout),
			inference.WithRetries(cfg.Inference.MaxRetries, cfg.Inference.RetryBackoff),
		)
		dispatcher = inference.NewDispatcher(inference.DispatcherConfig{
			MaxInFlight: cfg.Inference.MaxInFlight,
			Timeout:     cfg.Inference.Timeout,
		}, client, logger)
		deps.Inference = dispatcher
		logger.Info("inference enabled", "url", cfg.Inference.URL, "max_in_flight", cfg.Inference.MaxInFlight)
	}

	coord := coordinator.New(coordinator.Config{AckEvery: cfg.Server.AckEvery}, deps, logger)

	rp := reaper.New(reaper.Config{
		Interval:    cfg.Reaper.Interval,
		MaxAge:      cfg.Reaper.MaxAge,
		IdleTimeout: cfg.Reaper.IdleTimeout,
	}, reg, rt, coord.Evicted, logger, reaper.WithSweepHook(func(now time.Time) {
		if n := sessions.PruneCompleted(now.Add(-cfg.Session.Retention)); n > 0 {
			logger.Debug("pruned completed sessions", "count", n)
		}
		if n := engine.Prune(now); n > 0 {
			logger.Debug("pruned alert cooldowns", "count", n)
		}
	}))
	if err := rp.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}

	connCfg := connection.DefaultConfig()
	connCfg.WriteTimeout = cfg.Server.WriteTimeout
	connCfg.PongTimeout = cfg.Server.PongTimeout
	connCfg.PingInterval = cfg.Server.PingInterval
	connCfg.MaxMessageSize = cfg.Server.MaxMessageSize
	connCfg.SendQueueLimit = cfg.Server.SendQueueLimit
	connCfg.AllowedOrigins = cfg.Server.AllowedOrigins

	srv := server.New(server.Config{
		Address:           cfg.Server.Address,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Connection:        connCfg,
	}, server.Deps{
		Coordinator: coord,
		Sessions:    sessions,
		Registry:    reg,
		Router:      rt,
		Writer:      w,
		Database:    pinger,
		Verifier:    verifier,
	}, logger)

	logger.Info("proctorhub running",
		"address", cfg.Server.Address,
		"open_sessions", sessions.Stats().Open,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		return srv.Shutdown(context.Background())
	})
	serveErr := g.Wait()

	// Sockets are closed and sessions released; drain the rest in order so
	// the final session snapshots reach the writer before it stops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rp.Stop(shutdownCtx); err != nil {
		logger.Warn("reaper stop", "error", err)
	}
	if dispatcher != nil {
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			logger.Warn("inference dispatcher stop", "error", err)
		}
	}
	if err := w.Stop(shutdownCtx); err != nil {
		logger.Warn("writer stop", "error", err)
	}

	m := w.Stats()
	logger.Info("proctorhub stopped",
		"records_written", m.Written,
		"records_dropped", m.Dropped,
		"coordinator_frames", coord.Stats().Frames,
	)
	return serveErr
}

// riskWeights converts configured weights to the aggregator's form.
func riskWeights(cfg config.RiskConfig) risk.Weights {
	w := risk.Weights{
		ByCategory: make(map[model.Category]float64, len(cfg.Weights)),
		Default:    cfg.DefaultWeight,
	}
	for name, v := range cfg.Weights {
		w.ByCategory[model.Category(name)] = v
	}
	return w
}
