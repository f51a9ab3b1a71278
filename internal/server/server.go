package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/rickgao/proctorhub/internal/connection"
	"github.com/rickgao/proctorhub/internal/coordinator"
	"github.com/rickgao/proctorhub/internal/model"
	"github.com/rickgao/proctorhub/internal/registry"
	"github.com/rickgao/proctorhub/internal/router"
	"github.com/rickgao/proctorhub/internal/session"
	"github.com/rickgao/proctorhub/internal/writer"
)

// Pinger checks the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sessions looks sessions up for the HTTP API.
type Sessions interface {
	Get(id uuid.UUID) (model.Session, error)
	Stats() session.Stats
}

// Coordinator is the part of the coordinator the server drives.
type Coordinator interface {
	Connect(ctx context.Context, sink registry.Sink, remoteAddr string) *coordinator.Handler
	Disconnect(connID, reason string)
	EndSession(ctx context.Context, id uuid.UUID, reason string, suspend bool) (model.Session, error)
	ActiveSessions(examID string) []coordinator.SessionView
	Stats() coordinator.Stats
}

// Config holds server configuration.
type Config struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Connection        connection.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:           ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		Connection:        connection.DefaultConfig(),
	}
}

// Deps are the components behind the routes. Database, Writer and Verifier
// may be nil.
type Deps struct {
	Coordinator Coordinator
	Sessions    Sessions
	Registry    *registry.Registry
	Router      *router.Router
	Writer      *writer.Writer
	Database    Pinger
	Verifier    registry.Verifier
}

// Server serves the WebSocket endpoint and the HTTP API.
type Server struct {
	cfg      Config
	deps     Deps
	upgrader *websocket.Upgrader
	logger   *slog.Logger
	http     *http.Server

	// Lifetime of upgraded connections; hijacked sockets are not tracked
	// by http.Server.Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// New creates a Server.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		upgrader: connection.NewUpgrader(cfg.Connection),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.http = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireSupervisor)
	api.HandleFunc("/exams/{examId}/sessions", s.handleExamSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionId}", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionId}/end", s.handleEndSession).Methods(http.MethodPost)

	return r
}

// ListenAndServe blocks serving HTTP until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "address", s.cfg.Address)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every WebSocket and waits for
// their handlers to release their sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.http.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := connection.Upgrade(s.upgrader, w, r, s.cfg.Connection, s.logger)
	if err != nil {
		// The upgrader has already answered the request.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	h := s.deps.Coordinator.Connect(s.ctx, conn, conn.RemoteAddr())
	err = conn.Run(s.ctx, h)

	reason := coordinator.ReasonClosed
	switch {
	case s.ctx.Err() != nil:
		reason = coordinator.ReasonShutdown
	case errors.Is(err, connection.ErrStaleConnection):
		reason = coordinator.ReasonStale
	case err != nil:
		reason = coordinator.ReasonTransport
		s.logger.Debug("websocket closed with error", "conn_id", h.ID(), "error", err)
	}
	s.deps.Coordinator.Disconnect(h.ID(), reason)
}
