package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/proctorhub/internal/router"
)

// writeBatch bounds how many queued frames are written per wake-up.
const writeBatch = 64

// NewUpgrader builds an Upgrader honouring cfg's buffer sizes and origin
// allow-list.
func NewUpgrader(cfg Config) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return &websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
			return ok
		},
	}
}

// Conn is one accepted WebSocket.
type Conn struct {
	cfg        Config
	ws         *websocket.Conn
	logger     *slog.Logger
	remoteAddr string

	outbound *router.Queue[[]byte]

	done      chan struct{}
	closeOnce sync.Once

	// Write serialization
	writeMu sync.Mutex

	received atomic.Int64
	sent     atomic.Int64
}

// Upgrade accepts a WebSocket on w.
func Upgrade(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, cfg Config, logger *slog.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, cfg, logger), nil
}

// New wraps an established WebSocket.
func New(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	return &Conn{
		cfg:        cfg,
		ws:         ws,
		logger:     logger,
		remoteAddr: ws.RemoteAddr().String(),
		outbound:   router.NewQueue[[]byte](cfg.SendQueueSize, cfg.SendQueueLimit),
		done:       make(chan struct{}),
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Deliver queues a frame for the write pump. Returns false when the
// connection is closed or its queue is full.
func (c *Conn) Deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	return c.outbound.Send(msg)
}

// Close stops the pumps and closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.outbound.Close()

		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)

		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Run reads frames until the peer disconnects, ctx is cancelled or Close
// is called, and starts the write pump alongside. It always closes the
// connection before returning. A nil error means a normal closure.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	defer c.Close()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		h.HandlePong()
		return nil
	})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()
	defer func() { <-pumpDone }()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			return classify(err)
		}

		c.ws.SetReadDeadline(receivedAt.Add(c.cfg.PongTimeout))
		c.received.Add(1)
		h.HandleMessage(TimestampedMessage{Data: data, ReceivedAt: receivedAt})
	}
}

// writePump drains the outbound queue and sends pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.outbound.Ready():
			for {
				batch := c.outbound.DrainTo(writeBatch)
				if len(batch) == 0 {
					break
				}
				for _, msg := range batch {
					if err := c.write(websocket.TextMessage, msg); err != nil {
						c.logger.Debug("write failed", "remote_addr", c.remoteAddr, "error", err)
						c.Close()
						return
					}
					c.sent.Add(1)
				}
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "remote_addr", c.remoteAddr, "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// Stats returns connection statistics.
func (c *Conn) Stats() Stats {
	qs := c.outbound.Stats()
	return Stats{
		Received: c.received.Load(),
		Sent:     c.sent.Load(),
		Dropped:  qs.Dropped,
		Queued:   qs.Count,
	}
}

// classify maps read errors to a reportable cause. Normal closures return
// nil.
func classify(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrStaleConnection
	}
	return err
}
