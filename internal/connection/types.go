package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrClosed          = errors.New("connection closed")
	ErrStaleConnection = errors.New("connection stale (no pong)")
)

// Config holds connection configuration.
type Config struct {
	WriteTimeout    time.Duration // Per-frame write deadline (default: 10s)
	PongTimeout     time.Duration // Read deadline extended by each frame or pong (default: 60s)
	PingInterval    time.Duration // Server ping period, must be below PongTimeout (default: 25s)
	MaxMessageSize  int64         // Inbound frame limit in bytes (default: 1MiB)
	SendQueueSize   int           // Initial outbound queue capacity (default: 64)
	SendQueueLimit  int           // Outbound frames held before dropping (default: 1024)
	ReadBufferSize  int
	WriteBufferSize int
	AllowedOrigins  []string // Empty allows any origin
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingInterval:    25 * time.Second,
		MaxMessageSize:  1 << 20,
		SendQueueSize:   64,
		SendQueueLimit:  1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Handler receives inbound traffic for one connection. Calls are made from
// the read loop, one at a time.
type Handler interface {
	HandleMessage(msg TimestampedMessage)
	HandlePong()
}

// Stats contains per-connection statistics.
type Stats struct {
	Received int64
	Sent     int64
	Dropped  int64 // Outbound frames rejected by a full queue
	Queued   int
}
