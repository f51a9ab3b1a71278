package config

import "time"

// Config is the root configuration for a proctorhub instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DBConfig        `yaml:"database"`
	Inference InferenceConfig `yaml:"inference"`
	Session   SessionConfig   `yaml:"session"`
	Risk      RiskConfig      `yaml:"risk"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Writer    WriterConfig    `yaml:"writer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID          string `yaml:"id"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP and WebSocket settings.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"` // Per WebSocket frame
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	SendQueueLimit    int           `yaml:"send_queue_limit"`
	AckEvery          int           `yaml:"ack_every"` // Acknowledge every Nth telemetry frame
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	Algorithm     string        `yaml:"algorithm"` // HS256 or RS256
	Secret        string        `yaml:"secret"`
	PublicKeyPath string        `yaml:"public_key_path"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	Leeway        time.Duration `yaml:"leeway"`
}

// DBConfig holds the PostgreSQL connection for the durable store.
type DBConfig struct {
	Disabled bool   `yaml:"disabled"` // Run without durable storage
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// InferenceConfig holds vision-inference collaborator settings. An empty
// URL disables image analysis.
type InferenceConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxInFlight  int64         `yaml:"max_in_flight"`
}

// SessionConfig holds session manager settings.
type SessionConfig struct {
	Retention   time.Duration `yaml:"retention"`    // Keep completed sessions in memory this long
	SkipRestore bool          `yaml:"skip_restore"` // Do not reload open sessions at start-up
}

// RiskConfig holds aggregation settings.
type RiskConfig struct {
	Alpha         float64            `yaml:"alpha"`
	Weights       map[string]float64 `yaml:"weights"`
	DefaultWeight float64            `yaml:"default_weight"`
}

// SamplingConfig holds the persistence filter policy.
type SamplingConfig struct {
	ScoreThreshold float64 `yaml:"score_threshold"`
	Period         int64   `yaml:"period"`
	RandomRate     float64 `yaml:"random_rate"`
}

// AlertsConfig holds alert thresholds.
type AlertsConfig struct {
	HighThreshold     float64       `yaml:"high_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold"`
	Cooldown          time.Duration `yaml:"cooldown"` // 0 disables
}

// ReaperConfig holds stale connection reaper settings.
type ReaperConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAge      time.Duration `yaml:"max_age"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// WriterConfig holds background persistence settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`  // Initial queue capacity
	MaxBuffered   int           `yaml:"max_buffered"` // Queue limit; records beyond it are dropped
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // Rotated log file; stderr when empty
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}
