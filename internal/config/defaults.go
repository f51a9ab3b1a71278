package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "proctorhub"
	DefaultAddress           = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultPongTimeout       = 60 * time.Second
	DefaultPingInterval      = 25 * time.Second
	DefaultMaxMessageSize    = 1 << 20
	DefaultSendQueueLimit    = 1024
	DefaultAckEvery          = 5
	DefaultAuthAlgorithm     = "HS256"
	DefaultAuthLeeway        = 30 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultInferenceTimeout  = 15 * time.Second
	DefaultInferenceRetries  = 2
	DefaultInferenceBackoff  = 250 * time.Millisecond
	DefaultInferenceInFlight = 16
	DefaultSessionRetention  = time.Hour
	DefaultRiskAlpha         = 0.3
	DefaultRiskWeight        = 0.10
	DefaultScoreThreshold    = 50
	DefaultSamplePeriod      = 10
	DefaultRandomRate        = 0.20
	DefaultHighThreshold     = 70
	DefaultCriticalThreshold = 90
	DefaultReaperInterval    = time.Minute
	DefaultReaperMaxAge      = 2 * time.Hour
	DefaultReaperIdle        = 5 * time.Minute
	DefaultBatchSize         = 500
	DefaultFlushInterval     = 500 * time.Millisecond
	DefaultBufferSize        = 1024
	DefaultMaxBuffered       = 100000
	DefaultWriterRetries     = 3
	DefaultWriterBackoff     = 200 * time.Millisecond
	DefaultWriterTimeout     = 5 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultLogMaxSizeMB      = 100
	DefaultLogMaxBackups     = 5
	DefaultLogMaxAgeDays     = 28
)

// DefaultRiskWeights are the per-category weights used when none are set.
func DefaultRiskWeights() map[string]float64 {
	return map[string]float64{
		"faceDetection":   0.30,
		"eyeMovement":     0.25,
		"audioAnalysis":   0.25,
		"browserActivity": 0.20,
	}
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Server defaults
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.PongTimeout == 0 {
		c.Server.PongTimeout = DefaultPongTimeout
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultPingInterval
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Server.SendQueueLimit == 0 {
		c.Server.SendQueueLimit = DefaultSendQueueLimit
	}
	if c.Server.AckEvery == 0 {
		c.Server.AckEvery = DefaultAckEvery
	}

	// Auth defaults
	if c.Auth.Algorithm == "" {
		c.Auth.Algorithm = DefaultAuthAlgorithm
	}
	if c.Auth.Leeway == 0 {
		c.Auth.Leeway = DefaultAuthLeeway
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Inference defaults
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = DefaultInferenceTimeout
	}
	if c.Inference.MaxRetries == 0 {
		c.Inference.MaxRetries = DefaultInferenceRetries
	}
	if c.Inference.RetryBackoff == 0 {
		c.Inference.RetryBackoff = DefaultInferenceBackoff
	}
	if c.Inference.MaxInFlight == 0 {
		c.Inference.MaxInFlight = DefaultInferenceInFlight
	}

	if c.Session.Retention == 0 {
		c.Session.Retention = DefaultSessionRetention
	}

	// Risk defaults
	if c.Risk.Alpha == 0 {
		c.Risk.Alpha = DefaultRiskAlpha
	}
	if len(c.Risk.Weights) == 0 {
		c.Risk.Weights = DefaultRiskWeights()
	}
	if c.Risk.DefaultWeight == 0 {
		c.Risk.DefaultWeight = DefaultRiskWeight
	}

	// Sampling defaults
	if c.Sampling.ScoreThreshold == 0 {
		c.Sampling.ScoreThreshold = DefaultScoreThreshold
	}
	if c.Sampling.Period == 0 {
		c.Sampling.Period = DefaultSamplePeriod
	}
	if c.Sampling.RandomRate == 0 {
		c.Sampling.RandomRate = DefaultRandomRate
	}

	// Alert defaults
	if c.Alerts.HighThreshold == 0 {
		c.Alerts.HighThreshold = DefaultHighThreshold
	}
	if c.Alerts.CriticalThreshold == 0 {
		c.Alerts.CriticalThreshold = DefaultCriticalThreshold
	}

	// Reaper defaults
	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = DefaultReaperInterval
	}
	if c.Reaper.MaxAge == 0 {
		c.Reaper.MaxAge = DefaultReaperMaxAge
	}
	if c.Reaper.IdleTimeout == 0 {
		c.Reaper.IdleTimeout = DefaultReaperIdle
	}

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Writer.BufferSize == 0 {
		c.Writer.BufferSize = DefaultBufferSize
	}
	if c.Writer.MaxBuffered == 0 {
		c.Writer.MaxBuffered = DefaultMaxBuffered
	}
	if c.Writer.MaxRetries == 0 {
		c.Writer.MaxRetries = DefaultWriterRetries
	}
	if c.Writer.RetryBackoff == 0 {
		c.Writer.RetryBackoff = DefaultWriterBackoff
	}
	if c.Writer.WriteTimeout == 0 {
		c.Writer.WriteTimeout = DefaultWriterTimeout
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}
}
