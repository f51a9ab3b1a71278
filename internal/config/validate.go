package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Server.PingInterval >= c.Server.PongTimeout {
		return fmt.Errorf("server.ping_interval (%s) must be less than server.pong_timeout (%s)",
			c.Server.PingInterval, c.Server.PongTimeout)
	}
	if c.Server.SendQueueLimit < 1 {
		return errors.New("server.send_queue_limit must be >= 1")
	}
	if c.Server.AckEvery < 1 {
		return errors.New("server.ack_every must be >= 1")
	}

	switch c.Auth.Algorithm {
	case "HS256":
		if c.Auth.Secret == "" {
			return errors.New("auth.secret is required for HS256")
		}
	case "RS256":
		if c.Auth.PublicKeyPath == "" {
			return errors.New("auth.public_key_path is required for RS256")
		}
	default:
		return fmt.Errorf("auth.algorithm must be HS256 or RS256, got %q", c.Auth.Algorithm)
	}

	if !c.Database.Disabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.Inference.URL != "" && c.Inference.MaxInFlight < 1 {
		return errors.New("inference.max_in_flight must be >= 1")
	}

	if c.Risk.Alpha <= 0 || c.Risk.Alpha > 1 {
		return fmt.Errorf("risk.alpha must be in (0, 1], got %v", c.Risk.Alpha)
	}
	for name, w := range c.Risk.Weights {
		if w < 0 {
			return fmt.Errorf("risk.weights.%s must be >= 0, got %v", name, w)
		}
	}

	if c.Sampling.RandomRate < 0 || c.Sampling.RandomRate > 1 {
		return fmt.Errorf("sampling.random_rate must be in [0, 1], got %v", c.Sampling.RandomRate)
	}
	if c.Sampling.Period < 1 {
		return errors.New("sampling.period must be >= 1")
	}

	if c.Alerts.CriticalThreshold < c.Alerts.HighThreshold {
		return fmt.Errorf("alerts.critical_threshold (%v) cannot be below alerts.high_threshold (%v)",
			c.Alerts.CriticalThreshold, c.Alerts.HighThreshold)
	}
	if c.Alerts.HighThreshold > 100 || c.Alerts.CriticalThreshold > 100 {
		return errors.New("alert thresholds must be <= 100")
	}
	if c.Alerts.Cooldown < 0 {
		return errors.New("alerts.cooldown cannot be negative")
	}

	if c.Reaper.Interval <= 0 || c.Reaper.MaxAge <= 0 || c.Reaper.IdleTimeout <= 0 {
		return errors.New("reaper.interval, reaper.max_age and reaper.idle_timeout must be positive")
	}

	if c.Writer.BatchSize < 1 {
		return errors.New("writer.batch_size must be >= 1")
	}
	if c.Writer.BufferSize < 1 {
		return errors.New("writer.buffer_size must be >= 1")
	}
	if c.Writer.MaxBuffered < c.Writer.BufferSize {
		return fmt.Errorf("writer.max_buffered (%d) cannot be below writer.buffer_size (%d)",
			c.Writer.MaxBuffered, c.Writer.BufferSize)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
