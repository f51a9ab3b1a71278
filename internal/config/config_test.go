package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: hub-1
  environment: staging
server:
  address: ":9000"
  allowed_origins:
    - https://exam.example.com
auth:
  algorithm: HS256
  secret: shh
database:
  host: localhost
  port: 5433
  name: proctor
  user: hub
  password: secret
  max_conns: 20
sampling:
  period: 5
alerts:
  cooldown: 30s
risk:
  weights:
    faceDetection: 0.5
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "hub-1" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "hub-1")
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":9000")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://exam.example.com" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Database.Port != 5433 {
		t.Errorf("Database.Port = %d, want %d", cfg.Database.Port, 5433)
	}
	if cfg.Database.MaxConns != 20 {
		t.Errorf("Database.MaxConns = %d, want %d", cfg.Database.MaxConns, 20)
	}
	if cfg.Sampling.Period != 5 {
		t.Errorf("Sampling.Period = %d, want 5", cfg.Sampling.Period)
	}
	if cfg.Alerts.Cooldown != 30*time.Second {
		t.Errorf("Alerts.Cooldown = %v, want 30s", cfg.Alerts.Cooldown)
	}
	if cfg.Risk.Weights["faceDetection"] != 0.5 {
		t.Errorf("Risk.Weights = %v", cfg.Risk.Weights)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "env_password")
	t.Setenv("TEST_JWT_SECRET", "env_secret")

	yaml := `
instance:
  id: hub-1
auth:
  secret: ${TEST_JWT_SECRET}
database:
  host: localhost
  name: proctor
  user: hub
  password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Password != "env_password" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "env_password")
	}
	if cfg.Auth.Secret != "env_secret" {
		t.Errorf("Auth.Secret = %q, want %q", cfg.Auth.Secret, "env_secret")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: hub-1
auth:
  secret: shh
database:
  host: localhost
  name: proctor
  user: hub
  password: secret
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.Address != DefaultAddress {
		t.Errorf("Server.Address = %q, want default %q", cfg.Server.Address, DefaultAddress)
	}
	if cfg.Auth.Algorithm != DefaultAuthAlgorithm {
		t.Errorf("Auth.Algorithm = %q, want default %q", cfg.Auth.Algorithm, DefaultAuthAlgorithm)
	}
	if cfg.Database.Port != DefaultDBPort {
		t.Errorf("Database.Port = %d, want default %d", cfg.Database.Port, DefaultDBPort)
	}
	if cfg.Risk.Alpha != DefaultRiskAlpha {
		t.Errorf("Risk.Alpha = %v, want default %v", cfg.Risk.Alpha, DefaultRiskAlpha)
	}
	if cfg.Risk.Weights["eyeMovement"] != 0.25 {
		t.Errorf("Risk.Weights = %v, want default weights", cfg.Risk.Weights)
	}
	if cfg.Sampling.RandomRate != DefaultRandomRate {
		t.Errorf("Sampling.RandomRate = %v, want default %v", cfg.Sampling.RandomRate, DefaultRandomRate)
	}
	if cfg.Alerts.HighThreshold != DefaultHighThreshold {
		t.Errorf("Alerts.HighThreshold = %v, want default %v", cfg.Alerts.HighThreshold, DefaultHighThreshold)
	}
	if cfg.Alerts.Cooldown != 0 {
		t.Errorf("Alerts.Cooldown = %v, want 0 (disabled)", cfg.Alerts.Cooldown)
	}
	if cfg.Reaper.IdleTimeout != DefaultReaperIdle {
		t.Errorf("Reaper.IdleTimeout = %v, want default %v", cfg.Reaper.IdleTimeout, DefaultReaperIdle)
	}
	if cfg.Server.AckEvery != DefaultAckEvery {
		t.Errorf("Server.AckEvery = %d, want default %d", cfg.Server.AckEvery, DefaultAckEvery)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config should validate: %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file should fail")
	}

	path := writeTempFile(t, "instance: [unclosed")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("Load of invalid yaml error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Config{
			Instance: InstanceConfig{ID: "test"},
			Auth:     AuthConfig{Secret: "shh"},
			Database: DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass"},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "missing hs256 secret",
			mutate:  func(c *Config) { c.Auth.Secret = "" },
			wantErr: "auth.secret is required for HS256",
		},
		{
			name:    "rs256 without key",
			mutate:  func(c *Config) { c.Auth.Algorithm = "RS256" },
			wantErr: "auth.public_key_path is required for RS256",
		},
		{
			name:    "unknown algorithm",
			mutate:  func(c *Config) { c.Auth.Algorithm = "none" },
			wantErr: `auth.algorithm must be HS256 or RS256, got "none"`,
		},
		{
			name:    "missing database password",
			mutate:  func(c *Config) { c.Database.Password = "" },
			wantErr: "database.password is required",
		},
		{
			name:    "database disabled skips checks",
			mutate:  func(c *Config) { c.Database = DBConfig{Disabled: true} },
			wantErr: "",
		},
		{
			name:    "min_conns exceeds max_conns",
			mutate:  func(c *Config) { c.Database.MaxConns = 5; c.Database.MinConns = 10 },
			wantErr: "database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "ping not below pong timeout",
			mutate:  func(c *Config) { c.Server.PingInterval = time.Minute },
			wantErr: "server.ping_interval (1m0s) must be less than server.pong_timeout (1m0s)",
		},
		{
			name:    "negative alert cooldown",
			mutate:  func(c *Config) { c.Alerts.Cooldown = -time.Second },
			wantErr: "alerts.cooldown cannot be negative",
		},
		{
			name:    "alpha out of range",
			mutate:  func(c *Config) { c.Risk.Alpha = 1.5 },
			wantErr: "risk.alpha must be in (0, 1], got 1.5",
		},
		{
			name:    "random rate out of range",
			mutate:  func(c *Config) { c.Sampling.RandomRate = 2 },
			wantErr: "sampling.random_rate must be in [0, 1], got 2",
		},
		{
			name:    "critical below high",
			mutate:  func(c *Config) { c.Alerts.CriticalThreshold = 60 },
			wantErr: "alerts.critical_threshold (60) cannot be below alerts.high_threshold (70)",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: `logging.format must be text or json, got "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
