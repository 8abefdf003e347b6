// Package config reads and validates the server configuration file in YAML
// format. Every value has a default; an empty path yields a runnable
// localhost configuration, while a path to a missing file is an error.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Listen struct {
	// Address is the bind address; empty binds all interfaces.
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`

	// QUICEnabled starts an additional QUIC endpoint carrying the same
	// framed protocol, one bidirectional stream per connection.
	QUICEnabled bool   `yaml:"quic_enabled"`
	QUICPort    uint16 `yaml:"quic_port"`
}

type TLS struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`

	// MinVersion rejects handshakes below it: "1.2" or "1.3".
	MinVersion string `yaml:"min_version"`
}

type Limits struct {
	MaxConnections      int     `yaml:"max_connections"`
	MessagesPerSec      float64 `yaml:"messages_per_sec"`
	Burst               int     `yaml:"burst"`
	BytesPerSec         float64 `yaml:"bytes_per_sec"`
	LoginAttemptsPerMin int     `yaml:"login_attempts_per_min"`
	LockoutSeconds      int     `yaml:"lockout_seconds"`

	// Socket buffer sizes in bytes; zero keeps the OS default.
	RecvBuffer int `yaml:"recv_buffer"`
	SendBuffer int `yaml:"send_buffer"`
}

type Session struct {
	RekeyIntervalSec int `yaml:"rekey_interval_sec"`
	KeepaliveSec     int `yaml:"keepalive_sec"`
	IdleTimeoutSec   int `yaml:"idle_timeout_sec"`
}

type Send struct {
	QueueCapacity int `yaml:"queue_capacity"`
	AckTimeoutMs  int `yaml:"ack_timeout_ms"`
	MaxRetries    int `yaml:"max_retries"`
}

type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

type Metrics struct {
	// SnapshotPath receives a JSON counter snapshot every metrics tick.
	// Empty disables the file.
	SnapshotPath string `yaml:"snapshot_path"`
}

type Auth struct {
	// Users maps username to password for the built-in static verifier.
	Users map[string]string `yaml:"users"`
}

type Config struct {
	Listen  Listen  `yaml:"listen"`
	TLS     TLS     `yaml:"tls"`
	Limits  Limits  `yaml:"limits"`
	Session Session `yaml:"session"`
	Send    Send    `yaml:"send"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
	Auth    Auth    `yaml:"auth"`
}

func Default() Config {
	return Config{
		Listen: Listen{Address: "127.0.0.1", Port: 8080, QUICPort: 8443},
		TLS:    TLS{MinVersion: "1.3"},
		Limits: Limits{
			MaxConnections:      1024,
			MessagesPerSec:      100,
			Burst:               200,
			BytesPerSec:         1 << 20,
			LoginAttemptsPerMin: 5,
			LockoutSeconds:      300,
		},
		Session: Session{
			RekeyIntervalSec: 1800,
			KeepaliveSec:     30,
			IdleTimeoutSec:   300,
		},
		Send: Send{
			QueueCapacity: 1000,
			AckTimeoutMs:  10000,
			MaxRetries:    3,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen.Port == 0 {
		return fmt.Errorf("listen.port must be set")
	}
	if c.TLS.Enabled {
		if c.TLS.Cert == "" || c.TLS.Key == "" {
			return fmt.Errorf("tls.cert and tls.key required when tls.enabled")
		}
		switch c.TLS.MinVersion {
		case "", "1.2", "1.3":
		default:
			return fmt.Errorf("tls.min_version must be 1.2 or 1.3, got %q", c.TLS.MinVersion)
		}
	}
	if c.Listen.QUICEnabled {
		if c.Listen.QUICPort == 0 {
			return fmt.Errorf("listen.quic_port must be set when quic is enabled")
		}
		if !c.TLS.Enabled {
			return fmt.Errorf("listen.quic_enabled requires tls.enabled")
		}
	}
	if c.Limits.MaxConnections <= 0 {
		return fmt.Errorf("limits.max_connections must be positive")
	}
	if c.Limits.MessagesPerSec <= 0 || c.Limits.BytesPerSec <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.Limits.Burst < int(c.Limits.MessagesPerSec) {
		return fmt.Errorf("limits.burst must be at least messages_per_sec")
	}
	if c.Session.RekeyIntervalSec <= 0 || c.Session.KeepaliveSec <= 0 || c.Session.IdleTimeoutSec <= 0 {
		return fmt.Errorf("session intervals must be positive")
	}
	if c.Session.KeepaliveSec >= c.Session.IdleTimeoutSec {
		return fmt.Errorf("session.keepalive_sec must be below idle_timeout_sec")
	}
	if c.Send.QueueCapacity <= 0 || c.Send.AckTimeoutMs <= 0 || c.Send.MaxRetries < 0 {
		return fmt.Errorf("send settings must be positive")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	return nil
}
