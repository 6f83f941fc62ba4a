package config

import "time"

// Config holds daemon configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	// ReceiverID is the party whose incoming calls this instance handles.
	// Zero means unauthenticated: the controller stays idle and counters
	// report zero.
	ReceiverID int64 `mapstructure:"receiver_id" yaml:"receiver_id"`

	// QualityPollInterval is how often transport statistics are sampled.
	QualityPollInterval time.Duration `mapstructure:"quality_poll_interval" yaml:"quality_poll_interval"`

	// RingTimeout clears an unanswered incoming call locally after this
	// duration. Zero disables the policy; the authoritative missed
	// transition is always driven by the store side.
	RingTimeout time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:                ":8080",
		ReadHeaderTimeout:   5 * time.Second,
		ShutdownTimeout:     5 * time.Second,
		DatabasePath:        "ringline.db",
		LogLevel:            "info",
		QualityPollInterval: 2 * time.Second,
		RingTimeout:         0,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.ReceiverID != 0 {
		c.ReceiverID = other.ReceiverID
	}
	if other.QualityPollInterval != 0 {
		c.QualityPollInterval = other.QualityPollInterval
	}
	if other.RingTimeout != 0 {
		c.RingTimeout = other.RingTimeout
	}
}
