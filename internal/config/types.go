package config

import "fmt"

// Config is the gateway's file configuration.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "15m").
// Zero/omitted values fall back to the component defaults.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Session   SessionConfig   `json:"session"`
	Pairing   PairingConfig   `json:"pairing,omitempty"`
	Retry     RetryConfig     `json:"retry"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // default ":8080"
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"`
	// Console is a pointer so "omitted" (default true) is distinguishable
	// from an explicit false.
	Console *bool      `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type SessionConfig struct {
	QRWait               string `json:"qr_wait,omitempty"`
	ConnectTimeout       string `json:"connect_timeout,omitempty"`
	Keepalive            string `json:"keepalive,omitempty"`
	Cooldown             string `json:"cooldown,omitempty"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"`
	SendTimeout          string `json:"send_timeout,omitempty"`
}

type PairingConfig struct {
	TTL string `json:"ttl,omitempty"`
}

type RetryConfig struct {
	ScanInterval  string `json:"scan_interval,omitempty"`
	RetryInterval string `json:"retry_interval,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	ExpireAfter   string `json:"expire_after,omitempty"`
	TerminalGrace string `json:"terminal_grace,omitempty"`
}

type BroadcastConfig struct {
	Workers           int    `json:"workers,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`
	RatePerSec        int    `json:"rate_per_sec,omitempty"`
	DefaultBatchSize  int    `json:"default_batch_size,omitempty"`
	DefaultInterval   string `json:"default_interval,omitempty"`
	DefaultBatchDelay string `json:"default_batch_delay,omitempty"`
	Retention         string `json:"retention,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" or "none"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ConsoleEnabled resolves the tri-state console flag (default on).
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// Validate checks every duration field parses. Component-level bounds are
// applied by the components themselves through their normalize defaults.
func (c *Config) Validate() error {
	fields := []struct {
		path string
		raw  string
	}{
		{"session.qr_wait", c.Session.QRWait},
		{"session.connect_timeout", c.Session.ConnectTimeout},
		{"session.keepalive", c.Session.Keepalive},
		{"session.cooldown", c.Session.Cooldown},
		{"session.send_timeout", c.Session.SendTimeout},
		{"pairing.ttl", c.Pairing.TTL},
		{"retry.scan_interval", c.Retry.ScanInterval},
		{"retry.retry_interval", c.Retry.RetryInterval},
		{"retry.expire_after", c.Retry.ExpireAfter},
		{"retry.terminal_grace", c.Retry.TerminalGrace},
		{"broadcast.default_interval", c.Broadcast.DefaultInterval},
		{"broadcast.default_batch_delay", c.Broadcast.DefaultBatchDelay},
		{"broadcast.retention", c.Broadcast.Retention},
	}
	if c.Storage != nil {
		fields = append(fields, struct {
			path string
			raw  string
		}{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("session.max_reconnect_attempts: must be >= 0")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts: must be >= 0")
	}
	return nil
}
