package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Allocation  AllocationConfig  `yaml:"allocation"`
	Sessions    SessionConfig     `yaml:"sessions"`
	Events      EventConfig       `yaml:"events"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type HeartbeatConfig struct {
	// Interval is how often nodes are expected to heartbeat.
	Interval time.Duration `yaml:"interval"`
	// SuspectMultiplier and OfflineMultiplier scale Interval into the
	// missed-deadline thresholds for Suspect and Offline.
	SuspectMultiplier int           `yaml:"suspect_multiplier"`
	OfflineMultiplier int           `yaml:"offline_multiplier"`
	Tick              time.Duration `yaml:"tick"`
}

func (h HeartbeatConfig) SuspectAfter() time.Duration {
	return time.Duration(h.SuspectMultiplier) * h.Interval
}

func (h HeartbeatConfig) OfflineAfter() time.Duration {
	return time.Duration(h.OfflineMultiplier) * h.Interval
}

type AllocationConfig struct {
	RetryBudget   int           `yaml:"retry_budget"`
	BackoffMin    time.Duration `yaml:"backoff_min"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	FallbackDepth int           `yaml:"fallback_depth"`
}

type SessionConfig struct {
	// Retention is how long a terminal session stays readable before it
	// is swept from memory.
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// IdleTimeout aborts a lobby that has seen no mutation for this long
	// without ever starting.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type EventConfig struct {
	QueueSize int `yaml:"queue_size"`
	RingSize  int `yaml:"ring_size"`
	// ReplayRetention bounds how far back per-target event replay can
	// serve deltas; older gaps are closed with a state snapshot.
	ReplayRetention time.Duration `yaml:"replay_retention"`
}

type PersistenceConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Heartbeat: HeartbeatConfig{
			Interval:          5 * time.Second,
			SuspectMultiplier: 2,
			OfflineMultiplier: 4,
			Tick:              time.Second,
		},
		Allocation: AllocationConfig{
			RetryBudget:   2,
			BackoffMin:    100 * time.Millisecond,
			BackoffMax:    2 * time.Second,
			FallbackDepth: 3,
		},
		Sessions: SessionConfig{
			Retention:     5 * time.Minute,
			SweepInterval: 30 * time.Second,
			IdleTimeout:   30 * time.Minute,
		},
		Events: EventConfig{
			QueueSize:       64,
			RingSize:        256,
			ReplayRetention: time.Minute,
		},
		Persistence: PersistenceConfig{
			Path: "./controlplane.db",
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
