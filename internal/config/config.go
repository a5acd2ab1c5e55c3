// Package config loads the bootstrap configuration from YAML. Only settings
// needed before the control-plane DB is reachable live here; everything
// runtime-tunable is a configplan key.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Sources    SourcesConfig    `yaml:"sources"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Locking    LockingConfig    `yaml:"locking"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Events     EventsConfig     `yaml:"events"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // control-plane Postgres DSN
}

type EncryptionConfig struct {
	Key string `yaml:"key"` // hex, base64 or passphrase; env ENCRYPTION_KEY wins
}

// SourcesConfig holds sizing defaults for source-DB pools (sources.pool.*).
type SourcesConfig struct {
	PoolMaxSize           int `yaml:"pool_max_size"`
	PoolMinIdle           int `yaml:"pool_min_idle"`
	PoolIdleTimeoutMin    int `yaml:"pool_idle_timeout_minutes"`
	ConnectionTimeoutMs   int `yaml:"connection_timeout_ms"`
	QueryTimeoutSeconds   int `yaml:"query_timeout_seconds"`
	LeakDetectionDelaySec int `yaml:"leak_detection_delay_seconds"`
}

type SchedulerConfig struct {
	PollingIntervalSeconds int `yaml:"polling_interval_seconds"`
	WorkerPoolSize         int `yaml:"worker_pool_size"`
}

type LockingConfig struct {
	StaleThresholdHours   int `yaml:"stale_threshold_hours"`
	ReleasedRetentionDays int `yaml:"released_retention_days"`
}

type BackfillConfig struct {
	GapScanIntervalHours int `yaml:"gap_scan_interval_hours"`
	GapScanMinGapMinutes int `yaml:"gap_scan_min_gap_minutes"`
}

// EventsConfig selects the bus backend: "local", "redis" or "pubsub".
type EventsConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// Load reads the YAML file at path, then applies environment overrides for
// secrets (DATABASE_URL, ENCRYPTION_KEY, REDIS_ADDR). A missing file is not
// an error; env plus defaults must be enough to boot in containers.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, err
			}
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Events.RedisAddr = v
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Sources.PoolMaxSize == 0 {
		c.Sources.PoolMaxSize = 5
	}
	if c.Sources.PoolMinIdle == 0 {
		c.Sources.PoolMinIdle = 1
	}
	if c.Sources.PoolIdleTimeoutMin == 0 {
		c.Sources.PoolIdleTimeoutMin = 5
	}
	if c.Sources.ConnectionTimeoutMs == 0 {
		c.Sources.ConnectionTimeoutMs = 30000
	}
	if c.Sources.QueryTimeoutSeconds == 0 {
		c.Sources.QueryTimeoutSeconds = 60
	}
	if c.Scheduler.PollingIntervalSeconds == 0 {
		c.Scheduler.PollingIntervalSeconds = 1
	}
	if c.Scheduler.WorkerPoolSize == 0 {
		c.Scheduler.WorkerPoolSize = 100
	}
	if c.Locking.StaleThresholdHours == 0 {
		c.Locking.StaleThresholdHours = 2
	}
	if c.Locking.ReleasedRetentionDays == 0 {
		c.Locking.ReleasedRetentionDays = 7
	}
	if c.Backfill.GapScanIntervalHours == 0 {
		c.Backfill.GapScanIntervalHours = 6
	}
	if c.Backfill.GapScanMinGapMinutes == 0 {
		c.Backfill.GapScanMinGapMinutes = 5
	}
	if c.Events.Backend == "" {
		c.Events.Backend = "local"
	}
}

// ConnectionTimeout returns the pool connection timeout as a duration.
func (c *SourcesConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
}

// QueryTimeout returns the per-query timeout as a duration.
func (c *SourcesConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}
