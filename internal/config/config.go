// Package config loads khssync settings from a YAML file and the environment.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
	Events   EventsConfig   `yaml:"events"`
}

// DatabaseConfig locates the local SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"KHSSYNC_DB_PATH" env-default:"khssync.db"`
}

// RemoteConfig holds CRM API settings.
type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"        env:"KHSSYNC_REMOTE_URL"     env-default:"http://localhost:3001/api"`
	Token          string        `yaml:"token"           env:"KHSSYNC_REMOTE_TOKEN"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"KHSSYNC_REMOTE_TIMEOUT" env-default:"10s"`
}

// SyncConfig tunes the sync engine, the queue and the scheduler.
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"         env:"KHSSYNC_SYNC_INTERVAL"      env-default:"30s"`
	CycleTimeout   time.Duration `yaml:"cycle_timeout"    env:"KHSSYNC_CYCLE_TIMEOUT"      env-default:"5m"`
	ConflictPolicy string        `yaml:"conflict_policy"  env:"KHSSYNC_CONFLICT_POLICY"    env-default:"merge"`
	MaxRetries     int           `yaml:"max_retries"      env:"KHSSYNC_MAX_RETRIES"        env-default:"3"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"KHSSYNC_RETRY_BASE_DELAY"   env-default:"1s"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"  env:"KHSSYNC_RETRY_MAX_DELAY"    env-default:"5m"`
	QueueMaxSize   int           `yaml:"queue_max_size"   env:"KHSSYNC_QUEUE_MAX_SIZE"     env-default:"10000"`
	ProbeInterval  time.Duration `yaml:"probe_interval"   env:"KHSSYNC_PROBE_INTERVAL"     env-default:"15s"`
}

// CacheConfig sizes the read cache.
type CacheConfig struct {
	Size int `yaml:"size" env:"KHSSYNC_CACHE_SIZE" env-default:"1024"`
}

// LogConfig holds logging settings. File enables rotated file output.
type LogConfig struct {
	Level      string `yaml:"level"       env:"KHSSYNC_LOG_LEVEL"       env-default:"info"`
	Format     string `yaml:"format"      env:"KHSSYNC_LOG_FORMAT"      env-default:"text"`
	File       string `yaml:"file"        env:"KHSSYNC_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"KHSSYNC_LOG_MAX_SIZE_MB" env-default:"50"`
	MaxBackups int    `yaml:"max_backups" env:"KHSSYNC_LOG_MAX_BACKUPS" env-default:"3"`
	MaxAgeDays int    `yaml:"max_age_days" env:"KHSSYNC_LOG_MAX_AGE"    env-default:"28"`
}

// EventsConfig enables the websocket event feed when WSAddr is set.
type EventsConfig struct {
	WSAddr string `yaml:"ws_addr" env:"KHSSYNC_WS_ADDR"`
}
