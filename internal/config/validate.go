package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/conflict"
)

// Validate performs rule checks on the loaded configuration.
// Load calls it automatically.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path must be set")
	}
	if err := c.Remote.validate(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if err := c.Sync.validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be > 0 (got %d)", c.Cache.Size)
	}
	if err := c.Log.validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func (r *RemoteConfig) validate() error {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL (got %q)", r.BaseURL)
	}
	if r.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0 (got %s)", r.RequestTimeout)
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be > 0 (got %s)", s.Interval)
	}
	if s.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1 (got %d)", s.MaxRetries)
	}
	if s.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry_base_delay must be > 0 (got %s)", s.RetryBaseDelay)
	}
	if s.RetryMaxDelay < s.RetryBaseDelay {
		return fmt.Errorf("retry_max_delay must be >= retry_base_delay (got %s < %s)", s.RetryMaxDelay, s.RetryBaseDelay)
	}
	if s.QueueMaxSize < 1 {
		return fmt.Errorf("queue_max_size must be >= 1 (got %d)", s.QueueMaxSize)
	}
	if s.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be > 0 (got %s)", s.ProbeInterval)
	}
	if _, err := conflict.ParsePolicy(s.ConflictPolicy); err != nil {
		return fmt.Errorf("conflict_policy: %w", err)
	}
	return nil
}

func (l *LogConfig) validate() error {
	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("format must be json or text (got %q)", l.Format)
	}
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be debug, info, warn or error (got %q)", l.Level)
	}
	return nil
}

// Policy returns the parsed conflict policy. Validate guarantees it parses.
func (s SyncConfig) Policy() conflict.Policy {
	p, _ := conflict.ParsePolicy(s.ConflictPolicy)
	return p
}
