package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"nostr-incidents/internal/relay"
)

// ValidationError is one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and normalizes relay URLs in place.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.DataDir == "" {
		add("data_dir", "must not be empty")
	}
	if c.PublishURL != "" {
		u, err := url.Parse(c.PublishURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("publish_url", "must be an http(s) URL, got %q", c.PublishURL)
		}
	}

	seen := make(map[string]bool)
	for i := range c.Relays {
		norm, err := relay.NormalizeURL(c.Relays[i].URL)
		if err != nil {
			add(fmt.Sprintf("relays[%d].url", i), "%v", err)
			continue
		}
		if seen[norm] {
			add(fmt.Sprintf("relays[%d].url", i), "duplicate relay %s", norm)
		}
		seen[norm] = true
		c.Relays[i].URL = norm
	}

	if c.Sync.QueryTimeout.Duration <= 0 {
		add("sync.query_timeout", "must be positive")
	}
	if c.Sync.ReconnectInterval.Duration <= 0 {
		add("sync.reconnect_interval", "must be positive")
	}
	if c.Sync.MaxGeohashCells < 1 {
		add("sync.max_geohash_cells", "must be at least 1")
	}
	if c.Prune.MaxReports < 0 {
		add("prune.max_reports", "must not be negative")
	}
	if c.Prune.Interval.Duration <= 0 {
		add("prune.interval", "must be positive")
	}
	if c.Connectivity.ProbeInterval.Duration <= 0 {
		add("connectivity.probe_interval", "must be positive")
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		add("log.level", "unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format", "must be text or json, got %q", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
