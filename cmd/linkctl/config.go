package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/logging"
	"github.com/danmuck/framelink/internal/store"
	"github.com/danmuck/framelink/internal/transport/wsframe"
)

// runtimeConfig holds the optional tuning keys that may sit next to the
// host or embed settings in the same file.
type runtimeConfig struct {
	Version        string
	LogLevel       zerolog.Level
	HasLogLevel    bool
	StorePolicy    string
	Backoff        wsframe.BackoffConfig
	EventSeparator string
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Version:        channel.Version,
		StorePolicy:    "child",
		Backoff:        wsframe.DefaultBackoff(),
		EventSeparator: ":",
	}
}

type fileRuntimeConfig struct {
	Version        string  `toml:"version"`
	LogLevel       string  `toml:"log_level"`
	StorePolicy    string  `toml:"store_policy"`
	BackoffInitial string  `toml:"backoff_initial"`
	BackoffMax     string  `toml:"backoff_max"`
	BackoffFactor  float64 `toml:"backoff_multiplier"`
	BackoffJitter  bool    `toml:"backoff_jitter"`
	EventSeparator string  `toml:"event_separator"`
}

func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	var raw fileRuntimeConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load runtime config: %w", err)
	}

	if meta.IsDefined("version") {
		if v := strings.TrimSpace(raw.Version); v != "" {
			cfg.Version = v
		}
	}

	if meta.IsDefined("log_level") {
		level, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return runtimeConfig{}, fmt.Errorf("parse log_level: unknown level %q", raw.LogLevel)
		}
		cfg.LogLevel = level
		cfg.HasLogLevel = true
	}

	if meta.IsDefined("store_policy") {
		policy := strings.ToLower(strings.TrimSpace(raw.StorePolicy))
		switch policy {
		case "child", "local", "remote":
			cfg.StorePolicy = policy
		default:
			return runtimeConfig{}, fmt.Errorf("parse store_policy: unknown policy %q", raw.StorePolicy)
		}
	}

	if meta.IsDefined("backoff_initial") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BackoffInitial))
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("parse backoff_initial: %w", err)
		}
		cfg.Backoff.InitialDelay = d
	}

	if meta.IsDefined("backoff_max") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BackoffMax))
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("parse backoff_max: %w", err)
		}
		cfg.Backoff.MaxDelay = d
	}

	if meta.IsDefined("backoff_multiplier") {
		cfg.Backoff.Multiplier = raw.BackoffFactor
	}

	if meta.IsDefined("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}

	if meta.IsDefined("event_separator") {
		cfg.EventSeparator = raw.EventSeparator
	}

	return cfg, nil
}

// storeConfig maps store_policy to a merge function. "child" keeps the
// built-in rule where the embedded side wins.
func (c runtimeConfig) storeConfig() store.Config {
	cfg := store.DefaultConfig()
	switch c.StorePolicy {
	case "local":
		cfg.Merge = func(_ string, local, _ any) any { return local }
	case "remote":
		cfg.Merge = func(_ string, _, remote any) any { return remote }
	}
	return cfg
}
