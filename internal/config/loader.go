// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > File > Defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load resolves the configuration: defaults, then strict YAML file (if any),
// then environment overrides, then validation.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(&cfg, l.configPath); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)

	// DataDir must be absolute before any component derives paths from it.
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile decodes a YAML file over cfg with STRICT parsing. Unknown fields
// cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(cfg *Config, path string) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields

	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: Ensure no multiple documents or trailing content
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return nil
}

// mergeEnv applies environment overrides. Each helper falls back to the
// current (file-merged or default) value, so ENV stays highest priority.
func (l *Loader) mergeEnv(cfg *Config) {
	cfg.LogLevel = ParseString("MEETSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = ParseString("MEETSYNC_DATA_DIR", cfg.DataDir)

	cfg.Relay.URL = ParseString("MEETSYNC_RELAY_URL", cfg.Relay.URL)
	cfg.Relay.Namespace = ParseString("MEETSYNC_RELAY_NAMESPACE", cfg.Relay.Namespace)
	cfg.Relay.SessionTTL = ParseDuration("MEETSYNC_RELAY_SESSION_TTL", cfg.Relay.SessionTTL)
	cfg.Relay.OpTimeout = ParseDuration("MEETSYNC_RELAY_OP_TIMEOUT", cfg.Relay.OpTimeout)
	cfg.Relay.MaxRetries = ParseInt("MEETSYNC_RELAY_MAX_RETRIES", cfg.Relay.MaxRetries)

	cfg.Signal.Enabled = ParseBool("MEETSYNC_SIGNAL_ENABLED", cfg.Signal.Enabled)
	cfg.Signal.PortMin = ParseInt("MEETSYNC_SIGNAL_PORT_MIN", cfg.Signal.PortMin)
	cfg.Signal.PortMax = ParseInt("MEETSYNC_SIGNAL_PORT_MAX", cfg.Signal.PortMax)
	cfg.Signal.BindRetries = ParseInt("MEETSYNC_SIGNAL_BIND_RETRIES", cfg.Signal.BindRetries)
	cfg.Signal.SessionTTL = ParseDuration("MEETSYNC_SIGNAL_SESSION_TTL", cfg.Signal.SessionTTL)
	cfg.Signal.RateLimit = ParseInt("MEETSYNC_SIGNAL_RATE_LIMIT", cfg.Signal.RateLimit)
	cfg.Signal.RateWindow = ParseDuration("MEETSYNC_SIGNAL_RATE_WINDOW", cfg.Signal.RateWindow)

	cfg.Rendezvous.Variant = ParseString("MEETSYNC_RENDEZVOUS_VARIANT", cfg.Rendezvous.Variant)
	cfg.Rendezvous.LANPollInterval = ParseDuration("MEETSYNC_LAN_POLL_INTERVAL", cfg.Rendezvous.LANPollInterval)
	cfg.Rendezvous.RelayPollInterval = ParseDuration("MEETSYNC_RELAY_POLL_INTERVAL", cfg.Rendezvous.RelayPollInterval)
	cfg.Rendezvous.LookupTimeout = ParseDuration("MEETSYNC_LOOKUP_TIMEOUT", cfg.Rendezvous.LookupTimeout)
	cfg.Rendezvous.MaxTokenRetries = ParseInt("MEETSYNC_MAX_TOKEN_RETRIES", cfg.Rendezvous.MaxTokenRetries)
	cfg.Rendezvous.MaxRoomRedraws = ParseInt("MEETSYNC_MAX_ROOM_REDRAWS", cfg.Rendezvous.MaxRoomRedraws)

	cfg.Transfer.ChunkSize = ParseInt("MEETSYNC_TRANSFER_CHUNK_SIZE", cfg.Transfer.ChunkSize)
	cfg.Transfer.StatusInterval = ParseDuration("MEETSYNC_TRANSFER_STATUS_INTERVAL", cfg.Transfer.StatusInterval)
}
