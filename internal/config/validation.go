// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
)

const maxChunkSize = 64 * 1024

// Validate checks the resolved configuration and returns the first
// actionable error it finds.
func Validate(cfg Config) error {
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level %q is not a valid level (use debug, info, warn, error)", cfg.LogLevel)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	if cfg.Relay.URL != "" {
		u, err := url.Parse(cfg.Relay.URL)
		if err != nil {
			return fmt.Errorf("relay.url is not a valid URL: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("relay.url scheme must be redis:// or rediss://, got %q", u.Scheme)
		}
		if cfg.Relay.Namespace == "" {
			return fmt.Errorf("relay.namespace must not be empty when relay.url is set")
		}
		if cfg.Relay.SessionTTL <= 0 {
			return fmt.Errorf("relay.session_ttl must be positive, got %s", cfg.Relay.SessionTTL)
		}
		if cfg.Relay.OpTimeout <= 0 {
			return fmt.Errorf("relay.op_timeout must be positive, got %s", cfg.Relay.OpTimeout)
		}
		if cfg.Relay.MaxRetries < 0 {
			return fmt.Errorf("relay.max_retries must not be negative, got %d", cfg.Relay.MaxRetries)
		}
	}

	if cfg.Signal.Enabled {
		if cfg.Signal.PortMin < 1024 || cfg.Signal.PortMin > 65535 {
			return fmt.Errorf("signal.port_min must be in [1024, 65535], got %d", cfg.Signal.PortMin)
		}
		if cfg.Signal.PortMax < 1024 || cfg.Signal.PortMax > 65535 {
			return fmt.Errorf("signal.port_max must be in [1024, 65535], got %d", cfg.Signal.PortMax)
		}
		if cfg.Signal.PortMin > cfg.Signal.PortMax {
			return fmt.Errorf("signal.port_min (%d) must not exceed signal.port_max (%d)", cfg.Signal.PortMin, cfg.Signal.PortMax)
		}
		if cfg.Signal.BindRetries < 1 {
			return fmt.Errorf("signal.bind_retries must be at least 1, got %d", cfg.Signal.BindRetries)
		}
		if cfg.Signal.SessionTTL <= 0 {
			return fmt.Errorf("signal.session_ttl must be positive, got %s", cfg.Signal.SessionTTL)
		}
		if cfg.Signal.RateLimit < 1 {
			return fmt.Errorf("signal.rate_limit must be at least 1, got %d", cfg.Signal.RateLimit)
		}
		if cfg.Signal.RateWindow <= 0 {
			return fmt.Errorf("signal.rate_window must be positive, got %s", cfg.Signal.RateWindow)
		}
	}

	if !cfg.Signal.Enabled && cfg.Relay.URL == "" {
		return fmt.Errorf("no signaling surface configured: enable the LAN signaler or set relay.url")
	}

	switch cfg.Rendezvous.Variant {
	case VariantOfferAnswer, VariantTokenPool:
	default:
		return fmt.Errorf("rendezvous.variant must be %q or %q, got %q", VariantOfferAnswer, VariantTokenPool, cfg.Rendezvous.Variant)
	}
	if cfg.Rendezvous.LANPollInterval <= 0 {
		return fmt.Errorf("rendezvous.lan_poll_interval must be positive, got %s", cfg.Rendezvous.LANPollInterval)
	}
	if cfg.Rendezvous.RelayPollInterval <= 0 {
		return fmt.Errorf("rendezvous.relay_poll_interval must be positive, got %s", cfg.Rendezvous.RelayPollInterval)
	}
	if cfg.Rendezvous.LookupTimeout <= 0 {
		return fmt.Errorf("rendezvous.lookup_timeout must be positive, got %s", cfg.Rendezvous.LookupTimeout)
	}
	if cfg.Rendezvous.MaxTokenRetries < 1 {
		return fmt.Errorf("rendezvous.max_token_retries must be at least 1, got %d", cfg.Rendezvous.MaxTokenRetries)
	}
	if cfg.Rendezvous.MaxRoomRedraws < 1 {
		return fmt.Errorf("rendezvous.max_room_redraws must be at least 1, got %d", cfg.Rendezvous.MaxRoomRedraws)
	}

	if cfg.Transfer.ChunkSize <= 0 || cfg.Transfer.ChunkSize > maxChunkSize {
		return fmt.Errorf("transfer.chunk_size must be in (0, %d], got %d", maxChunkSize, cfg.Transfer.ChunkSize)
	}
	if cfg.Transfer.StatusInterval <= 0 {
		return fmt.Errorf("transfer.status_interval must be positive, got %s", cfg.Transfer.StatusInterval)
	}

	return nil
}
