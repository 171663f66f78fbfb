// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration with
// precedence ENV > file > defaults.
package config

import (
	"time"
)

// Config is the resolved runtime configuration for the daemon.
type Config struct {
	// LogLevel controls the global zerolog level ("debug", "info", ...).
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DataDir is the root directory for durable state (blob store,
	// received recordings, catalog database).
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Relay      Relay      `yaml:"relay" json:"relay"`
	Signal     Signal     `yaml:"signal" json:"signal"`
	Rendezvous Rendezvous `yaml:"rendezvous" json:"rendezvous"`
	Transfer   Transfer   `yaml:"transfer" json:"transfer"`

	// Version is stamped from the binary, never from file or ENV.
	Version string `yaml:"-" json:"-"`
}

// Relay configures the key/value relay used for cross-network rendezvous.
type Relay struct {
	// URL is the redis connection string. Empty disables the relay surface.
	URL string `yaml:"url" json:"url"`
	// Namespace prefixes every relay key.
	Namespace string `yaml:"namespace" json:"namespace"`
	// SessionTTL bounds how long published offers and answers live.
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
	// OpTimeout is the per-request budget for relay operations.
	OpTimeout time.Duration `yaml:"op_timeout" json:"op_timeout"`
	// MaxRetries bounds transparent retries on transient failures.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// Signal configures the LAN HTTP signaling server.
type Signal struct {
	// Enabled turns the LAN surface on. Hosts with no LAN peers can
	// run relay-only.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// PortMin/PortMax bound the random listen-port draw.
	PortMin int `yaml:"port_min" json:"port_min"`
	PortMax int `yaml:"port_max" json:"port_max"`
	// BindRetries bounds redraws when a drawn port is in use.
	BindRetries int `yaml:"bind_retries" json:"bind_retries"`
	// SessionTTL bounds how long a registered session is servable.
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
	// RateLimit / RateWindow configure the per-IP request limiter.
	RateLimit  int           `yaml:"rate_limit" json:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window" json:"rate_window"`
}

// Rendezvous configures how host and guest find each other.
type Rendezvous struct {
	// Variant selects the deployment's signaling style:
	// "offer-answer" (relay/LAN SDP exchange) or "token-pool"
	// (pre-provisioned connect tokens behind a media server).
	Variant string `yaml:"variant" json:"variant"`
	// LANPollInterval / RelayPollInterval drive the host answer pollers.
	LANPollInterval   time.Duration `yaml:"lan_poll_interval" json:"lan_poll_interval"`
	RelayPollInterval time.Duration `yaml:"relay_poll_interval" json:"relay_poll_interval"`
	// LookupTimeout is the per-request budget for guest lookups.
	LookupTimeout time.Duration `yaml:"lookup_timeout" json:"lookup_timeout"`
	// MaxTokenRetries bounds token advancement in the token-pool variant.
	MaxTokenRetries int `yaml:"max_token_retries" json:"max_token_retries"`
	// MaxRoomRedraws bounds redraws when a generated room collides.
	MaxRoomRedraws int `yaml:"max_room_redraws" json:"max_room_redraws"`
}

// Transfer configures the recording handoff.
type Transfer struct {
	// ChunkSize caps each binary frame emitted by the sender.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// StatusInterval throttles guest progress publishing.
	StatusInterval time.Duration `yaml:"status_interval" json:"status_interval"`
}

// Variant values accepted by Rendezvous.Variant.
const (
	VariantOfferAnswer = "offer-answer"
	VariantTokenPool   = "token-pool"
)

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		DataDir:  "./data",
		Relay: Relay{
			URL:        "",
			Namespace:  "wiser:meeting:tokens",
			SessionTTL: 10 * time.Minute,
			OpTimeout:  5 * time.Second,
			MaxRetries: 2,
		},
		Signal: Signal{
			Enabled:     true,
			PortMin:     48100,
			PortMax:     48199,
			BindRetries: 10,
			SessionTTL:  10 * time.Minute,
			RateLimit:   120,
			RateWindow:  time.Minute,
		},
		Rendezvous: Rendezvous{
			Variant:           VariantOfferAnswer,
			LANPollInterval:   500 * time.Millisecond,
			RelayPollInterval: 2 * time.Second,
			LookupTimeout:     5 * time.Second,
			MaxTokenRetries:   5,
			MaxRoomRedraws:    10,
		},
		Transfer: Transfer{
			ChunkSize:      16 * 1024,
			StatusInterval: time.Second,
		},
	}
}
