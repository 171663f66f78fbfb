// SPDX-License-Identifier: MIT

// meetsyncd is the meeting capture daemon. "meetsyncd host" publishes a
// room and receives the guest recording into the local catalog;
// "meetsyncd join" connects to a room, records, and hands the recording
// off to the host.
package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/config"
	mslog "github.com/wiserhq/meetsync/internal/log"
	"github.com/wiserhq/meetsync/internal/relay"
	"github.com/wiserhq/meetsync/internal/session"
	"github.com/wiserhq/meetsync/internal/transport"
	"github.com/wiserhq/meetsync/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "host":
			os.Exit(runHostCLI(os.Args[2:]))
		case "join":
			os.Exit(runJoinCLI(os.Args[2:]))
		case "export":
			os.Exit(runExportCLI(os.Args[2:]))
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "version", "--version":
			fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
			os.Exit(0)
		case "help", "--help", "-h":
			printUsage()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", os.Args[1])
		}
	}
	printUsage()
	os.Exit(2)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  meetsyncd host [--room name] [--auto-record 45s] [flags]")
	fmt.Fprintln(os.Stderr, "  meetsyncd join --room name [--lan http://host:port] [--recording file] [flags]")
	fmt.Fprintln(os.Stderr, "  meetsyncd export --out file")
	fmt.Fprintln(os.Stderr, "  meetsyncd config validate|dump [flags]")
	fmt.Fprintln(os.Stderr, "  meetsyncd version")
}

// configureLogging sets up the global logger before the config file is
// read; the loaded level is applied afterwards via SetLevel.
func configureLogging() {
	if os.Getenv("VERSION") == "" {
		_ = os.Setenv("VERSION", version.Version)
	}
	mslog.Configure(mslog.Config{
		Level:   "info",
		Service: "meetsyncd",
	})
}

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	return parsed.String()
}

// resolveConfigPath returns the explicit path when given, otherwise
// ${MEETSYNC_DATA_DIR}/config.yaml when that file exists, so a saved
// config survives restarts without a flag.
func resolveConfigPath(explicit string) (path string, auto bool) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, false
	}
	dataDir := strings.TrimSpace(os.Getenv("MEETSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = "./data"
	}
	autoPath := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(autoPath); err == nil {
		return autoPath, true
	}
	return "", false
}

func loadConfig(configFlag string, logger zerolog.Logger) (config.Config, *config.Loader, string) {
	path, auto := resolveConfigPath(configFlag)
	loader := config.NewLoader(path, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("path", path).
			Msg("failed to load configuration")
	}

	switch {
	case auto:
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file(auto)").
			Str("path", path).
			Msg("loaded configuration from file")
	case path != "":
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", path).
			Msg("loaded configuration from file")
	default:
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	if cfg.LogLevel != "" {
		mslog.SetLevel(cfg.LogLevel)
	}
	return cfg, loader, path
}

func logStartup(logger zerolog.Logger, cfg config.Config, mode string) {
	logger.Info().
		Str("event", "startup").
		Str("mode", mode).
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Msg("starting meetsyncd")

	if cfg.Relay.URL != "" {
		logger.Info().Msgf("→ Relay: %s (namespace: %s)", maskURL(cfg.Relay.URL), cfg.Relay.Namespace)
	} else {
		logger.Info().Msg("→ Relay: disabled")
	}
	if cfg.Signal.Enabled {
		logger.Info().Msgf("→ LAN signaler: ports %d-%d", cfg.Signal.PortMin, cfg.Signal.PortMax)
	} else {
		logger.Info().Msg("→ LAN signaler: disabled")
	}
	logger.Info().Msgf("→ Variant: %s", cfg.Rendezvous.Variant)
	logger.Info().Msgf("→ Data dir: %s", cfg.DataDir)
}

// relayFromConfig connects the relay when one is configured. nil means
// LAN-only operation.
func relayFromConfig(cfg config.Config, logger zerolog.Logger) *relay.Client {
	if cfg.Relay.URL == "" {
		return nil
	}
	client, err := relay.New(relay.Options{
		URL:        cfg.Relay.URL,
		Namespace:  cfg.Relay.Namespace,
		SessionTTL: cfg.Relay.SessionTTL,
		OpTimeout:  cfg.Relay.OpTimeout,
		MaxRetries: cfg.Relay.MaxRetries,
	}, mslog.WithComponent("relay"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "relay.connect_failed").
			Str("url", maskURL(cfg.Relay.URL)).
			Msg("relay unreachable; unset MEETSYNC_RELAY_URL for LAN-only operation")
	}
	return client
}

func peerConfig(stun string, loopback bool) transport.PeerConfig {
	cfg := transport.PeerConfig{IncludeLoopback: loopback}
	for _, raw := range strings.Split(stun, ",") {
		if u := strings.TrimSpace(raw); u != "" {
			cfg.STUNURLs = append(cfg.STUNURLs, u)
		}
	}
	return cfg
}

func reportSessionError(logger zerolog.Logger, mode string, err error) {
	evt := logger.Error().Err(err).Str("event", mode+".failed")
	if kind := session.KindOf(err); kind != "" {
		fmt.Fprintln(os.Stderr, kind.UserMessage())
		evt = evt.Str("kind", string(kind))
	}
	evt.Msg("session failed")
}
