// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/catalog"
	"github.com/wiserhq/meetsync/internal/config"
	"github.com/wiserhq/meetsync/internal/daemon"
	mslog "github.com/wiserhq/meetsync/internal/log"
	"github.com/wiserhq/meetsync/internal/rendezvous"
	"github.com/wiserhq/meetsync/internal/session"
	msignal "github.com/wiserhq/meetsync/internal/signal"
	"github.com/wiserhq/meetsync/internal/transport"
)

func runHostCLI(args []string) int {
	fs := flag.NewFlagSet("meetsyncd host", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		configFlag = fs.String("config", "", "path to config file (YAML)")
		room       = fs.String("room", "", "room name (empty draws a memorable one)")
		dataDir    = fs.String("data-dir", "", "override the data directory")
		autoRecord = fs.Duration("auto-record", 0, "start recording on guest connect and stop after this duration (0 = manual)")
		stun       = fs.String("stun", "", "comma-separated STUN server URLs")
		loopback   = fs.Bool("loopback", false, "admit loopback ICE candidates (single-host demos)")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	configureLogging()
	logger := mslog.WithComponent("host")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, cfgPath := loadConfig(*configFlag, logger)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	logStartup(logger, cfg, "host")

	if cfg.Rendezvous.Variant != config.VariantOfferAnswer {
		logger.Fatal().
			Str("variant", cfg.Rendezvous.Variant).
			Msg("this binary runs the offer-answer variant; the token-pool variant needs the managed media service")
	}

	relayClient := relayFromConfig(cfg, logger)
	if relayClient != nil {
		defer func() { _ = relayClient.Close() }()
	}

	coord := rendezvous.NewCoordinator(relayClient, rendezvous.Config{
		LANEnabled: cfg.Signal.Enabled,
		LANPoll:    cfg.Rendezvous.LANPollInterval,
		RelayPoll:  cfg.Rendezvous.RelayPollInterval,
		SessionTTL: cfg.Signal.SessionTTL,
		Server: msignal.ServerConfig{
			PortMin:     cfg.Signal.PortMin,
			PortMax:     cfg.Signal.PortMax,
			BindRetries: cfg.Signal.BindRetries,
			RateLimit:   cfg.Signal.RateLimit,
			RateWindow:  cfg.Signal.RateWindow,
		},
	}, mslog.WithComponent("rendezvous"))
	defer coord.Close()

	sink, err := catalog.Open(cfg.DataDir, mslog.WithComponent("catalog"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "catalog.open_failed").
			Str("data_dir", cfg.DataDir).
			Msg("failed to open the recording catalog")
	}
	defer func() { _ = sink.Close() }()

	peerCfg := peerConfig(*stun, *loopback)
	rdv := &session.OfferAnswerHost{
		Coordinator: coord,
		NewPeer: func() (session.OfferPeer, error) {
			return transport.NewHostPeer(peerCfg, mslog.WithComponent("transport"))
		},
		OnGuestStatus: func(status []byte) { logGuestStatus(logger, status) },
		Logger:        mslog.WithComponent("session"),
	}

	host := session.NewHost(rdv, sink, session.HostOptions{
		AutoRecord:  *autoRecord,
		OnPublished: func(sess rendezvous.Session) { logPublished(logger, sess) },
		OnProgress: func(received, total int64) {
			logger.Debug().Int64("received", received).Int64("total", total).Msg("receiving recording")
		},
	}, mslog.WithComponent("session"))

	app := daemon.NewApp(logger, config.NewHolder(cfg, loader, cfgPath), func(ctx context.Context) error {
		return host.Run(ctx, *room)
	})
	if err := app.Run(ctx); err != nil {
		reportSessionError(logger, "host", err)
		return 1
	}

	logger.Info().Msg("meetsyncd exiting")
	return 0
}

func logPublished(logger zerolog.Logger, sess rendezvous.Session) {
	evt := logger.Info().
		Str("event", "session.published").
		Str("room", sess.Room).
		Bool("relay", sess.Relay)
	if sess.LANHost != "" {
		evt = evt.Str("lan_url", fmt.Sprintf("http://%s:%d", sess.LANHost, sess.LANPort))
	}
	evt.Msg("room published, waiting for guest")

	logger.Info().Msgf("→ Room: %s", sess.Room)
	if sess.LANHost != "" {
		logger.Info().Msgf("→ Join on this network: meetsyncd join --room %s --lan http://%s:%d", sess.Room, sess.LANHost, sess.LANPort)
	}
	if sess.Relay {
		logger.Info().Msgf("→ Join via relay: meetsyncd join --room %s", sess.Room)
	}
}

func logGuestStatus(logger zerolog.Logger, status []byte) {
	var p session.Progress
	if err := json.Unmarshal(status, &p); err != nil {
		logger.Debug().Str("status", string(status)).Msg("unparsed guest status")
		return
	}
	evt := logger.Info().
		Str("event", "session.guest_status").
		Str("state", string(p.State))
	if p.TotalBytes > 0 {
		evt = evt.Int64("bytes_sent", p.BytesSent).Int64("total_bytes", p.TotalBytes)
	}
	evt.Msg("guest status")
}
