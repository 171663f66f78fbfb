// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/wiserhq/meetsync/internal/blobstore"
	"github.com/wiserhq/meetsync/internal/config"
	"github.com/wiserhq/meetsync/internal/daemon"
	mslog "github.com/wiserhq/meetsync/internal/log"
	"github.com/wiserhq/meetsync/internal/rendezvous"
	"github.com/wiserhq/meetsync/internal/session"
	msignal "github.com/wiserhq/meetsync/internal/signal"
	"github.com/wiserhq/meetsync/internal/transport"
)

func runJoinCLI(args []string) int {
	fs := flag.NewFlagSet("meetsyncd join", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		configFlag = fs.String("config", "", "path to config file (YAML)")
		room       = fs.String("room", "", "room name to join (required)")
		lanURL     = fs.String("lan", "", "base URL of the host's LAN signaler, e.g. http://192.168.1.20:48123")
		recFile    = fs.String("recording", "", "file whose bytes stand in for the captured recording")
		mimeType   = fs.String("mime", "", "MIME type for --recording (defaults to audio/webm;codecs=opus)")
		dataDir    = fs.String("data-dir", "", "override the data directory")
		stun       = fs.String("stun", "", "comma-separated STUN server URLs")
		loopback   = fs.Bool("loopback", false, "admit loopback ICE candidates (single-host demos)")
		noResume   = fs.Bool("no-resume", false, "leave a crash-recovered recording buffered instead of delivering it")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*room) == "" {
		fmt.Fprintln(os.Stderr, "Error: --room is required")
		fs.Usage()
		return 2
	}

	configureLogging()
	logger := mslog.WithComponent("join")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, cfgPath := loadConfig(*configFlag, logger)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	logStartup(logger, cfg, "join")

	if cfg.Rendezvous.Variant != config.VariantOfferAnswer {
		logger.Fatal().
			Str("variant", cfg.Rendezvous.Variant).
			Msg("this binary runs the offer-answer variant; the token-pool variant needs the managed media service")
	}

	relayClient := relayFromConfig(cfg, logger)
	if relayClient != nil {
		defer func() { _ = relayClient.Close() }()
	}

	var surfaces []rendezvous.Surface
	if u := strings.TrimSpace(*lanURL); u != "" {
		sc := msignal.NewClient(u, cfg.Rendezvous.LookupTimeout, mslog.WithComponent("signal"))
		surfaces = append(surfaces, rendezvous.NewLANSurface(sc))
	}
	if relayClient != nil {
		surfaces = append(surfaces, rendezvous.NewRelaySurface(relayClient))
	}
	if len(surfaces) == 0 {
		logger.Fatal().Msg("no rendezvous surface: pass --lan or set MEETSYNC_RELAY_URL")
	}

	var payload []byte
	if *recFile != "" {
		data, err := os.ReadFile(*recFile)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *recFile).Msg("failed to read the recording file")
		}
		payload = data
	}

	store, err := blobstore.Open(filepath.Join(cfg.DataDir, "pending"), mslog.WithComponent("blobstore"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "blobstore.open_failed").
			Str("data_dir", cfg.DataDir).
			Msg("failed to open the durable buffer")
	}
	defer func() { _ = store.Close() }()

	peerCfg := peerConfig(*stun, *loopback)
	rdv := &session.OfferAnswerGuest{
		Resolver: rendezvous.NewResolver(mslog.WithComponent("rendezvous"), surfaces...),
		NewPeer: func() (session.AnswerPeer, error) {
			return transport.NewGuestPeer(peerCfg, mslog.WithComponent("transport"))
		},
		Logger: mslog.WithComponent("session"),
	}

	recorder := &session.BufferRecorder{Payload: payload, MimeType: *mimeType}
	guest := session.NewGuest(rdv, session.NullMediaSource{}, recorder, store, session.GuestOptions{
		ResumeRecovered: !*noResume,
		StatusEvery:     cfg.Transfer.StatusInterval,
		ChunkSize:       cfg.Transfer.ChunkSize,
	}, mslog.WithComponent("session"))

	app := daemon.NewApp(logger, config.NewHolder(cfg, loader, cfgPath), func(ctx context.Context) error {
		return guest.Join(ctx, *room)
	})
	if err := app.Run(ctx); err != nil {
		reportSessionError(logger, "join", err)
		return 1
	}

	if guest.State() == session.GuestDone {
		logger.Info().Str("room", *room).Msg("recording delivered")
	}
	logger.Info().Msg("meetsyncd exiting")
	return 0
}
