// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wiserhq/meetsync/internal/blobstore"
	mslog "github.com/wiserhq/meetsync/internal/log"
)

// runExportCLI writes the buffered recording of a crashed session to a
// local file, the fallback when no host is reachable to deliver it to.
func runExportCLI(args []string) int {
	fs := flag.NewFlagSet("meetsyncd export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		configFlag = fs.String("config", "", "path to config file (YAML)")
		dataDir    = fs.String("data-dir", "", "override the data directory")
		out        = fs.String("out", "", "destination file for the buffered recording")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*out) == "" {
		fmt.Fprintln(os.Stderr, "Error: --out is required")
		fs.Usage()
		return 2
	}

	configureLogging()
	logger := mslog.WithComponent("export")

	cfg, _, _ := loadConfig(*configFlag, logger)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
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

	ctx := context.Background()
	entry, err := store.LoadLatest(ctx)
	if errors.Is(err, blobstore.ErrNotFound) {
		fmt.Fprintln(os.Stderr, "No buffered recording to export.")
		return 1
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load the buffered recording")
	}

	if err := store.ExportTo(ctx, entry.Key, *out); err != nil {
		logger.Fatal().Err(err).Str("path", *out).Msg("export failed")
	}

	fmt.Printf("Exported %d bytes (%s, room %s) to %s\n", len(entry.Data), entry.Info.MimeType, entry.Info.SessionCode, *out)
	return 0
}
