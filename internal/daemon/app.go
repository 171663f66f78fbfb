// SPDX-License-Identifier: MIT

// Package daemon owns the long-lived runtime lifecycle: the config
// watcher, the reload signal, and the session loop handed to it by the
// command layer.
package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wiserhq/meetsync/internal/config"
)

// ErrMissingRun reports an App built without a session loop.
var ErrMissingRun = errors.New("daemon: missing run function")

// App orchestrates the background subsystems around a single blocking
// session loop.
type App struct {
	logger       zerolog.Logger
	holder       *config.Holder
	run          func(context.Context) error
	reloadSignal os.Signal
}

// NewApp creates the lifecycle orchestrator. holder may be nil when the
// configuration came from the environment only.
func NewApp(logger zerolog.Logger, holder *config.Holder, run func(context.Context) error) *App {
	return &App{
		logger:       logger,
		holder:       holder,
		run:          run,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts the owned background loops and blocks until ctx is
// cancelled or the session loop returns.
func (a *App) Run(ctx context.Context) error {
	if a.run == nil {
		return ErrMissingRun
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// Watcher start is best-effort: a broken watch must not take the
	// daemon down.
	if a.holder != nil {
		if err := a.holder.StartWatcher(ctx); err != nil {
			a.logger.Warn().
				Err(err).
				Str("event", "config.watcher_start_failed").
				Msg("failed to start config watcher")
		}
		defer a.holder.Stop()
	}

	if a.holder != nil && a.reloadSignal != nil {
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str("event", "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal, reloading config")

					if err := a.holder.Reload(context.Background()); err != nil {
						a.logger.Warn().
							Err(err).
							Str("event", "config.reload_failed").
							Msg("config reload failed")
					}
				}
			}
		})
	}

	g.Go(func() error {
		// The session loop ending for any reason ends the app; cancel
		// releases the signal goroutine so Wait does not hang.
		defer cancel()
		return a.run(ctx)
	})

	return g.Wait()
}
