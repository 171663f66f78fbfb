// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/log"
	"github.com/wiserhq/meetsync/internal/metrics"
	"github.com/wiserhq/meetsync/internal/rendezvous"
	"github.com/wiserhq/meetsync/internal/transfer"
	"github.com/wiserhq/meetsync/internal/transport"
)

// HostState is the host machine's position in a session.
type HostState string

const (
	HostPublishing HostState = "publishing"
	HostWaiting    HostState = "waiting"
	HostLive       HostState = "live"
	HostReceiving  HostState = "receiving"
	HostDone       HostState = "done"
	HostFailed     HostState = "failed"
)

// ArtifactSink stores a completed transfer. The catalog implements it
// for production hosts.
type ArtifactSink interface {
	Store(ctx context.Context, artifact transfer.Artifact) error
}

// HostOptions tune the host machine.
type HostOptions struct {
	// OnState observes every transition.
	OnState func(from, to HostState)
	// OnPublished observes the published session, for surfacing the
	// room name and LAN address to the operator.
	OnPublished func(rendezvous.Session)
	// AutoRecord, when positive, starts recording as soon as a guest
	// connects and stops it after this duration. Zero leaves recording
	// to explicit StartRecording/StopRecording calls.
	AutoRecord time.Duration
	// OnProgress observes receive progress.
	OnProgress func(bytesReceived, totalBytes int64)
}

// Host runs the host side: publish the session, admit guests, drive
// recording, and receive the artifact. A failed receive leaves the
// session alive so the guest can reconnect and retry.
type Host struct {
	rdv    HostRendezvous
	sink   ArtifactSink
	logger zerolog.Logger
	opts   HostOptions

	mu    sync.Mutex
	state HostState
	room  string
	conn  transport.Conn
	err   error
}

// NewHost wires a host machine around a rendezvous variant and an
// artifact sink.
func NewHost(rdv HostRendezvous, sink ArtifactSink, opts HostOptions, logger zerolog.Logger) *Host {
	return &Host{
		rdv:    rdv,
		sink:   sink,
		logger: logger,
		opts:   opts,
		state:  HostPublishing,
	}
}

// State reports the current machine state.
func (h *Host) State() HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err reports the most recent failure.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Room reports the published room name.
func (h *Host) Room() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.room
}

// Run publishes the session and serves guests until an artifact is
// stored or ctx is cancelled. Cancelling ctx is the host ending the
// meeting; that returns nil.
func (h *Host) Run(ctx context.Context, roomName string) error {
	h.setState(HostPublishing)
	sess, err := h.rdv.Publish(ctx, roomName)
	if err != nil {
		return h.fail(Classify("session.publish", err))
	}
	ctx = log.ContextWithSessionID(ctx, sess.Room)
	h.mu.Lock()
	h.room = sess.Room
	h.logger = log.WithContext(ctx, h.logger)
	h.mu.Unlock()
	defer h.rdv.Teardown()

	h.logger.Info().
		Str("event", "session.host_published").
		Str("room", sess.Room).
		Bool("relay", sess.Relay).
		Str("lan_host", sess.LANHost).
		Int("lan_port", sess.LANPort).
		Msg("session published")
	if h.opts.OnPublished != nil {
		h.opts.OnPublished(sess)
	}

	for {
		h.setState(HostWaiting)
		conn, err := h.rdv.AwaitGuest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return h.fail(Classify("session.await_guest", err))
		}

		stored, err := h.serveGuest(ctx, conn)
		if stored {
			h.setState(HostDone)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			h.logger.Warn().
				Err(err).
				Str("kind", string(KindOf(err))).
				Msg("receive failed, waiting for guest retry")
		}
	}
}

// serveGuest runs one guest connection to its end: the live phase,
// recording control, and the transfer. stored reports whether an
// artifact reached the sink.
func (h *Host) serveGuest(ctx context.Context, conn transport.Conn) (stored bool, err error) {
	defer func() { _ = conn.Close() }()
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.conn = nil
		h.mu.Unlock()
	}()

	h.setState(HostLive)
	h.logger.Info().Str("event", "session.guest_connected").Msg("guest connected")

	var stopTimer <-chan time.Time
	if h.opts.AutoRecord > 0 {
		if err := h.StartRecording(); err != nil {
			return false, h.failReceive(err)
		}
		timer := time.NewTimer(h.opts.AutoRecord)
		defer timer.Stop()
		stopTimer = timer.C
	}

	recv := transfer.NewReceiver(transfer.ReceiverOptions{
		Progress: h.opts.OnProgress,
		Logger:   h.logger,
	})

	for {
		select {
		case <-ctx.Done():
			return false, nil

		case <-stopTimer:
			stopTimer = nil
			if err := h.StopRecording(); err != nil {
				return false, h.failReceive(err)
			}

		case <-conn.Done():
			if err := recv.HandleDisconnect(); err != nil {
				return false, h.failReceive(Classify("session.receive", err))
			}
			h.logger.Info().Str("event", "session.guest_left").Msg("guest disconnected")
			return false, nil

		case ev := <-conn.Events():
			if ev.Kind != transport.EventDisconnected {
				continue
			}
			if err := recv.HandleDisconnect(); err != nil {
				return false, h.failReceive(Classify("session.receive", err))
			}
			h.logger.Info().Str("event", "session.guest_left").Msg("guest disconnected")
			return false, nil

		case msg := <-conn.Messages():
			wasIdle := recv.State() == transfer.StateIdle
			artifact, err := recv.HandleMessage(msg)
			if err != nil {
				return false, h.failReceive(Classify("session.receive", err))
			}
			if wasIdle && recv.State() == transfer.StateReceiving {
				h.setState(HostReceiving)
			}
			if artifact == nil {
				continue
			}
			if err := h.sink.Store(ctx, *artifact); err != nil {
				return false, h.failReceive(E(KindTransferFailed, "session.store_artifact", err))
			}
			h.logger.Info().
				Str("event", "session.artifact_stored").
				Int64("bytes", artifact.Header.TotalBytes).
				Str("mime", artifact.Header.MimeType).
				Msg("artifact stored")
			return true, nil
		}
	}
}

func (h *Host) failReceive(err error) error {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.setState(HostFailed)
	return err
}

func (h *Host) fail(err error) error {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.setState(HostFailed)
	h.logger.Error().
		Err(err).
		Str("kind", string(KindOf(err))).
		Msg("host session failed")
	return err
}

// StartRecording tells the connected guest to begin capturing.
func (h *Host) StartRecording() error {
	return h.sendControl(transfer.TypeRecordingStart)
}

// StopRecording tells the connected guest to stop capturing and send
// the recording over.
func (h *Host) StopRecording() error {
	return h.sendControl(transfer.TypeRecordingStop)
}

func (h *Host) sendControl(frameType string) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return E(KindNetworkError, "session.control", transport.ErrClosed)
	}
	blob, err := json.Marshal(transfer.NewControl(frameType, time.Now()))
	if err != nil {
		return E(KindNetworkError, "session.control", err)
	}
	if err := conn.SendText(string(blob)); err != nil {
		return E(KindNetworkError, "session.control", err)
	}
	h.logger.Debug().
		Str("event", "session.control_sent").
		Str("type", frameType).
		Msg("control frame sent")
	return nil
}

func (h *Host) setState(to HostState) {
	h.mu.Lock()
	from := h.state
	h.state = to
	cb := h.opts.OnState
	h.mu.Unlock()
	if from == to {
		return
	}
	h.logger.Info().
		Str("event", "session.host_state").
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("host transition")
	metrics.IncSessionState("host", string(to))
	if cb != nil {
		cb(from, to)
	}
}
