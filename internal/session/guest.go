// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wiserhq/meetsync/internal/blobstore"
	"github.com/wiserhq/meetsync/internal/log"
	"github.com/wiserhq/meetsync/internal/metrics"
	"github.com/wiserhq/meetsync/internal/relay"
	"github.com/wiserhq/meetsync/internal/rendezvous"
	"github.com/wiserhq/meetsync/internal/room"
	"github.com/wiserhq/meetsync/internal/transfer"
	"github.com/wiserhq/meetsync/internal/transport"
)

// GuestState is the guest machine's position in a session.
type GuestState string

const (
	GuestIdle           GuestState = "idle"
	GuestLookingUp      GuestState = "looking_up"
	GuestGatheringMedia GuestState = "gathering_media"
	GuestConnecting     GuestState = "connecting"
	GuestLive           GuestState = "live"
	GuestRecording      GuestState = "recording"
	GuestTransferring   GuestState = "transferring"
	GuestDone           GuestState = "done"
	GuestFailed         GuestState = "failed"
	GuestLeft           GuestState = "left"
)

// Progress is the status blob the guest publishes to the host's
// progress side channel.
type Progress struct {
	State      GuestState `json:"state"`
	BytesSent  int64      `json:"bytesSent,omitempty"`
	TotalBytes int64      `json:"totalBytes,omitempty"`
}

// Credentials is what lookup resolves: a one-shot offer pinned to its
// surface, or a token bundle.
type Credentials struct {
	Offer   []byte
	Surface rendezvous.Surface
	Bundle  *relay.Bundle
}

// GuestRendezvous is the guest's view of the signaling flow, one
// implementation per deployment variant.
type GuestRendezvous interface {
	Lookup(ctx context.Context, room string) (Credentials, error)
	Connect(ctx context.Context, room string, creds Credentials) (transport.Conn, error)
	PublishStatus(ctx context.Context, room string, creds Credentials, status []byte) error
}

// GuestOptions tune the guest machine.
type GuestOptions struct {
	// OnState observes every transition.
	OnState func(from, to GuestState)
	// ResumeRecovered retries a crash-recovered blob as soon as the
	// session is live, instead of waiting for recording control frames.
	ResumeRecovered bool
	// StatusEvery throttles progress publishing. Default 500ms.
	StatusEvery time.Duration
	// ChunkSize overrides the transfer chunk size. Zero keeps the
	// transfer default.
	ChunkSize int
}

// Guest runs the guest side of a session to a terminal state.
type Guest struct {
	rdv      GuestRendezvous
	media    MediaSource
	recorder Recorder
	store    *blobstore.Store
	logger   zerolog.Logger
	opts     GuestOptions
	limiter  *rate.Limiter

	mu    sync.Mutex
	state GuestState
	err   error
	room  string
	creds Credentials
	conn  transport.Conn
	track Track
}

// NewGuest wires a guest machine. store may be nil only when durable
// buffering is explicitly disabled.
func NewGuest(rdv GuestRendezvous, media MediaSource, recorder Recorder, store *blobstore.Store, opts GuestOptions, logger zerolog.Logger) *Guest {
	if opts.StatusEvery <= 0 {
		opts.StatusEvery = 500 * time.Millisecond
	}
	return &Guest{
		rdv:      rdv,
		media:    media,
		recorder: recorder,
		store:    store,
		logger:   logger,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Every(opts.StatusEvery), 1),
		state:    GuestIdle,
	}
}

// State reports the current machine state.
func (g *Guest) State() GuestState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Err reports the terminal failure, nil unless State is failed.
func (g *Guest) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Join runs the whole guest session: lookup, media, connect, the live
// phase, recording, and the transfer. It returns once the session is
// terminal; done and left return nil, failures return the classified
// error. Cancelling ctx is the user leaving.
func (g *Guest) Join(ctx context.Context, roomName string) error {
	name, err := room.Normalize(roomName)
	if err != nil {
		return g.fail(E(KindRoomUnknown, "session.join", err))
	}
	ctx = log.ContextWithSessionID(ctx, name)
	g.logger = log.WithContext(ctx, g.logger)
	g.mu.Lock()
	g.room = name
	g.mu.Unlock()

	g.setState(GuestLookingUp)
	creds, err := g.rdv.Lookup(ctx, name)
	if err != nil {
		return g.fail(Classify("session.lookup", err))
	}
	g.mu.Lock()
	g.creds = creds
	g.mu.Unlock()

	g.setState(GuestGatheringMedia)
	track, err := g.acquireMedia(ctx)
	if err != nil {
		return g.fail(Classify("session.media", err))
	}
	g.mu.Lock()
	g.track = track
	g.mu.Unlock()

	g.setState(GuestConnecting)
	conn, err := g.rdv.Connect(ctx, name, creds)
	if err != nil {
		return g.fail(Classify("session.connect", err))
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	g.setState(GuestLive)
	g.publishState(ctx, GuestLive)

	if g.opts.ResumeRecovered {
		if handled, err := g.resumeRecovered(ctx); handled {
			return err
		}
	}
	return g.liveLoop(ctx, conn)
}

// acquireMedia runs the capture request, retrying once with minimal
// constraints when the device rejects the requested quality.
func (g *Guest) acquireMedia(ctx context.Context) (Track, error) {
	track, err := g.media.Acquire(ctx, DefaultConstraints())
	if errors.Is(err, ErrOverconstrained) {
		g.logger.Warn().Msg("capture overconstrained, retrying with minimal constraints")
		track, err = g.media.Acquire(ctx, MinimalConstraints())
	}
	return track, err
}

func (g *Guest) liveLoop(ctx context.Context, conn transport.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return g.leave()
		case <-conn.Done():
			return g.fail(E(KindNetworkError, "session.live", transport.ErrClosed))
		case ev := <-conn.Events():
			if ev.Kind == transport.EventDisconnected {
				return g.fail(E(KindNetworkError, "session.live", transport.ErrClosed))
			}
		case msg := <-conn.Messages():
			if terminal, err := g.handleMessage(ctx, msg); terminal {
				return err
			}
		}
	}
}

// handleMessage routes the host's control frames. Anything else on the
// channel during the live phase is ignored.
func (g *Guest) handleMessage(ctx context.Context, msg transport.Message) (bool, error) {
	if !msg.IsText {
		return false, nil
	}
	frameType, ok := transfer.FrameType(msg.Data)
	if !ok {
		return false, nil
	}

	switch frameType {
	case transfer.TypeRecordingStart:
		if g.State() != GuestLive {
			g.logger.Debug().Msg("recording-start ignored outside live state")
			return false, nil
		}
		g.mu.Lock()
		track := g.track
		g.mu.Unlock()
		if err := g.recorder.Start(track); err != nil {
			return true, g.fail(E(KindTransferFailed, "session.record", err))
		}
		g.setState(GuestRecording)
		g.publishState(ctx, GuestRecording)
		return false, nil

	case transfer.TypeRecordingStop:
		if g.State() != GuestRecording {
			g.logger.Debug().Msg("recording-stop ignored outside recording state")
			return false, nil
		}
		return true, g.finishRecording(ctx)

	default:
		return false, nil
	}
}

// finishRecording flushes the recorder, saves the blob durably, and
// streams it to the host. The durable copy is cleared only after the
// sender reports success.
func (g *Guest) finishRecording(ctx context.Context) error {
	rec, err := g.recorder.Stop(ctx)
	if err != nil {
		return g.fail(E(KindTransferFailed, "session.record", err))
	}
	recordedAt := time.Now().UTC()

	g.mu.Lock()
	name := g.room
	g.mu.Unlock()

	if g.store != nil {
		_, err := g.store.Save(ctx, rec.Data, blobstore.Info{
			MimeType:    rec.MimeType,
			SessionCode: name,
			Duration:    rec.Duration,
			RecordedAt:  recordedAt,
		})
		if err != nil {
			// Best-effort: an unsaved blob still transfers, it just
			// cannot survive a crash.
			g.logger.Warn().Err(err).Msg("durable save failed, transfer continues unbuffered")
		}
	}

	g.setState(GuestTransferring)
	meta := transfer.Metadata{
		MimeType:    rec.MimeType,
		Duration:    rec.Duration,
		SessionCode: name,
		RecordedAt:  recordedAt,
	}
	if err := g.transferBlob(ctx, rec.Data, meta); err != nil {
		return g.fail(Classify("session.transfer", err))
	}
	g.clearStore(ctx)
	g.publishState(ctx, GuestDone)
	g.release()
	g.setState(GuestDone)
	return nil
}

// resumeRecovered retries a crash-recovered blob on the fresh
// connection. handled is true when the session ends here.
func (g *Guest) resumeRecovered(ctx context.Context) (handled bool, err error) {
	if g.store == nil {
		return false, nil
	}
	entry, err := g.store.LoadLatest(ctx)
	if errors.Is(err, blobstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		g.logger.Warn().Err(err).Msg("recovered-recording lookup failed")
		return false, nil
	}

	g.logger.Info().
		Str("event", "session.recovered").
		Str("key", entry.Key).
		Int("bytes", len(entry.Data)).
		Msg("retrying recovered recording")

	g.setState(GuestTransferring)
	meta := transfer.Metadata{
		MimeType:    entry.Info.MimeType,
		Duration:    entry.Info.Duration,
		SessionCode: entry.Info.SessionCode,
		RecordedAt:  entry.Info.RecordedAt,
	}
	if err := g.transferBlob(ctx, entry.Data, meta); err != nil {
		return true, g.fail(Classify("session.retry_transfer", err))
	}
	g.clearStore(ctx)
	g.publishState(ctx, GuestDone)
	g.release()
	g.setState(GuestDone)
	return true, nil
}

func (g *Guest) transferBlob(ctx context.Context, blob []byte, meta transfer.Metadata) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return E(KindTransferFailed, "session.transfer", transport.ErrClosed)
	}

	sender := transfer.NewSender(conn, transfer.SenderOptions{
		ChunkSize: g.opts.ChunkSize,
		Progress:  func(sent, total int64) { g.publishProgress(ctx, sent, total) },
		Logger:    g.logger,
	})
	return sender.Send(ctx, blob, meta)
}

func (g *Guest) clearStore(ctx context.Context) {
	if g.store == nil {
		return
	}
	if err := g.store.Clear(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("clearing transferred recording failed")
	}
}

func (g *Guest) publishState(ctx context.Context, state GuestState) {
	g.publish(ctx, Progress{State: state})
}

// publishProgress throttles mid-transfer updates; the final one always
// goes out.
func (g *Guest) publishProgress(ctx context.Context, sent, total int64) {
	if sent != total && !g.limiter.Allow() {
		return
	}
	g.publish(ctx, Progress{State: GuestTransferring, BytesSent: sent, TotalBytes: total})
}

func (g *Guest) publish(ctx context.Context, p Progress) {
	blob, err := json.Marshal(p)
	if err != nil {
		return
	}
	g.mu.Lock()
	name, creds := g.room, g.creds
	g.mu.Unlock()
	if err := g.rdv.PublishStatus(ctx, name, creds, blob); err != nil {
		g.logger.Debug().Err(err).Msg("status publish failed")
	}
}

// leave is the user-driven exit: release everything, no error.
func (g *Guest) leave() error {
	g.release()
	g.setState(GuestLeft)
	return nil
}

func (g *Guest) fail(err error) error {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
	g.release()
	g.setState(GuestFailed)
	g.logger.Error().
		Err(err).
		Str("kind", string(KindOf(err))).
		Msg("guest session failed")
	return err
}

// release frees the capture track and the transport connection. Runs
// on every terminal and left transition; idempotent.
func (g *Guest) release() {
	g.mu.Lock()
	track, conn := g.track, g.conn
	g.track, g.conn = nil, nil
	g.mu.Unlock()

	if track != nil {
		track.Release()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (g *Guest) setState(to GuestState) {
	g.mu.Lock()
	from := g.state
	g.state = to
	cb := g.opts.OnState
	g.mu.Unlock()
	if from == to {
		return
	}
	g.logger.Info().
		Str("event", "session.guest_state").
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("guest transition")
	metrics.IncSessionState("guest", string(to))
	if cb != nil {
		cb(from, to)
	}
}
