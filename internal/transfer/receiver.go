// SPDX-License-Identifier: MIT

package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/metrics"
	"github.com/wiserhq/meetsync/internal/transport"
)

// ErrProtocolViolation marks a frame sequence the protocol does not
// allow. The transfer is dead; the partial buffer is discarded.
var ErrProtocolViolation = errors.New("transfer: protocol violation")

// ReceiverState is the receiver's position in a transfer.
type ReceiverState string

const (
	StateIdle      ReceiverState = "idle"
	StateReceiving ReceiverState = "receiving"
	StateComplete  ReceiverState = "complete"
	StateFailed    ReceiverState = "failed"
)

// Artifact is a fully reassembled recording.
type Artifact struct {
	Data   []byte
	Header Header
}

// ReceiverOptions tune a Receiver.
type ReceiverOptions struct {
	Progress ProgressFunc
	Logger   zerolog.Logger
}

// Receiver reassembles one transfer from the frames the caller feeds it.
// It owns no I/O: the host session machine reads the conn and forwards
// each message here.
type Receiver struct {
	state    ReceiverState
	header   Header
	buf      []byte
	chunks   int
	started  time.Time
	progress ProgressFunc
	logger   zerolog.Logger
}

// NewReceiver creates an idle receiver.
func NewReceiver(opts ReceiverOptions) *Receiver {
	return &Receiver{
		state:    StateIdle,
		progress: opts.Progress,
		logger:   opts.Logger,
	}
}

// State reports the receiver's current state.
func (r *Receiver) State() ReceiverState {
	return r.state
}

// HandleMessage advances the state machine with one frame. A non-nil
// artifact means the transfer completed with this frame. A non-nil error
// means it failed; the receiver accepts nothing further.
func (r *Receiver) HandleMessage(m transport.Message) (*Artifact, error) {
	switch r.state {
	case StateIdle:
		return r.handleIdle(m)
	case StateReceiving:
		return r.handleReceiving(m)
	default:
		return nil, r.violation("frame after terminal state %q", r.state)
	}
}

func (r *Receiver) handleIdle(m transport.Message) (*Artifact, error) {
	if !m.IsText {
		return nil, r.violation("binary frame before header")
	}

	frameType, ok := FrameType(m.Data)
	if !ok {
		return nil, r.violation("unparseable text frame before header")
	}

	switch frameType {
	case TypeTransferStart:
		return nil, r.begin(m.Data)
	case TypeTransferComplete:
		return nil, r.violation("trailer before header")
	default:
		// Live-phase control frames ride the same channel; not ours.
		return nil, nil
	}
}

func (r *Receiver) begin(headerJSON []byte) error {
	var h Header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return r.violation("malformed header: %v", err)
	}
	if h.TotalChunks < 0 || h.TotalBytes < 0 {
		return r.violation("negative counts in header")
	}

	r.header = h
	r.buf = make([]byte, 0, h.TotalBytes)
	r.chunks = 0
	r.state = StateReceiving
	r.started = time.Now()

	r.logger.Info().
		Str("event", "transfer.receive_start").
		Int("total_chunks", h.TotalChunks).
		Int64("total_bytes", h.TotalBytes).
		Str("session_code", h.SessionCode).
		Msg("transfer started")
	return nil
}

func (r *Receiver) handleReceiving(m transport.Message) (*Artifact, error) {
	if !m.IsText {
		return nil, r.appendChunk(m.Data)
	}

	frameType, ok := FrameType(m.Data)
	if !ok {
		return nil, r.violation("unparseable text frame mid-transfer")
	}
	if frameType != TypeTransferComplete {
		return nil, r.violation("unexpected %q frame mid-transfer", frameType)
	}
	return r.finish()
}

func (r *Receiver) appendChunk(chunk []byte) error {
	if r.chunks+1 > r.header.TotalChunks {
		return r.violation("chunk count exceeds announced %d", r.header.TotalChunks)
	}
	if int64(len(r.buf))+int64(len(chunk)) > r.header.TotalBytes {
		return r.violation("byte count exceeds announced %d", r.header.TotalBytes)
	}

	r.buf = append(r.buf, chunk...)
	r.chunks++
	metrics.AddTransferBytes("receive", len(chunk))
	metrics.IncTransferChunk("receive")
	if r.progress != nil {
		r.progress(int64(len(r.buf)), r.header.TotalBytes)
	}
	return nil
}

func (r *Receiver) finish() (*Artifact, error) {
	if r.chunks != r.header.TotalChunks || int64(len(r.buf)) != r.header.TotalBytes {
		return nil, r.violation("trailer with %d/%d chunks, %d/%d bytes",
			r.chunks, r.header.TotalChunks, len(r.buf), r.header.TotalBytes)
	}

	r.state = StateComplete
	metrics.IncTransferOutcome("receive", "ok")
	metrics.ObserveTransferDuration("receive", time.Since(r.started).Seconds())
	r.logger.Info().
		Str("event", "transfer.receive_complete").
		Int64("bytes", r.header.TotalBytes).
		Dur("elapsed", time.Since(r.started)).
		Msg("transfer complete")

	artifact := &Artifact{Data: r.buf, Header: r.header}
	r.buf = nil
	return artifact, nil
}

// HandleDisconnect reacts to the transport going down. Mid-transfer this
// fails the receive and discards the partial buffer.
func (r *Receiver) HandleDisconnect() error {
	if r.state != StateReceiving {
		return nil
	}
	r.state = StateFailed
	r.buf = nil
	metrics.IncTransferOutcome("receive", "failed")
	r.logger.Warn().
		Str("event", "transfer.receive_disconnected").
		Int("chunks", r.chunks).
		Msg("transport lost mid-transfer, partial buffer discarded")
	return fmt.Errorf("%w: transport disconnected mid-transfer", ErrTransferFailed)
}

func (r *Receiver) violation(format string, args ...any) error {
	r.state = StateFailed
	r.buf = nil
	metrics.IncTransferOutcome("receive", "violation")
	err := fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
	r.logger.Error().Err(err).
		Str("event", "transfer.protocol_violation").
		Msg("transfer aborted")
	return err
}
