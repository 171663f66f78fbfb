// SPDX-License-Identifier: MIT

package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/metrics"
	"github.com/wiserhq/meetsync/internal/transport"
)

// ErrTransferFailed marks an aborted transfer. Recovery is whole-blob:
// the caller re-sends from the durable copy, never mid-stream.
var ErrTransferFailed = errors.New("transfer: send failed")

// DefaultChunkSize is the slice size for chunk frames.
const DefaultChunkSize = 16 * 1024

const (
	// maxBufferedBytes caps the local send queue before the sender waits
	// for the low-water signal.
	maxBufferedBytes = 1 << 20
	bufferedLowWater = 512 << 10

	// yieldEveryChunks/yieldDuration pace transports that expose no send
	// queue. Conns with intrinsic backpressure report a zero queue and
	// only pay the periodic yield.
	yieldEveryChunks = 10
	yieldDuration    = 10 * time.Millisecond
)

// ProgressFunc observes transfer progress after each chunk frame.
type ProgressFunc func(bytesSent, totalBytes int64)

// SenderOptions tune a Sender. Zero values select the defaults.
type SenderOptions struct {
	ChunkSize int
	Progress  ProgressFunc
	Logger    zerolog.Logger
}

// Sender streams byte buffers over a conn as framed transfers.
type Sender struct {
	conn      transport.Conn
	chunkSize int
	progress  ProgressFunc
	logger    zerolog.Logger
}

// NewSender builds a sender on conn.
func NewSender(conn transport.Conn, opts SenderOptions) *Sender {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{
		conn:      conn,
		chunkSize: chunkSize,
		progress:  opts.Progress,
		logger:    opts.Logger,
	}
}

// Send emits the header, every chunk in order, then the trailer. Any
// failed send aborts the whole transfer with ErrTransferFailed; the
// blob stays with the caller for a later whole-blob retry.
func (s *Sender) Send(ctx context.Context, blob []byte, meta Metadata) error {
	start := time.Now()
	totalBytes := int64(len(blob))
	totalChunks := (len(blob) + s.chunkSize - 1) / s.chunkSize

	header := Header{
		Type:        TypeTransferStart,
		TotalChunks: totalChunks,
		TotalBytes:  totalBytes,
		MimeType:    meta.MimeType,
		Duration:    meta.Duration.Seconds(),
		SessionCode: meta.SessionCode,
		RecordedAt:  meta.RecordedAt.UTC().Format(time.RFC3339),
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("%w: encode header: %v", ErrTransferFailed, err)
	}

	s.logger.Info().
		Str("event", "transfer.send_start").
		Int("total_chunks", totalChunks).
		Int64("total_bytes", totalBytes).
		Str("session_code", meta.SessionCode).
		Msg("starting transfer")

	s.conn.SetBufferedAmountLowThreshold(bufferedLowWater)

	if err := s.conn.SendText(string(headerJSON)); err != nil {
		return s.fail("header", 0, err)
	}

	var sent int64
	for i := 0; i < totalChunks; i++ {
		lo := i * s.chunkSize
		hi := lo + s.chunkSize
		if hi > len(blob) {
			hi = len(blob)
		}

		if err := s.conn.Send(blob[lo:hi]); err != nil {
			return s.fail("chunk", i, err)
		}
		sent += int64(hi - lo)
		metrics.AddTransferBytes("send", hi-lo)
		metrics.IncTransferChunk("send")
		if s.progress != nil {
			s.progress(sent, totalBytes)
		}

		if err := s.pace(ctx, i); err != nil {
			return err
		}
	}

	trailerJSON, err := json.Marshal(Trailer{Type: TypeTransferComplete})
	if err != nil {
		return fmt.Errorf("%w: encode trailer: %v", ErrTransferFailed, err)
	}
	if err := s.conn.SendText(string(trailerJSON)); err != nil {
		return s.fail("trailer", totalChunks, err)
	}

	metrics.IncTransferOutcome("send", "ok")
	metrics.ObserveTransferDuration("send", time.Since(start).Seconds())
	s.logger.Info().
		Str("event", "transfer.send_complete").
		Int64("bytes", totalBytes).
		Dur("elapsed", time.Since(start)).
		Msg("transfer complete")
	return nil
}

// pace holds the producer back between chunk frames. A conn with a real
// send queue is gated on the buffered-amount low-water signal; otherwise
// the periodic yield keeps a slow consumer from being flooded.
func (s *Sender) pace(ctx context.Context, chunkIndex int) error {
	for s.conn.BufferedAmount() > maxBufferedBytes {
		select {
		case <-s.conn.BufferedAmountLow():
		case <-s.conn.Done():
			return s.fail("pace", chunkIndex, transport.ErrClosed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if (chunkIndex+1)%yieldEveryChunks == 0 && s.conn.BufferedAmount() == 0 {
		select {
		case <-time.After(yieldDuration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sender) fail(stage string, chunk int, err error) error {
	metrics.IncTransferOutcome("send", "failed")
	s.logger.Error().Err(err).
		Str("event", "transfer.send_failed").
		Str("stage", stage).
		Int("chunk", chunk).
		Msg("transfer aborted")
	return fmt.Errorf("%w: %s (chunk %d): %v", ErrTransferFailed, stage, chunk, err)
}
