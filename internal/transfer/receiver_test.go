// SPDX-License-Identifier: MIT

package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/transport"
)

func textFrame(s string) transport.Message {
	return transport.Message{Data: []byte(s), IsText: true}
}

func binFrame(b []byte) transport.Message {
	return transport.Message{Data: b}
}

func headerFrame(chunks int, total int64) transport.Message {
	h := Header{
		Type:        TypeTransferStart,
		TotalChunks: chunks,
		TotalBytes:  total,
		MimeType:    "video/webm",
		SessionCode: "cobra-nova",
	}
	b, _ := json.Marshal(h)
	return transport.Message{Data: b, IsText: true}
}

func trailerFrame() transport.Message {
	return textFrame(`{"type":"track-transfer-complete"}`)
}

func feed(t *testing.T, r *Receiver, m transport.Message) {
	t.Helper()
	if _, err := r.HandleMessage(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReceiverHappyPath(t *testing.T) {
	r := NewReceiver(ReceiverOptions{Logger: zerolog.Nop()})
	if r.State() != StateIdle {
		t.Fatalf("initial state = %q", r.State())
	}

	feed(t, r, headerFrame(2, 6))
	if r.State() != StateReceiving {
		t.Fatalf("state after header = %q", r.State())
	}

	feed(t, r, binFrame([]byte("abc")))
	feed(t, r, binFrame([]byte("def")))

	artifact, err := r.HandleMessage(trailerFrame())
	if err != nil {
		t.Fatalf("trailer: %v", err)
	}
	if artifact == nil {
		t.Fatal("no artifact on completion")
	}
	if !bytes.Equal(artifact.Data, []byte("abcdef")) {
		t.Fatalf("artifact = %q", artifact.Data)
	}
	if artifact.Header.SessionCode != "cobra-nova" {
		t.Fatalf("header session code = %q", artifact.Header.SessionCode)
	}
	if r.State() != StateComplete {
		t.Fatalf("final state = %q", r.State())
	}
}

func TestReceiverEmptyPayload(t *testing.T) {
	r := NewReceiver(ReceiverOptions{Logger: zerolog.Nop()})

	feed(t, r, headerFrame(0, 0))
	artifact, err := r.HandleMessage(trailerFrame())
	if err != nil {
		t.Fatalf("trailer: %v", err)
	}
	if artifact == nil || len(artifact.Data) != 0 {
		t.Fatalf("artifact = %+v, want empty", artifact)
	}
	if r.State() != StateComplete {
		t.Fatalf("state = %q", r.State())
	}
}

func TestReceiverViolations(t *testing.T) {
	cases := []struct {
		name   string
		frames []transport.Message
	}{
		{"binary before header", []transport.Message{binFrame([]byte("x"))}},
		{"trailer before header", []transport.Message{trailerFrame()}},
		{"unparseable text before header", []transport.Message{textFrame("not json")}},
		{"double header", []transport.Message{
			headerFrame(1, 1), headerFrame(1, 1),
		}},
		{"chunk count overrun", []transport.Message{
			headerFrame(1, 10), binFrame([]byte("abcde")), binFrame([]byte("fghij")),
		}},
		{"byte count overrun", []transport.Message{
			headerFrame(2, 4), binFrame([]byte("abc")), binFrame([]byte("def")),
		}},
		{"trailer with missing chunks", []transport.Message{
			headerFrame(2, 6), binFrame([]byte("abc")), trailerFrame(),
		}},
		{"trailer with missing bytes", []transport.Message{
			headerFrame(1, 6), binFrame([]byte("abc")), trailerFrame(),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReceiver(ReceiverOptions{Logger: zerolog.Nop()})

			var lastErr error
			for _, m := range tc.frames {
				if _, lastErr = r.HandleMessage(m); lastErr != nil {
					break
				}
			}
			if !errors.Is(lastErr, ErrProtocolViolation) {
				t.Fatalf("err = %v, want ErrProtocolViolation", lastErr)
			}
			if r.State() != StateFailed {
				t.Fatalf("state = %q, want failed", r.State())
			}

			// Nothing is accepted after failure.
			if _, err := r.HandleMessage(binFrame([]byte("x"))); !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("post-failure frame = %v", err)
			}
		})
	}
}

func TestReceiverIgnoresControlFramesWhileIdle(t *testing.T) {
	r := NewReceiver(ReceiverOptions{Logger: zerolog.Nop()})

	feed(t, r, textFrame(`{"type":"recording-start","timestamp":1718000000000}`))
	feed(t, r, textFrame(`{"type":"recording-stop","timestamp":1718000001000}`))
	if r.State() != StateIdle {
		t.Fatalf("state = %q, control frames must not start a transfer", r.State())
	}

	feed(t, r, headerFrame(1, 1))
	feed(t, r, binFrame([]byte("x")))
	if artifact, err := r.HandleMessage(trailerFrame()); err != nil || artifact == nil {
		t.Fatalf("transfer after control frames: artifact=%v err=%v", artifact, err)
	}
}

func TestReceiverControlFrameMidTransferViolates(t *testing.T) {
	r := NewReceiver(ReceiverOptions{Logger: zerolog.Nop()})

	feed(t, r, headerFrame(1, 1))
	if _, err := r.HandleMessage(textFrame(`{"type":"recording-stop"}`)); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("control frame mid-transfer = %v, want ErrProtocolViolation", err)
	}
}

func TestReceiverDisconnectMidTransfer(t *testing.T) {
	r := NewReceiver(ReceiverOptions{Logger: zerolog.Nop()})

	feed(t, r, headerFrame(2, 6))
	feed(t, r, binFrame([]byte("abc")))

	err := r.HandleDisconnect()
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("disconnect = %v, want ErrTransferFailed", err)
	}
	if r.State() != StateFailed {
		t.Fatalf("state = %q", r.State())
	}
}

func TestReceiverDisconnectOutsideTransferIsNoop(t *testing.T) {
	r := NewReceiver(ReceiverOptions{Logger: zerolog.Nop()})
	if err := r.HandleDisconnect(); err != nil {
		t.Fatalf("idle disconnect = %v", err)
	}
	if r.State() != StateIdle {
		t.Fatalf("state = %q", r.State())
	}
}

func TestReceiverProgressCallback(t *testing.T) {
	var calls []string
	r := NewReceiver(ReceiverOptions{
		Logger: zerolog.Nop(),
		Progress: func(received, total int64) {
			calls = append(calls, fmt.Sprintf("%d/%d", received, total))
		},
	})

	feed(t, r, headerFrame(2, 6))
	feed(t, r, binFrame([]byte("abc")))
	feed(t, r, binFrame([]byte("def")))

	want := []string{"3/6", "6/6"}
	if len(calls) != len(want) {
		t.Fatalf("progress calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("progress[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}
