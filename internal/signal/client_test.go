// SPDX-License-Identifier: MIT

package signal

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T) (*Registry, *Client) {
	t.Helper()

	reg := NewRegistry(time.Minute)
	srv := NewServer(reg, ServerConfig{}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return reg, NewClient(ts.URL, 2*time.Second, zerolog.Nop())
}

func TestClientPing(t *testing.T) {
	_, client := newTestClient(t)

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestClientPingUnreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	client := NewClient(url, 500*time.Millisecond, zerolog.Nop())
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected error against closed server")
	}
}

func TestClientFetchOffer(t *testing.T) {
	reg, client := newTestClient(t)
	reg.Insert("cobra", []byte(`{"sdp":"offer"}`))

	offer, err := client.FetchOffer(context.Background(), "cobra")
	if err != nil {
		t.Fatalf("fetch offer: %v", err)
	}
	if !bytes.Equal(offer, []byte(`{"sdp":"offer"}`)) {
		t.Fatalf("offer = %q", offer)
	}

	if _, err := client.FetchOffer(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown room = %v, want ErrNotFound", err)
	}
}

func TestClientFetchOfferExpired(t *testing.T) {
	reg, client := newTestClient(t)

	base := time.Now()
	current := base
	reg.now = func() time.Time { return current }
	reg.Insert("cobra", []byte("offer"))
	current = base.Add(2 * time.Minute)

	if _, err := client.FetchOffer(context.Background(), "cobra"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired room = %v, want ErrExpired", err)
	}
}

func TestClientSubmitAnswerRoundTrip(t *testing.T) {
	reg, client := newTestClient(t)
	reg.Insert("nova", []byte("offer"))

	answer := []byte(`{"sdp":"answer","type":"answer"}`)
	if err := client.SubmitAnswer(context.Background(), "nova", answer); err != nil {
		t.Fatalf("submit answer: %v", err)
	}

	stored, ready, err := reg.AnswerPayload("nova")
	if err != nil || !ready {
		t.Fatalf("answer payload: ready=%v err=%v", ready, err)
	}
	if !bytes.Equal(stored, answer) {
		t.Fatalf("stored answer = %q, want %q", stored, answer)
	}

	// Repeats are accepted silently.
	if err := client.SubmitAnswer(context.Background(), "nova", []byte(`"late"`)); err != nil {
		t.Fatalf("repeat submit: %v", err)
	}
	stored, _, _ = reg.AnswerPayload("nova")
	if !bytes.Equal(stored, answer) {
		t.Fatalf("repeat overwrote answer: %q", stored)
	}
}

func TestClientSubmitAnswerOpaquePayload(t *testing.T) {
	reg, client := newTestClient(t)
	reg.Insert("ember", []byte("offer"))

	// Non-JSON payloads travel string-encoded and come back intact
	// through the JSON envelope.
	raw := []byte("v=0\r\no=- 46117 2 IN IP4 127.0.0.1")
	if err := client.SubmitAnswer(context.Background(), "ember", raw); err != nil {
		t.Fatalf("submit answer: %v", err)
	}

	stored, ready, err := reg.AnswerPayload("ember")
	if err != nil || !ready {
		t.Fatalf("answer payload: ready=%v err=%v", ready, err)
	}
	if string(stored) != `"v=0\r\no=- 46117 2 IN IP4 127.0.0.1"` {
		t.Fatalf("stored answer = %q", stored)
	}
}

func TestClientFetchAnswer(t *testing.T) {
	reg, client := newTestClient(t)
	reg.Insert("delta", []byte("offer"))

	_, ready, err := client.FetchAnswer(context.Background(), "delta")
	if err != nil {
		t.Fatalf("fetch pending answer: %v", err)
	}
	if ready {
		t.Fatal("pending answer reported ready")
	}

	if _, err := reg.Answer("delta", []byte(`{"sdp":"a"}`)); err != nil {
		t.Fatalf("answer: %v", err)
	}

	payload, ready, err := client.FetchAnswer(context.Background(), "delta")
	if err != nil || !ready {
		t.Fatalf("fetch answer: ready=%v err=%v", ready, err)
	}
	if string(payload) != `{"sdp":"a"}` {
		t.Fatalf("payload = %q", payload)
	}

	if _, _, err := client.FetchAnswer(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown room = %v, want ErrNotFound", err)
	}
}

func TestClientStatusRoundTrip(t *testing.T) {
	reg, client := newTestClient(t)
	reg.Insert("echo", []byte("offer"))

	status, err := client.FetchStatus(context.Background(), "echo")
	if err != nil {
		t.Fatalf("fetch absent status: %v", err)
	}
	if status != nil {
		t.Fatalf("expected nil status, got %q", status)
	}

	if err := client.PublishStatus(context.Background(), "echo", []byte(`{"micMuted":true}`)); err != nil {
		t.Fatalf("publish status: %v", err)
	}

	status, err = client.FetchStatus(context.Background(), "echo")
	if err != nil {
		t.Fatalf("fetch status: %v", err)
	}
	if string(status) != `{"micMuted":true}` {
		t.Fatalf("status = %q", status)
	}

	if err := client.PublishStatus(context.Background(), "echo", []byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON status")
	}
}
