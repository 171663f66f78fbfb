// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func waitMessage(t *testing.T, conn Conn) Message {
	t.Helper()
	select {
	case m := <-conn.Messages():
		return m
	case <-conn.Done():
		t.Fatal("connection closed while waiting for message")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestMemoryPairDeliversInOrder(t *testing.T) {
	host, guest := NewMemoryPair()
	defer host.Close()

	const frames = 100
	go func() {
		for i := 0; i < frames; i++ {
			if i%10 == 0 {
				if err := guest.SendText(fmt.Sprintf(`{"seq":%d}`, i)); err != nil {
					return
				}
				continue
			}
			if err := guest.Send([]byte{byte(i)}); err != nil {
				return
			}
		}
	}()

	for i := 0; i < frames; i++ {
		m := waitMessage(t, host)
		if i%10 == 0 {
			if !m.IsText {
				t.Fatalf("frame %d: expected text", i)
			}
			want := fmt.Sprintf(`{"seq":%d}`, i)
			if string(m.Data) != want {
				t.Fatalf("frame %d = %q, want %q", i, m.Data, want)
			}
			continue
		}
		if m.IsText {
			t.Fatalf("frame %d: expected binary", i)
		}
		if len(m.Data) != 1 || m.Data[0] != byte(i) {
			t.Fatalf("frame %d payload = %v", i, m.Data)
		}
	}
}

func TestMemoryPairSendCopiesBuffer(t *testing.T) {
	host, guest := NewMemoryPair()
	defer host.Close()

	buf := []byte("first")
	if err := guest.Send(buf); err != nil {
		t.Fatalf("send: %v", err)
	}
	copy(buf, "XXXXX")

	m := waitMessage(t, host)
	if string(m.Data) != "first" {
		t.Fatalf("payload = %q, producer buffer reuse leaked through", m.Data)
	}
}

func TestMemoryPairCloseTearsDownBoth(t *testing.T) {
	host, guest := NewMemoryPair()

	if err := host.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-guest.Done():
	case <-time.After(time.Second):
		t.Fatal("peer Done not closed")
	}

	select {
	case ev := <-guest.Events():
		if ev.Kind != EventDisconnected {
			t.Fatalf("event kind = %v, want disconnect", ev.Kind)
		}
	default:
		t.Fatal("no disconnect event on peer")
	}

	if err := guest.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
	if err := host.SendText("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
}

func TestMemoryServiceTokenClaim(t *testing.T) {
	svc := NewMemoryService()
	dialer := svc.Dialer()
	ctx := context.Background()

	guestConn, err := dialer.Connect(ctx, "wss://sfu.example", "tok-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var hostConn Conn
	select {
	case hostConn = <-svc.Connections():
	case <-time.After(time.Second):
		t.Fatal("no host connection surfaced")
	}

	select {
	case ev := <-hostConn.Events():
		if ev.Kind != EventParticipantJoined || ev.Participant != "tok-1" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no participant-joined event on host end")
	}

	// The identity is held while the first connection lives.
	if _, err := dialer.Connect(ctx, "wss://sfu.example", "tok-1"); !errors.Is(err, ErrIdentityTaken) {
		t.Fatalf("second connect = %v, want ErrIdentityTaken", err)
	}

	// Closing frees it for a rejoin.
	_ = guestConn.Close()
	deadline := time.After(2 * time.Second)
	for {
		conn, err := dialer.Connect(ctx, "wss://sfu.example", "tok-1")
		if err == nil {
			_ = conn.Close()
			<-svc.Connections()
			break
		}
		if !errors.Is(err, ErrIdentityTaken) {
			t.Fatalf("reconnect = %v", err)
		}
		select {
		case <-deadline:
			t.Fatal("identity never freed after close")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMemoryServiceClaimAndFailNext(t *testing.T) {
	svc := NewMemoryService()
	dialer := svc.Dialer()
	ctx := context.Background()

	svc.Claim("taken")
	if _, err := dialer.Connect(ctx, "wss://sfu.example", "taken"); !errors.Is(err, ErrIdentityTaken) {
		t.Fatalf("claimed token = %v, want ErrIdentityTaken", err)
	}

	boom := errors.New("transient network failure")
	svc.FailNext(boom)
	if _, err := dialer.Connect(ctx, "wss://sfu.example", "tok-2"); !errors.Is(err, boom) {
		t.Fatalf("failed connect = %v, want injected error", err)
	}

	// The failure is one-shot.
	conn, err := dialer.Connect(ctx, "wss://sfu.example", "tok-2")
	if err != nil {
		t.Fatalf("connect after injected failure: %v", err)
	}
	defer conn.Close()
	<-svc.Connections()
}
