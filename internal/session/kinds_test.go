// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/wiserhq/meetsync/internal/relay"
	"github.com/wiserhq/meetsync/internal/rendezvous"
	"github.com/wiserhq/meetsync/internal/transfer"
	"github.com/wiserhq/meetsync/internal/transport"
)

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"room unknown", rendezvous.ErrNotFound, KindRoomUnknown},
		{"signaling unavailable", rendezvous.ErrSignalingUnavailable, KindSignalingUnavailable},
		{"draws exhausted", rendezvous.ErrRoomDrawsExhausted, KindSignalingUnavailable},
		{"token exhausted", rendezvous.ErrTokenExhausted, KindTokenExhausted},
		{"protocol violation", transfer.ErrProtocolViolation, KindProtocolViolation},
		{"transfer failed", transfer.ErrTransferFailed, KindTransferFailed},
		{"conn closed", transport.ErrClosed, KindTransferFailed},
		{"permission", ErrPermissionDenied, KindPermissionDenied},
		{"device missing", ErrDeviceMissing, KindDeviceMissing},
		{"device busy", ErrDeviceBusy, KindDeviceBusy},
		{"overconstrained", ErrOverconstrained, KindOverconstrained},
		{"relay unavailable", relay.ErrUnavailable, KindNetworkError},
		{"deadline", context.DeadlineExceeded, KindNetworkError},
		{"unrecognized", errors.New("boom"), KindNetworkError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			got := Classify("op", wrapped)
			if KindOf(got) != tc.want {
				t.Fatalf("KindOf = %q, want %q", KindOf(got), tc.want)
			}
			if !errors.Is(got, tc.err) {
				t.Fatalf("classified error lost the original sentinel")
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify("op", nil); got != nil {
		t.Fatalf("Classify(nil) = %v, want nil", got)
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := E(KindRoomUnknown, "session.lookup", rendezvous.ErrNotFound)
	got := Classify("session.join", orig)
	if !errors.Is(got, orig) {
		t.Fatalf("already-classified error was rewrapped")
	}
	if KindOf(got) != KindRoomUnknown {
		t.Fatalf("KindOf = %q, want %q", KindOf(got), KindRoomUnknown)
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	err := E(KindNetworkError, "session.connect", inner)

	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is through Error = false")
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("errors.As(*Error) = false")
	}
	if se.Op != "session.connect" {
		t.Fatalf("Op = %q", se.Op)
	}
	if msg := err.Error(); msg == "" {
		t.Fatalf("empty error string")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q, want empty", got)
	}
}

func TestUserMessages(t *testing.T) {
	kinds := []Kind{
		KindRoomUnknown, KindPermissionDenied, KindDeviceMissing,
		KindDeviceBusy, KindOverconstrained, KindNetworkError,
		KindSignalingUnavailable, KindTokenExhausted,
		KindProtocolViolation, KindTransferFailed,
	}
	seen := make(map[string]Kind, len(kinds))
	for _, k := range kinds {
		msg := k.UserMessage()
		if msg == "" {
			t.Fatalf("%s: empty user message", k)
		}
		if prev, dup := seen[msg]; dup {
			t.Fatalf("%s and %s share a user message", k, prev)
		}
		seen[msg] = k
	}
	if Kind("nonsense").UserMessage() == "" {
		t.Fatalf("unknown kind must fall back to a generic message")
	}
}
