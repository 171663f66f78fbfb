// SPDX-License-Identifier: MIT

// Package transport is the boundary to the real-time peer link. The
// session machines and the transfer engine only see the Conn interface:
// reliable, in-order delivery of discrete text or binary frames plus
// participant events. Production peers run over WebRTC data channels;
// tests use the in-memory pair.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by sends on a conn whose link is down.
	ErrClosed = errors.New("transport: connection closed")

	// ErrIdentityTaken reports a join token whose identity is already
	// connected. The caller advances to the next token in the pool.
	ErrIdentityTaken = errors.New("transport: identity already connected")
)

// Message is one frame received from the peer. Text frames carry UTF-8
// JSON control documents; binary frames carry opaque chunk payloads.
type Message struct {
	Data   []byte
	IsText bool
}

// EventKind labels out-of-band notifications from the link.
type EventKind int

const (
	// EventParticipantJoined fires when the remote peer is observed on
	// the link.
	EventParticipantJoined EventKind = iota

	// EventDisconnected fires at most once when the link goes down. No
	// further messages or events follow it.
	EventDisconnected
)

// Event is an out-of-band link notification. Participant is the remote
// identity when the implementation knows it, otherwise empty.
type Event struct {
	Kind        EventKind
	Participant string
}

// Conn is one end of a reliable ordered frame link between two peers.
//
// Messages and Events are never closed; consumers select on Done to
// observe teardown. The buffered-amount surface exposes the local send
// queue so producers can pace large transfers instead of flooding it.
type Conn interface {
	// SendText queues a UTF-8 text frame.
	SendText(s string) error
	// Send queues a binary frame.
	Send(b []byte) error

	Messages() <-chan Message
	Events() <-chan Event

	// BufferedAmount reports bytes queued locally but not yet handed to
	// the wire.
	BufferedAmount() uint64
	// SetBufferedAmountLowThreshold arms BufferedAmountLow to signal
	// when the send queue drains below n bytes.
	SetBufferedAmountLowThreshold(n uint64)
	// BufferedAmountLow signals each drain below the armed threshold.
	// The channel has capacity one; signals never block the link.
	BufferedAmountLow() <-chan struct{}

	// Done is closed when the link is down.
	Done() <-chan struct{}
	Close() error
}

// Dialer joins the media service with a room token. Implementations
// return ErrIdentityTaken when the token's identity is already in use,
// letting the caller draw another token from the pool.
type Dialer interface {
	Connect(ctx context.Context, url, token string) (Conn, error)
}
