// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/relay"
	"github.com/wiserhq/meetsync/internal/rendezvous"
	"github.com/wiserhq/meetsync/internal/transport"
)

const statusPutTimeout = 5 * time.Second

// AnswerPeer is the answering half of an offer/answer handshake;
// *transport.Peer satisfies it.
type AnswerPeer interface {
	Answer(ctx context.Context, offerJSON []byte) ([]byte, error)
	AwaitConn(ctx context.Context) (transport.Conn, error)
	Close() error
}

// OfferAnswerGuest resolves the host's offer on the rendezvous
// surfaces, answers it, and waits for the data channel.
type OfferAnswerGuest struct {
	Resolver *rendezvous.Resolver
	NewPeer  func() (AnswerPeer, error)
	Logger   zerolog.Logger
}

func (v *OfferAnswerGuest) Lookup(ctx context.Context, roomName string) (Credentials, error) {
	offer, surface, err := v.Resolver.Lookup(ctx, roomName)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Offer: offer, Surface: surface}, nil
}

func (v *OfferAnswerGuest) Connect(ctx context.Context, roomName string, creds Credentials) (transport.Conn, error) {
	peer, err := v.NewPeer()
	if err != nil {
		return nil, err
	}
	answer, err := peer.Answer(ctx, creds.Offer)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}
	if err := v.Resolver.SubmitAnswer(ctx, creds.Surface, roomName, answer); err != nil {
		_ = peer.Close()
		return nil, err
	}
	conn, err := peer.AwaitConn(ctx)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}
	return &peerConn{Conn: conn, peer: peer}, nil
}

func (v *OfferAnswerGuest) PublishStatus(ctx context.Context, roomName string, creds Credentials, status []byte) error {
	if creds.Surface == nil {
		return nil
	}
	return v.Resolver.PublishStatus(ctx, creds.Surface, roomName, status)
}

// peerConn ties the peer's lifetime to the conn: closing the conn also
// releases the underlying peer connection.
type peerConn struct {
	transport.Conn
	peer AnswerPeer
}

func (c *peerConn) Close() error {
	err := c.Conn.Close()
	if perr := c.peer.Close(); err == nil {
		err = perr
	}
	return err
}

// TokenPoolGuest fetches the room's token bundle from the relay and
// joins the media service with one of its tokens.
type TokenPoolGuest struct {
	Relay  *relay.Client
	Dialer transport.Dialer
	Logger zerolog.Logger
}

func (v *TokenPoolGuest) Lookup(ctx context.Context, roomName string) (Credentials, error) {
	bundle, err := rendezvous.LookupBundle(ctx, v.Relay, roomName)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Bundle: &bundle}, nil
}

func (v *TokenPoolGuest) Connect(ctx context.Context, roomName string, creds Credentials) (transport.Conn, error) {
	if creds.Bundle == nil {
		return nil, errors.New("session: no token bundle resolved")
	}
	conn, token, err := rendezvous.ConnectWithBundle(ctx, v.Dialer, *creds.Bundle, v.Logger)
	if err != nil {
		return nil, err
	}
	v.Logger.Debug().
		Str("event", "session.token_joined").
		Str("room", roomName).
		Str("token", token).
		Msg("joined with pool token")
	return conn, nil
}

func (v *TokenPoolGuest) PublishStatus(ctx context.Context, roomName string, _ Credentials, status []byte) error {
	ctx, cancel := context.WithTimeout(ctx, statusPutTimeout)
	defer cancel()
	return v.Relay.PutStatus(ctx, roomName, status)
}

// HostRendezvous is the host's view of the signaling flow, one
// implementation per deployment variant.
type HostRendezvous interface {
	// Publish announces the session and starts whatever background
	// machinery the variant needs to admit guests.
	Publish(ctx context.Context, roomName string) (rendezvous.Session, error)
	// AwaitGuest blocks until a guest's data channel is up.
	AwaitGuest(ctx context.Context) (transport.Conn, error)
	// Teardown withdraws the session everywhere. Idempotent.
	Teardown()
}

// OfferPeer is the offering half of an offer/answer handshake;
// *transport.Peer satisfies it.
type OfferPeer interface {
	Offer(ctx context.Context) ([]byte, error)
	AcceptAnswer(answerJSON []byte) error
	AwaitConn(ctx context.Context) (transport.Conn, error)
	Close() error
}

// OfferAnswerHost publishes an offer on the rendezvous surfaces and
// completes the handshake with the first answering guest.
type OfferAnswerHost struct {
	Coordinator   *rendezvous.Coordinator
	NewPeer       func() (OfferPeer, error)
	OnGuestStatus func(status []byte)
	Logger        zerolog.Logger

	peer OfferPeer
	room string
}

func (v *OfferAnswerHost) Publish(ctx context.Context, roomName string) (rendezvous.Session, error) {
	peer, err := v.NewPeer()
	if err != nil {
		return rendezvous.Session{}, err
	}
	offer, err := peer.Offer(ctx)
	if err != nil {
		_ = peer.Close()
		return rendezvous.Session{}, err
	}
	sess, err := v.Coordinator.Create(ctx, roomName, offer)
	if err != nil {
		_ = peer.Close()
		return rendezvous.Session{}, err
	}
	v.peer = peer
	v.room = sess.Room

	err = v.Coordinator.AwaitAnswer(ctx, sess.Room,
		func(payload []byte, surface string) {
			if err := peer.AcceptAnswer(payload); err != nil {
				v.Logger.Error().
					Err(err).
					Str("surface", surface).
					Msg("guest answer rejected")
			}
		},
		func(status []byte) {
			if v.OnGuestStatus != nil {
				v.OnGuestStatus(status)
			}
		})
	if err != nil {
		v.Coordinator.Teardown(sess.Room)
		_ = peer.Close()
		v.peer = nil
		return rendezvous.Session{}, err
	}
	return sess, nil
}

func (v *OfferAnswerHost) AwaitGuest(ctx context.Context) (transport.Conn, error) {
	if v.peer == nil {
		return nil, errors.New("session: not published")
	}
	return v.peer.AwaitConn(ctx)
}

func (v *OfferAnswerHost) Teardown() {
	if v.room != "" {
		v.Coordinator.Teardown(v.room)
		v.room = ""
	}
	if v.peer != nil {
		_ = v.peer.Close()
		v.peer = nil
	}
}

// TokenPoolHost publishes a token bundle through the relay and admits
// guests from the media service's connection stream.
type TokenPoolHost struct {
	Coordinator *rendezvous.Coordinator
	Bundle      relay.Bundle
	Conns       <-chan transport.Conn

	room string
}

func (v *TokenPoolHost) Publish(ctx context.Context, roomName string) (rendezvous.Session, error) {
	sess, err := v.Coordinator.CreateTokenPool(ctx, roomName, v.Bundle)
	if err != nil {
		return rendezvous.Session{}, err
	}
	v.room = sess.Room
	return sess, nil
}

func (v *TokenPoolHost) AwaitGuest(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case conn := <-v.Conns:
		return conn, nil
	}
}

func (v *TokenPoolHost) Teardown() {
	if v.room != "" {
		v.Coordinator.Teardown(v.room)
		v.room = ""
	}
}
