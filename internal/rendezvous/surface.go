// SPDX-License-Identifier: MIT

// Package rendezvous coordinates session signaling across the available
// surfaces: the remote relay and the LAN HTTP signaler. The host
// publishes an offer on every reachable surface and polls each for the
// guest's answer; the guest resolves the offer from whichever surface
// responds first and stays pinned to it.
package rendezvous

import (
	"context"
	"errors"
	"fmt"

	"github.com/wiserhq/meetsync/internal/relay"
	"github.com/wiserhq/meetsync/internal/signal"
)

var (
	// ErrNotFound reports an unknown (or already expired) room.
	ErrNotFound = errors.New("rendezvous: room not found")
	// ErrSignalingUnavailable reports that no surface could publish the
	// session.
	ErrSignalingUnavailable = errors.New("rendezvous: no signaling surface available")
	// ErrRoomDrawsExhausted reports that every drawn room name collided
	// with a published session.
	ErrRoomDrawsExhausted = errors.New("rendezvous: no free room name after redraws")
)

// Surface is one signaling rendezvous. Implementations translate their
// own absence sentinels to ErrNotFound so callers branch on a single
// error. Answer absence is (nil, false, nil), status absence (nil, nil).
type Surface interface {
	Name() string
	FetchOffer(ctx context.Context, room string) ([]byte, error)
	PublishAnswer(ctx context.Context, room string, payload []byte) error
	FetchAnswer(ctx context.Context, room string) (payload []byte, ready bool, err error)
	PublishStatus(ctx context.Context, room string, status []byte) error
	FetchStatus(ctx context.Context, room string) ([]byte, error)
	Delete(ctx context.Context, room string) error
}

// relaySurface adapts the relay client.
type relaySurface struct {
	rc *relay.Client
}

// NewRelaySurface wraps a relay client as a Surface.
func NewRelaySurface(rc *relay.Client) Surface { return &relaySurface{rc: rc} }

func (s *relaySurface) Name() string { return "relay" }

func (s *relaySurface) FetchOffer(ctx context.Context, room string) ([]byte, error) {
	payload, err := s.rc.GetOffer(ctx, room)
	if errors.Is(err, relay.ErrNotFound) {
		return nil, ErrNotFound
	}
	return payload, err
}

func (s *relaySurface) PublishAnswer(ctx context.Context, room string, payload []byte) error {
	return s.rc.PutAnswer(ctx, room, payload)
}

func (s *relaySurface) FetchAnswer(ctx context.Context, room string) ([]byte, bool, error) {
	payload, err := s.rc.GetAnswer(ctx, room)
	if errors.Is(err, relay.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *relaySurface) PublishStatus(ctx context.Context, room string, status []byte) error {
	return s.rc.PutStatus(ctx, room, status)
}

func (s *relaySurface) FetchStatus(ctx context.Context, room string) ([]byte, error) {
	payload, err := s.rc.GetStatus(ctx, room)
	if errors.Is(err, relay.ErrNotFound) {
		return nil, nil
	}
	return payload, err
}

func (s *relaySurface) Delete(ctx context.Context, room string) error {
	return s.rc.DeleteSession(ctx, room)
}

// lanSurface adapts the LAN signaler's HTTP client. Used by guests; the
// host reads its own registry directly via registrySurface.
type lanSurface struct {
	sc *signal.Client
}

// NewLANSurface wraps a LAN signaler client as a Surface.
func NewLANSurface(sc *signal.Client) Surface { return &lanSurface{sc: sc} }

func (s *lanSurface) Name() string { return "lan" }

func (s *lanSurface) FetchOffer(ctx context.Context, room string) ([]byte, error) {
	payload, err := s.sc.FetchOffer(ctx, room)
	if errors.Is(err, signal.ErrNotFound) || errors.Is(err, signal.ErrExpired) {
		return nil, ErrNotFound
	}
	return payload, err
}

func (s *lanSurface) PublishAnswer(ctx context.Context, room string, payload []byte) error {
	err := s.sc.SubmitAnswer(ctx, room, payload)
	if errors.Is(err, signal.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *lanSurface) FetchAnswer(ctx context.Context, room string) ([]byte, bool, error) {
	payload, ready, err := s.sc.FetchAnswer(ctx, room)
	if errors.Is(err, signal.ErrNotFound) {
		return nil, false, ErrNotFound
	}
	return payload, ready, err
}

func (s *lanSurface) PublishStatus(ctx context.Context, room string, status []byte) error {
	err := s.sc.PublishStatus(ctx, room, status)
	if errors.Is(err, signal.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *lanSurface) FetchStatus(ctx context.Context, room string) ([]byte, error) {
	payload, err := s.sc.FetchStatus(ctx, room)
	if errors.Is(err, signal.ErrNotFound) {
		return nil, nil
	}
	return payload, err
}

func (s *lanSurface) Delete(context.Context, string) error {
	// The signaler exposes no delete route; the host evicts its own
	// registry record and the TTL covers the rest.
	return nil
}

// registrySurface is the host's in-process view of its own LAN
// signaler. Polling the registry directly avoids HTTP round trips to
// the local listener.
type registrySurface struct {
	reg *signal.Registry
}

func (s *registrySurface) Name() string { return "lan" }

func (s *registrySurface) FetchOffer(_ context.Context, room string) ([]byte, error) {
	payload, err := s.reg.Offer(room)
	if errors.Is(err, signal.ErrNotFound) || errors.Is(err, signal.ErrExpired) {
		return nil, ErrNotFound
	}
	return payload, err
}

func (s *registrySurface) PublishAnswer(_ context.Context, room string, payload []byte) error {
	_, err := s.reg.Answer(room, payload)
	if errors.Is(err, signal.ErrNotFound) || errors.Is(err, signal.ErrExpired) {
		return ErrNotFound
	}
	return err
}

func (s *registrySurface) FetchAnswer(_ context.Context, room string) ([]byte, bool, error) {
	payload, ready, err := s.reg.AnswerPayload(room)
	if errors.Is(err, signal.ErrNotFound) || errors.Is(err, signal.ErrExpired) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("registry answer: %w", err)
	}
	return payload, ready, nil
}

func (s *registrySurface) PublishStatus(_ context.Context, room string, status []byte) error {
	err := s.reg.SetGuestStatus(room, status)
	if errors.Is(err, signal.ErrNotFound) || errors.Is(err, signal.ErrExpired) {
		return ErrNotFound
	}
	return err
}

func (s *registrySurface) FetchStatus(_ context.Context, room string) ([]byte, error) {
	status, err := s.reg.GuestStatus(room)
	if errors.Is(err, signal.ErrNotFound) || errors.Is(err, signal.ErrExpired) {
		return nil, nil
	}
	return status, err
}

func (s *registrySurface) Delete(_ context.Context, room string) error {
	s.reg.Remove(room)
	return nil
}
