// SPDX-License-Identifier: MIT

package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/relay"
	"github.com/wiserhq/meetsync/internal/room"
	"github.com/wiserhq/meetsync/internal/transport"
)

// MaxTokenRetries bounds how many pool tokens a guest burns on identity
// collisions or transient connect failures before giving up.
const MaxTokenRetries = 5

// ErrTokenExhausted reports that no pool token produced a connection.
var ErrTokenExhausted = errors.New("rendezvous: token pool exhausted")

// Resolver is the guest-side lookup: it tries the configured surfaces
// in order and pins the one that serves the offer. Every request is
// individually time-bounded so a dead surface cannot stall the join.
type Resolver struct {
	surfaces []Surface
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewResolver builds a resolver over surfaces in priority order
// (typically LAN first when a LAN address is known, then relay).
func NewResolver(logger zerolog.Logger, surfaces ...Surface) *Resolver {
	return &Resolver{surfaces: surfaces, timeout: requestTimeout, logger: logger}
}

// Lookup fetches the host's offer for roomName, returning the payload
// and the surface that served it. A clean miss on every surface is
// ErrNotFound; if any surface failed to respond the failure wins over
// the miss, so the caller reports a network problem rather than an
// unknown room.
func (r *Resolver) Lookup(ctx context.Context, roomName string) ([]byte, Surface, error) {
	name, err := room.Normalize(roomName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	lastErr := error(ErrNotFound)
	for _, s := range r.surfaces {
		reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
		payload, err := s.FetchOffer(reqCtx, name)
		cancel()
		if err == nil {
			r.logger.Info().
				Str("event", "rendezvous.offer_found").
				Str("room", name).
				Str("surface", s.Name()).
				Msg("offer resolved")
			return payload, s, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
		r.logger.Debug().Err(err).Str("room", name).Str("surface", s.Name()).Msg("offer lookup missed")
	}
	return nil, nil, lastErr
}

// SubmitAnswer publishes the guest's answer to the pinned surface.
func (r *Resolver) SubmitAnswer(ctx context.Context, s Surface, roomName string, payload []byte) error {
	name, err := room.Normalize(roomName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := s.PublishAnswer(reqCtx, name, payload); err != nil {
		return fmt.Errorf("submit answer via %s: %w", s.Name(), err)
	}
	r.logger.Info().
		Str("event", "rendezvous.answer_submitted").
		Str("room", name).
		Str("surface", s.Name()).
		Msg("answer published")
	return nil
}

// PublishStatus pushes a guest progress blob to the pinned surface.
// Best-effort: the caller throttles and ignores failures.
func (r *Resolver) PublishStatus(ctx context.Context, s Surface, roomName string, status []byte) error {
	name, err := room.Normalize(roomName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return s.PublishStatus(reqCtx, name, status)
}

// LookupBundle fetches the token-pool bundle published at the room key.
func LookupBundle(ctx context.Context, rc *relay.Client, roomName string) (relay.Bundle, error) {
	name, err := room.Normalize(roomName)
	if err != nil {
		return relay.Bundle{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	bundle, err := rc.GetBundle(reqCtx, name)
	if errors.Is(err, relay.ErrNotFound) {
		return relay.Bundle{}, ErrNotFound
	}
	return bundle, err
}

// ConnectWithBundle dials the transport with tokens from the bundle:
// a random start index, advancing modulo the pool size whenever the
// identity is already claimed or the connect fails transiently.
func ConnectWithBundle(ctx context.Context, dialer transport.Dialer, bundle relay.Bundle, logger zerolog.Logger) (transport.Conn, string, error) {
	n := len(bundle.Tokens)
	if n == 0 {
		return nil, "", fmt.Errorf("%w: empty bundle", ErrTokenExhausted)
	}

	start := rand.Intn(n) // #nosec G404 -- index spreading, not a secret
	var lastErr error
	for attempt := 0; attempt < MaxTokenRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		token := bundle.Tokens[(start+attempt)%n]
		conn, err := dialer.Connect(ctx, bundle.LiveKitURL, token)
		if err == nil {
			logger.Info().
				Str("event", "rendezvous.token_connected").
				Int("attempt", attempt+1).
				Msg("transport connected")
			return conn, token, nil
		}
		lastErr = err
		if errors.Is(err, transport.ErrIdentityTaken) {
			logger.Debug().Int("attempt", attempt+1).Msg("token identity taken, advancing")
			continue
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("token connect failed, advancing")
	}
	return nil, "", fmt.Errorf("%w: %v", ErrTokenExhausted, lastErr)
}
