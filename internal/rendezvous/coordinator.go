// SPDX-License-Identifier: MIT

package rendezvous

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/metrics"
	platformnet "github.com/wiserhq/meetsync/internal/platform/net"
	"github.com/wiserhq/meetsync/internal/relay"
	"github.com/wiserhq/meetsync/internal/room"
	"github.com/wiserhq/meetsync/internal/signal"
)

const (
	// DefaultLANPoll is the answer poll cadence on the LAN surface.
	DefaultLANPoll = 500 * time.Millisecond
	// DefaultRelayPoll is the answer poll cadence on the relay surface.
	DefaultRelayPoll = 2 * time.Second

	// requestTimeout bounds every individual surface request.
	requestTimeout = 5 * time.Second
	// teardownTimeout bounds the best-effort cleanup calls.
	teardownTimeout = 5 * time.Second
	// maxRoomDraws bounds redraws when a drawn room name collides.
	maxRoomDraws = 10
)

// Config tunes the coordinator. Zero durations fall back to defaults.
type Config struct {
	LANEnabled bool
	LANPoll    time.Duration
	RelayPoll  time.Duration
	SessionTTL time.Duration
	Server     signal.ServerConfig
}

// Session describes where a created session is reachable. LANPort is 0
// when the LAN signaler is not serving it.
type Session struct {
	Room    string
	Relay   bool
	LANHost string
	LANPort int
}

// AnswerFunc receives the guest's answer exactly once, with the name of
// the surface that delivered it.
type AnswerFunc func(payload []byte, surface string)

// StatusFunc receives each distinct guest status blob.
type StatusFunc func(status []byte)

type hostSession struct {
	room      string
	createdAt time.Time

	mu         sync.Mutex
	cancel     context.CancelFunc
	lastStatus []byte

	answerOnce sync.Once
	answered   atomic.Bool
	wg         sync.WaitGroup
}

// setCancel installs the loop cancel function; false when loops are
// already running for this session.
func (s *hostSession) setCancel(fn context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	s.cancel = fn
	return true
}

func (s *hostSession) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// statusChanged records status and reports whether it differs from the
// previously delivered blob.
func (s *hostSession) statusChanged(status []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(s.lastStatus, status) {
		return false
	}
	s.lastStatus = append([]byte(nil), status...)
	return true
}

// Coordinator is the host-side rendezvous facade. It publishes the
// session on every reachable surface, runs the answer poll loops, and
// owns the shared LAN signaler, which it starts lazily and stops with
// the last session.
type Coordinator struct {
	relay  *relay.Client
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*hostSession
	registry *signal.Registry
	server   *signal.Server
	lanHost  string
	lanPort  int
}

// NewCoordinator builds a coordinator. relayClient may be nil for
// LAN-only deployments.
func NewCoordinator(relayClient *relay.Client, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.LANPoll <= 0 {
		cfg.LANPoll = DefaultLANPoll
	}
	if cfg.RelayPoll <= 0 {
		cfg.RelayPoll = DefaultRelayPoll
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10 * time.Minute
	}
	return &Coordinator{
		relay:    relayClient,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*hostSession),
	}
}

// Create publishes an offer-answer session. An empty roomName draws a
// memorable name, redrawing on collision with an already published
// room. The session survives partial surface failure: relay publish
// failure degrades to LAN-only and vice versa; only a total failure
// returns ErrSignalingUnavailable.
func (c *Coordinator) Create(ctx context.Context, roomName string, offer []byte) (Session, error) {
	name, err := c.pickRoom(ctx, roomName, c.offerExists)
	if err != nil {
		return Session{}, err
	}

	sess := Session{Room: name}

	if c.relay != nil {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := c.relay.PutOffer(reqCtx, name, offer)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Str("room", name).Msg("relay publish failed, continuing without relay")
		} else {
			sess.Relay = true
		}
	}

	if c.cfg.LANEnabled {
		host, port, reg, err := c.ensureLAN()
		if err != nil {
			c.logger.Warn().Err(err).Str("room", name).Msg("lan signaler unavailable, continuing relay-only")
		} else {
			reg.Insert(name, offer)
			sess.LANHost = host
			sess.LANPort = port
		}
	}

	if !sess.Relay && sess.LANPort == 0 {
		return Session{}, ErrSignalingUnavailable
	}

	c.track(name)
	c.logger.Info().
		Str("event", "rendezvous.created").
		Str("room", name).
		Bool("relay", sess.Relay).
		Bool("lan", sess.LANPort != 0).
		Msg("session published")
	return sess, nil
}

// CreateTokenPool publishes a token-pool session: the bundle lives at
// the relay room key and the session completes over the transport, so
// no LAN signaler and no answer polling are involved.
func (c *Coordinator) CreateTokenPool(ctx context.Context, roomName string, bundle relay.Bundle) (Session, error) {
	if c.relay == nil {
		return Session{}, ErrSignalingUnavailable
	}
	name, err := c.pickRoom(ctx, roomName, c.bundleExists)
	if err != nil {
		return Session{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := c.relay.PutBundle(reqCtx, name, bundle); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	c.track(name)
	c.logger.Info().
		Str("event", "rendezvous.created").
		Str("room", name).
		Int("tokens", len(bundle.Tokens)).
		Msg("token-pool session published")
	return Session{Room: name, Relay: true}, nil
}

// AwaitAnswer starts the answer poll loops for room and returns
// immediately. onAnswer fires exactly once, from whichever surface
// delivers first; the slower surface's loop is cancelled, while the
// winning surface keeps polling guest status until ctx is cancelled or
// the session is torn down. onStatus may be nil.
func (c *Coordinator) AwaitAnswer(ctx context.Context, roomName string, onAnswer AnswerFunc, onStatus StatusFunc) error {
	name, err := room.Normalize(roomName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	c.mu.Lock()
	sess, ok := c.sessions[name]
	var targets []pollTarget
	if c.relay != nil {
		targets = append(targets, pollTarget{surface: NewRelaySurface(c.relay), interval: c.cfg.RelayPoll})
	}
	if c.registry != nil {
		targets = append(targets, pollTarget{surface: &registrySurface{reg: c.registry}, interval: c.cfg.LANPoll})
	}
	c.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if len(targets) == 0 {
		return ErrSignalingUnavailable
	}

	loopCtx, cancelAll := context.WithCancel(ctx)
	if !sess.setCancel(cancelAll) {
		cancelAll()
		return fmt.Errorf("rendezvous: answer loops already running for room %q", name)
	}

	cancels := make([]context.CancelFunc, len(targets))
	ctxs := make([]context.Context, len(targets))
	for i := range targets {
		ctxs[i], cancels[i] = context.WithCancel(loopCtx)
	}
	for i, target := range targets {
		others := make([]context.CancelFunc, 0, len(cancels)-1)
		for j, cancel := range cancels {
			if j != i {
				others = append(others, cancel)
			}
		}
		sess.wg.Add(1)
		go c.pollSurface(ctxs[i], sess, target, onAnswer, onStatus, others)
	}
	return nil
}

type pollTarget struct {
	surface  Surface
	interval time.Duration
}

func (c *Coordinator) pollSurface(ctx context.Context, sess *hostSession, target pollTarget, onAnswer AnswerFunc, onStatus StatusFunc, cancelOthers []context.CancelFunc) {
	defer sess.wg.Done()

	ticker := time.NewTicker(target.interval)
	defer ticker.Stop()

	c.pollOnce(ctx, sess, target.surface, onAnswer, onStatus, cancelOthers)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx, sess, target.surface, onAnswer, onStatus, cancelOthers)
		}
	}
}

func (c *Coordinator) pollOnce(ctx context.Context, sess *hostSession, s Surface, onAnswer AnswerFunc, onStatus StatusFunc, cancelOthers []context.CancelFunc) {
	if !sess.answered.Load() {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		payload, ready, err := s.FetchAnswer(reqCtx, sess.room)
		cancel()
		switch {
		case err != nil:
			if ctx.Err() == nil {
				c.logger.Debug().Err(err).Str("surface", s.Name()).Str("room", sess.room).Msg("answer poll failed")
			}
		case ready:
			if ctx.Err() != nil {
				return
			}
			sess.answerOnce.Do(func() {
				sess.answered.Store(true)
				for _, cancelOther := range cancelOthers {
					cancelOther()
				}
				latency := time.Since(sess.createdAt)
				metrics.IncAnswer(s.Name())
				metrics.ObserveAnswerLatency(latency.Seconds())
				c.logger.Info().
					Str("event", "rendezvous.answered").
					Str("room", sess.room).
					Str("surface", s.Name()).
					Dur("latency", latency).
					Msg("guest answer received")
				onAnswer(payload, s.Name())
			})
		}
	}

	if onStatus == nil {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	status, err := s.FetchStatus(reqCtx, sess.room)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Debug().Err(err).Str("surface", s.Name()).Str("room", sess.room).Msg("status poll failed")
		}
		return
	}
	if status == nil || ctx.Err() != nil {
		return
	}
	if sess.statusChanged(status) {
		onStatus(status)
	}
}

// Teardown stops the session's poll loops, evicts its LAN record,
// best-effort deletes its relay keys, and shuts the LAN server down
// when this was the last session. It waits for the loops to exit, so
// no callback fires after Teardown returns.
func (c *Coordinator) Teardown(roomName string) {
	name, err := room.Normalize(roomName)
	if err != nil {
		return
	}

	c.mu.Lock()
	sess, ok := c.sessions[name]
	delete(c.sessions, name)
	remaining := len(c.sessions)
	reg := c.registry
	var srv *signal.Server
	if remaining == 0 && c.server != nil {
		srv = c.server
		c.server = nil
		c.registry = nil
		c.lanHost = ""
		c.lanPort = 0
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	sess.stop()

	if reg != nil {
		reg.Remove(name)
	}
	if c.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		_ = c.relay.DeleteSession(ctx, name)
		cancel()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("lan signaler shutdown failed")
		}
		cancel()
	}

	metrics.SetActiveSessions(remaining)
	c.logger.Info().Str("event", "rendezvous.teardown").Str("room", name).Msg("session torn down")
}

// Close tears down every live session.
func (c *Coordinator) Close() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.sessions))
	for name := range c.sessions {
		rooms = append(rooms, name)
	}
	c.mu.Unlock()
	for _, name := range rooms {
		c.Teardown(name)
	}
}

// pickRoom resolves the session's room name: a provided name is
// normalized and used as-is (a host re-creating its own room takes it
// over), an empty one is drawn until it misses every published room.
func (c *Coordinator) pickRoom(ctx context.Context, requested string, exists func(context.Context, string) bool) (string, error) {
	if requested != "" {
		name, err := room.Normalize(requested)
		if err != nil {
			return "", fmt.Errorf("invalid room name: %w", err)
		}
		return name, nil
	}

	for draw := 0; draw < maxRoomDraws; draw++ {
		name := room.Draw() + "-" + room.Draw()
		if !exists(ctx, name) {
			return name, nil
		}
		metrics.IncRoomRedraw()
		c.logger.Debug().Str("room", name).Msg("drawn room taken, redrawing")
	}
	return "", ErrRoomDrawsExhausted
}

func (c *Coordinator) offerExists(ctx context.Context, name string) bool {
	if c.hasLocalSession(name) {
		return true
	}
	if c.relay == nil {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err := c.relay.GetOffer(reqCtx, name)
	return err == nil
}

func (c *Coordinator) bundleExists(ctx context.Context, name string) bool {
	if c.hasLocalSession(name) {
		return true
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err := c.relay.GetBundle(reqCtx, name)
	return err == nil
}

func (c *Coordinator) hasLocalSession(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[name]
	return ok
}

func (c *Coordinator) track(name string) {
	c.mu.Lock()
	c.sessions[name] = &hostSession{room: name, createdAt: time.Now()}
	active := len(c.sessions)
	c.mu.Unlock()
	metrics.SetActiveSessions(active)
}

// ensureLAN lazily starts the shared LAN signaler.
func (c *Coordinator) ensureLAN() (host string, port int, reg *signal.Registry, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server != nil {
		return c.lanHost, c.lanPort, c.registry, nil
	}

	reg = signal.NewRegistry(c.cfg.SessionTTL)
	srv := signal.NewServer(reg, c.cfg.Server, c.logger)
	port, err = srv.Start()
	if err != nil {
		return "", 0, nil, err
	}

	host, ok := platformnet.FirstLANIPv4()
	if !ok {
		host = "127.0.0.1"
	}

	c.registry = reg
	c.server = srv
	c.lanHost = host
	c.lanPort = port
	return host, port, reg, nil
}
