// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Compile-time interface check.
var _ Conn = (*dataChannelConn)(nil)

// dataChannelLabel is the single reliable ordered channel carrying both
// control frames and the recording transfer.
const dataChannelLabel = "meetsync"

// iceGatherTimeout caps the wait for candidate gathering. Descriptions
// are published complete (vanilla ICE), so signaling is one round trip.
const iceGatherTimeout = 15 * time.Second

// PeerConfig configures a WebRTC peer end.
type PeerConfig struct {
	// STUNURLs seed ICE. Empty means host candidates only, which is
	// enough on a LAN.
	STUNURLs []string

	// IncludeLoopback admits loopback candidates so two peers on the
	// same machine can connect (tests, single-host demos).
	IncludeLoopback bool
}

// Peer is one end of a WebRTC peer connection carrying the meetsync
// data channel. The host creates the channel and offers; the guest
// answers. Call AwaitConn after signaling completes to obtain the
// framed link.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	connCh    chan Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeer(cfg PeerConfig, logger zerolog.Logger) (*Peer, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	var servers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	return &Peer{
		pc:     pc,
		logger: logger,
		connCh: make(chan Conn, 1),
		closed: make(chan struct{}),
	}, nil
}

// NewHostPeer creates the offering side. The data channel is created up
// front so it rides in the offer.
func NewHostPeer(cfg PeerConfig, logger zerolog.Logger) (*Peer, error) {
	p, err := newPeer(cfg, logger)
	if err != nil {
		return nil, err
	}

	ordered := true
	dc, err := p.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		_ = p.pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	p.adoptChannel(dc)
	return p, nil
}

// NewGuestPeer creates the answering side. The data channel arrives from
// the host once the connection is up.
func NewGuestPeer(cfg PeerConfig, logger zerolog.Logger) (*Peer, error) {
	p, err := newPeer(cfg, logger)
	if err != nil {
		return nil, err
	}

	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			p.logger.Warn().
				Str("event", "transport.channel_rejected").
				Str("label", dc.Label()).
				Msg("unexpected data channel")
			_ = dc.Close()
			return
		}
		p.adoptChannel(dc)
	})
	return p, nil
}

// adoptChannel wraps dc and delivers the framed conn once it opens.
func (p *Peer) adoptChannel(dc *webrtc.DataChannel) {
	conn := newDataChannelConn(dc, p.logger)
	dc.OnOpen(func() {
		p.logger.Debug().
			Str("event", "transport.channel_open").
			Str("label", dc.Label()).
			Msg("data channel open")
		conn.emitEvent(Event{Kind: EventParticipantJoined})
		select {
		case p.connCh <- conn:
		default:
		}
	})
}

// Offer produces the complete local SDP as a JSON session description.
// Candidates are gathered before returning.
func (p *Peer) Offer(ctx context.Context) ([]byte, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	return p.finishLocalDescription(ctx, offer)
}

// Answer consumes the host's offer and produces the answering SDP.
func (p *Peer) Answer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("decoding offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("setting remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating answer: %w", err)
	}
	return p.finishLocalDescription(ctx, answer)
}

// AcceptAnswer installs the guest's answer on the offering side.
func (p *Peer) AcceptAnswer(answerJSON []byte) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(answerJSON, &answer); err != nil {
		return fmt.Errorf("decoding answer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return nil
}

func (p *Peer) finishLocalDescription(ctx context.Context, desc webrtc.SessionDescription) ([]byte, error) {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return nil, fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return json.Marshal(p.pc.LocalDescription())
}

// AwaitConn blocks until the data channel is open.
func (p *Peer) AwaitConn(ctx context.Context) (Conn, error) {
	select {
	case conn := <-p.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrClosed
	}
}

// Close tears down the peer connection and any channel on it.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return p.pc.Close()
}

// dataChannelConn adapts a pion data channel to Conn. Messages are
// delivered from pion's read loop; blocking on a full queue applies
// backpressure without reordering.
type dataChannelConn struct {
	dc     *webrtc.DataChannel
	logger zerolog.Logger

	messages chan Message
	events   chan Event
	bufLow   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newDataChannelConn(dc *webrtc.DataChannel, logger zerolog.Logger) *dataChannelConn {
	c := &dataChannelConn{
		dc:       dc,
		logger:   logger,
		messages: make(chan Message, memoryQueueDepth),
		events:   make(chan Event, 8),
		bufLow:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.messages <- Message{Data: msg.Data, IsText: msg.IsString}:
		case <-c.done:
		}
	})
	dc.OnClose(func() {
		c.teardown()
	})
	dc.OnError(func(err error) {
		c.logger.Warn().Err(err).
			Str("event", "transport.channel_error").
			Str("label", dc.Label()).
			Msg("data channel error")
		c.teardown()
	})
	dc.OnBufferedAmountLow(func() {
		select {
		case c.bufLow <- struct{}{}:
		default:
		}
	})

	return c
}

func (c *dataChannelConn) emitEvent(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *dataChannelConn) teardown() {
	c.closeOnce.Do(func() {
		c.emitEvent(Event{Kind: EventDisconnected})
		close(c.done)
	})
}

func (c *dataChannelConn) SendText(s string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.dc.SendText(s); err != nil {
		return fmt.Errorf("send text frame: %w", err)
	}
	return nil
}

func (c *dataChannelConn) Send(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.dc.Send(b); err != nil {
		return fmt.Errorf("send binary frame: %w", err)
	}
	return nil
}

func (c *dataChannelConn) Messages() <-chan Message { return c.messages }

func (c *dataChannelConn) Events() <-chan Event { return c.events }

func (c *dataChannelConn) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

func (c *dataChannelConn) SetBufferedAmountLowThreshold(n uint64) {
	c.dc.SetBufferedAmountLowThreshold(n)
}

func (c *dataChannelConn) BufferedAmountLow() <-chan struct{} { return c.bufLow }

func (c *dataChannelConn) Done() <-chan struct{} { return c.done }

func (c *dataChannelConn) Close() error {
	c.teardown()
	return c.dc.Close()
}
