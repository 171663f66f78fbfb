// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"sync"
)

// Compile-time interface checks.
var (
	_ Conn   = (*memoryConn)(nil)
	_ Dialer = (*memoryDialer)(nil)
)

// memoryQueueDepth bounds in-flight frames per direction. A full queue
// blocks the producer, which is the backpressure a real link applies.
const memoryQueueDepth = 256

// memoryConn is one end of an in-process pair.
type memoryConn struct {
	peer *memoryConn

	messages chan Message
	events   chan Event
	bufLow   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newMemoryConn() *memoryConn {
	return &memoryConn{
		messages: make(chan Message, memoryQueueDepth),
		events:   make(chan Event, 8),
		bufLow:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func newMemoryPair() (*memoryConn, *memoryConn) {
	a := newMemoryConn()
	b := newMemoryConn()
	a.peer, b.peer = b, a
	return a, b
}

// NewMemoryPair returns two cross-wired conns that deliver frames
// in-process, in order. Closing either side tears down both.
func NewMemoryPair() (Conn, Conn) {
	a, b := newMemoryPair()
	return a, b
}

func (c *memoryConn) SendText(s string) error {
	return c.send(Message{Data: []byte(s), IsText: true})
}

func (c *memoryConn) Send(b []byte) error {
	// The producer may reuse its buffer between frames.
	buf := make([]byte, len(b))
	copy(buf, b)
	return c.send(Message{Data: buf})
}

func (c *memoryConn) send(m Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.peer.messages <- m:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.peer.done:
		return ErrClosed
	}
}

func (c *memoryConn) Messages() <-chan Message { return c.messages }
func (c *memoryConn) Events() <-chan Event     { return c.events }

func (c *memoryConn) BufferedAmount() uint64 { return 0 }

func (c *memoryConn) SetBufferedAmountLowThreshold(uint64) {}

func (c *memoryConn) BufferedAmountLow() <-chan struct{} { return c.bufLow }

func (c *memoryConn) Done() <-chan struct{} { return c.done }

func (c *memoryConn) Close() error {
	c.shutdown()
	if c.peer != nil {
		c.peer.shutdown()
	}
	return nil
}

func (c *memoryConn) shutdown() {
	c.closeOnce.Do(func() {
		c.emitEvent(Event{Kind: EventDisconnected})
		close(c.done)
	})
}

func (c *memoryConn) emitEvent(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// MemoryService models the media service for tests. Each join token
// admits at most one live participant; a second claim fails with
// ErrIdentityTaken until the first connection closes. Every successful
// join surfaces the host end of a fresh pair on Connections.
type MemoryService struct {
	mu      sync.Mutex
	claimed map[string]bool
	nextErr error

	conns chan Conn
}

// NewMemoryService creates an empty in-process media service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		claimed: make(map[string]bool),
		conns:   make(chan Conn, 8),
	}
}

// Dialer returns the guest-side dialer for this service.
func (s *MemoryService) Dialer() Dialer {
	return &memoryDialer{service: s}
}

// Connections delivers the host end of each guest join.
func (s *MemoryService) Connections() <-chan Conn {
	return s.conns
}

// Claim marks a token as already connected so the next Connect with it
// fails with ErrIdentityTaken.
func (s *MemoryService) Claim(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed[token] = true
}

// FailNext makes the next Connect fail with err regardless of token.
func (s *MemoryService) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErr = err
}

type memoryDialer struct {
	service *MemoryService
}

func (d *memoryDialer) Connect(ctx context.Context, _, token string) (Conn, error) {
	s := d.service

	s.mu.Lock()
	if err := s.nextErr; err != nil {
		s.nextErr = nil
		s.mu.Unlock()
		return nil, err
	}
	if s.claimed[token] {
		s.mu.Unlock()
		return nil, ErrIdentityTaken
	}
	s.claimed[token] = true
	s.mu.Unlock()

	hostEnd, guestEnd := newMemoryPair()
	hostEnd.emitEvent(Event{Kind: EventParticipantJoined, Participant: token})

	// The identity frees up when the guest's link goes down.
	go func() {
		<-guestEnd.done
		s.mu.Lock()
		delete(s.claimed, token)
		s.mu.Unlock()
	}()

	select {
	case s.conns <- hostEnd:
	case <-ctx.Done():
		_ = hostEnd.Close()
		return nil, ctx.Err()
	}
	return guestEnd, nil
}
