// SPDX-License-Identifier: MIT

// Package signal implements the LAN rendezvous surface: a TTL session
// registry, the HTTP signaling server over it, and the matching client.
package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wiserhq/meetsync/internal/metrics"
)

// Status tracks the single allowed transition of a session record.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusAnswered Status = "answered"
)

var (
	// ErrNotFound indicates no live record exists for the room.
	ErrNotFound = errors.New("signal: session not found")
	// ErrExpired indicates the record outlived its TTL. The registry has
	// already evicted it by the time this is returned.
	ErrExpired = errors.New("signal: session expired")
)

// Record is one LAN session: the host's offer, the guest's answer once
// present, and the optional progress side channel.
type Record struct {
	Room        string
	Offer       []byte
	Answer      []byte
	Status      Status
	GuestStatus json.RawMessage
	CreatedAt   time.Time
}

// Registry is the mutex-guarded session table. Room keys are stored
// post-normalization; every access checks TTL and lazily evicts.
type Registry struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*Record
	now      func() time.Time
}

// NewRegistry creates a registry whose records expire ttl after insert.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:      ttl,
		sessions: make(map[string]*Record),
		now:      time.Now,
	}
}

// Insert registers a waiting session, replacing any previous record for
// the room (a host restarting a session supersedes the stale one).
func (r *Registry) Insert(room string, offer []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[room] = &Record{
		Room:      room,
		Offer:     offer,
		Status:    StatusWaiting,
		CreatedAt: r.now(),
	}
	metrics.SetActiveSessions(len(r.sessions))
}

// fetch returns the live record or evicts and reports why it is gone.
// Callers hold the lock. A record read exactly at createdAt+TTL counts
// as expired.
func (r *Registry) fetch(room string) (*Record, error) {
	rec, ok := r.sessions[room]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.now().Before(rec.CreatedAt.Add(r.ttl)) {
		delete(r.sessions, room)
		metrics.SetActiveSessions(len(r.sessions))
		return nil, ErrExpired
	}
	return rec, nil
}

// Offer returns the host's credential payload while the session is still
// joinable. Answered sessions report ErrNotFound: the offer is single-use.
func (r *Registry) Offer(room string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.fetch(room)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusWaiting {
		return nil, ErrNotFound
	}
	out := make([]byte, len(rec.Offer))
	copy(out, rec.Offer)
	return out, nil
}

// Answer records the guest's payload. The first write wins and flips the
// status to answered; repeats are silently ignored (applied=false).
func (r *Registry) Answer(room string, payload []byte) (applied bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.fetch(room)
	if err != nil {
		return false, err
	}
	if rec.Status == StatusAnswered {
		return false, nil
	}
	rec.Answer = make([]byte, len(payload))
	copy(rec.Answer, payload)
	rec.Status = StatusAnswered
	return true, nil
}

// AnswerPayload returns the guest's answer once present. ready=false
// while the session is still waiting.
func (r *Registry) AnswerPayload(room string) (payload []byte, ready bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.fetch(room)
	if err != nil {
		return nil, false, err
	}
	if rec.Status != StatusAnswered {
		return nil, false, nil
	}
	out := make([]byte, len(rec.Answer))
	copy(out, rec.Answer)
	return out, true, nil
}

// SetGuestStatus stores the guest's progress blob.
func (r *Registry) SetGuestStatus(room string, status json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.fetch(room)
	if err != nil {
		return err
	}
	rec.GuestStatus = append(json.RawMessage(nil), status...)
	return nil
}

// GuestStatus returns the guest's progress blob, nil while absent.
func (r *Registry) GuestStatus(room string) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.fetch(room)
	if err != nil {
		return nil, err
	}
	if rec.GuestStatus == nil {
		return nil, nil
	}
	return append(json.RawMessage(nil), rec.GuestStatus...), nil
}

// Snapshot returns a copy of the live record for host-side polling.
func (r *Registry) Snapshot(room string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.fetch(room)
	if err != nil {
		return Record{}, err
	}
	out := *rec
	out.Offer = append([]byte(nil), rec.Offer...)
	out.Answer = append([]byte(nil), rec.Answer...)
	out.GuestStatus = append(json.RawMessage(nil), rec.GuestStatus...)
	return out, nil
}

// Remove evicts the room's record, if any.
func (r *Registry) Remove(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, room)
	metrics.SetActiveSessions(len(r.sessions))
}

// Len reports the number of live records (expired ones included until
// their next access).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
