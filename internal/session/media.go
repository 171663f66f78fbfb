// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"time"
)

// Media acquisition sentinels. The OS capture stack lives outside this
// subsystem; implementations translate their platform errors to these
// so Classify can map them to kinds.
var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrDeviceMissing    = errors.New("media: no capture device")
	ErrDeviceBusy       = errors.New("media: capture device busy")
	ErrOverconstrained  = errors.New("media: constraints cannot be satisfied")
)

// Constraints requests a capture configuration. Zero-valued dimensions
// leave the device unconstrained.
type Constraints struct {
	Audio     bool
	Video     bool
	Width     int
	Height    int
	FrameRate int
}

// DefaultConstraints is the first-attempt capture request.
func DefaultConstraints() Constraints {
	return Constraints{Audio: true, Video: true, Width: 1280, Height: 720, FrameRate: 30}
}

// MinimalConstraints is the fallback after an overconstrained failure:
// bare audio and video with no quality demands.
func MinimalConstraints() Constraints {
	return Constraints{Audio: true, Video: true}
}

// Track is an acquired local capture stream.
type Track interface {
	Release()
}

// MediaSource acquires local capture devices.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (Track, error)
}

// Recording is the recorder's flushed output.
type Recording struct {
	Data     []byte
	MimeType string
	Duration time.Duration
}

// Recorder captures a track between start and stop and flushes the
// result as a single blob.
type Recorder interface {
	Start(track Track) error
	Stop(ctx context.Context) (Recording, error)
}

type nullTrack struct{}

func (nullTrack) Release() {}

// NullMediaSource always succeeds with an inert track. Deployments
// without an OS capture stack wire this in.
type NullMediaSource struct{}

func (NullMediaSource) Acquire(context.Context, Constraints) (Track, error) {
	return nullTrack{}, nil
}

// BufferRecorder emits a fixed payload as the recording, standing in
// for the platform encoder.
type BufferRecorder struct {
	Payload  []byte
	MimeType string

	started time.Time
}

func (r *BufferRecorder) Start(Track) error {
	r.started = time.Now()
	return nil
}

func (r *BufferRecorder) Stop(context.Context) (Recording, error) {
	mime := r.MimeType
	if mime == "" {
		mime = "audio/webm;codecs=opus"
	}
	return Recording{
		Data:     r.Payload,
		MimeType: mime,
		Duration: time.Since(r.started),
	}, nil
}
