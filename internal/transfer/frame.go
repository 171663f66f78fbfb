// SPDX-License-Identifier: MIT

// Package transfer streams a recorded artifact across the reliable
// ordered data channel: one JSON header frame, the chunk frames, one
// JSON trailer frame. The channel guarantees ordering and delivery; the
// engine adds no sequencing of its own.
package transfer

import (
	"encoding/json"
	"time"
)

// Text frame types on the data channel.
const (
	TypeTransferStart    = "track-transfer-start"
	TypeTransferComplete = "track-transfer-complete"
	TypeRecordingStart   = "recording-start"
	TypeRecordingStop    = "recording-stop"
)

// Header opens a transfer. totalChunks covers the binary frames that
// follow, the final one possibly short.
type Header struct {
	Type        string  `json:"type"`
	TotalChunks int     `json:"totalChunks"`
	TotalBytes  int64   `json:"totalBytes"`
	MimeType    string  `json:"mimeType"`
	Duration    float64 `json:"duration"`
	SessionCode string  `json:"sessionCode"`
	RecordedAt  string  `json:"recordedAt"`
}

// Trailer closes a transfer.
type Trailer struct {
	Type string `json:"type"`
}

// Control is a live-phase control frame from the host. Timestamp is
// unix milliseconds when present.
type Control struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Metadata describes the artifact being sent; it rides in the header.
type Metadata struct {
	MimeType    string
	Duration    time.Duration
	SessionCode string
	RecordedAt  time.Time
}

// FrameType reports the type field of a JSON text frame. ok is false
// for frames that do not parse or carry no type.
func FrameType(data []byte) (string, bool) {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &t); err != nil || t.Type == "" {
		return "", false
	}
	return t.Type, true
}

// NewControl builds a control frame stamped with the current time.
func NewControl(frameType string, now time.Time) Control {
	return Control{Type: frameType, Timestamp: now.UnixMilli()}
}
