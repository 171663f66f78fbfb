// SPDX-License-Identifier: MIT

// Package session implements the guest and host state machines on top
// of the rendezvous, transport, transfer, and blobstore layers, plus
// the classified error taxonomy both machines surface.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/wiserhq/meetsync/internal/relay"
	"github.com/wiserhq/meetsync/internal/rendezvous"
	"github.com/wiserhq/meetsync/internal/transfer"
	"github.com/wiserhq/meetsync/internal/transport"
)

// Kind classifies a session failure. Kinds, not concrete error types,
// cross the session boundary; the UI maps them to user strings.
type Kind string

const (
	KindRoomUnknown          Kind = "room_unknown"
	KindPermissionDenied     Kind = "permission_denied"
	KindDeviceMissing        Kind = "device_missing"
	KindDeviceBusy           Kind = "device_busy"
	KindOverconstrained      Kind = "overconstrained"
	KindNetworkError         Kind = "network_error"
	KindSignalingUnavailable Kind = "signaling_unavailable"
	KindTokenExhausted       Kind = "token_exhausted"
	KindProtocolViolation    Kind = "protocol_violation"
	KindTransferFailed       Kind = "transfer_failed"
)

// UserMessage is the string shown to the user for this kind.
func (k Kind) UserMessage() string {
	switch k {
	case KindRoomUnknown:
		return "No active meeting for that name."
	case KindPermissionDenied:
		return "Camera and microphone access was denied. Allow access in your system settings and try again."
	case KindDeviceMissing:
		return "No camera or microphone was found on this device."
	case KindDeviceBusy:
		return "The camera or microphone is in use by another application."
	case KindOverconstrained:
		return "Your capture device does not support the requested quality."
	case KindNetworkError:
		return "A network problem interrupted the meeting. Check your connection and try again."
	case KindSignalingUnavailable:
		return "The meeting could not be published. Neither the relay nor the local network responded."
	case KindTokenExhausted:
		return "The meeting is full or its invitations were all claimed."
	case KindProtocolViolation:
		return "The recording arrived corrupted and was discarded. Ask the guest to retry the transfer."
	case KindTransferFailed:
		return "The recording transfer was interrupted. The recording is kept locally; retry or download it."
	default:
		return "Something went wrong."
	}
}

// Error is a classified session failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with its classified kind and the failing operation.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classified kind from err, or "" when it carries
// none.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Classify wraps err with the kind inferred from the component
// sentinels. Unrecognized errors classify as network failures, the
// only unclassified way the lower layers fail.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}

	kind := KindNetworkError
	switch {
	case errors.Is(err, rendezvous.ErrNotFound):
		kind = KindRoomUnknown
	case errors.Is(err, rendezvous.ErrSignalingUnavailable), errors.Is(err, rendezvous.ErrRoomDrawsExhausted):
		kind = KindSignalingUnavailable
	case errors.Is(err, rendezvous.ErrTokenExhausted):
		kind = KindTokenExhausted
	case errors.Is(err, transfer.ErrProtocolViolation):
		kind = KindProtocolViolation
	case errors.Is(err, transfer.ErrTransferFailed), errors.Is(err, transport.ErrClosed):
		kind = KindTransferFailed
	case errors.Is(err, ErrPermissionDenied):
		kind = KindPermissionDenied
	case errors.Is(err, ErrDeviceMissing):
		kind = KindDeviceMissing
	case errors.Is(err, ErrDeviceBusy):
		kind = KindDeviceBusy
	case errors.Is(err, ErrOverconstrained):
		kind = KindOverconstrained
	case errors.Is(err, relay.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		kind = KindNetworkError
	}
	return E(kind, op, err)
}
