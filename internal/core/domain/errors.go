package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTokenMismatch      = errors.New("session token does not match the pending pairing")
	ErrTokenExpired       = errors.New("session token expired")
	ErrNotPairing         = errors.New("no pairing in progress")
	ErrAlreadyClaimed     = errors.New("pairing already claimed by another connection")
	ErrStaleSession       = errors.New("session generation is no longer current")
	ErrNegotiationFailed  = errors.New("negotiation failed")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrMalformedMessage   = errors.New("malformed signaling message")
	ErrUnknownMessageType = errors.New("unknown signaling message type")
	ErrInvalidPayload     = errors.New("invalid pairing payload")
	ErrNoFrame            = errors.New("no frame available")
)

// NegotiationError is returned when the negotiation engine rejects an
// offer, an answer or a candidate.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed during %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiationFailed }

// MalformedFrameError describes why a MediaFrame could not be converted.
type MalformedFrameError struct {
	Format PixelFormat
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed %s frame: %s", e.Format, e.Reason)
}

func (e *MalformedFrameError) Is(target error) bool { return target == ErrMalformedFrame }
