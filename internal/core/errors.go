package core

import "errors"

var (
	// ErrNoActiveOffer fails a join when the publisher has not gone live.
	ErrNoActiveOffer = errors.New("no active offer")
	// ErrDuplicateConnection marks a second registration attempt for a
	// subscriber id that already has a live connection.
	ErrDuplicateConnection = errors.New("duplicate connection attempt")
	// ErrSignalingWrite is returned once bounded write retries are exhausted.
	ErrSignalingWrite = errors.New("signaling write failed")
	// ErrSessionClosed rejects operations on a stopped session.
	ErrSessionClosed = errors.New("session closed")
)
